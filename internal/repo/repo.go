package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"actionline/internal/config"
	"actionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- contexts ---

// EnsureContext registers a context on first use.
func (r Repo) EnsureContext(ctx context.Context, tx *sql.Tx, id, contextType, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contexts(id,type,created_at) VALUES (?,?,?) ON CONFLICT(id,type) DO NOTHING`,
		id, contextType, now)
	return err
}

func (r Repo) GetContext(ctx context.Context, id, contextType string) (domain.Context, error) {
	var c domain.Context
	err := r.DB.QueryRowContext(ctx, `SELECT id,type,created_at FROM contexts WHERE id=? AND type=?`, id, contextType).
		Scan(&c.ID, &c.Type, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListContexts(ctx context.Context) ([]domain.Context, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,type,created_at FROM contexts ORDER BY created_at,id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Context
	for rows.Next() {
		var c domain.Context
		if err := rows.Scan(&c.ID, &c.Type, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContextStats are cheap counters for the status endpoint.
type ContextStats struct {
	Actions int `json:"actions"`
	Events  int `json:"events"`
}

func (r Repo) GetContextStats(ctx context.Context, id, contextType string) (ContextStats, error) {
	var s ContextStats
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions WHERE context_id=? AND context_type=?`, id, contextType).Scan(&s.Actions); err != nil {
		return s, err
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE context_id=? AND context_type=?`, id, contextType).Scan(&s.Events); err != nil {
		return s, err
	}
	return s, nil
}

// --- context configs ---

func (r Repo) GetContextConfig(ctx context.Context, id, contextType string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM context_configs WHERE context_id=? AND context_type=?`, id, contextType).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertContextConfig(ctx context.Context, id, contextType string, cfg *config.Config, now string) error {
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO context_configs(context_id,context_type,yaml,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(context_id,context_type) DO UPDATE SET yaml=excluded.yaml,updated_at=excluded.updated_at`,
		id, contextType, string(data), now)
	return err
}

// --- actions ---

func bindingsJSON(bindings []domain.FieldBinding) (string, error) {
	if bindings == nil {
		bindings = []domain.FieldBinding{}
	}
	b, err := json.Marshal(bindings)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var bindings string
	var parent sql.NullString
	err := scan(&a.ID, &a.ContextID, &a.ContextType, &a.Type, &bindings, &parent, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(bindings), &a.FieldBindings); err != nil {
		return a, fmt.Errorf("decode field bindings: %w", err)
	}
	if parent.Valid {
		a.ParentActionID = &parent.String
	}
	return a, nil
}

const actionColumns = `id,context_id,context_type,type,field_bindings_json,parent_action_id,created_at`

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	bindings, err := bindingsJSON(a.FieldBindings)
	if err != nil {
		return err
	}
	var parent any
	if a.ParentActionID != nil {
		parent = *a.ParentActionID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO actions(id,context_id,context_type,type,field_bindings_json,parent_action_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ContextID, a.ContextType, a.Type, bindings, parent, a.CreatedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// UpdateActionBindings replaces the current bindings wholesale; identity and
// history are untouched.
func (r Repo) UpdateActionBindings(ctx context.Context, tx *sql.Tx, id string, bindings []domain.FieldBinding) error {
	raw, err := bindingsJSON(bindings)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE actions SET field_bindings_json=? WHERE id=?`, raw, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ActionFilters narrow ListActions.
type ActionFilters struct {
	ContextID   string
	ContextType string
	Type        string
	Limit       int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	var (
		where []string
		args  []any
	)
	if f.ContextID != "" {
		where = append(where, "context_id=?")
		args = append(args, f.ContextID)
	}
	if f.ContextType != "" {
		where = append(where, "context_type=?")
		args = append(args, f.ContextType)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	q := `SELECT ` + actionColumns + ` FROM actions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at,id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListContextActions returns all actions of one context in declaration
// order, the base ordering of surface rows.
func (r Repo) ListContextActions(ctx context.Context, contextID, contextType string) ([]domain.Action, error) {
	return r.ListActions(ctx, ActionFilters{ContextID: contextID, ContextType: contextType})
}

// --- references ---

func scanReference(scan func(dest ...any) error) (domain.ActionReference, error) {
	var ref domain.ActionReference
	var source, field sql.NullString
	err := scan(&ref.ID, &ref.ActionID, &source, &field, &ref.Mode, &ref.SnapshotValue, &ref.CreatedAt)
	if err == sql.ErrNoRows {
		return ref, ErrNotFound
	}
	if err != nil {
		return ref, err
	}
	if source.Valid {
		ref.SourceRecordID = &source.String
	}
	if field.Valid {
		ref.TargetFieldKey = &field.String
	}
	return ref, nil
}

const referenceColumns = `id,action_id,source_record_id,target_field_key,mode,snapshot_value,created_at`

func (r Repo) InsertReference(ctx context.Context, tx *sql.Tx, ref domain.ActionReference) error {
	var source, field any
	if ref.SourceRecordID != nil {
		source = *ref.SourceRecordID
	}
	if ref.TargetFieldKey != nil {
		field = *ref.TargetFieldKey
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO action_references(id,action_id,source_record_id,target_field_key,mode,snapshot_value,created_at) VALUES (?,?,?,?,?,?,?)`,
		ref.ID, ref.ActionID, source, field, ref.Mode, ref.SnapshotValue, ref.CreatedAt)
	return err
}

func (r Repo) DeleteReference(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM action_references WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetReference(ctx context.Context, id string) (domain.ActionReference, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM action_references WHERE id=?`, id)
	return scanReference(row.Scan)
}

func (r Repo) ListReferences(ctx context.Context, actionID string) ([]domain.ActionReference, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+referenceColumns+` FROM action_references WHERE action_id=? ORDER BY created_at,id`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActionReference
	for rows.Next() {
		ref, err := scanReference(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
