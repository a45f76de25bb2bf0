package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"actionline/internal/domain"
)

// Log appends to and reads from the append-only events table. Append must be
// called inside the caller's transaction so the event lands atomically with
// any companion row update.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one event, assigning the next per-context sequence number.
// Sequence numbers are allocated at append time inside the transaction, not
// from wall clocks, so concurrent writers cannot produce ties.
func (l Log) Append(ctx context.Context, tx *sql.Tx, contextID, contextType, actionID string, evtType Type, payload any) (domain.Event, error) {
	if !evtType.IsValid() {
		return domain.Event{}, fmt.Errorf("unknown event type %q", evtType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	if payload == nil {
		data = []byte("{}")
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE context_id=?`, contextID).Scan(&seq); err != nil {
		return domain.Event{}, fmt.Errorf("next seq: %w", err)
	}
	occurred := l.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO events(context_id,context_type,seq,action_id,type,payload_json,occurred_at) VALUES (?,?,?,?,?,?,?)`,
		contextID, contextType, seq, nullable(actionID), string(evtType), string(data), occurred)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:          id,
		ContextID:   contextID,
		ContextType: contextType,
		Seq:         seq,
		ActionID:    actionID,
		Type:        string(evtType),
		Payload:     string(data),
		OccurredAt:  occurred,
	}, nil
}

const eventColumns = `id,context_id,context_type,seq,COALESCE(action_id,''),type,payload_json,occurred_at`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.ContextID, &e.ContextType, &e.Seq, &e.ActionID, &e.Type, &e.Payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForAction returns all events of one action in log order.
func (l Log) ForAction(ctx context.Context, actionID string) ([]domain.Event, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE action_id=? ORDER BY seq,id`, actionID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ForActionTx is ForAction inside an open transaction, for commands that must
// read a snapshot consistent with their own write.
func (l Log) ForActionTx(ctx context.Context, tx *sql.Tx, actionID string) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE action_id=? ORDER BY seq,id`, actionID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ForContext returns events of one context in log order, optionally paged.
// afterSeq=0 starts from the beginning; limit<=0 means no limit.
func (l Log) ForContext(ctx context.Context, contextID, contextType string, afterSeq int64, limit int) ([]domain.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE context_id=? AND context_type=? AND seq>? ORDER BY seq,id`
	args := []any{contextID, contextType, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ForContextTx is ForContext without paging inside an open transaction.
func (l Log) ForContextTx(ctx context.Context, tx *sql.Tx, contextID, contextType string) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE context_id=? AND context_type=? ORDER BY seq,id`, contextID, contextType)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// After returns up to limit events with id greater than cursor, across all
// contexts, in insertion order. Used by outbound dispatchers.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestID returns the id of the most recent event, or 0 when the log is
// empty.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// Decode unmarshals an event payload into the given payload struct.
func Decode(e domain.Event, into any) error {
	if e.Payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(e.Payload), into)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
