package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/refs"
	"actionline/internal/repo"
)

// AddReferenceOptions are parameters for attaching one reference.
type AddReferenceOptions struct {
	ActionID       string
	SourceRecordID string
	TargetFieldKey string
	Mode           string
	// SnapshotValue freezes the value at snapshot time. When nil the live
	// source value is captured instead.
	SnapshotValue *string
}

// AddReference appends ACTION_REFERENCE_ADDED and materializes the snapshot
// row in the same transaction.
func (e *Engine) AddReference(ctx context.Context, opts AddReferenceOptions) (domain.ActionReference, domain.Event, error) {
	a, err := e.getAction(ctx, opts.ActionID)
	if err != nil {
		return domain.ActionReference{}, domain.Event{}, err
	}
	if opts.Mode != domain.RefModeStatic && opts.Mode != domain.RefModeDynamic {
		return domain.ActionReference{}, domain.Event{}, ValidationError{Field: "mode", Reason: "must be static or dynamic"}
	}
	snapshot := ""
	if opts.SnapshotValue != nil {
		snapshot = *opts.SnapshotValue
	} else if opts.SourceRecordID != "" && opts.TargetFieldKey != "" && e.Source != nil {
		live, ok, err := e.Source.FieldValue(ctx, opts.SourceRecordID, opts.TargetFieldKey)
		if err != nil {
			return domain.ActionReference{}, domain.Event{}, err
		}
		if ok {
			snapshot = live
		}
	}
	ref := domain.ActionReference{
		ID:            uuid.New().String(),
		ActionID:      a.ID,
		Mode:          opts.Mode,
		SnapshotValue: snapshot,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if opts.SourceRecordID != "" {
		ref.SourceRecordID = &opts.SourceRecordID
	}
	if opts.TargetFieldKey != "" {
		ref.TargetFieldKey = &opts.TargetFieldKey
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionReference{}, domain.Event{}, err
	}
	defer tx.Rollback()
	evt, err := e.insertReference(ctx, tx, a, ref)
	if err != nil {
		return domain.ActionReference{}, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionReference{}, domain.Event{}, err
	}
	e.notify(a.ContextID, a.ContextType)
	return ref, evt, nil
}

func (e *Engine) insertReference(ctx context.Context, tx *sql.Tx, a domain.Action, ref domain.ActionReference) (domain.Event, error) {
	if err := e.Repo.InsertReference(ctx, tx, ref); err != nil {
		return domain.Event{}, err
	}
	payload := events.ReferencePayload{
		ReferenceID:   ref.ID,
		Mode:          ref.Mode,
		SnapshotValue: ref.SnapshotValue,
	}
	if ref.SourceRecordID != nil {
		payload.SourceRecordID = *ref.SourceRecordID
	}
	if ref.TargetFieldKey != nil {
		payload.TargetFieldKey = *ref.TargetFieldKey
	}
	return e.Log.Append(ctx, tx, a.ContextID, a.ContextType, a.ID, events.TypeActionReferenceAdded, payload)
}

func (e *Engine) deleteReference(ctx context.Context, tx *sql.Tx, a domain.Action, ref domain.ActionReference) (domain.Event, error) {
	if err := e.Repo.DeleteReference(ctx, tx, ref.ID); err != nil {
		return domain.Event{}, err
	}
	return e.Log.Append(ctx, tx, a.ContextID, a.ContextType, a.ID, events.TypeActionReferenceRemoved, events.ReferencePayload{ReferenceID: ref.ID})
}

// RemoveReference appends ACTION_REFERENCE_REMOVED and drops the snapshot
// row.
func (e *Engine) RemoveReference(ctx context.Context, referenceID string) (domain.Event, error) {
	ref, err := e.Repo.GetReference(ctx, referenceID)
	if err != nil {
		return domain.Event{}, err
	}
	a, err := e.getAction(ctx, ref.ActionID)
	if err != nil {
		return domain.Event{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	evt, err := e.deleteReference(ctx, tx, a, ref)
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	e.notify(a.ContextID, a.ContextType)
	return evt, nil
}

// SetReferencesResult reports what a bulk replace changed.
type SetReferencesResult struct {
	Added      int
	Removed    int
	Events     []domain.Event
	References []domain.ActionReference
}

// SetReferences diffs the current reference set against the desired one and
// emits the minimal add/remove events; unchanged references are never
// touched.
func (e *Engine) SetReferences(ctx context.Context, actionID string, desired []domain.ActionReference) (SetReferencesResult, error) {
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return SetReferencesResult{}, err
	}
	for _, ref := range desired {
		if ref.Mode != domain.RefModeStatic && ref.Mode != domain.RefModeDynamic {
			return SetReferencesResult{}, ValidationError{Field: "mode", Reason: "must be static or dynamic"}
		}
	}
	current, err := e.Repo.ListReferences(ctx, actionID)
	if err != nil {
		return SetReferencesResult{}, err
	}
	toAdd, toRemove := refs.Diff(current, desired)

	var result SetReferencesResult
	if len(toAdd) == 0 && len(toRemove) == 0 {
		result.References = current
		return result, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SetReferencesResult{}, err
	}
	defer tx.Rollback()
	for _, ref := range toRemove {
		evt, err := e.deleteReference(ctx, tx, a, ref)
		if err != nil {
			return SetReferencesResult{}, err
		}
		result.Events = append(result.Events, evt)
		result.Removed++
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, ref := range toAdd {
		ref.ID = uuid.New().String()
		ref.ActionID = actionID
		ref.CreatedAt = now
		evt, err := e.insertReference(ctx, tx, a, ref)
		if err != nil {
			return SetReferencesResult{}, err
		}
		result.Events = append(result.Events, evt)
		result.Added++
	}
	if err := tx.Commit(); err != nil {
		return SetReferencesResult{}, err
	}
	e.notify(a.ContextID, a.ContextType)
	result.References, err = e.Repo.ListReferences(ctx, actionID)
	if err != nil {
		return result, err
	}
	return result, nil
}

// ListReferences returns an action's current reference snapshot rows.
func (e *Engine) ListReferences(ctx context.Context, actionID string) ([]domain.ActionReference, error) {
	if _, err := e.getAction(ctx, actionID); err != nil {
		return nil, err
	}
	return e.Repo.ListReferences(ctx, actionID)
}

// ResolveReference recomputes a dynamic reference's live value and reports
// drift against the snapshot.
func (e *Engine) ResolveReference(ctx context.Context, referenceID string) (refs.Resolution, error) {
	ref, err := e.Repo.GetReference(ctx, referenceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return refs.Resolution{}, repo.ErrNotFound
		}
		return refs.Resolution{}, err
	}
	a, err := e.getAction(ctx, ref.ActionID)
	if err != nil {
		return refs.Resolution{}, err
	}
	cfg := e.configFor(ctx, a.ContextID, a.ContextType)
	return refs.Resolve(ctx, e.Source, ref, e.now(), cfg.ReferenceStaleness())
}
