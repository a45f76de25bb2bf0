package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/interpret"
	"actionline/internal/refs"
	"actionline/internal/repo"
	"actionline/internal/surface"
)

// Engine executes commands against the event log and the derived stores.
// Every command is one storage transaction: the event append and any
// companion row update land together or not at all.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    events.Log
	Config *config.Config
	Source refs.Source
	Now    func() time.Time
	Logger *slog.Logger

	surfaces *surface.Cache

	mu           sync.Mutex
	contextLocks map[string]*sync.Mutex
	notifiers    []func(contextID, contextType string)
}

func New(conn *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:           conn,
		Repo:         repo.Repo{DB: conn},
		Log:          events.Log{DB: conn},
		Config:       cfg,
		Source:       repo.RecordSource{DB: conn},
		Now:          time.Now,
		Logger:       slog.Default(),
		surfaces:     surface.NewCache(),
		contextLocks: map[string]*sync.Mutex{},
	}
	e.Subscribe(e.surfaces.Invalidate)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Subscribe registers a callback invoked after every committed write with
// the affected context. Consumers decide what to invalidate; the core does
// not know their cache topology.
func (e *Engine) Subscribe(fn func(contextID, contextType string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, fn)
}

func (e *Engine) notify(contextID, contextType string) {
	e.mu.Lock()
	fns := make([]func(string, string), len(e.notifiers))
	copy(fns, e.notifiers)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(contextID, contextType)
	}
}

// lockContext returns the mutex guarding check-then-append sequences of one
// context.
func (e *Engine) lockContext(contextID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.contextLocks[contextID]
	if !ok {
		l = &sync.Mutex{}
		e.contextLocks[contextID] = l
	}
	return l
}

// configFor returns the per-context config override or the engine default.
func (e *Engine) configFor(ctx context.Context, contextID, contextType string) *config.Config {
	cfg, err := e.Repo.GetContextConfig(ctx, contextID, contextType)
	if err != nil {
		return e.Config
	}
	return cfg
}

// DeclareOptions are parameters for declaring an action.
type DeclareOptions struct {
	ID             string
	ContextID      string
	ContextType    string
	Type           string
	FieldBindings  []domain.FieldBinding
	ParentActionID string
}

// DeclareAction validates intent, creates the action row and appends
// ACTION_DECLARED with the full binding snapshot.
func (e *Engine) DeclareAction(ctx context.Context, opts DeclareOptions) (domain.Action, domain.Event, error) {
	if opts.ContextID == "" {
		return domain.Action{}, domain.Event{}, ValidationError{Field: "context_id", Reason: "required"}
	}
	if !e.Config.ContextTypeAllowed(opts.ContextType) {
		return domain.Action{}, domain.Event{}, UnknownContextError{ContextType: opts.ContextType}
	}
	if opts.Type == "" {
		return domain.Action{}, domain.Event{}, ValidationError{Field: "type", Reason: "required"}
	}
	if err := e.requireBindings(opts.Type, opts.FieldBindings); err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	if opts.ParentActionID != "" {
		parent, err := e.Repo.GetAction(ctx, opts.ParentActionID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Action{}, domain.Event{}, UnknownActionError{ActionID: opts.ParentActionID}
			}
			return domain.Action{}, domain.Event{}, err
		}
		if parent.ContextID != opts.ContextID || parent.ContextType != opts.ContextType {
			return domain.Action{}, domain.Event{}, ValidationError{Field: "parent_action_id", Reason: "parent in different context"}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ContextID+"|"+opts.Type+"|"+now+"|"+uuid.NewString())).String()
	}
	a := domain.Action{
		ID:            id,
		ContextID:     opts.ContextID,
		ContextType:   opts.ContextType,
		Type:          opts.Type,
		FieldBindings: opts.FieldBindings,
		CreatedAt:     now,
	}
	if opts.ParentActionID != "" {
		a.ParentActionID = &opts.ParentActionID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureContext(ctx, tx, a.ContextID, a.ContextType, now); err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	if opts.ID != "" {
		_, err := e.Repo.GetActionTx(ctx, tx, a.ID)
		if err == nil {
			return domain.Action{}, domain.Event{}, ValidationError{Field: "id", Reason: "action id already exists"}
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Action{}, domain.Event{}, err
		}
	}
	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	evt, err := e.Log.Append(ctx, tx, a.ContextID, a.ContextType, a.ID, events.TypeActionDeclared, events.DeclaredPayload{
		ActionType:     a.Type,
		FieldBindings:  a.FieldBindings,
		ParentActionID: opts.ParentActionID,
	})
	if err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	e.Logger.Info("action declared", "action_id", a.ID, "context_id", a.ContextID, "type", a.Type)
	e.notify(a.ContextID, a.ContextType)
	return a, evt, nil
}

func (e *Engine) requireBindings(actionType string, bindings []domain.FieldBinding) error {
	bound := map[string]bool{}
	for _, b := range bindings {
		if b.FieldKey == "" {
			return ValidationError{Field: "field_bindings", Reason: "binding with empty field key"}
		}
		bound[b.FieldKey] = true
	}
	for _, required := range e.Config.RequiredFieldsFor(actionType) {
		if !bound[required] {
			return ValidationError{Field: "field_bindings", Reason: "missing required binding " + required}
		}
	}
	return nil
}

// RetractAction appends ACTION_RETRACTED. Retracting twice appends twice;
// the log grows monotonically and interpreters collapse duplicates.
func (e *Engine) RetractAction(ctx context.Context, actionID, reason string) (domain.Event, error) {
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	return e.appendForAction(ctx, a, events.TypeActionRetracted, events.RetractedPayload{Reason: reason})
}

// AmendAction replaces the current bindings wholesale and appends
// ACTION_AMENDED. Identity never changes; completion is not reverted.
func (e *Engine) AmendAction(ctx context.Context, actionID string, bindings []domain.FieldBinding, reason string) (domain.Action, domain.Event, error) {
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	if err := e.requireBindings(a.Type, bindings); err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateActionBindings(ctx, tx, a.ID, bindings); err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	evt, err := e.Log.Append(ctx, tx, a.ContextID, a.ContextType, a.ID, events.TypeActionAmended, events.AmendedPayload{
		FieldBindings: bindings,
		Reason:        reason,
	})
	if err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, domain.Event{}, err
	}
	a.FieldBindings = bindings
	e.notify(a.ContextID, a.ContextType)
	return a, evt, nil
}

// EmitOptions are parameters for the generic event write path.
type EmitOptions struct {
	ContextID   string
	ContextType string
	ActionID    string
	Type        events.Type
	Payload     map[string]any
}

// EmitEvent is the generic write path for events without command-side
// preconditions. Structural events (dependencies, row moves) are rejected
// here: their commands run checks the raw append would skip.
func (e *Engine) EmitEvent(ctx context.Context, opts EmitOptions) (domain.Event, error) {
	if !opts.Type.IsValid() {
		return domain.Event{}, ValidationError{Field: "type", Reason: "unknown event type " + string(opts.Type)}
	}
	if opts.Type.Structural() {
		return domain.Event{}, ValidationError{Field: "type", Reason: string(opts.Type) + " must go through its dedicated command"}
	}
	if opts.ContextID == "" {
		return domain.Event{}, ValidationError{Field: "context_id", Reason: "required"}
	}
	if !e.Config.ContextTypeAllowed(opts.ContextType) {
		return domain.Event{}, UnknownContextError{ContextType: opts.ContextType}
	}
	if opts.ActionID == "" && opts.Type.RequiresAction() {
		return domain.Event{}, ValidationError{Field: "action_id", Reason: "required for event type " + string(opts.Type)}
	}
	if opts.ActionID != "" {
		if _, err := e.getAction(ctx, opts.ActionID); err != nil {
			return domain.Event{}, err
		}
	}
	var payload any = opts.Payload
	if opts.Payload == nil {
		payload = map[string]any{}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureContext(ctx, tx, opts.ContextID, opts.ContextType, now); err != nil {
		return domain.Event{}, err
	}
	evt, err := e.Log.Append(ctx, tx, opts.ContextID, opts.ContextType, opts.ActionID, opts.Type, payload)
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	e.notify(opts.ContextID, opts.ContextType)
	return evt, nil
}

func (e *Engine) getAction(ctx context.Context, actionID string) (domain.Action, error) {
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return a, UnknownActionError{ActionID: actionID}
		}
		return a, err
	}
	return a, nil
}

// appendForAction appends one event for an existing action in its own
// transaction.
func (e *Engine) appendForAction(ctx context.Context, a domain.Action, evtType events.Type, payload any) (domain.Event, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	evt, err := e.Log.Append(ctx, tx, a.ContextID, a.ContextType, a.ID, evtType, payload)
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	e.notify(a.ContextID, a.ContextType)
	return evt, nil
}

// Workflow sugar over EmitEvent.

func (e *Engine) StartWork(ctx context.Context, actionID, note string) (domain.Event, error) {
	return e.workEvent(ctx, actionID, events.TypeWorkStarted, note)
}

func (e *Engine) StopWork(ctx context.Context, actionID, note string) (domain.Event, error) {
	return e.workEvent(ctx, actionID, events.TypeWorkStopped, note)
}

func (e *Engine) FinishWork(ctx context.Context, actionID, note string) (domain.Event, error) {
	return e.workEvent(ctx, actionID, events.TypeWorkFinished, note)
}

func (e *Engine) BlockWork(ctx context.Context, actionID, note string) (domain.Event, error) {
	return e.workEvent(ctx, actionID, events.TypeWorkBlocked, note)
}

func (e *Engine) UnblockWork(ctx context.Context, actionID, note string) (domain.Event, error) {
	return e.workEvent(ctx, actionID, events.TypeWorkUnblocked, note)
}

func (e *Engine) workEvent(ctx context.Context, actionID string, evtType events.Type, note string) (domain.Event, error) {
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	return e.appendForAction(ctx, a, evtType, events.WorkPayload{Note: note})
}

func (e *Engine) Assign(ctx context.Context, actionID, assignee string) (domain.Event, error) {
	if assignee == "" {
		return domain.Event{}, ValidationError{Field: "assignee", Reason: "required"}
	}
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	return e.appendForAction(ctx, a, events.TypeAssignmentOccurred, events.AssignmentPayload{Assignee: assignee})
}

func (e *Engine) Unassign(ctx context.Context, actionID string) (domain.Event, error) {
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	return e.appendForAction(ctx, a, events.TypeAssignmentRemoved, events.AssignmentPayload{})
}

func (e *Engine) RecordFieldValue(ctx context.Context, actionID, fieldKey, value string) (domain.Event, error) {
	if fieldKey == "" {
		return domain.Event{}, ValidationError{Field: "field_key", Reason: "required"}
	}
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	return e.appendForAction(ctx, a, events.TypeFieldValueRecorded, events.FieldValuePayload{FieldKey: fieldKey, Value: value})
}

// InterpretAction folds the action's full event history into a view.
func (e *Engine) InterpretAction(ctx context.Context, actionID string) (domain.ActionView, error) {
	if _, err := e.getAction(ctx, actionID); err != nil {
		return domain.ActionView{}, err
	}
	evs, err := e.Log.ForAction(ctx, actionID)
	if err != nil {
		return domain.ActionView{}, err
	}
	return interpret.Action(actionID, evs, e.now()), nil
}

// ListEvents returns the event history of one action.
func (e *Engine) ListEvents(ctx context.Context, actionID string) ([]domain.Event, error) {
	if _, err := e.getAction(ctx, actionID); err != nil {
		return nil, err
	}
	return e.Log.ForAction(ctx, actionID)
}
