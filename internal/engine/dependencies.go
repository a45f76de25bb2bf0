package engine

import (
	"context"
	"time"

	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/interpret"
	"actionline/internal/surface"
)

// AddDependency appends DEPENDENCY_ADDED after checking that the edge keeps
// the context's dependency graph acyclic. The check and the append run under
// the context lock and inside one transaction so a concurrent add cannot
// slip a cycle through. The dependency relation is global per context:
// every surface type shares it.
func (e *Engine) AddDependency(ctx context.Context, actionID, dependsOnActionID string) (domain.Event, error) {
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	dep, err := e.getAction(ctx, dependsOnActionID)
	if err != nil {
		return domain.Event{}, err
	}
	if dep.ContextID != a.ContextID || dep.ContextType != a.ContextType {
		return domain.Event{}, ValidationError{Field: "depends_on_action_id", Reason: "dependency in different context"}
	}
	if actionID == dependsOnActionID {
		return domain.Event{}, CyclicDependencyError{ActionID: actionID, DependsOnActionID: dependsOnActionID}
	}

	lock := e.lockContext(a.ContextID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	evs, err := e.Log.ForContextTx(ctx, tx, a.ContextID, a.ContextType)
	if err != nil {
		return domain.Event{}, err
	}
	g := surface.FoldGraph(evs)
	if g.Reaches(dependsOnActionID, actionID) {
		return domain.Event{}, CyclicDependencyError{ActionID: actionID, DependsOnActionID: dependsOnActionID}
	}
	evt, err := e.Log.Append(ctx, tx, a.ContextID, a.ContextType, a.ID, events.TypeDependencyAdded, events.DependencyPayload{
		ActionID:          actionID,
		DependsOnActionID: dependsOnActionID,
	})
	if err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	e.notify(a.ContextID, a.ContextType)
	return evt, nil
}

// RemoveDependency appends DEPENDENCY_REMOVED unconditionally; removing an
// edge cannot create a cycle.
func (e *Engine) RemoveDependency(ctx context.Context, actionID, dependsOnActionID string) (domain.Event, error) {
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	return e.appendForAction(ctx, a, events.TypeDependencyRemoved, events.DependencyPayload{
		ActionID:          actionID,
		DependsOnActionID: dependsOnActionID,
	})
}

// MoveRow appends ROW_MOVED with the new anchor. A nil afterActionID anchors
// the row first among its siblings.
func (e *Engine) MoveRow(ctx context.Context, actionID, surfaceType string, afterActionID *string) (domain.Event, error) {
	if !e.Config.SurfaceTypeAllowed(surfaceType) {
		return domain.Event{}, ValidationError{Field: "surface_type", Reason: "unknown surface type " + surfaceType}
	}
	if afterActionID != nil && *afterActionID == actionID {
		return domain.Event{}, ValidationError{Field: "after_action_id", Reason: "row cannot anchor to itself"}
	}
	a, err := e.getAction(ctx, actionID)
	if err != nil {
		return domain.Event{}, err
	}
	if afterActionID != nil {
		anchor, err := e.getAction(ctx, *afterActionID)
		if err != nil {
			return domain.Event{}, err
		}
		if anchor.ContextID != a.ContextID || anchor.ContextType != a.ContextType {
			return domain.Event{}, ValidationError{Field: "after_action_id", Reason: "anchor in different context"}
		}
	}
	return e.appendForAction(ctx, a, events.TypeRowMoved, events.RowMovedPayload{
		SurfaceType:   surfaceType,
		AfterActionID: afterActionID,
	})
}

// Surface materializes the node list of one surface, serving from the cache
// when the context has not changed since the last build. The cache is never
// authoritative: any committed write to the context drops it.
func (e *Engine) Surface(ctx context.Context, contextID, contextType, surfaceType string) ([]domain.WorkflowSurfaceNode, error) {
	if !e.Config.ContextTypeAllowed(contextType) {
		return nil, UnknownContextError{ContextType: contextType}
	}
	if !e.Config.SurfaceTypeAllowed(surfaceType) {
		return nil, ValidationError{Field: "surface_type", Reason: "unknown surface type " + surfaceType}
	}
	if nodes, ok := e.surfaces.Get(contextID, contextType, surfaceType); ok {
		return nodes, nil
	}
	gen := e.surfaces.Generation(contextID, contextType)
	nodes, err := e.buildSurface(ctx, contextID, contextType, surfaceType)
	if err != nil {
		return nil, err
	}
	e.surfaces.Put(contextID, contextType, surfaceType, gen, nodes)
	return nodes, nil
}

func (e *Engine) buildSurface(ctx context.Context, contextID, contextType, surfaceType string) ([]domain.WorkflowSurfaceNode, error) {
	actions, err := e.Repo.ListContextActions(ctx, contextID, contextType)
	if err != nil {
		return nil, err
	}
	evs, err := e.Log.ForContext(ctx, contextID, contextType, 0, 0)
	if err != nil {
		return nil, err
	}
	byAction := map[string][]domain.Event{}
	for _, evt := range evs {
		if evt.ActionID != "" {
			byAction[evt.ActionID] = append(byAction[evt.ActionID], evt)
		}
	}
	now := e.now()
	views := make(map[string]domain.ActionView, len(actions))
	for _, a := range actions {
		views[a.ID] = interpret.Action(a.ID, byAction[a.ID], now)
	}
	return surface.Build(actions, evs, views, surfaceType), nil
}

// RefreshSurface discards the cached surfaces of a context and appends a
// housekeeping event. The rebuild itself is lazy; refresh exists for
// recovery, never for correctness.
func (e *Engine) RefreshSurface(ctx context.Context, contextID, contextType, surfaceType string) error {
	if !e.Config.ContextTypeAllowed(contextType) {
		return UnknownContextError{ContextType: contextType}
	}
	if surfaceType != "" && !e.Config.SurfaceTypeAllowed(surfaceType) {
		return ValidationError{Field: "surface_type", Reason: "unknown surface type " + surfaceType}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureContext(ctx, tx, contextID, contextType, now); err != nil {
		return err
	}
	if _, err := e.Log.Append(ctx, tx, contextID, contextType, "", events.TypeSystemSurfaceRefreshed, events.SurfaceRefreshedPayload{SurfaceType: surfaceType}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(contextID, contextType)
	return nil
}
