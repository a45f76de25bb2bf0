package surface_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/surface"
)

func depEvent(id int64, actionID, dependsOn string, evtType events.Type) domain.Event {
	b, _ := json.Marshal(events.DependencyPayload{ActionID: actionID, DependsOnActionID: dependsOn})
	return domain.Event{
		ID: id, ContextID: "ctx-1", ContextType: "project", Seq: id,
		ActionID: actionID, Type: string(evtType), Payload: string(b),
	}
}

func moveEvent(id int64, actionID string, after *string) domain.Event {
	b, _ := json.Marshal(events.RowMovedPayload{SurfaceType: "workflow_table", AfterActionID: after})
	return domain.Event{
		ID: id, ContextID: "ctx-1", ContextType: "project", Seq: id,
		ActionID: actionID, Type: string(events.TypeRowMoved), Payload: string(b),
	}
}

func actions(ids ...string) []domain.Action {
	out := make([]domain.Action, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Action{ID: id, ContextID: "ctx-1", ContextType: "project", Type: "task"})
	}
	return out
}

func viewsFor(ids ...string) map[string]domain.ActionView {
	out := map[string]domain.ActionView{}
	for _, id := range ids {
		out[id] = domain.ActionView{
			ActionID: id,
			Data:     domain.ActionViewData{Title: "t-" + id, Status: domain.StatusPending},
		}
	}
	return out
}

func TestFoldGraphAddRemove(t *testing.T) {
	evs := []domain.Event{
		depEvent(1, "b", "a", events.TypeDependencyAdded),
		depEvent(2, "c", "a", events.TypeDependencyAdded),
		depEvent(3, "c", "a", events.TypeDependencyRemoved),
	}
	g := surface.FoldGraph(evs)
	if !g["b"]["a"] {
		t.Fatal("edge b->a missing")
	}
	if len(g["c"]) != 0 {
		t.Fatalf("removed edge survived: %v", g["c"])
	}
}

func TestReaches(t *testing.T) {
	g := surface.FoldGraph([]domain.Event{
		depEvent(1, "b", "a", events.TypeDependencyAdded),
		depEvent(2, "c", "b", events.TypeDependencyAdded),
	})
	if !g.Reaches("c", "a") {
		t.Fatal("transitive reach c->a expected")
	}
	if g.Reaches("a", "c") {
		t.Fatal("edges are directed; a must not reach c")
	}
	if !g.Reaches("a", "a") {
		t.Fatal("self reach expected")
	}
}

func TestBuildInvertedTree(t *testing.T) {
	// d waits on both b and c; b and c each wait on a.
	evs := []domain.Event{
		depEvent(1, "b", "a", events.TypeDependencyAdded),
		depEvent(2, "c", "a", events.TypeDependencyAdded),
		depEvent(3, "d", "b", events.TypeDependencyAdded),
		depEvent(4, "d", "c", events.TypeDependencyAdded),
	}
	nodes := surface.Build(actions("a", "b", "c", "d"), evs, viewsFor("a", "b", "c", "d"), "workflow_table")

	roots := map[string]domain.WorkflowSurfaceNode{}
	children := map[string][]string{}
	parentCount := map[string]int{}
	for _, n := range nodes {
		if n.ParentActionID == nil {
			roots[n.ActionID] = n
			continue
		}
		children[*n.ParentActionID] = append(children[*n.ParentActionID], n.ActionID)
		parentCount[n.ActionID]++
	}
	if len(roots) != 4 {
		t.Fatalf("every action must appear as a root, got %d", len(roots))
	}
	if got := children["d"]; !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("d children %v", got)
	}
	// a blocks both b and c, so it is duplicated under each.
	if parentCount["a"] != 2 {
		t.Fatalf("fan-in prerequisite must be duplicated, a appears %d times as child", parentCount["a"])
	}
	if !roots["d"].Flags.HasChildren {
		t.Fatal("d should flag children")
	}
	if roots["a"].Flags.HasChildren {
		t.Fatal("a has no prerequisites")
	}
}

func rootOrder(nodes []domain.WorkflowSurfaceNode) []string {
	var out []string
	for _, n := range nodes {
		if n.ParentActionID == nil {
			out = append(out, n.ActionID)
		}
	}
	return out
}

func TestBuildAppliesMoves(t *testing.T) {
	anchor := "c"
	evs := []domain.Event{
		moveEvent(1, "a", &anchor),
	}
	nodes := surface.Build(actions("a", "b", "c"), evs, viewsFor("a", "b", "c"), "workflow_table")
	if got := rootOrder(nodes); !reflect.DeepEqual(got, []string{"b", "c", "a"}) {
		t.Fatalf("order %v", got)
	}

	// nil anchor moves the row first
	nodes = surface.Build(actions("a", "b", "c"), []domain.Event{moveEvent(1, "c", nil)}, viewsFor("a", "b", "c"), "workflow_table")
	if got := rootOrder(nodes); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Fatalf("nil anchor order %v", got)
	}

	// unknown anchor parks the row last
	missing := "zz"
	nodes = surface.Build(actions("a", "b", "c"), []domain.Event{moveEvent(1, "a", &missing)}, viewsFor("a", "b", "c"), "workflow_table")
	if got := rootOrder(nodes); !reflect.DeepEqual(got, []string{"b", "c", "a"}) {
		t.Fatalf("unknown anchor order %v", got)
	}
}

func TestMovesScopedBySurfaceType(t *testing.T) {
	b, _ := json.Marshal(events.RowMovedPayload{SurfaceType: "timeline", AfterActionID: nil})
	other := domain.Event{
		ID: 1, ContextID: "ctx-1", ContextType: "project", Seq: 1,
		ActionID: "c", Type: string(events.TypeRowMoved), Payload: string(b),
	}
	nodes := surface.Build(actions("a", "b", "c"), []domain.Event{other}, viewsFor("a", "b", "c"), "workflow_table")
	if got := rootOrder(nodes); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("move for another surface leaked: %v", got)
	}
}

func TestBuildDeterministic(t *testing.T) {
	evs := []domain.Event{
		depEvent(1, "c", "a", events.TypeDependencyAdded),
		depEvent(2, "c", "b", events.TypeDependencyAdded),
		moveEvent(3, "b", nil),
	}
	first := surface.Build(actions("a", "b", "c"), evs, viewsFor("a", "b", "c"), "workflow_table")
	for i := 0; i < 5; i++ {
		again := surface.Build(actions("a", "b", "c"), evs, viewsFor("a", "b", "c"), "workflow_table")
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("rebuild %d differs", i)
		}
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := surface.NewCache()
	nodes := []domain.WorkflowSurfaceNode{{ActionID: "a"}}
	c.Put("ctx-1", "project", "workflow_table", c.Generation("ctx-1", "project"), nodes)
	c.Put("ctx-1", "project", "timeline", c.Generation("ctx-1", "project"), nodes)
	c.Put("ctx-2", "project", "workflow_table", c.Generation("ctx-2", "project"), nodes)

	if _, ok := c.Get("ctx-1", "project", "workflow_table"); !ok {
		t.Fatal("expected cache hit")
	}
	c.Invalidate("ctx-1", "project")
	if _, ok := c.Get("ctx-1", "project", "workflow_table"); ok {
		t.Fatal("workflow_table should be invalidated")
	}
	if _, ok := c.Get("ctx-1", "project", "timeline"); ok {
		t.Fatal("all surfaces of the context should be invalidated")
	}
	if _, ok := c.Get("ctx-2", "project", "workflow_table"); !ok {
		t.Fatal("other contexts must keep their entries")
	}
}

func TestCacheDropsStalePut(t *testing.T) {
	c := surface.NewCache()
	stale := []domain.WorkflowSurfaceNode{{ActionID: "old"}}

	// A build that starts before an invalidation lands must not reinstate
	// its snapshot afterwards.
	gen := c.Generation("ctx-1", "project")
	c.Invalidate("ctx-1", "project")
	c.Put("ctx-1", "project", "workflow_table", gen, stale)
	if _, ok := c.Get("ctx-1", "project", "workflow_table"); ok {
		t.Fatal("stale put must be dropped")
	}

	fresh := []domain.WorkflowSurfaceNode{{ActionID: "new"}}
	c.Put("ctx-1", "project", "workflow_table", c.Generation("ctx-1", "project"), fresh)
	got, ok := c.Get("ctx-1", "project", "workflow_table")
	if !ok || got[0].ActionID != "new" {
		t.Fatalf("fresh put must land, got %v ok=%v", got, ok)
	}
}
