// Package surface materializes workflow surfaces: ordered, cycle-free trees
// of actions derived from the event log. Dependencies are kept internally as
// a plain edge set; the inverted parent/child encoding (blocked action as
// parent, prerequisites as children) exists only at the materialization
// boundary so tree-rendering consumers need no new primitives.
package surface

import (
	"sort"
	"sync"

	"actionline/internal/domain"
	"actionline/internal/events"
)

// Graph is the dependency edge set of one context: blocked action id to the
// set of action ids it depends on.
type Graph map[string]map[string]bool

// FoldGraph replays DEPENDENCY_ADDED/REMOVED events into the current edge
// set. The relation is global per context; surface types share it.
func FoldGraph(evs []domain.Event) Graph {
	g := Graph{}
	for _, e := range evs {
		var p events.DependencyPayload
		switch events.Type(e.Type) {
		case events.TypeDependencyAdded:
			if err := events.Decode(e, &p); err != nil {
				continue
			}
			if g[p.ActionID] == nil {
				g[p.ActionID] = map[string]bool{}
			}
			g[p.ActionID][p.DependsOnActionID] = true
		case events.TypeDependencyRemoved:
			if err := events.Decode(e, &p); err != nil {
				continue
			}
			delete(g[p.ActionID], p.DependsOnActionID)
			if len(g[p.ActionID]) == 0 {
				delete(g, p.ActionID)
			}
		}
	}
	return g
}

// Reaches reports whether to is reachable from from along dependency edges.
// Adding the edge (to depends on from) would then close a cycle.
func (g Graph) Reaches(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for next := range g[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Build materializes the node list for one surface. actions must be in
// declaration order; evs must be the context's full event history in log
// order; views maps action id to its interpreted view. The output is a pure
// function of the inputs, so repeated builds over the same log agree.
func Build(actions []domain.Action, evs []domain.Event, views map[string]domain.ActionView, surfaceType string) []domain.WorkflowSurfaceNode {
	g := FoldGraph(evs)

	order := make([]string, 0, len(actions))
	index := map[string]int{}
	for i, a := range actions {
		order = append(order, a.ID)
		index[a.ID] = i
	}
	order = applyMoves(order, evs, surfaceType)

	counts := map[string]int{}
	for _, e := range evs {
		if e.ActionID != "" {
			counts[e.ActionID]++
		}
	}

	var nodes []domain.WorkflowSurfaceNode
	for pos, id := range order {
		nodes = append(nodes, node(id, nil, pos, g, views, counts))
		parent := id
		children := sortedDeps(g[id], index)
		for cpos, child := range children {
			nodes = append(nodes, node(child, &parent, cpos, g, views, counts))
		}
	}
	return nodes
}

func node(id string, parent *string, pos int, g Graph, views map[string]domain.ActionView, counts map[string]int) domain.WorkflowSurfaceNode {
	v := views[id]
	payload := domain.SurfaceNodePayload{
		Title:     v.Data.Title,
		Status:    v.Data.Status,
		Assignees: []string{},
	}
	if v.Data.Assignee != nil {
		payload.Assignees = append(payload.Assignees, *v.Data.Assignee)
	}
	return domain.WorkflowSurfaceNode{
		ActionID:       id,
		ParentActionID: parent,
		Position:       pos,
		Payload:        payload,
		Flags: domain.SurfaceNodeFlags{
			HasChildren: len(g[id]) > 0,
			EventCount:  counts[id],
		},
	}
}

func sortedDeps(deps map[string]bool, index map[string]int) []string {
	out := make([]string, 0, len(deps))
	for id := range deps {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ii, iok := index[out[i]]
		jj, jok := index[out[j]]
		if iok && jok {
			return ii < jj
		}
		if iok != jok {
			return iok
		}
		return out[i] < out[j]
	})
	return out
}

// applyMoves replays ROW_MOVED events for one surface over the declaration
// order of top-level rows. A nil anchor moves the row first; an anchor not
// present in the row set parks the row last.
func applyMoves(order []string, evs []domain.Event, surfaceType string) []string {
	present := map[string]bool{}
	for _, id := range order {
		present[id] = true
	}
	for _, e := range evs {
		if events.Type(e.Type) != events.TypeRowMoved {
			continue
		}
		var p events.RowMovedPayload
		if err := events.Decode(e, &p); err != nil || p.SurfaceType != surfaceType {
			continue
		}
		if !present[e.ActionID] {
			continue
		}
		order = moveAfter(order, e.ActionID, p.AfterActionID)
	}
	return order
}

func moveAfter(order []string, id string, after *string) []string {
	out := make([]string, 0, len(order))
	for _, cur := range order {
		if cur != id {
			out = append(out, cur)
		}
	}
	if after == nil {
		return append([]string{id}, out...)
	}
	for i, cur := range out {
		if cur == *after {
			out = append(out[:i+1], append([]string{id}, out[i+1:]...)...)
			return out
		}
	}
	return append(out, id)
}

// Cache holds built surfaces keyed by (contextID, contextType, surfaceType).
// It is never authoritative: any committed write to a context invalidates
// every surface of that context. Each context carries a generation counter
// bumped on invalidation; a Put whose build started before a concurrent
// invalidation carries a stale generation and is discarded, so an outdated
// snapshot cannot reenter the cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey][]domain.WorkflowSurfaceNode
	gens    map[genKey]uint64
}

type cacheKey struct {
	contextID   string
	contextType string
	surfaceType string
}

type genKey struct {
	contextID   string
	contextType string
}

// NewCache returns an empty surface cache.
func NewCache() *Cache {
	return &Cache{
		entries: map[cacheKey][]domain.WorkflowSurfaceNode{},
		gens:    map[genKey]uint64{},
	}
}

// Generation returns the context's current invalidation generation. Callers
// read it before building and pass it back to Put.
func (c *Cache) Generation(contextID, contextType string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[genKey{contextID, contextType}]
}

// Get returns the cached node list, if any.
func (c *Cache) Get(contextID, contextType, surfaceType string) ([]domain.WorkflowSurfaceNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes, ok := c.entries[cacheKey{contextID, contextType, surfaceType}]
	return nodes, ok
}

// Put stores a built node list. gen must be the value Generation returned
// before the build; if the context has been invalidated since, the store is
// dropped.
func (c *Cache) Put(contextID, contextType, surfaceType string, gen uint64, nodes []domain.WorkflowSurfaceNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[genKey{contextID, contextType}] != gen {
		return
	}
	c.entries[cacheKey{contextID, contextType, surfaceType}] = nodes
}

// Invalidate drops every cached surface of one context and advances its
// generation.
func (c *Cache) Invalidate(contextID, contextType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[genKey{contextID, contextType}]++
	for k := range c.entries {
		if k.contextID == contextID && k.contextType == contextType {
			delete(c.entries, k)
		}
	}
}
