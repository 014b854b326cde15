package unitdb

import "sync"

type edge struct {
	to   string
	mask DependencyMask
}

// DependencyGraph is a typed multigraph over unit ids. Edges carry a
// DependencyMask identifying which source added them, so that e.g.
// implicit default-dependency edges can be dropped on reload without
// disturbing unit-file-declared ones.
type DependencyGraph struct {
	mu sync.RWMutex
	// fwd[from][kind] -> edges to "to"
	fwd map[string]map[DependencyKind][]edge
	// rev[to][kind] -> ids of "from" that point at it; maintained for
	// atom queries that need the reverse direction (e.g. BindsTo ->
	// UnitAtomStopWhenUnneeded).
	rev map[string]map[DependencyKind][]edge
}

func newDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		fwd: make(map[string]map[DependencyKind][]edge),
		rev: make(map[string]map[DependencyKind][]edge),
	}
}

// Add inserts a from->to edge of the given kind, tagged with mask.
func (g *DependencyGraph) Add(from, to string, kind DependencyKind, mask DependencyMask) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fwd[from] == nil {
		g.fwd[from] = make(map[DependencyKind][]edge)
	}
	g.fwd[from][kind] = append(g.fwd[from][kind], edge{to: to, mask: mask})

	if g.rev[to] == nil {
		g.rev[to] = make(map[DependencyKind][]edge)
	}
	g.rev[to][kind] = append(g.rev[to][kind], edge{to: from, mask: mask})
}

// Remove deletes edges from->to of kind that match any bit in mask. Passing
// mask as the union of all bits removes the edge regardless of source.
func (g *DependencyGraph) Remove(from, to string, kind DependencyKind, mask DependencyMask) {
	g.mu.Lock()
	defer g.mu.Unlock()

	filter := func(edges []edge, other string) []edge {
		out := edges[:0]
		for _, e := range edges {
			if e.to == other && e.mask&mask != 0 {
				continue
			}
			out = append(out, e)
		}
		return out
	}

	if m := g.fwd[from]; m != nil {
		m[kind] = filter(m[kind], to)
	}
	if m := g.rev[to]; m != nil {
		m[kind] = filter(m[kind], from)
	}
}

// RemoveAllFromSource drops every edge (either direction) touching unit id
// that was added under any of the bits in mask, used when a unit is
// reloaded and its implicit/default edges must be resynthesised.
func (g *DependencyGraph) RemoveAllFromSource(id string, mask DependencyMask) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prune := func(table map[string]map[DependencyKind][]edge, owner string) {
		kinds := table[owner]
		for kind, edges := range kinds {
			out := edges[:0]
			for _, e := range edges {
				if e.mask&mask == 0 {
					out = append(out, e)
				}
			}
			kinds[kind] = out
		}
	}
	prune(g.fwd, id)
	prune(g.rev, id)
}

func (g *DependencyGraph) queryFwd(id string, kind DependencyKind) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range g.fwd[id][kind] {
		out = append(out, e.to)
	}
	return out
}

func (g *DependencyGraph) queryRev(id string, kind DependencyKind) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range g.rev[id][kind] {
		out = append(out, e.to)
	}
	return out
}

// UnitAtomBefore returns the ids id must start before.
func (g *DependencyGraph) UnitAtomBefore(id string) []string { return g.queryFwd(id, DepBefore) }

// UnitAtomAfter returns the ids id must start after.
func (g *DependencyGraph) UnitAtomAfter(id string) []string { return g.queryFwd(id, DepAfter) }

// UnitAtomTriggers returns the ids id triggers (e.g. a socket triggers its
// service).
func (g *DependencyGraph) UnitAtomTriggers(id string) []string {
	return g.queryFwd(id, DepTriggers)
}

// UnitAtomTriggeredBy returns the ids that trigger id.
func (g *DependencyGraph) UnitAtomTriggeredBy(id string) []string {
	return g.queryFwd(id, DepTriggeredBy)
}

// UnitAtomRequires projects the Requires/Requisite/Wants closure used by
// JobMode Replace to expand a start request transitively.
func (g *DependencyGraph) UnitAtomRequires(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, kind := range []DependencyKind{DepRequires, DepRequisite, DepWants} {
		for _, e := range g.fwd[id][kind] {
			out = append(out, e.to)
		}
	}
	return out
}

// UnitAtomConflicts returns units id conflicts with.
func (g *DependencyGraph) UnitAtomConflicts(id string) []string {
	return g.queryFwd(id, DepConflicts)
}

// UnitAtomStopWhenUnneeded returns the units bound to id via BindsTo: when
// id becomes inactive, these must be stopped (the UnitRuntime
// stop-when-bound queue consumes this).
func (g *DependencyGraph) UnitAtomStopWhenUnneeded(id string) []string {
	return g.queryRev(id, DepBindsTo)
}

// UnitAtomOnFailure returns the units to notify when id fails.
func (g *DependencyGraph) UnitAtomOnFailure(id string) []string {
	return g.queryFwd(id, DepOnFailure)
}

// UnitAtomPropagatesReloadTo returns the units a reload of id should also
// reload.
func (g *DependencyGraph) UnitAtomPropagatesReloadTo(id string) []string {
	return g.queryFwd(id, DepPropagatesReloadTo)
}
