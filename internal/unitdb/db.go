package unitdb

import (
	"fmt"
	"sort"
	"sync"
)

// UnitDb is the process-wide table mapping unit-id to UnitEntry, plus the
// pid-to-unit reverse index and the dependency multigraph. UnitDb
// exclusively owns UnitEntry lifetimes; everyone else resolves by id.
type UnitDb struct {
	mu    sync.RWMutex
	table map[string]*UnitEntry
	pids  map[int]string // pid -> owning unit id

	Graph *DependencyGraph
}

// New allocates an empty UnitDb.
func New() *UnitDb {
	return &UnitDb{
		table: make(map[string]*UnitEntry),
		pids:  make(map[int]string),
		Graph: newDependencyGraph(),
	}
}

// Get looks up id and follows any merge chain to the live successor.
func (db *UnitDb) Get(id string) (*UnitEntry, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.resolveLocked(id)
}

func (db *UnitDb) resolveLocked(id string) (*UnitEntry, bool) {
	seen := make(map[string]bool)
	for {
		e, ok := db.table[id]
		if !ok {
			return nil, false
		}
		if !e.IsMerged() {
			return e, true
		}
		if seen[e.MergedInto] {
			// merge cycle, should never happen; surface the stub rather
			// than spin forever
			return e, true
		}
		seen[e.MergedInto] = true
		id = e.MergedInto
	}
}

// GetOrCreate returns the existing entry for id, or creates a fresh Stub
// entry of the given type when id is not yet present. This is the sole
// creation path: a UnitEntry is born the first time it is referenced, by
// name lookup or as a dependency-insertion target.
func (db *UnitDb) GetOrCreate(id string, utype UnitType) *UnitEntry {
	db.mu.Lock()
	defer db.mu.Unlock()

	if e, ok := db.table[id]; ok {
		return e
	}
	e := &UnitEntry{
		ID:     id,
		Type:   utype,
		Load:   LoadStub,
		Active: ActiveInActive,
	}
	db.table[id] = e
	return e
}

// Put installs or overwrites an entry. Used by UnitLoader after it has
// produced a Loaded config record.
func (db *UnitDb) Put(e *UnitEntry) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.table[e.ID] = e
}

// Remove deletes id outright. Only valid for transient units with no
// remaining job or reference; callers must ensure that invariant.
func (db *UnitDb) Remove(id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.table, id)
	for pid, owner := range db.pids {
		if owner == id {
			delete(db.pids, pid)
		}
	}
}

// List returns all entries, sorted by id for stable iteration order (job
// readiness dispatch requires a stable order keyed by unit-id).
func (db *UnitDb) List() []*UnitEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*UnitEntry, 0, len(db.table))
	for _, e := range db.table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetUnitByPid resolves a pid to its owning unit, if any.
func (db *UnitDb) GetUnitByPid(pid int) (*UnitEntry, bool) {
	db.mu.RLock()
	id, ok := db.pids[pid]
	db.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return db.Get(id)
}

// ChildAddWatchPid registers pid as owned by unit id in the reverse index.
// A pid already owned by a different unit is an error: transfer requires
// an explicit ChildUnwatchAllPids first.
func (db *UnitDb) ChildAddWatchPid(id string, pid int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if owner, ok := db.pids[pid]; ok && owner != id {
		return fmt.Errorf("unitdb: pid %d already watched by unit %q, cannot register for %q", pid, owner, id)
	}
	db.pids[pid] = id
	return nil
}

// ChildWatchAllPids lists every pid currently registered for unit id.
func (db *UnitDb) ChildWatchAllPids(id string) []int {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var pids []int
	for pid, owner := range db.pids {
		if owner == id {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// ChildUnwatchAllPids removes every pid registered for unit id.
func (db *UnitDb) ChildUnwatchAllPids(id string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for pid, owner := range db.pids {
		if owner == id {
			delete(db.pids, pid)
		}
	}
}

// ChildUnwatchPid removes a single pid from the reverse index regardless of
// owner, used when a pid has just been reaped.
func (db *UnitDb) ChildUnwatchPid(pid int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.pids, pid)
}

// SameUnitWithPid reports whether pid is registered under unit.
func (db *UnitDb) SameUnitWithPid(unit *UnitEntry, pid int) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.pids[pid] == unit.ID
}
