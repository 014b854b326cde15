package job

import "github.com/cuemby/sysmasterd/internal/unitdb"

// AtomDirection selects which ordering atom IsNextTriggerOrderWith checks
// against.
type AtomDirection int

const (
	AtomBefore AtomDirection = iota
	AtomAfter
)

// JobUnit coordinates at most one triggered Job and up to three suspended
// Jobs for a single unit, per §3/§4.2.
type JobUnit struct {
	UnitID   string
	Trigger  *Job
	Suspends map[Kind]*Job
	Sq       []Kind

	Order     bool // sq is current
	Interrupt bool // trigger must yield to first suspend on its next transition
	Retrigger bool // trigger failed transiently and must be re-run
	Dirty     bool
	Pause     bool
	Ready     bool
	UpReady   bool
}

// NewJobUnit allocates an empty JobUnit for unitID.
func NewJobUnit(unitID string) *JobUnit {
	return &JobUnit{UnitID: unitID, Suspends: make(map[Kind]*Job)}
}

// Install places job into its suspend slot, overwriting whatever
// previously occupied that Kind.
func (ju *JobUnit) Install(j *Job) {
	if ju.Suspends == nil {
		ju.Suspends = make(map[Kind]*Job)
	}
	ju.Suspends[j.Kind] = j
	ju.Order = false
}

// IsConflicting reports whether both a Stop and a non-Nop other job are
// suspended, per §4.2.1: a conflicting JobUnit must be resolved by
// MergeSuspends (via FlushSuspends) before Reshuffle can compute a valid
// sq.
func (ju *JobUnit) IsConflicting() bool {
	if _, hasStop := ju.Suspends[KindStop]; !hasStop {
		return false
	}
	for kind := range ju.Suspends {
		if kind != KindStop && kind != KindNop {
			return true
		}
	}
	return false
}

// FlushSuspends removes every non-Nop sibling when Stop is suspended,
// resolving a conflicting JobUnit per §4.2.1/§4.2.2.
func (ju *JobUnit) FlushSuspends() {
	for kind := range ju.Suspends {
		if kind != KindStop && kind != KindNop {
			delete(ju.Suspends, kind)
		}
	}
}

// MergeSuspends applies the §4.2.2 merge rules. activeOrReloading tells
// the Start/Reload tie-break which to keep when Restart is absent.
func (ju *JobUnit) MergeSuspends(activeOrReloading bool) {
	if _, hasStop := ju.Suspends[KindStop]; hasStop {
		ju.FlushSuspends()
		return
	}

	if _, hasRestart := ju.Suspends[KindRestart]; hasRestart {
		delete(ju.Suspends, KindStart)
		delete(ju.Suspends, KindReload)
		return
	}

	_, hasStart := ju.Suspends[KindStart]
	_, hasReload := ju.Suspends[KindReload]
	if hasStart && hasReload {
		if activeOrReloading {
			delete(ju.Suspends, KindStart)
		} else {
			delete(ju.Suspends, KindReload)
		}
	}
}

// Reshuffle merges suspends and recomputes the canonical sq sequence:
// either [Stop] or [one of Restart|Start|Reload, Verify, Nop] in that
// order, per §3/§4.2.1.
func (ju *JobUnit) Reshuffle(activeOrReloading bool) {
	ju.MergeSuspends(activeOrReloading)

	var sq []Kind
	if _, ok := ju.Suspends[KindStop]; ok {
		sq = []Kind{KindStop}
	} else {
		for _, kind := range []Kind{KindRestart, KindStart, KindReload} {
			if _, ok := ju.Suspends[kind]; ok {
				sq = append(sq, kind)
				break
			}
		}
		if _, ok := ju.Suspends[KindVerify]; ok {
			sq = append(sq, KindVerify)
		}
		if _, ok := ju.Suspends[KindNop]; ok {
			sq = append(sq, KindNop)
		}
	}
	ju.Sq = sq
	ju.Order = true
	ju.jobsMergeTriggerPrepare()
}

// jobsMergeTriggerPrepare sets Interrupt iff a trigger exists and the
// first-ordered suspend's kind is Stop or Restart, per §4.2.3.
func (ju *JobUnit) jobsMergeTriggerPrepare() {
	ju.Interrupt = false
	if ju.Trigger == nil || len(ju.Sq) == 0 {
		return
	}
	first := ju.Sq[0]
	ju.Interrupt = first == KindStop || first == KindRestart
}

// CalcReady implements §4.2.4: nil means not ready, a true pointee means a
// suspend is ready to be promoted to trigger, a false pointee means the
// trigger is ready to re-run.
func (ju *JobUnit) CalcReady() *bool {
	if ju.Pause || !ju.Order {
		return nil
	}

	yes := true
	no := false

	hasTrigger := ju.Trigger != nil
	hasSuspend := len(ju.Sq) > 0

	switch {
	case hasTrigger && hasSuspend:
		if ju.Interrupt {
			return &yes
		}
		if ju.Retrigger {
			return &no
		}
		return nil
	case hasTrigger:
		if ju.Retrigger {
			return &no
		}
		return nil
	case hasSuspend:
		return &yes
	default:
		return nil
	}
}

// hasIrreversible reports whether the trigger or any suspend is flagged
// irreversible.
func (ju *JobUnit) hasIrreversible() bool {
	if ju.Trigger != nil && ju.Trigger.Attrs.Irreversible {
		return true
	}
	for _, j := range ju.Suspends {
		if j.Attrs.Irreversible {
			return true
		}
	}
	return false
}

// IsSuspendsReplaceWith reports whether other may replace ju as the
// installed JobUnit for this unit, per §4.2.5: true unless doing so would
// require cancelling an irreversible job.
func (ju *JobUnit) IsSuspendsReplaceWith(other *JobUnit) bool {
	return !ju.hasIrreversible()
}

// nextJob returns the job that would run next: the first-ordered suspend,
// or the trigger if there is no suspend.
func (ju *JobUnit) nextJob() *Job {
	if len(ju.Sq) > 0 {
		return ju.Suspends[ju.Sq[0]]
	}
	return ju.Trigger
}

// IsNextTriggerOrderWith implements §4.2.6: does ju's next-to-trigger job
// forbid running given that other has pending work in direction dir?
// Returns true (allowed) when the job ignores order, is Nop, or other has
// no pending job claiming precedence via the relation atom.
func (ju *JobUnit) IsNextTriggerOrderWith(other *JobUnit, graph *unitdb.DependencyGraph, dir AtomDirection) bool {
	j := ju.nextJob()
	if j == nil {
		return true
	}
	if j.Attrs.IgnoreOrder || j.Kind == KindNop {
		return true
	}

	var related []string
	switch dir {
	case AtomBefore:
		related = graph.UnitAtomBefore(ju.UnitID)
	case AtomAfter:
		related = graph.UnitAtomAfter(ju.UnitID)
	}

	otherPending := other.Trigger != nil || len(other.Sq) > 0
	if !otherPending {
		return true
	}
	for _, id := range related {
		if id == other.UnitID {
			return false
		}
	}
	return true
}

// IsEmpty reports whether ju has neither a trigger nor any suspend, and is
// therefore eligible for removal from the live job graph.
func (ju *JobUnit) IsEmpty() bool {
	return ju.Trigger == nil && len(ju.Suspends) == 0
}
