// Package job implements the job engine: JobEntry's atomic scheduling
// request, JobUnit's per-unit merge/reshuffle/readiness rules, and the
// cross-unit JobManager that expands dependencies, orders admission, and
// propagates completion.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the atomic scheduling request kind.
type Kind string

const (
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindRestart Kind = "restart"
	KindReload  Kind = "reload"
	KindVerify  Kind = "verify"
	KindNop     Kind = "nop"
)

// Mode selects the JobManager's admission policy for a single exec call.
type Mode string

const (
	ModeReplace              Mode = "replace"
	ModeFail                 Mode = "fail"
	ModeIsolate              Mode = "isolate"
	ModeFlush                Mode = "flush"
	ModeIgnoreDependencies   Mode = "ignore-dependencies"
	ModeIgnoreRequirements   Mode = "ignore-requirements"
	ModeTrigger              Mode = "trigger"
	ModeReplaceIrreversible  Mode = "replace-irreversibly"
)

// Phase is a Job's lifecycle phase.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseRunning Phase = "running"
	PhaseEnd     Phase = "end"
)

// Result is a Job's terminal outcome.
type Result string

const (
	ResultNone             Result = ""
	ResultDone             Result = "done"
	ResultCanceled         Result = "canceled"
	ResultTimeOut          Result = "timeout"
	ResultFailed           Result = "failed"
	ResultDependencyFailed Result = "dependency_failed"
	ResultSkipped          Result = "skipped"
	ResultInvalidUnit      Result = "invalid_unit"
	ResultAssert           Result = "assert"
	ResultMerged           Result = "merged"
)

// Attrs are the immutable per-Job attributes named in §3.
type Attrs struct {
	Irreversible bool
	IgnoreOrder  bool
}

// Job is one atomic scheduling request against one unit.
type Job struct {
	ID      string
	UnitID  string
	Kind    Kind
	Attrs   Attrs
	Phase   Phase
	Result  Result
	Created time.Time
}

// New allocates a Job with a fresh 128-bit id.
func New(unitID string, kind Kind, attrs Attrs) *Job {
	return &Job{
		ID:      uuid.NewString(),
		UnitID:  unitID,
		Kind:    kind,
		Attrs:   attrs,
		Phase:   PhaseWaiting,
		Created: time.Now(),
	}
}

// mutating reports whether kind belongs to the single "mutating" suspend
// slot {Start, Restart, Reload} — at most one of these may be suspended
// at a time per §4.2.1.
func mutating(k Kind) bool {
	return k == KindStart || k == KindRestart || k == KindReload
}
