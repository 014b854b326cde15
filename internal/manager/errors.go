// Package manager implements the UnitManager public surface (§4.1): name
// resolution via UnitLoader, the UnitRuntime queues (§4.3), and the
// EmergencyActionDispatcher (§2), wiring unitdb, job, and service into one
// process-facing API. It is the only package the CLI and daemon
// entrypoints import directly.
package manager

import "errors"

// Error is the §7 action-refusal taxonomy: returned synchronously to the
// caller without mutating unit state, and never logged at error level.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrAlready           Error = "already queued or in requested state"
	ErrAgain             Error = "operation temporarily unavailable, retry"
	ErrInval             Error = "invalid unit name or configuration"
	ErrBadR              Error = "unit is in a bad load state"
	ErrBusy              Error = "unit is busy with a conflicting job"
	ErrNoExec            Error = "exec command could not be resolved"
	ErrComm              Error = "communication with unit failed"
	ErrProto             Error = "protocol violation"
	ErrCanceled          Error = "operation canceled"
	ErrNoEnt             Error = "unit not found"
	ErrRefuseManualStart Error = "unit refuses manual start"
	ErrRefuseManualStop  Error = "unit refuses manual stop"
	ErrOpNotSupp         Error = "operation not supported for this unit type"
)

// Is lets errors.Is match a wrapped manager.Error against its sentinel,
// even through a fmt.Errorf("...: %w", ...) chain.
func (e Error) Is(target error) bool {
	var t Error
	if errors.As(target, &t) {
		return t == e
	}
	return false
}
