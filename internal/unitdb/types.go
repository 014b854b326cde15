// Package unitdb holds the core unit data model shared by the job engine
// and the service state machine: the UnitEntry record, its enums, and the
// UnitDb table with its pid reverse-index and dependency multigraph. It is
// the lowest package in the dependency order and must never import job or
// service.
package unitdb

import "time"

// UnitType tags the kind of resource a UnitEntry represents.
type UnitType string

const (
	TypeService UnitType = "service"
	TypeSocket  UnitType = "socket"
	TypeTarget  UnitType = "target"
	TypeMount   UnitType = "mount"
	TypeTimer   UnitType = "timer"
	TypePath    UnitType = "path"
	TypeDevice  UnitType = "device"
	TypeSlice   UnitType = "slice"
	TypeScope   UnitType = "scope"
)

// LoadState reflects whether the type-specific loader has produced a valid
// config record for a unit.
type LoadState string

const (
	LoadStub       LoadState = "stub"
	LoadLoaded     LoadState = "loaded"
	LoadNotFound   LoadState = "not_found"
	LoadError      LoadState = "error"
	LoadBadSetting LoadState = "bad_setting"
	LoadMasked     LoadState = "masked"
	LoadMerged     LoadState = "merged"
)

// ActiveState is the generic projection of a unit's type-specific state,
// defined per type (see service.ProjectActiveState for ServiceState).
type ActiveState string

const (
	ActiveInActive    ActiveState = "inactive"
	ActiveActivating  ActiveState = "activating"
	ActiveActive      ActiveState = "active"
	ActiveReloading   ActiveState = "reloading"
	ActiveDeActivating ActiveState = "deactivating"
	ActiveFailed      ActiveState = "failed"
	ActiveMaintenance ActiveState = "maintenance"
)

// DependencyKind is a relation kind in the typed dependency multigraph.
type DependencyKind string

const (
	DepRequires            DependencyKind = "requires"
	DepRequisite           DependencyKind = "requisite"
	DepWants               DependencyKind = "wants"
	DepBindsTo             DependencyKind = "binds_to"
	DepPartOf              DependencyKind = "part_of"
	DepConflicts           DependencyKind = "conflicts"
	DepBefore              DependencyKind = "before"
	DepAfter               DependencyKind = "after"
	DepOnFailure           DependencyKind = "on_failure"
	DepPropagatesReloadTo  DependencyKind = "propagates_reload_to"
	DepJoinsNamespaceOf    DependencyKind = "joins_namespace_of"
	DepTriggers            DependencyKind = "triggers"
	DepTriggeredBy         DependencyKind = "triggered_by"
)

// DependencyMask identifies which source added a dependency edge, so that
// e.g. implicit edges can be dropped on reload without disturbing
// file-declared ones.
type DependencyMask uint8

const (
	MaskFile DependencyMask = 1 << iota
	MaskDefault
	MaskImplicit
)

// Timestamps records the clock readings a unit's lifecycle crosses.
type Timestamps struct {
	StateChange   time.Time
	InactiveEnter time.Time
	InactiveExit  time.Time
	ActiveEnter   time.Time
	ActiveExit    time.Time
}

// UnitEntry is the one record UnitDb owns per canonical unit id. Every
// other component resolves a UnitId (plain string) through UnitDb rather
// than holding a direct pointer across the lifetime of the process, except
// where a pointer has just been resolved for the duration of a single
// callback.
type UnitEntry struct {
	ID   string
	Type UnitType

	Load   LoadState
	Active ActiveState
	Sub    string // type-specific textual sub-state, e.g. ServiceState.String()

	// Config is the parsed, type-specific configuration record. The
	// state machine for each type asserts it to its own shape
	// (*service.Config for TypeService); unitdb never inspects it.
	Config any

	IgnoreOnIsolate     bool
	DefaultDependencies bool
	Transient           bool

	Timestamps Timestamps

	// MergedInto holds the id of the successor entry when this record has
	// been superseded by a same-name unit (LoadMerged). Lookups against a
	// merged entry must be forwarded by the caller via UnitDb.Resolve.
	MergedInto string
}

// IsMerged reports whether this entry has been superseded.
func (e *UnitEntry) IsMerged() bool {
	return e.Load == LoadMerged && e.MergedInto != ""
}
