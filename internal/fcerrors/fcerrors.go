// Package fcerrors defines the typed error kinds shared across the core.
package fcerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a FleetError so callers can branch on recovery policy
// without string matching. See spec §7 for the recovery policy per kind.
type Kind string

const (
	// KindUnknownProject is returned for user input referencing a project
	// key that isn't configured. Never retried; surfaced to the caller.
	KindUnknownProject Kind = "UnknownProject"
	// KindIDCollision is returned when exclusive session-id creation races
	// with a concurrent spawn. Retried internally up to a bounded attempt count.
	KindIDCollision Kind = "IdCollision"
	// KindIssueUnreachable is returned when Spawn's optional issue
	// resolution step fails. Issue resolution runs before a session id is
	// reserved, so nothing is rolled back; the error is surfaced (spec §4.2
	// failure semantics).
	KindIssueUnreachable Kind = "IssueUnreachable"
	// KindWorkspaceCreateFailed is returned by the Workspace plugin. The
	// session id reservation is rolled back and the error surfaced.
	KindWorkspaceCreateFailed Kind = "WorkspaceCreateFailed"
	// KindRuntimeCreateFailed is returned by the Runtime plugin. The
	// workspace is destroyed and the error surfaced.
	KindRuntimeCreateFailed Kind = "RuntimeCreateFailed"
	// KindPluginUnavailable means the requested plugin slot/name isn't
	// registered. Spawn, Send and Restore return it when a slot they need
	// is missing; other code paths skip the missing plugin silently.
	KindPluginUnavailable Kind = "PluginUnavailable"
	// KindPluginProbeFailed means a read-only plugin probe errored or timed
	// out. The current status is preserved; the probe is retried next cycle.
	KindPluginProbeFailed Kind = "PluginProbeFailed"
	// KindPluginActionFailed means a mutating plugin action errored. The
	// reaction's attempt counter is already incremented; it will retry,
	// then escalate.
	KindPluginActionFailed Kind = "PluginActionFailed"
	// KindMalformedPersistedLine means a corrupt JSONL line was
	// encountered. The line is skipped; processing continues.
	KindMalformedPersistedLine Kind = "MalformedPersistedLine"
	// KindPlanValidationError means an edit or approval was attempted on a
	// plan that isn't in a state (or shape) that permits it.
	KindPlanValidationError Kind = "PlanValidationError"
)

// FleetError wraps an underlying error with a Kind and the operation that
// produced it, so logs and tests can assert on classification.
type FleetError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *FleetError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *FleetError) Unwrap() error { return e.Err }

// New constructs a FleetError.
func New(kind Kind, op string, err error) *FleetError {
	return &FleetError{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a FleetError of the given kind.
func Is(err error, kind Kind) bool {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
