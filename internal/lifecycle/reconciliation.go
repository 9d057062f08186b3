package lifecycle

import "context"

// ReconciliationTrigger is the payload handed to a ReconciliationHook
// (SPEC_FULL.md §4.8). Kind distinguishes the two call sites that can
// invoke it: the `spawn-reconciliation` reaction action (spec §4.3.4) and
// the `plan-complete` reaction fired once every task in a plan has reached
// a terminal status (spec §4.3.5).
type ReconciliationTrigger struct {
	Kind      string // "plan-complete" or "session-failed"
	SessionID string
	PlanID    string
	ProjectID string
}

const (
	ReconciliationPlanComplete  = "plan-complete"
	ReconciliationSessionFailed = "session-failed"
)

// ReconciliationHook is the extension point `spawn-reconciliation` and
// `plan-complete` reactions call into. No implementation ships in the
// core (spec §1 places discovery/reconciliation/review-batch workflows
// out of scope); this is the same external-collaborator treatment the six
// plugin interfaces get.
type ReconciliationHook interface {
	Reconcile(ctx context.Context, trigger ReconciliationTrigger) error
}
