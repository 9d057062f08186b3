// Package outcome implements the Outcome Service (spec §4.6): on every
// terminal-state transition, read the event store to count the CI-retry
// and review-round history for the session, extract the most recent
// failing-check list, and append one outcomestore.Record. Grounded on the
// teacher's server/reviewloop.go pattern of summarizing a finished review
// loop's event trail into a single closing record, generalized from an
// in-memory summary onto a persisted outcome store.
package outcome

import (
	"time"

	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store/eventstore"
	"github.com/gg-salo/fleet-commander/internal/store/outcomestore"
)

// Event types this package counts from the event store. Kept local rather
// than imported from a shared "event type registry" since no such registry
// exists; the Lifecycle Manager's transition handler is the only other
// place that needs these names and they are spelled out there directly.
const (
	eventTypeCIFailing            = "ci.failing"
	eventTypeReviewChangesRequest = "review.changes_requested"
)

// Service records one outcomestore.Record per terminal session transition.
type Service struct {
	events   *eventstore.Store
	outcomes *outcomestore.Store
}

// New constructs an Outcome Service over the given project's event and
// outcome stores.
func New(events *eventstore.Store, outcomes *outcomestore.Store) *Service {
	return &Service{events: events, outcomes: outcomes}
}

// classify maps a session's terminal status, together with the status it
// held immediately before the transition into the terminal one, onto an
// outcomestore.Outcome. The terminal status alone is not enough: `killed`
// and `done` both cover a session that was forcibly stopped or simply
// exited, and spec §3's Outcome enum wants to distinguish a session that
// was killed while healthy from one that was killed while stuck or
// errored. This is an Open Question resolution (recorded in the design
// ledger): the prior status, not the terminal one, drives the stuck/
// errored classification; merged always wins outright.
func classify(terminal, prior session.Status) outcomestore.Outcome {
	if terminal == session.StatusMerged {
		return outcomestore.OutcomeMerged
	}
	switch prior {
	case session.StatusStuck:
		return outcomestore.OutcomeStuck
	case session.StatusErrored:
		return outcomestore.OutcomeErrored
	default:
		return outcomestore.OutcomeKilled
	}
}

// RecordTerminal builds and appends the outcome record for sess, which has
// just transitioned into a terminal status (sess.Status.IsTerminal() is
// true). priorStatus is the status sess held immediately before this
// transition, as tracked by the Lifecycle Manager's in-memory status
// cache; cost, when known from the plugin-reported agent summary, is
// passed through as-is (nil when the agent never reported one).
func (s *Service) RecordTerminal(sess *session.Session, priorStatus session.Status, cost *float64) error {
	failingChecks, ciRetries, err := s.ciHistory(sess.ID)
	if err != nil {
		return err
	}
	reviewRounds, err := s.reviewRounds(sess.ID)
	if err != nil {
		return err
	}

	rec := outcomestore.Record{
		SessionID:     sess.ID,
		ProjectID:     sess.ProjectID,
		Outcome:       classify(sess.Status, priorStatus),
		DurationMS:    durationMS(sess.CreatedAt, time.Now()),
		CIRetries:     ciRetries,
		ReviewRounds:  reviewRounds,
		Cost:          cost,
		FailingChecks: failingChecks,
		PlanID:        sess.PlanID,
		Timestamp:     time.Now().UnixMilli(),
	}
	return s.outcomes.Append(rec)
}

// ciHistory counts the ci.failing events recorded for sessionID (the CI
// retry count, one per failing run) and extracts the failing-check names
// from the most recent such event's data payload (spec §4.6: "extracts
// the failing-check names from the most recent ci.failing event").
func (s *Service) ciHistory(sessionID string) ([]string, int, error) {
	events, err := s.events.Find(eventstore.Query{
		SessionID: sessionID,
		Types:     []string{eventTypeCIFailing},
	})
	if err != nil {
		return nil, 0, err
	}
	if len(events) == 0 {
		return nil, 0, nil
	}
	// Find sorts newest-first, so the head is the most recent failure.
	return failingChecksFromData(events[0].Data), len(events), nil
}

// reviewRounds counts the review.changes_requested events recorded for
// sessionID, one per round of requested changes.
func (s *Service) reviewRounds(sessionID string) (int, error) {
	events, err := s.events.Find(eventstore.Query{
		SessionID: sessionID,
		Types:     []string{eventTypeReviewChangesRequest},
	})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// failingChecksFromData extracts a "failingChecks" string slice from an
// event's loosely-typed data payload, tolerating the shapes
// encoding/json produces when decoding into map[string]any ([]any of
// strings) as well as a pre-built []string for callers that construct
// events in-process.
func failingChecksFromData(data map[string]any) []string {
	if data == nil {
		return nil
	}
	raw, ok := data["failingChecks"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func durationMS(start, end time.Time) int64 {
	if start.IsZero() {
		return 0
	}
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
