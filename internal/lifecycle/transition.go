package lifecycle

import (
	"context"
	"strconv"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/logging"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store/eventstore"
)

// statusEventTypes maps a session.Status onto the event-store Type string
// recorded for the transition into it (spec §4.3.3 step 4). The strings are
// chosen so priorityForEventType's substring inference below lands each one
// in the bucket spec §4.3.3 calls for.
var statusEventTypes = map[session.Status]string{
	session.StatusSpawning:         "session.spawning",
	session.StatusWorking:          "session.working",
	session.StatusPROpen:           "pr.created",
	session.StatusCIFailed:         "ci.failing",
	session.StatusReviewPending:    "review.pending",
	session.StatusChangesRequested: "review.changes_requested",
	session.StatusApproved:         "review.approved",
	session.StatusMergeable:        "pr.mergeable",
	session.StatusMerged:           "pr.merged",
	session.StatusNeedsInput:       "session.needs_input",
	session.StatusStuck:            "session.stuck",
	session.StatusErrored:          "session.errored",
	session.StatusKilled:           "session.killed",
	session.StatusDone:             "session.done",
}

func statusEventType(s session.Status) string {
	if t, ok := statusEventTypes[s]; ok {
		return t
	}
	return string(s)
}

// priorityForEventType infers an event's display priority from its type
// string (spec §4.3.3): urgent statuses are checked first so that, e.g.,
// "session.stuck" never falls into the warning bucket a looser ordering
// might catch it in.
func priorityForEventType(eventType string) eventstore.Priority {
	switch {
	case containsAny(eventType, "stuck", "needs_input", "errored"):
		return eventstore.PriorityUrgent
	case containsAny(eventType, "approved", "ready", "merged", "completed"):
		return eventstore.PriorityAction
	case containsAny(eventType, "fail", "changes_requested", "conflicts"):
		return eventstore.PriorityWarn
	case strings.HasPrefix(eventType, "summary."):
		return eventstore.PriorityInfo
	default:
		return eventstore.PriorityInfo
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// reactionKeyForStatus derives a reaction config key from a session status
// by kebab-casing it (spec §3: reaction keys are written "ci-failed" while
// statuses are written "ci_failed").
func reactionKeyForStatus(s session.Status) string {
	return strings.ReplaceAll(string(s), "_", "-")
}

// stickyReactionKeys re-dispatch every cycle a session remains in the
// status that triggered them, even without a fresh transition (spec §8
// scenario 2's three consecutive ci_failed cycles each produce a fix-sent
// reaction despite old==new on cycles 2 and 3).
var stickyReactionKeys = map[string]bool{
	"ci-failed":          true,
	"changes-requested":  true,
	"needs-input":        true,
}

func isStickyReactionKey(key string) bool {
	return stickyReactionKeys[key]
}

// handleTransition implements spec §4.3.3's full transition sequence.
func (m *Manager) handleTransition(ctx context.Context, projectKey string, s *session.Session, old session.Status) error {
	pt := m.trackerFor(projectKey)

	if old == session.StatusCIFailed {
		m.emitCIResolution(projectKey, s, old)
	}

	if err := m.sessions.Save(projectKey, s); err != nil {
		return err
	}

	oldKey := reactionKeyForStatus(old)
	pt.clearReaction(s.ID, oldKey)
	if rec, ok, err := m.sessions.Record(projectKey, s.ID); err == nil && ok {
		rec.ClearReaction(oldKey)
		_ = m.sessions.WriteRecord(projectKey, s.ID, rec)
	}

	eventType := statusEventType(s.Status)
	priority := priorityForEventType(eventType)
	store := m.sessions.Events(projectKey)
	ev := eventstore.NewEvent(eventType, priority, s.ID, s.ProjectID, transitionMessage(s, old), map[string]any{
		"from": string(old),
		"to":   string(s.Status),
	})
	if err := store.Append(ev); err != nil {
		m.log.Warn("failed to append transition event", logging.F("error", err.Error()))
	}

	reactionKey := reactionKeyForStatus(s.Status)
	if rc, ok := m.cfg.ResolveReactionConfig(projectKey, reactionKey); ok {
		if rc.IsAuto() {
			m.dispatchReaction(ctx, projectKey, s, reactionKey, rc)
		} else if priority != eventstore.PriorityInfo {
			m.notify(ctx, projectKey, s, priority, transitionMessage(s, old), ev.Data)
		}
	} else if priority != eventstore.PriorityInfo {
		m.notify(ctx, projectKey, s, priority, transitionMessage(s, old), ev.Data)
	}

	pt.setStatus(s.ID, s.Status)

	return m.coordinate(ctx, projectKey, s, old)
}

// redispatchSticky re-runs a sticky reaction without an underlying status
// transition, for sessions that remain parked in ci-failed,
// changes-requested, or needs-input.
func (m *Manager) redispatchSticky(ctx context.Context, projectKey string, s *session.Session, status session.Status) {
	reactionKey := reactionKeyForStatus(status)
	rc, ok := m.cfg.ResolveReactionConfig(projectKey, reactionKey)
	if !ok || !rc.IsAuto() {
		return
	}
	m.dispatchReaction(ctx, projectKey, s, reactionKey, rc)
}

// emitCIResolution records how a prior ci_failed episode ended: resolved
// (the new status carries a PR forward without failing CI) or exhausted
// without fix (fell back to a non-PR status). The attempt count is read
// before the tracker is cleared by the caller.
func (m *Manager) emitCIResolution(projectKey string, s *session.Session, old session.Status) {
	pt := m.trackerFor(projectKey)
	st := pt.reactionFor(s.ID, "ci-failed", nil)
	attempt := st.attempts

	store := m.sessions.Events(projectKey)
	resolved := false
	switch s.Status {
	case session.StatusPROpen, session.StatusReviewPending, session.StatusChangesRequested,
		session.StatusApproved, session.StatusMergeable, session.StatusMerged:
		resolved = s.PR != ""
	}
	if resolved {
		_ = store.Append(eventstore.NewEvent("ci.passing", eventstore.PriorityAction, s.ID, s.ProjectID,
			"CI is passing again after "+strconv.Itoa(attempt)+" fix attempt(s)",
			map[string]any{"resolved": true, "attempt": attempt}))
		return
	}
	_ = store.Append(eventstore.NewEvent("ci.fix_failed", eventstore.PriorityWarn, s.ID, s.ProjectID,
		"CI fix attempts did not resolve failures",
		map[string]any{"attempt": attempt}))
}

func transitionMessage(s *session.Session, old session.Status) string {
	return "session " + s.ID + " moved from " + string(old) + " to " + string(s.Status)
}
