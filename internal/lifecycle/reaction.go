package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gg-salo/fleet-commander/internal/classify"
	"github.com/gg-salo/fleet-commander/internal/config"
	"github.com/gg-salo/fleet-commander/internal/logging"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/pluginutil"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store/eventstore"
	"github.com/gg-salo/fleet-commander/internal/store/kvstore"
)

// dedupKeywords are substrings that, when found in a session's recent
// terminal output, suggest the agent is already addressing the problem a
// send-to-agent reaction would otherwise nag it about again (spec §4.3.4:
// "skip re-sending if recent output already shows the agent working the
// same problem").
var dedupKeywords = []string{
	"fixing ci",
	"ci fail",
	"lint error",
	"addressing comment",
	"address comment",
	"address review",
	"resolving review",
}

// dispatchReaction implements spec §4.3.4's send-to-agent/notify/
// auto-merge/spawn-review/review-gate/spawn-reconciliation action table,
// together with the increment -> dedup -> escalate ordering resolved in
// DESIGN.md to satisfy both the plain retry-then-escalate scenario and the
// dedup-skips-the-escalate-check scenario.
func (m *Manager) dispatchReaction(ctx context.Context, projectKey string, s *session.Session, reactionKey string, rc config.ReactionConfig) {
	pt := m.trackerFor(projectKey)
	rec, _, err := m.sessions.Record(projectKey, s.ID)
	if err != nil {
		m.log.Warn("failed to read record for reaction dispatch", logging.F("sessionId", s.ID), logging.F("error", err.Error()))
		return
	}
	if rec == nil {
		rec = kvstore.NewRecord()
	}

	st := pt.reactionFor(s.ID, reactionKey, rec)
	st.attempts++
	if !st.hasFirst {
		st.firstTriggered = time.Now()
		st.hasFirst = true
	}
	m.persistReaction(projectKey, s.ID, reactionKey, st)

	if rc.Action == "send-to-agent" {
		skip, err := m.dedupMatches(ctx, s)
		if err == nil && skip {
			m.appendEvent(projectKey, s, "reaction.triggered", eventstore.PriorityInfo, "reaction skipped: agent already addressing it",
				map[string]any{"reactionKey": reactionKey, "skipped": true, "attempts": st.attempts})
			return
		}
	}

	if m.shouldEscalate(rc, st) {
		m.escalate(ctx, projectKey, s, reactionKey, rc, st)
		return
	}

	switch rc.Action {
	case "send-to-agent":
		m.actionSendToAgent(ctx, projectKey, s, rc, st)
	case "notify":
		m.appendEvent(projectKey, s, "reaction.triggered", eventstore.PriorityInfo, "reaction dispatched",
			map[string]any{"reactionKey": reactionKey, "skipped": false, "attempts": st.attempts})
		m.notify(ctx, projectKey, s, notifyPriority(rc), reactionMessage(rc, s), map[string]any{"reactionKey": reactionKey})
	case "auto-merge":
		// Stub extension point (spec §4.3.4): reduces to a notify at
		// action priority until an auto-merge plugin action exists.
		m.notify(ctx, projectKey, s, eventstore.PriorityAction, "PR is mergeable; auto-merge is not wired, notifying instead", map[string]any{"reactionKey": reactionKey})
	case "spawn-review":
		m.actionSpawnReview(ctx, projectKey, s)
	case "review-gate":
		m.actionReviewGate(ctx, projectKey, s)
	case "spawn-reconciliation":
		kind := ReconciliationSessionFailed
		if reactionKey == "plan-complete" {
			kind = ReconciliationPlanComplete
		}
		m.actionSpawnReconciliation(ctx, projectKey, s, kind)
	case "spawn-retrospective":
		m.actionSpawnRetrospective(ctx, projectKey, s)
	default:
		m.log.Warn("unknown reaction action", logging.F("action", rc.Action), logging.F("reactionKey", reactionKey))
	}
}

func (m *Manager) persistReaction(projectKey, sessionID, reactionKey string, st *reactionState) {
	rec, ok, err := m.sessions.Record(projectKey, sessionID)
	if err != nil || !ok {
		return
	}
	rec.SetReactionAttempts(reactionKey, st.attempts)
	if st.hasFirst {
		rec.SetReactionFirstTriggered(reactionKey, st.firstTriggered)
	}
	_ = m.sessions.WriteRecord(projectKey, sessionID, rec)
}

// shouldEscalate implements spec §4.3.4's escalation predicate:
// attempts > retries, or elapsed time since first trigger exceeds
// escalateAfter.
func (m *Manager) shouldEscalate(rc config.ReactionConfig, st *reactionState) bool {
	if st.attempts > rc.Retries {
		return true
	}
	if d, ok, err := rc.EscalateAfterDuration(); err == nil && ok && st.hasFirst {
		if time.Since(st.firstTriggered) > d {
			return true
		}
	}
	return false
}

func (m *Manager) escalate(ctx context.Context, projectKey string, s *session.Session, reactionKey string, rc config.ReactionConfig, st *reactionState) {
	m.appendEvent(projectKey, s, "reaction.escalated", eventstore.PriorityUrgent, "reaction exhausted its retry budget; escalating to a human",
		map[string]any{"reactionKey": reactionKey, "attempts": st.attempts})
	m.notify(ctx, projectKey, s, eventstore.PriorityUrgent,
		fmt.Sprintf("session %s needs attention: %s exhausted after %d attempt(s)", s.ID, reactionKey, st.attempts),
		map[string]any{"reactionKey": reactionKey, "attempts": st.attempts})
}

// dedupMatches checks whether the session's recent terminal output already
// shows it working the same class of problem a send-to-agent reaction
// would otherwise nag about.
func (m *Manager) dedupMatches(ctx context.Context, s *session.Session) (bool, error) {
	proj, err := m.cfg.ResolveProject(s.ProjectID)
	if err != nil {
		return false, err
	}
	rt, ok := m.registry.Runtime(proj.Runtime)
	if !ok || s.RuntimeHandle == "" {
		return false, nil
	}
	var output string
	err = pluginutil.Call(ctx, "lifecycle.reaction.dedup", ciProbeBudget, func(ctx context.Context) error {
		o, err := rt.GetOutput(ctx, s.RuntimeHandle, outputLineCount)
		output = o
		return err
	})
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(output)
	for _, kw := range dedupKeywords {
		if strings.Contains(lower, kw) {
			return true, nil
		}
	}
	return false, nil
}

// actionSendToAgent composes a CI-fix message enriched with classified
// failing checks, PR size, and a diff against the previous attempt's
// failing-check list, then sends it to the agent (spec §4.3.4). The
// failing-check names are read from the "failingChecks" field of the most
// recent ci.failing event; handleTransition writes ci.failing events with
// only "from" and "to", so no code in this module fills that list and the
// classified-checks section is built from an empty list.
func (m *Manager) actionSendToAgent(ctx context.Context, projectKey string, s *session.Session, rc config.ReactionConfig, st *reactionState) {
	checks := m.recentFailingChecks(projectKey, s.ID)
	var sb strings.Builder
	if rc.Message != "" {
		sb.WriteString(rc.Message)
		sb.WriteString("\n\n")
	}
	sb.WriteString(classify.FormatClassifiedErrors(checks))

	if s.PR != "" {
		proj, err := m.cfg.ResolveProject(s.ProjectID)
		if err == nil {
			if scm, ok := m.registry.SCM(proj.SCM); ok {
				var summary plugin.PRSummary
				cErr := pluginutil.Call(ctx, "lifecycle.reaction.prSummary", ciProbeBudget, func(ctx context.Context) error {
					var err error
					summary, err = scm.GetPRSummary(ctx, plugin.PR{URL: s.PR})
					return err
				})
				if cErr == nil {
					sb.WriteString(fmt.Sprintf("\n\nPR size: +%d/-%d\n", summary.Additions, summary.Deletions))
				}
			}
		}
	}

	prevChecks := m.previousFixSentChecks(projectKey, s.ID)
	sb.WriteString("\n\n" + diffFailingChecks(prevChecks, checks))
	sb.WriteString(fmt.Sprintf("\n\nThis is fix attempt %d.", st.attempts))

	if err := m.sessions.Send(ctx, projectKey, s.ID, sb.String()); err != nil {
		m.log.Warn("failed to send ci-fix message", logging.F("sessionId", s.ID), logging.F("error", err.Error()))
		return
	}
	m.appendEvent(projectKey, s, "ci.fix_sent", eventstore.PriorityAction, fmt.Sprintf("sent CI fix request (attempt %d)", st.attempts),
		map[string]any{"attempt": st.attempts, "failingChecks": checks})
}

func (m *Manager) recentFailingChecks(projectKey, sessionID string) []string {
	events, err := m.sessions.Events(projectKey).Find(eventstore.Query{
		SessionID: sessionID,
		Types:     []string{"ci.failing"},
		Limit:     1,
	})
	if err != nil || len(events) == 0 {
		return nil
	}
	return stringSliceFromData(events[0].Data, "failingChecks")
}

func (m *Manager) previousFixSentChecks(projectKey, sessionID string) []string {
	events, err := m.sessions.Events(projectKey).Find(eventstore.Query{
		SessionID: sessionID,
		Types:     []string{"ci.fix_sent"},
		Limit:     1,
	})
	if err != nil || len(events) == 0 {
		return nil
	}
	return stringSliceFromData(events[0].Data, "failingChecks")
}

func stringSliceFromData(data map[string]any, key string) []string {
	if data == nil {
		return nil
	}
	raw, ok := data[key]
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

// diffFailingChecks renders an attempt-over-attempt analysis: checks that
// are still failing, checks that newly started failing, and checks that
// passed since the previous fix attempt.
func diffFailingChecks(prev, cur []string) string {
	prevSet := toSet(prev)
	curSet := toSet(cur)

	var stillFailing, newFailures, nowPassing []string
	for _, c := range cur {
		if prevSet[c] {
			stillFailing = append(stillFailing, c)
		} else {
			newFailures = append(newFailures, c)
		}
	}
	for _, c := range prev {
		if !curSet[c] {
			nowPassing = append(nowPassing, c)
		}
	}

	var sb strings.Builder
	sb.WriteString("Attempt analysis:\n")
	sb.WriteString("- still failing: " + joinOrNone(stillFailing) + "\n")
	sb.WriteString("- new failures: " + joinOrNone(newFailures) + "\n")
	sb.WriteString("- now passing: " + joinOrNone(nowPassing))
	return sb.String()
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// actionSpawnReview spawns a review session for a fresh PR, inlining the
// originating plan task's constraints and acceptance criteria when the
// session is plan-scoped.
func (m *Manager) actionSpawnReview(ctx context.Context, projectKey string, s *session.Session) {
	prompt := fmt.Sprintf("Review pull request %s for session %s.", s.PR, s.ID)
	if s.PlanID != "" {
		res := m.resourcesFor(projectKey)
		if p, ok, err := res.plans.Read(s.PlanID); err == nil && ok {
			for _, t := range p.Tasks {
				if t.SessionID == s.ID {
					prompt = fmt.Sprintf("Review pull request %s.\n\nAcceptance criteria:\n%s\n\nConstraints:\n%s",
						s.PR, strings.Join(t.AcceptanceCriteria, "\n"), strings.Join(t.Constraints, "\n"))
					break
				}
			}
		}
	}
	_, err := m.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectKey: projectKey,
		Branch:     "review/" + s.ID,
		Prompt:     prompt,
		PlanID:     s.PlanID,
	})
	if err != nil {
		m.log.Warn("failed to spawn review session", logging.F("sessionId", s.ID), logging.F("error", err.Error()))
		return
	}
	m.appendEvent(projectKey, s, "review.spawned", eventstore.PriorityAction, "spawned a review session", nil)
}

// actionReviewGate fetches outstanding review feedback and forwards it to
// the agent, tracking how many rounds of feedback have been sent via the
// session's reviewAttempts metadata key.
func (m *Manager) actionReviewGate(ctx context.Context, projectKey string, s *session.Session) {
	proj, err := m.cfg.ResolveProject(s.ProjectID)
	if err != nil {
		return
	}
	scm, ok := m.registry.SCM(proj.SCM)
	if !ok || s.PR == "" {
		return
	}
	pr := plugin.PR{URL: s.PR}

	var comments []plugin.Comment
	_ = pluginutil.Call(ctx, "lifecycle.reaction.pendingComments", ciProbeBudget, func(ctx context.Context) error {
		c, err := scm.GetPendingComments(ctx, pr)
		comments = c
		return err
	})

	var sb strings.Builder
	sb.WriteString("Address the following review feedback:\n")
	for _, c := range comments {
		sb.WriteString(fmt.Sprintf("- %s:%d: %s\n", c.Path, c.Line, c.Body))
	}
	if s.PlanID != "" {
		sb.WriteString("\nOnce pushed, rebase onto the latest default branch if a sibling task has merged in the meantime.")
	}

	if err := m.sessions.Send(ctx, projectKey, s.ID, sb.String()); err != nil {
		m.log.Warn("failed to send review feedback", logging.F("sessionId", s.ID), logging.F("error", err.Error()))
		return
	}

	rec, ok, err := m.sessions.Record(projectKey, s.ID)
	if err == nil && ok {
		attempts := 0
		if raw, ok := rec.Get(kvstore.KeyReviewAttempts); ok {
			if n, convErr := strconv.Atoi(raw); convErr == nil {
				attempts = n
			}
		}
		attempts++
		_ = rec.Set(kvstore.KeyReviewAttempts, strconv.Itoa(attempts))
		_ = m.sessions.WriteRecord(projectKey, s.ID, rec)
	}

	m.appendEvent(projectKey, s, "review.feedback_sent", eventstore.PriorityAction, "sent review feedback to agent", nil)
}

func (m *Manager) actionSpawnReconciliation(ctx context.Context, projectKey string, s *session.Session, kind string) {
	if m.hook == nil {
		m.log.Warn("spawn-reconciliation reaction configured but no hook wired", logging.F("sessionId", s.ID))
		return
	}
	if err := m.hook.Reconcile(ctx, ReconciliationTrigger{
		Kind:      kind,
		SessionID: s.ID,
		PlanID:    s.PlanID,
		ProjectID: s.ProjectID,
	}); err != nil {
		m.log.Warn("reconciliation hook failed", logging.F("sessionId", s.ID), logging.F("error", err.Error()))
	}
}

// actionSpawnRetrospective spawns an analysis session over a session that
// ended in a non-merged terminal status, on a disposable branch so it
// never competes for the original PR.
func (m *Manager) actionSpawnRetrospective(ctx context.Context, projectKey string, s *session.Session) {
	prompt := fmt.Sprintf("Session %s ended without merging (final status %s). Analyze the session's history and propose what should change next time.", s.ID, s.Status)
	_, err := m.sessions.Spawn(ctx, session.SpawnRequest{
		ProjectKey: projectKey,
		Branch:     "retro/" + s.ID,
		Prompt:     prompt,
	})
	if err != nil {
		m.log.Warn("failed to spawn retrospective session", logging.F("sessionId", s.ID), logging.F("error", err.Error()))
	}
}

func (m *Manager) appendEvent(projectKey string, s *session.Session, eventType string, priority eventstore.Priority, message string, data map[string]any) {
	store := m.sessions.Events(projectKey)
	if err := store.Append(eventstore.NewEvent(eventType, priority, s.ID, s.ProjectID, message, data)); err != nil {
		m.log.Warn("failed to append event", logging.F("type", eventType), logging.F("error", err.Error()))
	}
}

// notify fans a message out through every notifier plugin routed for
// priority (spec §4.3.3 step 6's "non-auto reaction notifies directly").
func (m *Manager) notify(ctx context.Context, projectKey string, s *session.Session, priority eventstore.Priority, message string, data map[string]any) {
	for _, name := range m.cfg.NotifiersFor(string(priority)) {
		notifier, ok := m.registry.Notifier(name)
		if !ok {
			continue
		}
		err := pluginutil.Call(ctx, "lifecycle.notify", actionBudget, func(ctx context.Context) error {
			return notifier.Notify(ctx, plugin.NotifyEvent{
				Type:      "reaction.notify",
				Priority:  string(priority),
				SessionID: s.ID,
				ProjectID: s.ProjectID,
				Message:   message,
				Data:      data,
			})
		})
		if err != nil {
			m.log.Warn("notifier failed", logging.F("notifier", name), logging.F("error", err.Error()))
		}
	}
}

func (m *Manager) emitSummaryComplete(projectKey string) {
	store := m.sessions.Events(projectKey)
	if err := store.Append(eventstore.NewEvent("summary.all_complete", eventstore.PriorityInfo, "", projectKey, "every session in this project has reached a terminal status", nil)); err != nil {
		m.log.Warn("failed to append summary event", logging.F("error", err.Error()))
	}
}

func notifyPriority(rc config.ReactionConfig) eventstore.Priority {
	switch rc.Priority {
	case "urgent":
		return eventstore.PriorityUrgent
	case "action":
		return eventstore.PriorityAction
	case "warning":
		return eventstore.PriorityWarn
	case "info":
		return eventstore.PriorityInfo
	default:
		return eventstore.PriorityAction
	}
}

func reactionMessage(rc config.ReactionConfig, s *session.Session) string {
	if rc.Message != "" {
		return rc.Message
	}
	return fmt.Sprintf("reaction dispatched for session %s", s.ID)
}
