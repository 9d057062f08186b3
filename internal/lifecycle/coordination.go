package lifecycle

import (
	"context"
	"fmt"

	"github.com/gg-salo/fleet-commander/internal/logging"
	"github.com/gg-salo/fleet-commander/internal/session"
)

// coordinate runs the cross-session side effects a terminal or merged
// transition can trigger (spec §4.3.5/§4.4): spawning newly-unblocked plan
// tasks and nudging active siblings to rebase on a merge, checking plan
// completion on any terminal status, recording the outcome, and spawning a
// retrospective on a non-merged terminal status.
func (m *Manager) coordinate(ctx context.Context, projectKey string, s *session.Session, priorStatus session.Status) error {
	if s.Status == session.StatusMerged && s.PlanID != "" {
		m.onPlanTaskMerged(ctx, projectKey, s)
	}

	if s.Status.IsTerminal() {
		m.resourcesFor(projectKey).outcomes.RecordTerminal(s, priorStatus, sessionCost(s))

		if s.PlanID != "" {
			m.checkPlanCompletion(ctx, projectKey, s.PlanID)
		}

		if s.Status != session.StatusMerged {
			if rc, ok := m.cfg.ResolveReactionConfig(projectKey, "session-failed"); ok && rc.IsAuto() {
				m.dispatchReaction(ctx, projectKey, s, "session-failed", rc)
			}
		}
	}
	return nil
}

// onPlanTaskMerged spawns every plan task whose dependencies are now all
// merged and nudges still-active siblings to rebase onto the newly merged
// default branch (spec §4.4's dependency-aware spawn, generalized from the
// teacher's single-agent poller into a DAG of cooperating sessions).
func (m *Manager) onPlanTaskMerged(ctx context.Context, projectKey string, s *session.Session) {
	res := m.resourcesFor(projectKey)
	if _, err := res.plans.SpawnReadyTasks(ctx, projectKey, s.PlanID); err != nil {
		m.log.Warn("failed to spawn ready plan tasks", logging.F("planId", s.PlanID), logging.F("error", err.Error()))
	}

	siblings, err := m.sessions.List(ctx, projectKey)
	if err != nil {
		m.log.Warn("failed to list sessions for sibling rebase", logging.F("planId", s.PlanID), logging.F("error", err.Error()))
		return
	}

	proj, err := m.cfg.ResolveProject(projectKey)
	if err != nil {
		return
	}

	for _, sibling := range siblings {
		if sibling.ID == s.ID || sibling.PlanID != s.PlanID || sibling.Status.IsTerminal() {
			continue
		}
		if !m.rebaseLimiter.Allow(sibling.ID + ":rebase") {
			continue
		}
		msg := fmt.Sprintf("Dependency PR %s just merged into %s. Rebase your branch onto the latest %s before continuing.", s.PR, proj.DefaultBranch, proj.DefaultBranch)
		if err := m.sessions.Send(ctx, projectKey, sibling.ID, msg); err != nil {
			m.log.Warn("failed to send rebase notice", logging.F("sessionId", sibling.ID), logging.F("error", err.Error()))
		}
	}
}

// checkPlanCompletion dispatches the plan-complete reaction once every
// task in the plan that ever spawned a session has reached a terminal
// status (spec §4.4).
func (m *Manager) checkPlanCompletion(ctx context.Context, projectKey, planID string) {
	res := m.resourcesFor(projectKey)
	done, err := res.plans.CheckPlanCompletion(projectKey, planID)
	if err != nil {
		m.log.Warn("failed to check plan completion", logging.F("planId", planID), logging.F("error", err.Error()))
		return
	}
	if !done {
		return
	}
	rc, ok := m.cfg.ResolveReactionConfig(projectKey, "plan-complete")
	if !ok {
		return
	}
	placeholder := &session.Session{ID: planID, ProjectID: projectKey, PlanID: planID}
	if rc.IsAuto() {
		m.dispatchReaction(ctx, projectKey, placeholder, "plan-complete", rc)
		return
	}
	m.notify(ctx, projectKey, placeholder, notifyPriority(rc), fmt.Sprintf("plan %s is complete", planID), map[string]any{"planId": planID})
}

func sessionCost(s *session.Session) *float64 {
	if s.Cost == 0 {
		return nil
	}
	c := s.Cost
	return &c
}
