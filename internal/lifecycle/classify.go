package lifecycle

import (
	"context"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/pluginutil"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store/kvstore"
)

// outputLineCount bounds how much terminal output the activity probe and
// the send-to-agent dedup check read back, per spec §4.3.2/§4.3.4's "last
// N lines" wording.
const outputLineCount = 40

// classify runs the five-probe state classifier in strict priority order
// (spec §4.3.2). On the poll cycle s comes from session.Manager.List, which
// performs probe 1 (runtime liveness) itself and marks a dead-runtime
// session killed in place — so a session arriving here with
// session.StatusKilled has already satisfied probe 1 and classify returns
// immediately. Check loads s with session.Manager.Get, which does not
// probe liveness. rec is the session's persisted record, mutated in place
// when PR auto-detection (probe 3) fires; checkSession does not write rec
// back, so the detected PR reaches disk through session.Manager.Save when
// the cycle produces a transition.
func (m *Manager) classify(ctx context.Context, projectKey string, s *session.Session, rec kvstore.Record) session.Status {
	if s.Status == session.StatusKilled {
		return session.StatusKilled
	}

	proj, err := m.cfg.ResolveProject(projectKey)
	if err != nil {
		return s.Status
	}

	// Probe 2: activity, only evaluated when terminal output is non-empty.
	if status, ok := m.classifyActivity(ctx, proj.Agent, proj.Runtime, s); ok {
		return status
	}

	// Probe 3: PR auto-detect, falls through into probe 4 rather than
	// returning, so a freshly-detected PR is classified the same cycle.
	scm, hasSCM := m.registry.SCM(proj.SCM)
	if s.PR == "" && hasSCM {
		if pr := m.detectPR(ctx, scm, s); pr != nil {
			s.PR = pr.URL
			_ = rec.Set(kvstore.KeyPR, pr.URL)
		}
	}

	// Probe 4: PR state.
	if s.PR != "" && hasSCM {
		if status, ok := m.classifyPRState(ctx, scm, s); ok {
			return status
		}
	}

	// Probe 5: fallback.
	switch s.Status {
	case session.StatusSpawning, session.StatusStuck, session.StatusNeedsInput:
		return session.StatusWorking
	default:
		return s.Status
	}
}

func (m *Manager) detectPR(ctx context.Context, scm plugin.SCM, s *session.Session) *plugin.PR {
	var result *plugin.PR
	err := pluginutil.Call(ctx, "lifecycle.classify.detectPR", ciProbeBudget, func(ctx context.Context) error {
		pr, err := scm.DetectPR(ctx, s.ID, s.ProjectID)
		if err != nil {
			return err
		}
		result = pr
		return nil
	})
	if err != nil {
		return nil
	}
	return result
}

// classifyActivity implements probe 2. The bool return reports whether a
// definitive status was reached; when false, classification falls through
// to probe 3.
func (m *Manager) classifyActivity(ctx context.Context, agentName, runtimeName string, s *session.Session) (session.Status, bool) {
	agent, hasAgent := m.registry.Agent(agentName)
	rt, hasRuntime := m.registry.Runtime(runtimeName)
	if !hasAgent || !hasRuntime || s.RuntimeHandle == "" {
		return "", false
	}

	var output string
	err := pluginutil.Call(ctx, "lifecycle.classify.getOutput", ciProbeBudget, func(ctx context.Context) error {
		o, err := rt.GetOutput(ctx, s.RuntimeHandle, outputLineCount)
		output = o
		return err
	})
	if err != nil || strings.TrimSpace(output) == "" {
		return "", false
	}

	activity, err := agent.DetectActivity(ctx, output)
	if err != nil {
		// Probe exception: preserve an existing stuck/needs_input status
		// rather than coercing it to working (spec §4.3.2 probe 2).
		if s.Status == session.StatusStuck || s.Status == session.StatusNeedsInput {
			return s.Status, true
		}
		return "", false
	}

	if activity == plugin.ActivityWaitingInput {
		return session.StatusNeedsInput, true
	}

	running, err := agent.IsProcessRunning(ctx, s.RuntimeHandle)
	if err != nil {
		if s.Status == session.StatusStuck || s.Status == session.StatusNeedsInput {
			return s.Status, true
		}
		return "", false
	}
	if !running {
		return session.StatusKilled, true
	}
	return "", false
}

// classifyPRState implements probe 4's state table.
func (m *Manager) classifyPRState(ctx context.Context, scm plugin.SCM, s *session.Session) (session.Status, bool) {
	pr := plugin.PR{URL: s.PR}

	var state plugin.PRState
	err := pluginutil.Call(ctx, "lifecycle.classify.getPRState", ciProbeBudget, func(ctx context.Context) error {
		var err error
		state, err = scm.GetPRState(ctx, pr)
		return err
	})
	if err != nil {
		return "", false
	}
	switch state {
	case plugin.PRStateMerged:
		return session.StatusMerged, true
	case plugin.PRStateClosed:
		return session.StatusKilled, true
	}

	var ciSummary plugin.CISummary
	err = pluginutil.Call(ctx, "lifecycle.classify.getCISummary", ciProbeBudget, func(ctx context.Context) error {
		var err error
		ciSummary, err = scm.GetCISummary(ctx, pr)
		return err
	})
	if err == nil && ciSummary == plugin.CISummaryFailing {
		return session.StatusCIFailed, true
	}

	var decision plugin.ReviewDecision
	err = pluginutil.Call(ctx, "lifecycle.classify.getReviewDecision", ciProbeBudget, func(ctx context.Context) error {
		var err error
		decision, err = scm.GetReviewDecision(ctx, pr)
		return err
	})
	if err != nil {
		return session.StatusPROpen, true
	}

	switch decision {
	case plugin.ReviewDecisionChangesRequested:
		return session.StatusChangesRequested, true
	case plugin.ReviewDecisionApproved:
		var mergeability plugin.Mergeability
		mErr := pluginutil.Call(ctx, "lifecycle.classify.getMergeability", ciProbeBudget, func(ctx context.Context) error {
			var err error
			mergeability, err = scm.GetMergeability(ctx, pr)
			return err
		})
		if mErr == nil && mergeability.Mergeable {
			return session.StatusMergeable, true
		}
		return session.StatusApproved, true
	case plugin.ReviewDecisionPending:
		return session.StatusReviewPending, true
	default:
		return session.StatusPROpen, true
	}
}
