package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/config"
	"github.com/gg-salo/fleet-commander/internal/fcerrors"
	"github.com/gg-salo/fleet-commander/internal/logging"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/session"
)

// sessionSpawner is the subset of *session.Manager the Plan Service needs,
// narrowed to an interface so tests can substitute a lighter double if
// ever needed without dragging in the full Session Manager.
type sessionSpawner interface {
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
	Get(projectKey, id string) (*session.Session, bool, error)
	List(ctx context.Context, projectKey string) ([]*session.Session, error)
}

// OutputDocument is the shape the planning agent writes to
// plans/<id>-output.json (spec §4.4: "when the agent writes
// <planId>-output.json the plan transitions to ready").
type OutputDocument struct {
	Tasks []Task `json:"tasks"`
}

// PromptBundle is the externally-built enrichment injected into spawn
// prompts (spec §4.4: "a prompt enriched by a (CLAUDE.md excerpt ∪
// project-lessons) bundle"). Building the excerpt and rendering lessons
// into text both happen outside this package (prompt text generation is
// out of scope per spec §1); this package only concatenates.
type PromptBundle struct {
	ClaudeMDExcerpt string
	ProjectLessons  string
}

func (b PromptBundle) render() string {
	var parts []string
	if b.ClaudeMDExcerpt != "" {
		parts = append(parts, b.ClaudeMDExcerpt)
	}
	if b.ProjectLessons != "" {
		parts = append(parts, b.ProjectLessons)
	}
	return strings.Join(parts, "\n\n")
}

// Service is the Plan Service (spec §4.4).
type Service struct {
	store    *Store
	sessions sessionSpawner
	registry *plugin.Registry
	cfg      *config.Config
	log      logging.Logger
}

// NewService constructs a Plan Service for one project's plan store.
func NewService(store *Store, sessions sessionSpawner, registry *plugin.Registry, cfg *config.Config, log logging.Logger) *Service {
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{store: store, sessions: sessions, registry: registry, cfg: cfg, log: log}
}

// Read loads a plan record.
func (s *Service) Read(planID string) (*Plan, bool, error) {
	return s.store.Read(planID)
}

// CheckPlanOutput looks for the planning agent's output drop-box file; if
// present and the plan is still `planning`, parses its tasks, validates the
// DAG, and transitions the plan to `ready` (spec §4.4).
func (s *Service) CheckPlanOutput(planID string) (*Plan, error) {
	p, ok, err := s.store.Read(planID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("plan: unknown plan %q", planID)
	}
	if p.Status != StatusPlanning {
		return p, nil
	}

	data, ok, err := s.store.ReadOutput(planID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p, nil
	}

	var doc OutputDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fcerrors.New(fcerrors.KindMalformedPersistedLine, "plan.CheckPlanOutput", err)
	}
	p.Tasks = doc.Tasks
	if err := Validate(p); err != nil {
		return nil, fcerrors.New(fcerrors.KindPlanValidationError, "plan.CheckPlanOutput", err)
	}
	p.Status = StatusReady
	if err := s.store.Write(p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkPlanningFailed transitions a still-`planning` plan to `failed`,
// invoked by the Lifecycle Manager when the planning session exits without
// ever producing output (spec §4.4: "The planning session going exited
// without output transitions to failed").
func (s *Service) MarkPlanningFailed(planID string) error {
	p, ok, err := s.store.Read(planID)
	if err != nil {
		return err
	}
	if !ok || p.Status != StatusPlanning {
		return nil
	}
	p.Status = StatusFailed
	return s.store.Write(p)
}

// ApprovePlan transitions a `ready` plan to `approved`, creates a tracker
// issue per task (continuing past per-task failures and recording them),
// transitions to `executing`, then immediately spawns every task with no
// dependencies whose issue was created (spec §4.4). Tasks with
// dependencies remain pending; a task whose issue creation failed is not
// spawned.
func (s *Service) ApprovePlan(ctx context.Context, projectKey, planID string, bundle PromptBundle) (*Plan, error) {
	p, ok, err := s.store.Read(planID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fcerrors.New(fcerrors.KindPlanValidationError, "plan.ApprovePlan", fmt.Errorf("unknown plan %q", planID))
	}
	if p.Status != StatusReady {
		return nil, fcerrors.New(fcerrors.KindPlanValidationError, "plan.ApprovePlan", fmt.Errorf("plan %q is %q, not ready", planID, p.Status))
	}
	if err := Validate(p); err != nil {
		return nil, fcerrors.New(fcerrors.KindPlanValidationError, "plan.ApprovePlan", err)
	}

	p.Status = StatusApproved

	proj, err := s.cfg.ResolveProject(projectKey)
	if err != nil {
		return nil, fcerrors.New(fcerrors.KindUnknownProject, "plan.ApprovePlan", err)
	}
	tracker, hasTracker := s.registry.Tracker(proj.Tracker)

	for i := range p.Tasks {
		t := &p.Tasks[i]
		if !hasTracker {
			t.IssueError = "tracker plugin unavailable"
			continue
		}
		issue, err := tracker.CreateIssue(ctx, plugin.IssueRequest{Title: t.Title, Body: t.Description}, projectKey)
		if err != nil {
			t.IssueError = err.Error()
			continue
		}
		t.IssueID = issue.ID
		t.IssueURL = issue.URL
	}

	p.Status = StatusExecuting
	if err := s.store.Write(p); err != nil {
		return nil, err
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		if len(t.Dependencies) > 0 || t.HasSession() || t.IssueError != "" {
			continue
		}
		sess, err := s.sessions.Spawn(ctx, session.SpawnRequest{
			ProjectKey: projectKey,
			IssueID:    t.IssueID,
			Prompt:     taskPrompt(t, bundle.render(), "", ""),
			PlanID:     p.ID,
		})
		if err != nil {
			s.log.Warn("failed to spawn zero-dependency task", logging.F("taskId", t.ID), logging.F("error", err.Error()))
			continue
		}
		t.SessionID = sess.ID
	}

	if err := s.store.Write(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SpawnReadyTasks finds pending tasks (no session yet) whose every
// dependency task has a session that has reached `merged`, and spawns
// each with a prompt further enriched by sibling context and
// dependency diff stats (spec §4.4). Invoked by the Lifecycle Manager on
// merge.
func (s *Service) SpawnReadyTasks(ctx context.Context, projectKey, planID string) (*Plan, error) {
	p, ok, err := s.store.Read(planID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("plan: unknown plan %q", planID)
	}

	siblingContext, err := s.renderSiblingContext(ctx, projectKey, p)
	if err != nil {
		s.log.Warn("failed to render sibling context", logging.F("planId", planID), logging.F("error", err.Error()))
	}

	proj, err := s.cfg.ResolveProject(projectKey)
	if err != nil {
		return nil, fcerrors.New(fcerrors.KindUnknownProject, "plan.SpawnReadyTasks", err)
	}
	scm, hasSCM := s.registry.SCM(proj.SCM)

	changed := false
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.HasSession() || len(t.Dependencies) == 0 {
			continue
		}
		if !s.dependenciesMerged(projectKey, p, t.Dependencies) {
			continue
		}

		diffs := s.renderDependencyDiffs(ctx, projectKey, p, t.Dependencies, scm, hasSCM)
		sess, err := s.sessions.Spawn(ctx, session.SpawnRequest{
			ProjectKey: projectKey,
			IssueID:    t.IssueID,
			Prompt:     taskPrompt(t, "", siblingContext, diffs),
			PlanID:     p.ID,
		})
		if err != nil {
			s.log.Warn("failed to spawn dependency-gated task", logging.F("taskId", t.ID), logging.F("error", err.Error()))
			continue
		}
		t.SessionID = sess.ID
		changed = true
	}

	if changed {
		if err := s.store.Write(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *Service) dependenciesMerged(projectKey string, p *Plan, deps []string) bool {
	for _, depID := range deps {
		dep := p.TaskByID(depID)
		if dep == nil || !dep.HasSession() {
			return false
		}
		sess, ok, err := s.sessions.Get(projectKey, dep.SessionID)
		if err != nil || !ok || sess.Status != session.StatusMerged {
			return false
		}
	}
	return true
}

func (s *Service) renderSiblingContext(ctx context.Context, projectKey string, p *Plan) (string, error) {
	sessions, err := s.sessions.List(ctx, projectKey)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, sess := range sessions {
		if sess.PlanID != p.ID || sess.Status.IsTerminal() {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s)", sess.ID, sess.Status))
	}
	if len(lines) == 0 {
		return "", nil
	}
	return "Active sibling sessions in this plan:\n" + strings.Join(lines, "\n"), nil
}

func (s *Service) renderDependencyDiffs(ctx context.Context, projectKey string, p *Plan, deps []string, scm plugin.SCM, hasSCM bool) string {
	if !hasSCM {
		return ""
	}
	var lines []string
	for _, depID := range deps {
		dep := p.TaskByID(depID)
		if dep == nil || !dep.HasSession() {
			continue
		}
		sess, ok, err := s.sessions.Get(projectKey, dep.SessionID)
		if err != nil || !ok || sess.PR == "" {
			continue
		}
		summary, err := scm.GetPRSummary(ctx, plugin.PR{URL: sess.PR})
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: +%d/-%d", dep.Title, summary.Additions, summary.Deletions))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Merged dependency diffs:\n" + strings.Join(lines, "\n")
}

// CheckPlanCompletion returns true when every task with a session has
// reached a terminal status; tasks without a session count as neither
// complete nor blocking (spec §4.4: "covers the case where issue creation
// failed").
func (s *Service) CheckPlanCompletion(projectKey, planID string) (bool, error) {
	p, ok, err := s.store.Read(planID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("plan: unknown plan %q", planID)
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		if !t.HasSession() {
			continue
		}
		sess, ok, err := s.sessions.Get(projectKey, t.SessionID)
		if err != nil {
			return false, err
		}
		if !ok || !sess.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

func taskPrompt(t *Task, bundle, siblingContext, dependencyDiffs string) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("# %s\n\n%s", t.Title, t.Description))
	if len(t.AcceptanceCriteria) > 0 {
		parts = append(parts, "Acceptance criteria:\n- "+strings.Join(t.AcceptanceCriteria, "\n- "))
	}
	if len(t.Constraints) > 0 {
		parts = append(parts, "Constraints:\n- "+strings.Join(t.Constraints, "\n- "))
	}
	if t.SharedContext != "" {
		parts = append(parts, t.SharedContext)
	}
	if bundle != "" {
		parts = append(parts, bundle)
	}
	if siblingContext != "" {
		parts = append(parts, siblingContext)
	}
	if dependencyDiffs != "" {
		parts = append(parts, dependencyDiffs)
	}
	return strings.Join(parts, "\n\n")
}
