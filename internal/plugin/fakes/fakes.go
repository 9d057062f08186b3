// Package fakes provides in-memory test doubles for the six plugin
// interfaces (spec §4.1). These exist purely so internal packages can write
// deterministic tests without a real terminal multiplexer, git host, or
// issue tracker; no fake in this package is a shipped plugin implementation.
// Grounded on the teacher's own test doubles in server/*_test.go (which
// stub the Mattermost plugin.API and the Cursor client behind small
// in-memory structs rather than hitting real services).
package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

// Runtime is an in-memory plugin.Runtime double. Handles are sequential
// strings; callers script liveness/output per handle.
type Runtime struct {
	mu       sync.Mutex
	next     int
	alive    map[plugin.Handle]bool
	output   map[plugin.Handle]string
	sent     map[plugin.Handle][]string
	Destroys []plugin.Handle

	CreateErr error
}

// NewRuntime returns an empty Runtime fake; every created handle starts
// alive with empty output.
func NewRuntime() *Runtime {
	return &Runtime{
		alive:  map[plugin.Handle]bool{},
		output: map[plugin.Handle]string{},
		sent:   map[plugin.Handle][]string{},
	}
}

func (r *Runtime) Create(ctx context.Context, spec plugin.RuntimeSpec) (plugin.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.next++
	h := plugin.Handle(fmt.Sprintf("handle-%d", r.next))
	r.alive[h] = true
	return h, nil
}

func (r *Runtime) Destroy(ctx context.Context, handle plugin.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, handle)
	r.Destroys = append(r.Destroys, handle)
	return nil
}

func (r *Runtime) SendMessage(ctx context.Context, handle plugin.Handle, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[handle] = append(r.sent[handle], text)
	return nil
}

func (r *Runtime) GetOutput(ctx context.Context, handle plugin.Handle, lineCount int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output[handle], nil
}

func (r *Runtime) IsAlive(ctx context.Context, handle plugin.Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[handle], nil
}

// SetAlive scripts the liveness probe for handle.
func (r *Runtime) SetAlive(handle plugin.Handle, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[handle] = alive
}

// SetOutput scripts the terminal output probe for handle.
func (r *Runtime) SetOutput(handle plugin.Handle, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[handle] = output
}

// SentMessages returns every message delivered to handle, in send order.
func (r *Runtime) SentMessages(handle plugin.Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[handle]...)
}

// Agent is an in-memory plugin.Agent double. GetActivityState is scripted
// per session id; DetectActivity only checks whether the terminal output
// is empty rather than parsing it.
type Agent struct {
	mu       sync.Mutex
	activity map[string]plugin.ActivityState
	running  map[plugin.Handle]bool
}

// NewAgent returns an empty Agent fake.
func NewAgent() *Agent {
	return &Agent{
		activity: map[string]plugin.ActivityState{},
		running:  map[plugin.Handle]bool{},
	}
}

func (a *Agent) DetectActivity(ctx context.Context, terminalOutput string) (plugin.Activity, error) {
	if terminalOutput == "" {
		return "", nil
	}
	return plugin.ActivityActive, nil
}

func (a *Agent) IsProcessRunning(ctx context.Context, handle plugin.Handle) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running[handle], nil
}

func (a *Agent) GetActivityState(ctx context.Context, sessionID string) (plugin.ActivityState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activity[sessionID], nil
}

// SetActivityState scripts the activity probe for sessionID.
func (a *Agent) SetActivityState(sessionID string, state plugin.ActivityState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activity[sessionID] = state
}

// SetProcessRunning scripts the process-liveness probe for handle.
func (a *Agent) SetProcessRunning(handle plugin.Handle, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running[handle] = running
}

// Workspace is an in-memory plugin.Workspace double; paths are synthesized
// deterministically from the session id.
type Workspace struct {
	mu        sync.Mutex
	created   map[string]string
	Destroyed []string
	CreateErr error
}

// NewWorkspace returns an empty Workspace fake.
func NewWorkspace() *Workspace {
	return &Workspace{created: map[string]string{}}
}

func (w *Workspace) Create(ctx context.Context, sessionID, projectID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.CreateErr != nil {
		return "", w.CreateErr
	}
	path := fmt.Sprintf("/workspaces/%s/%s", projectID, sessionID)
	w.created[sessionID] = path
	return path, nil
}

func (w *Workspace) Destroy(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Destroyed = append(w.Destroyed, path)
	return nil
}

// Tracker is an in-memory plugin.Tracker double.
type Tracker struct {
	mu        sync.Mutex
	issues    map[string]plugin.Issue
	next      int
	CreateErr error
	GetErr    error
}

// NewTracker returns a Tracker fake seeded with the given issues (keyed by
// id), ready for CreateIssue calls on top.
func NewTracker(seed map[string]plugin.Issue) *Tracker {
	issues := map[string]plugin.Issue{}
	for k, v := range seed {
		issues[k] = v
	}
	return &Tracker{issues: issues}
}

func (t *Tracker) GetIssue(ctx context.Context, id string) (plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.GetErr != nil {
		return plugin.Issue{}, t.GetErr
	}
	issue, ok := t.issues[id]
	if !ok {
		return plugin.Issue{}, fmt.Errorf("fakes: unknown issue %q", id)
	}
	return issue, nil
}

func (t *Tracker) CreateIssue(ctx context.Context, req plugin.IssueRequest, projectID string) (plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CreateErr != nil {
		return plugin.Issue{}, t.CreateErr
	}
	t.next++
	id := fmt.Sprintf("%s-%d", projectID, t.next)
	issue := plugin.Issue{ID: id, URL: "https://example.invalid/issues/" + id, Title: req.Title, Body: req.Body, Labels: req.Labels}
	t.issues[id] = issue
	return issue, nil
}

// SCM is an in-memory plugin.SCM double; every read is scripted per PR URL.
type SCM struct {
	mu             sync.Mutex
	prs            map[string]*plugin.PR
	states         map[string]plugin.PRState
	ciSummaries    map[string]plugin.CISummary
	ciChecks       map[string][]plugin.Check
	reviewDecision map[string]plugin.ReviewDecision
	reviews        map[string][]plugin.Review
	pendingComments map[string][]plugin.Comment
	mergeability   map[string]plugin.Mergeability
	openPRs        map[string][]plugin.PR
	summaries      map[string]plugin.PRSummary
}

// NewSCM returns an empty SCM fake.
func NewSCM() *SCM {
	return &SCM{
		prs:             map[string]*plugin.PR{},
		states:          map[string]plugin.PRState{},
		ciSummaries:     map[string]plugin.CISummary{},
		ciChecks:        map[string][]plugin.Check{},
		reviewDecision:  map[string]plugin.ReviewDecision{},
		reviews:         map[string][]plugin.Review{},
		pendingComments: map[string][]plugin.Comment{},
		mergeability:    map[string]plugin.Mergeability{},
		openPRs:         map[string][]plugin.PR{},
		summaries:       map[string]plugin.PRSummary{},
	}
}

// SetDetectedPR scripts what DetectPR returns for sessionID.
func (s *SCM) SetDetectedPR(sessionID string, pr *plugin.PR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs[sessionID] = pr
}

func (s *SCM) DetectPR(ctx context.Context, sessionID, projectID string) (*plugin.PR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prs[sessionID], nil
}

func (s *SCM) SetPRState(pr plugin.PR, state plugin.PRState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pr.URL] = state
}

func (s *SCM) GetPRState(ctx context.Context, pr plugin.PR) (plugin.PRState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[pr.URL], nil
}

func (s *SCM) SetCISummary(pr plugin.PR, summary plugin.CISummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ciSummaries[pr.URL] = summary
}

func (s *SCM) GetCISummary(ctx context.Context, pr plugin.PR) (plugin.CISummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ciSummaries[pr.URL], nil
}

func (s *SCM) SetCIChecks(pr plugin.PR, checks []plugin.Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ciChecks[pr.URL] = checks
}

func (s *SCM) GetCIChecks(ctx context.Context, pr plugin.PR) ([]plugin.Check, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ciChecks[pr.URL], nil
}

func (s *SCM) SetReviewDecision(pr plugin.PR, decision plugin.ReviewDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviewDecision[pr.URL] = decision
}

func (s *SCM) GetReviewDecision(ctx context.Context, pr plugin.PR) (plugin.ReviewDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviewDecision[pr.URL], nil
}

func (s *SCM) SetReviews(pr plugin.PR, reviews []plugin.Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[pr.URL] = reviews
}

func (s *SCM) GetReviews(ctx context.Context, pr plugin.PR) ([]plugin.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviews[pr.URL], nil
}

func (s *SCM) SetPendingComments(pr plugin.PR, comments []plugin.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingComments[pr.URL] = comments
}

func (s *SCM) GetPendingComments(ctx context.Context, pr plugin.PR) ([]plugin.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingComments[pr.URL], nil
}

func (s *SCM) SetMergeability(pr plugin.PR, m plugin.Mergeability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeability[pr.URL] = m
}

func (s *SCM) GetMergeability(ctx context.Context, pr plugin.PR) (plugin.Mergeability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeability[pr.URL], nil
}

func (s *SCM) SetOpenPRs(projectID string, prs []plugin.PR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openPRs[projectID] = prs
}

func (s *SCM) ListOpenPRs(ctx context.Context, projectID string) ([]plugin.PR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openPRs[projectID], nil
}

func (s *SCM) SetPRSummary(pr plugin.PR, summary plugin.PRSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[pr.URL] = summary
}

func (s *SCM) GetPRSummary(ctx context.Context, pr plugin.PR) (plugin.PRSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[pr.URL], nil
}

// Notifier is an in-memory plugin.Notifier double recording every call.
type Notifier struct {
	mu     sync.Mutex
	Events []plugin.NotifyEvent
}

// NewNotifier returns an empty Notifier fake.
func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Notify(ctx context.Context, event plugin.NotifyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, event)
	return nil
}
