// Package lifecycle implements the Lifecycle Manager (spec §4.3): the
// polling loop that re-classifies every non-terminal session, detects
// status transitions, emits events, dispatches configured reactions with
// retry and escalation, and drives plan/outcome/retrospective side effects
// on terminal transitions. Grounded throughout on the teacher's
// server/poller.go pollAgentStatuses/pollSingleAgent loop, generalized from
// a single Mattermost-plugin goroutine polling one KV store into a
// per-project, bounded-concurrency fan-out over the Session Manager.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gg-salo/fleet-commander/internal/config"
	"github.com/gg-salo/fleet-commander/internal/logging"
	"github.com/gg-salo/fleet-commander/internal/outcome"
	"github.com/gg-salo/fleet-commander/internal/plan"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/ratelimit"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store/kvstore"
	"github.com/gg-salo/fleet-commander/internal/store/outcomestore"
	"github.com/spf13/afero"
)

// DefaultInterval is the poll period when callers don't override it (spec
// §4.3.1: "interval configurable (default 30 s)").
const DefaultInterval = 30 * time.Second

// ciProbeBudget is the bounded timeout for CI/SCM read probes (spec §5:
// "CI/SCM probes carry a ~4-second budget").
const ciProbeBudget = 4 * time.Second

// actionBudget is the bounded timeout for mutating plugin actions and
// other external commands (spec §5: "arbitrary external commands a
// 30-second budget").
const actionBudget = 30 * time.Second

// maxFanOut bounds concurrent per-session checks within one cycle (spec §5:
// "bounded fan-out"). Modest and fixed rather than configurable, matching
// the teacher's unconditional sequential loop generalized only as far as
// the spec requires.
const maxFanOut = 8

// rebaseLimit/rebaseWindow throttle sibling-rebase sends, answering spec
// §9's "sibling rebase sending is ... unthrottled" open question (see
// DESIGN.md).
const (
	rebaseLimit  = 3
	rebaseWindow = time.Minute
)

// projectResources bundles the per-project collaborators the Lifecycle
// Manager derives from the Session Manager's own layout, so it never
// re-parses configuration or re-derives a directory path itself.
type projectResources struct {
	plans    *plan.Service
	outcomes *outcome.Service
}

// Manager is the Lifecycle Manager (spec §4.3).
type Manager struct {
	fs       afero.Fs
	cfg      *config.Config
	registry *plugin.Registry
	sessions *session.Manager
	hook     ReconciliationHook
	log      logging.Logger
	interval time.Duration

	rebaseLimiter *ratelimit.Limiter

	mu        sync.Mutex
	trackers  map[string]*projectTrackers
	resources map[string]*projectResources

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithReconciliationHook wires the extension point spawn-reconciliation and
// plan-complete reactions invoke (spec §4.8).
func WithReconciliationHook(hook ReconciliationHook) Option {
	return func(m *Manager) { m.hook = hook }
}

// NewManager constructs a Lifecycle Manager. sessions supplies every
// per-project store (events, metadata, directory layout) the Lifecycle
// Manager needs, so this package never re-derives paths.Layout itself.
func NewManager(fs afero.Fs, cfg *config.Config, registry *plugin.Registry, sessions *session.Manager, log logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	m := &Manager{
		fs:            fs,
		cfg:           cfg,
		registry:      registry,
		sessions:      sessions,
		log:           log,
		interval:      DefaultInterval,
		rebaseLimiter: ratelimit.New(rebaseLimit, rebaseWindow),
		trackers:      map[string]*projectTrackers{},
		resources:     map[string]*projectResources{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) trackerFor(projectKey string) *projectTrackers {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.trackers[projectKey]
	if !ok {
		pt = newProjectTrackers()
		m.trackers[projectKey] = pt
	}
	return pt
}

func (m *Manager) resourcesFor(projectKey string) *projectResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[projectKey]
	if ok {
		return r
	}
	layout := m.sessions.Layout(projectKey)
	store := plan.NewStore(m.fs, layout)
	planSvc := plan.NewService(store, m.sessions, m.registry, m.cfg, m.log)
	outcomeSvc := outcome.New(m.sessions.Events(projectKey), outcomestore.New(m.fs, layout.OutcomesFile()))
	r = &projectResources{plans: planSvc, outcomes: outcomeSvc}
	m.resources[projectKey] = r
	return r
}

// Start launches the background polling loop. It returns immediately; the
// loop runs until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if m.stopCh != nil {
		return // Already started.
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop clears the timer (spec §5: "stop() clears the timer; any in-flight
// cycle is permitted to finish naturally"). It blocks until the current
// cycle, if any, completes.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one poll cycle across every configured project, guarded by the
// re-entrancy atomic.Bool so an overrunning cycle causes the next timer fire
// to be skipped rather than overlap (spec §4.3.1).
func (m *Manager) tick(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("lifecycle cycle panicked; skipping to next tick", logging.F("recovered", r))
		}
	}()

	for projectKey := range m.cfg.Projects {
		if err := m.checkProject(ctx, projectKey); err != nil {
			m.log.Warn("project poll cycle failed", logging.F("project", projectKey), logging.F("error", err.Error()))
		}
	}
}

// checkProject re-classifies every session in one project, concurrently and
// bounded (spec §5), then prunes stale trackers and emits the summary
// transition (spec §4.3.6, §4.3.5).
func (m *Manager) checkProject(ctx context.Context, projectKey string) error {
	sessions, err := m.sessions.List(ctx, projectKey)
	if err != nil {
		return err
	}

	pt := m.trackerFor(projectKey)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for _, s := range sessions {
		s := s
		if s.Status.IsTerminal() {
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("session check panicked; skipping it this cycle", logging.F("sessionId", s.ID), logging.F("recovered", r))
				}
			}()
			m.checkSession(gctx, projectKey, s)
			return nil
		})
	}
	_ = g.Wait() // Per-session failures are swallowed inside checkSession; the cycle never aborts on one session's error (spec §4.3.1).

	live := make(map[string]bool, len(sessions))
	anyNonTerminal := false
	for _, s := range sessions {
		live[s.ID] = true
		if !s.Status.IsTerminal() {
			anyNonTerminal = true
		}
	}
	pt.prune(live)

	if len(sessions) > 0 && !anyNonTerminal && !pt.hasSummaryEmitted() {
		m.emitSummaryComplete(projectKey)
		pt.setSummaryEmitted(true)
	} else if anyNonTerminal {
		pt.setSummaryEmitted(false)
	}
	return nil
}

// Check is the direct, push-based revalidation entry point (spec §4.3.1:
// "a direct check(sessionId) entry point for push-based revalidation after
// external actions (kill, send)"). A terminal session is a no-op with
// respect to events (spec §8 boundary behavior).
func (m *Manager) Check(ctx context.Context, projectKey, sessionID string) error {
	s, ok, err := m.sessions.Get(projectKey, sessionID)
	if err != nil {
		return err
	}
	if !ok || s.Status.IsTerminal() {
		return nil
	}
	m.checkSession(ctx, projectKey, s)
	return nil
}

// checkSession classifies s, persists/dispatches on a transition, and
// re-dispatches sticky reactions even when no transition occurred (the
// decision documented in DESIGN.md resolving spec §4.3.3 step 6 against the
// literal cycle-by-cycle re-send shown in scenario 2).
func (m *Manager) checkSession(ctx context.Context, projectKey string, s *session.Session) {
	pt := m.trackerFor(projectKey)
	rec, _, err := m.sessions.Record(projectKey, s.ID)
	if err != nil {
		m.log.Warn("failed to read session record during check", logging.F("sessionId", s.ID), logging.F("error", err.Error()))
		return
	}
	if rec == nil {
		rec = kvstore.NewRecord()
	}

	old := pt.oldStatus(s.ID, s.Status)
	newStatus := m.classify(ctx, projectKey, s, rec)
	s.Status = newStatus

	if old != newStatus {
		if err := m.handleTransition(ctx, projectKey, s, old); err != nil {
			m.log.Warn("failed to handle transition", logging.F("sessionId", s.ID), logging.F("from", string(old)), logging.F("to", string(newStatus)), logging.F("error", err.Error()))
		}
		pt.setStatus(s.ID, newStatus)
		return
	}

	pt.setStatus(s.ID, newStatus)
	if isStickyReactionKey(reactionKeyForStatus(newStatus)) {
		m.redispatchSticky(ctx, projectKey, s, newStatus)
	}
}
