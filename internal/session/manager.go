package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/gg-salo/fleet-commander/internal/config"
	"github.com/gg-salo/fleet-commander/internal/fcerrors"
	"github.com/gg-salo/fleet-commander/internal/logging"
	"github.com/gg-salo/fleet-commander/internal/paths"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/pluginutil"
	"github.com/gg-salo/fleet-commander/internal/store/eventstore"
	"github.com/gg-salo/fleet-commander/internal/store/kvstore"
)

// maxIDAttempts bounds the id-reservation retry loop (spec §7 IdCollision:
// "Retry internally up to N attempts").
const maxIDAttempts = 20

// probeBudget is the bounded timeout applied to plugin calls that aren't
// already covered by a longer, caller-supplied budget (spec §5: "CI/SCM
// probes carry a ~4-second budget, arbitrary external commands a
// 30-second budget").
const probeBudget = 30 * time.Second

// projectResources bundles the per-project stores derived from the
// directory layout. Resolved lazily and cached, since projects are
// configured up front but their on-disk trees are created on demand.
type projectResources struct {
	layout *paths.Layout
	kv     *kvstore.Store
	events *eventstore.Store
}

// Manager is the Session Manager (spec §4.2): atomic id issuance, metadata
// persistence, and plugin-composed session lifecycle operations.
type Manager struct {
	fs         afero.Fs
	dataRoot   string
	configPath string
	cfg        *config.Config
	registry   *plugin.Registry
	log        logging.Logger

	// resourcesMu guards resources: interactive entry points (Spawn, Get,
	// List, Send) run concurrently with the lifecycle poll loop, and both
	// reach resourcesFor, so first-touch of a project from two goroutines
	// is otherwise a concurrent map read/write.
	resourcesMu sync.Mutex
	resources   map[string]*projectResources
}

// NewManager constructs a Session Manager. dataRoot and configPath feed
// internal/paths.NewLayout per project (spec §3/§6).
func NewManager(fs afero.Fs, dataRoot, configPath string, cfg *config.Config, registry *plugin.Registry, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		fs:         fs,
		dataRoot:   dataRoot,
		configPath: configPath,
		cfg:        cfg,
		registry:   registry,
		log:        log,
		resources:  map[string]*projectResources{},
	}
}

func (m *Manager) resourcesFor(projectKey string) *projectResources {
	m.resourcesMu.Lock()
	defer m.resourcesMu.Unlock()

	if r, ok := m.resources[projectKey]; ok {
		return r
	}
	layout := paths.NewLayout(m.dataRoot, m.configPath, projectKey)
	r := &projectResources{
		layout: layout,
		kv:     kvstore.New(m.fs, layout.SessionsDir()),
		events: eventstore.New(m.fs, layout.EventsFile()),
	}
	m.resources[projectKey] = r
	return r
}

// SpawnRequest is what callers hand Spawn. Prompt is assumed already built
// by an external prompt-construction collaborator (spec §1 out-of-scope:
// "prompt text generation").
type SpawnRequest struct {
	ProjectKey string
	IssueID    string // optional; resolved via Tracker if set.
	Branch     string // explicit override; wins over tracker-derived or ad-hoc.
	Prompt     string
	PlanID     string
}

// Spawn implements spec §4.2's ten-step sequence, rolling back everything
// after a successful id reservation if a later step fails.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	proj, err := m.cfg.ResolveProject(req.ProjectKey)
	if err != nil {
		return nil, fcerrors.New(fcerrors.KindUnknownProject, "session.Spawn", err)
	}

	rt, ok := m.registry.Runtime(proj.Runtime)
	if !ok {
		return nil, fcerrors.New(fcerrors.KindPluginUnavailable, "session.Spawn.runtime", fmt.Errorf("runtime %q not registered", proj.Runtime))
	}
	ws, ok := m.registry.Workspace(proj.Workspace)
	if !ok {
		return nil, fcerrors.New(fcerrors.KindPluginUnavailable, "session.Spawn.workspace", fmt.Errorf("workspace %q not registered", proj.Workspace))
	}

	var issue *plugin.Issue
	if req.IssueID != "" {
		tracker, ok := m.registry.Tracker(proj.Tracker)
		if ok {
			var resolved plugin.Issue
			err := pluginutil.Call(ctx, "session.Spawn.getIssue", probeBudget, func(ctx context.Context) error {
				var err error
				resolved, err = tracker.GetIssue(ctx, req.IssueID)
				return err
			})
			if err != nil {
				return nil, fcerrors.New(fcerrors.KindIssueUnreachable, "session.Spawn.getIssue", err)
			}
			issue = &resolved
		}
	}

	res := m.resourcesFor(req.ProjectKey)

	id, err := m.reserveSessionID(ctx, res.kv, proj.SessionPrefix)
	if err != nil {
		return nil, err
	}

	branch := resolveBranch(req.Branch, issue, id)
	runtimeKey := fmt.Sprintf("%s-%s", paths.ConfigHash(m.configPath), id)

	workspacePath, err := ws.Create(ctx, id, req.ProjectKey)
	if err != nil {
		m.rollbackSpawn(ctx, res, id, nil, "")
		return nil, fcerrors.New(fcerrors.KindWorkspaceCreateFailed, "session.Spawn.workspace", err)
	}

	handle, err := rt.Create(ctx, plugin.RuntimeSpec{
		SessionID: id,
		Key:       runtimeKey,
		Workspace: workspacePath,
		Prompt:    req.Prompt,
	})
	if err != nil {
		m.rollbackSpawn(ctx, res, id, ws, workspacePath)
		return nil, fcerrors.New(fcerrors.KindRuntimeCreateFailed, "session.Spawn.runtime", err)
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		ProjectID:      req.ProjectKey,
		Status:         StatusSpawning,
		Branch:         branch,
		Workspace:      workspacePath,
		RuntimeHandle:  handle,
		CreatedAt:      now,
		LastActivityAt: now,
		PlanID:         req.PlanID,
		Metadata:       map[string]string{},
	}
	if issue != nil {
		s.Issue = issue.ID
	}

	if err := res.kv.Write(id, s.toRecord(nil)); err != nil {
		m.rollbackSpawn(ctx, res, id, ws, workspacePath)
		return nil, fcerrors.New(fcerrors.KindWorkspaceCreateFailed, "session.Spawn.persist", err)
	}
	return s, nil
}

// rollbackSpawn undoes whatever Spawn completed before the failing step:
// destroys the workspace if one was created, then archives the reserved
// id's metadata skeleton so it never satisfies a future Read/Exists check
// (spec §4.2: "if any step after ID reservation fails, the partial state
// is rolled back (workspace destroyed, id released by archiving the
// metadata skeleton)"). The archival step, archive, is shared with Kill.
func (m *Manager) rollbackSpawn(ctx context.Context, res *projectResources, id string, ws plugin.Workspace, workspacePath string) {
	if ws != nil && workspacePath != "" {
		if err := ws.Destroy(ctx, workspacePath); err != nil {
			m.log.Warn("failed to destroy workspace during spawn rollback", logging.F("sessionId", id), logging.F("error", err.Error()))
		}
	}
	m.archive(res, id)
}

func (m *Manager) archive(res *projectResources, id string) {
	archived := fmt.Sprintf("%s_%d", id, time.Now().UnixMilli())
	if err := res.kv.Archive(id, archived); err != nil {
		m.log.Warn("failed to archive session record", logging.F("sessionId", id), logging.F("error", err.Error()))
	}
}

func resolveBranch(explicit string, issue *plugin.Issue, sessionID string) string {
	if explicit != "" {
		return explicit
	}
	if issue != nil && issue.ID != "" {
		return fmt.Sprintf("issue-%s", issue.ID)
	}
	return fmt.Sprintf("session-%s", sessionID)
}

// reserveSessionID implements spec §4.2's atomic id issuance: scan existing
// session files for the highest ordinal under prefix, then retry
// exclusive-create with successive integers until one succeeds.
func (m *Manager) reserveSessionID(ctx context.Context, kv *kvstore.Store, prefix string) (string, error) {
	ids, err := kv.ListIDs()
	if err != nil {
		return "", fcerrors.New(fcerrors.KindIDCollision, "session.reserveSessionID", err)
	}
	next := highestOrdinal(ids, prefix) + 1

	var reserved string
	retryErr := pluginutil.RetryIDReservation(ctx, maxIDAttempts, func(attempt int) error {
		candidate := fmt.Sprintf("%s-%d", prefix, next+attempt)
		rec := kvstore.NewRecord()
		_ = rec.Set(kvstore.KeyStatus, string(StatusSpawning))
		_ = rec.Set(kvstore.KeyProject, prefix)
		if err := kv.CreateExclusive(candidate, rec); err != nil {
			return err
		}
		reserved = candidate
		return nil
	})
	if retryErr != nil {
		return "", fcerrors.New(fcerrors.KindIDCollision, "session.reserveSessionID", retryErr)
	}
	return reserved, nil
}

func highestOrdinal(ids []string, prefix string) int {
	max := 0
	want := prefix + "-"
	for _, id := range ids {
		if !strings.HasPrefix(id, want) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, want))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

// Get loads a single session by (projectKey, id).
func (m *Manager) Get(projectKey, id string) (*Session, bool, error) {
	res := m.resourcesFor(projectKey)
	rec, ok, err := res.kv.Read(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return fromRecord(id, rec), true, nil
}

// List returns every live session for a project, marking (in-place, in
// metadata) any session whose runtime no longer satisfies isAlive as
// killed — spec §4.2: "any session whose runtime handle no longer
// satisfies isAlive is marked killed in-place; this is idempotent and
// cheap."
func (m *Manager) List(ctx context.Context, projectKey string) ([]*Session, error) {
	proj, err := m.cfg.ResolveProject(projectKey)
	if err != nil {
		return nil, fcerrors.New(fcerrors.KindUnknownProject, "session.List", err)
	}
	res := m.resourcesFor(projectKey)
	ids, err := res.kv.ListIDs()
	if err != nil {
		return nil, err
	}

	rt, hasRuntime := m.registry.Runtime(proj.Runtime)

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := res.kv.Read(id)
		if err != nil || !ok {
			continue
		}
		s := fromRecord(id, rec)

		if hasRuntime && s.RuntimeHandle != "" && !s.Status.IsTerminal() {
			var alive bool
			err := pluginutil.Call(ctx, "session.List.isAlive", probeBudget, func(ctx context.Context) error {
				var err error
				alive, err = rt.IsAlive(ctx, s.RuntimeHandle)
				return err
			})
			if err == nil && !alive {
				s.Status = StatusKilled
				if writeErr := res.kv.Write(id, s.toRecord(rec)); writeErr != nil {
					m.log.Warn("failed to persist killed status during list", logging.F("sessionId", id), logging.F("error", writeErr.Error()))
				}
			}
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Send delivers text to a session's runtime, bounded by a timeout and with
// control characters stripped first (spec §4.2: "Send must survive slow
// runtimes ... Input is sanitized (strip control characters) before
// delivery").
func (m *Manager) Send(ctx context.Context, projectKey, id, text string) error {
	proj, err := m.cfg.ResolveProject(projectKey)
	if err != nil {
		return fcerrors.New(fcerrors.KindUnknownProject, "session.Send", err)
	}
	s, ok, err := m.Get(projectKey, id)
	if err != nil {
		return err
	}
	if !ok {
		return fcerrors.New(fcerrors.KindUnknownProject, "session.Send", fmt.Errorf("session %q not found", id))
	}
	rt, ok := m.registry.Runtime(proj.Runtime)
	if !ok {
		return fcerrors.New(fcerrors.KindPluginUnavailable, "session.Send", fmt.Errorf("runtime %q not registered", proj.Runtime))
	}

	sanitized := sanitizeForRuntime(text)
	return pluginutil.Call(ctx, "session.Send", probeBudget, func(ctx context.Context) error {
		return rt.SendMessage(ctx, s.RuntimeHandle, sanitized)
	})
}

// sanitizeForRuntime strips ASCII control characters other than newline
// and tab, so a delivered message can't smuggle terminal escape sequences.
func sanitizeForRuntime(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Kill destroys the runtime, destroys the workspace if the session owns
// one, and archives the metadata record preserving the original id (spec
// §4.2).
func (m *Manager) Kill(ctx context.Context, projectKey, id string) error {
	proj, err := m.cfg.ResolveProject(projectKey)
	if err != nil {
		return fcerrors.New(fcerrors.KindUnknownProject, "session.Kill", err)
	}
	s, ok, err := m.Get(projectKey, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil // Already gone; Kill is idempotent.
	}

	if rt, ok := m.registry.Runtime(proj.Runtime); ok && s.RuntimeHandle != "" {
		if err := rt.Destroy(ctx, s.RuntimeHandle); err != nil {
			m.log.Warn("failed to destroy runtime during kill", logging.F("sessionId", id), logging.F("error", err.Error()))
		}
	}
	if ws, ok := m.registry.Workspace(proj.Workspace); ok && s.Workspace != "" {
		if err := ws.Destroy(ctx, s.Workspace); err != nil {
			m.log.Warn("failed to destroy workspace during kill", logging.F("sessionId", id), logging.F("error", err.Error()))
		}
	}

	res := m.resourcesFor(projectKey)
	m.archive(res, id)
	return nil
}

// Restore re-creates a runtime on the existing workspace from the
// persisted handle; status becomes spawning again (spec §4.2).
func (m *Manager) Restore(ctx context.Context, projectKey, id string) (*Session, error) {
	proj, err := m.cfg.ResolveProject(projectKey)
	if err != nil {
		return nil, fcerrors.New(fcerrors.KindUnknownProject, "session.Restore", err)
	}
	s, ok, err := m.Get(projectKey, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fcerrors.New(fcerrors.KindUnknownProject, "session.Restore", fmt.Errorf("session %q not found", id))
	}

	rt, ok := m.registry.Runtime(proj.Runtime)
	if !ok {
		return nil, fcerrors.New(fcerrors.KindPluginUnavailable, "session.Restore", fmt.Errorf("runtime %q not registered", proj.Runtime))
	}

	runtimeKey := fmt.Sprintf("%s-%s", paths.ConfigHash(m.configPath), id)
	handle, err := rt.Create(ctx, plugin.RuntimeSpec{SessionID: id, Key: runtimeKey, Workspace: s.Workspace})
	if err != nil {
		return nil, fcerrors.New(fcerrors.KindRuntimeCreateFailed, "session.Restore", err)
	}

	s.RuntimeHandle = handle
	s.Status = StatusSpawning

	res := m.resourcesFor(projectKey)
	existing, _, _ := res.kv.Read(id)
	if err := res.kv.Write(id, s.toRecord(existing)); err != nil {
		return nil, err
	}
	return s, nil
}

// Save persists a Session mutated in place (used by the Lifecycle Manager
// after a status transition). The currently stored record, if any, is read
// first so reaction tracker keys the Session struct doesn't carry directly
// are preserved.
func (m *Manager) Save(projectKey string, s *Session) error {
	res := m.resourcesFor(projectKey)
	existing, _, _ := res.kv.Read(s.ID)
	return res.kv.Write(s.ID, s.toRecord(existing))
}

// Record exposes the raw kvstore.Record for a session, so callers needing
// reaction-tracker accessors (ReactionAttempts, SetReactionAttempts, ...)
// aren't forced through the Session struct, which intentionally doesn't
// carry those fields directly.
func (m *Manager) Record(projectKey, id string) (kvstore.Record, bool, error) {
	return m.resourcesFor(projectKey).kv.Read(id)
}

// WriteRecord persists a raw kvstore.Record, the counterpart to Record.
func (m *Manager) WriteRecord(projectKey, id string, rec kvstore.Record) error {
	return m.resourcesFor(projectKey).kv.Write(id, rec)
}

// Events exposes the project's Event Store so other services (Lifecycle,
// Outcome) can append/query without re-deriving the layout.
func (m *Manager) Events(projectKey string) *eventstore.Store {
	return m.resourcesFor(projectKey).events
}

// Layout exposes the project's resolved directory layout.
func (m *Manager) Layout(projectKey string) *paths.Layout {
	return m.resourcesFor(projectKey).layout
}
