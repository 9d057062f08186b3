// Package session implements the Session Manager (spec §4.2): atomic
// identity issuance, metadata persistence, and the plugin-composed
// lifecycle operations (spawn, send, kill, restore, list). Grounded on the
// teacher's server/poller.go pollSingleAgent/agent-lifecycle handling and
// server/store/kvstore/store.go's Get/Save/Delete trio, adapted onto the
// filesystem-backed internal/store/kvstore.
package session

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/store/kvstore"
)

// Status is one of the 14 primary session states from spec §3.
type Status string

const (
	StatusSpawning          Status = "spawning"
	StatusWorking           Status = "working"
	StatusPROpen            Status = "pr_open"
	StatusCIFailed          Status = "ci_failed"
	StatusReviewPending     Status = "review_pending"
	StatusChangesRequested  Status = "changes_requested"
	StatusApproved          Status = "approved"
	StatusMergeable         Status = "mergeable"
	StatusMerged            Status = "merged"
	StatusNeedsInput        Status = "needs_input"
	StatusStuck             Status = "stuck"
	StatusErrored           Status = "errored"
	StatusKilled            Status = "killed"
	StatusDone              Status = "done"
)

// IsTerminal reports membership in the terminal set {merged, killed, done}
// from spec §3.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusKilled || s == StatusDone
}

// NeedsAttention reports whether this status alone already signals that a
// human (or automated reaction) should look at the session, independent of
// activity. Used as one input to Fingerprint's "attention" component;
// documented as an Open Question resolution in the design ledger since
// spec §3's glossary names "attention" without defining its derivation.
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusNeedsInput, StatusStuck, StatusErrored, StatusChangesRequested:
		return true
	default:
		return false
	}
}

// Session is a supervised agent run (spec §3).
type Session struct {
	ID             string
	ProjectID      string
	Status         Status
	Activity       plugin.Activity
	Branch         string
	Issue          string
	PR             string
	Workspace      string
	RuntimeHandle  plugin.Handle
	AgentSummary   string
	Cost           float64
	CreatedAt      time.Time
	LastActivityAt time.Time
	PlanID         string
	// Metadata carries unknown keys verbatim (spec §6: "Unknown keys are
	// preserved on read/write") plus the reaction-tracker keys, which are
	// read through kvstore.Record's own typed accessors rather than here.
	Metadata map[string]string
}

// NeedsAttention combines status and activity, per spec §3's glossary:
// Fingerprint hashes "(id, status, activity, attention)" as a compact
// summary clients use to decide whether to refresh full state.
func (s *Session) NeedsAttention() bool {
	return s.Status.NeedsAttention() || s.Activity == plugin.ActivityWaitingInput
}

// Fingerprint is a compact 16-hex-character FNV-1a hash of
// (id, status, activity, attention), per the GLOSSARY: "a compact hash ...
// used by clients to decide whether to refresh full state." FNV-1a is used
// rather than a cryptographic hash since this is a cheap external diffing
// aid, not a security boundary.
func (s *Session) Fingerprint() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.ID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(s.Status))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(s.Activity))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatBool(s.NeedsAttention())))
	return fmt.Sprintf("%016x", h.Sum64())
}

// fromRecord translates a persisted kvstore.Record into a Session. Unknown
// keys (anything outside the reserved set) are copied into Metadata
// verbatim, per spec §6.
func fromRecord(id string, rec kvstore.Record) *Session {
	s := &Session{ID: id, Metadata: map[string]string{}}
	for k, v := range rec {
		switch k {
		case kvstore.KeyProject:
			s.ProjectID = v
		case kvstore.KeyBranch:
			s.Branch = v
		case kvstore.KeyStatus:
			s.Status = Status(v)
		case kvstore.KeyPR:
			s.PR = v
		case kvstore.KeyIssue:
			s.Issue = v
		case kvstore.KeySummary:
			s.AgentSummary = v
		case kvstore.KeyRuntimeHandle:
			s.RuntimeHandle = plugin.Handle(v)
		case kvstore.KeyPlanID:
			s.PlanID = v
		case kvstore.KeyWorktree:
			s.Workspace = v
		case kvstore.KeyCreatedAt:
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				s.CreatedAt = time.UnixMilli(ms)
			}
		default:
			s.Metadata[k] = v
		}
	}
	return s
}

// toRecord translates a Session into a persistable kvstore.Record,
// preserving whatever reaction-tracker or unknown keys the caller passes
// in existing (typically the previously-read record, so typed accessors
// like ReactionAttempts survive a round trip through Session).
func (s *Session) toRecord(existing kvstore.Record) kvstore.Record {
	rec := kvstore.NewRecord()
	if existing != nil {
		rec = existing.Clone()
	}
	_ = rec.Set(kvstore.KeyProject, s.ProjectID)
	_ = rec.Set(kvstore.KeyStatus, string(s.Status))
	if s.Branch != "" {
		_ = rec.Set(kvstore.KeyBranch, s.Branch)
	}
	if s.PR != "" {
		_ = rec.Set(kvstore.KeyPR, s.PR)
	}
	if s.Issue != "" {
		_ = rec.Set(kvstore.KeyIssue, s.Issue)
	}
	if s.AgentSummary != "" {
		_ = rec.Set(kvstore.KeySummary, s.AgentSummary)
	}
	if s.RuntimeHandle != "" {
		_ = rec.Set(kvstore.KeyRuntimeHandle, string(s.RuntimeHandle))
	}
	if s.PlanID != "" {
		_ = rec.Set(kvstore.KeyPlanID, s.PlanID)
	}
	if s.Workspace != "" {
		_ = rec.Set(kvstore.KeyWorktree, s.Workspace)
	}
	if !s.CreatedAt.IsZero() {
		_ = rec.Set(kvstore.KeyCreatedAt, strconv.FormatInt(s.CreatedAt.UnixMilli(), 10))
	}
	for k, v := range s.Metadata {
		_ = rec.Set(k, v)
	}
	return rec
}
