package lifecycle

import (
	"sync"
	"time"

	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store/kvstore"
)

// reactionState is the in-memory half of a reaction tracker (spec §3
// "Reaction tracker"): attempt count and first-triggered-at, keyed per
// (session, reaction key). The persisted half lives in the session's
// kvstore.Record via ReactionAttempts/SetReactionAttempts/
// ReactionFirstTriggered, so a process restart resumes the same retry
// budget even though the in-memory cache starts empty.
type reactionState struct {
	attempts       int
	firstTriggered time.Time
	hasFirst       bool
}

// projectTrackers holds every in-memory tracker for one project: the
// last-known status per session (the "in-memory tracked status" spec
// §4.3.2 prefers over the metadata-persisted one for transition
// detection) and the reaction state per (session, reactionKey).
type projectTrackers struct {
	mu               sync.Mutex
	status           map[string]session.Status
	reactions        map[string]map[string]*reactionState
	summaryEmitted   bool
}

func newProjectTrackers() *projectTrackers {
	return &projectTrackers{
		status:    map[string]session.Status{},
		reactions: map[string]map[string]*reactionState{},
	}
}

// oldStatus returns the in-memory tracked status if known, else persisted,
// per spec §4.3.2's transition-detection rule.
func (t *projectTrackers) oldStatus(sessionID string, persisted session.Status) session.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[sessionID]; ok {
		return s
	}
	return persisted
}

func (t *projectTrackers) setStatus(sessionID string, s session.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[sessionID] = s
}

// reactionFor loads a session's reaction state for reactionKey, seeding
// the in-memory cache from rec (the persisted kvstore.Record) the first
// time it's consulted after a restart.
func (t *projectTrackers) reactionFor(sessionID, reactionKey string, rec kvstore.Record) *reactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	perSession, ok := t.reactions[sessionID]
	if !ok {
		perSession = map[string]*reactionState{}
		t.reactions[sessionID] = perSession
	}
	st, ok := perSession[reactionKey]
	if ok {
		return st
	}
	st = &reactionState{}
	if rec != nil {
		if attempts, ok := rec.ReactionAttempts(reactionKey); ok {
			st.attempts = attempts
		}
		if at, ok := rec.ReactionFirstTriggered(reactionKey); ok {
			st.firstTriggered = at
			st.hasFirst = true
		}
	}
	perSession[reactionKey] = st
	return st
}

// clearReaction resets a session's reaction tracker, both in memory and
// (via the caller persisting rec afterward) on disk — spec §4.3.3 step 3:
// "Clear the attempt tracker of the reaction that governed old."
func (t *projectTrackers) clearReaction(sessionID, reactionKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if perSession, ok := t.reactions[sessionID]; ok {
		delete(perSession, reactionKey)
	}
}

// prune drops every tracker keyed to a session no longer present in
// liveIDs — spec §4.3.6, the only GC mechanism for killed/archived
// session state.
func (t *projectTrackers) prune(liveIDs map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.status {
		if !liveIDs[id] {
			delete(t.status, id)
		}
	}
	for id := range t.reactions {
		if !liveIDs[id] {
			delete(t.reactions, id)
		}
	}
}

// setSummaryEmitted and hasSummaryEmitted implement spec §4.3.3's
// summary.all_complete guard: emit once, reset once a non-terminal
// session reappears.
func (t *projectTrackers) setSummaryEmitted(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summaryEmitted = v
}

func (t *projectTrackers) hasSummaryEmitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summaryEmitted
}
