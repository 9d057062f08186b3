// Package eventstore implements the append-only JSONL Event Store described
// in spec §4.5: lazy pruning at maxEvents, malformed-line tolerance, and
// filtered/sorted queries. Grounded on the teacher's store/kvstore pattern
// of "index-backed record store" generalized from a keyed KV API onto a
// flat append-only log, since spec §3 makes the event log a plain file
// rather than a keyed store.
package eventstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/gg-salo/fleet-commander/internal/logging"
)

// Priority is the event urgency classification from spec §4.3.3.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityAction Priority = "action"
	PriorityWarn   Priority = "warning"
	PriorityInfo   Priority = "info"
)

// Event is one append-only record, per spec §3/§6.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  Priority       `json:"priority"`
	SessionID string         `json:"sessionId"`
	ProjectID string         `json:"projectId"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultMaxEvents is the lazy-prune threshold, per spec §4.5.
const DefaultMaxEvents = 500

// Store is the append-only, lazily-pruned Event Store. The lifecycle poll
// cycle fans Append out across multiple sessions of the same project
// concurrently (each holding the same *Store via session.Manager.Events),
// so every method that touches the file takes mu: two concurrent
// read-rewrite-rename cycles would otherwise race and the later rename
// silently clobbers the earlier append.
type Store struct {
	mu        sync.Mutex
	fs        afero.Fs
	path      string
	maxEvents int
	log       logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEvents overrides DefaultMaxEvents.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// WithLogger attaches a logger used to report skipped malformed lines.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New constructs an Event Store backed by path.
func New(fs afero.Fs, path string, opts ...Option) *Store {
	s := &Store{fs: fs, path: path, maxEvents: DefaultMaxEvents, log: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewEvent builds an Event with a generated id and the current timestamp.
// Factored out so call sites never hand-roll id generation, matching the
// pack-wide convention of github.com/google/uuid for record identity.
func NewEvent(eventType string, priority Priority, sessionID, projectID, message string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Priority:  priority,
		SessionID: sessionID,
		ProjectID: projectID,
		Timestamp: time.Now(),
		Message:   message,
		Data:      data,
	}
}

// readAll loads every well-formed event in file order, silently dropping
// malformed lines (spec §4.5 "Readers tolerate malformed lines").
func (s *Store) readAll() ([]Event, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read event store")
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.log.Warn("skipping malformed event line", logging.F("error", err.Error()))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Append writes a new event, rewriting the file to retain only the most
// recent maxEvents-1 events first if the store has already reached
// maxEvents (spec §4.5, §8 boundary behavior: "the file after append
// contains exactly maxEvents lines and the oldest is the one that was
// previously in position 2"). mu serializes every Append against every
// other Append/Find/Get/Len on this Store, since the lifecycle poll cycle
// holds one Store per project across a fan-out of concurrent sessions.
func (s *Store) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readAll()
	if err != nil {
		return err
	}

	if len(events) < s.maxEvents {
		return s.appendLine(ev)
	}

	keep := s.maxEvents - 1
	if keep < 0 {
		keep = 0
	}
	events = events[len(events)-keep:]
	events = append(events, ev)

	return s.writeAll(events)
}

// appendLine writes a single event with O_APPEND, the common-case path
// that avoids rewriting the whole file on every transition. Only the
// prune path above needs a full read-rewrite-rename.
func (s *Store) appendLine(ev Event) error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create event store directory")
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open event store for append")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "failed to append event line")
	}
	return nil
}

func (s *Store) writeAll(events []Event) error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create event store directory")
		}
	}

	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to create temp event store file")
	}
	w := bufio.NewWriter(f)
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			_ = s.fs.Remove(tmp)
			return errors.Wrap(err, "failed to marshal event")
		}
		if _, err := w.Write(line); err != nil {
			f.Close()
			_ = s.fs.Remove(tmp)
			return errors.Wrap(err, "failed to write event line")
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			_ = s.fs.Remove(tmp)
			return errors.Wrap(err, "failed to write event line terminator")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "failed to flush event store")
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "failed to close temp event store file")
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "failed to rename event store into place")
	}
	return nil
}

// Query is the filter set supported by spec §4.5: any subset of
// {projectId, types, priorities, sessionId, since}.
type Query struct {
	ProjectID  string
	Types      []string
	Priorities []Priority
	SessionID  string
	Since      *time.Time
	Offset     int
	Limit      int // 0 means unbounded.
}

func (q Query) matches(ev Event) bool {
	if q.ProjectID != "" && ev.ProjectID != q.ProjectID {
		return false
	}
	if q.SessionID != "" && ev.SessionID != q.SessionID {
		return false
	}
	if q.Since != nil && ev.Timestamp.Before(*q.Since) {
		return false
	}
	if len(q.Types) > 0 && !containsString(q.Types, ev.Type) {
		return false
	}
	if len(q.Priorities) > 0 && !containsPriority(q.Priorities, ev.Priority) {
		return false
	}
	return true
}

// Find filters, sorts newest-first by timestamp, then applies offset/limit
// (spec §4.5: "Queries filter by any subset ... sort newest-first, then
// apply offset/limit").
func (s *Store) Find(q Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]Event, 0, len(events))
	for _, ev := range events {
		if q.matches(ev) {
			filtered = append(filtered, ev)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	if q.Offset > 0 {
		if q.Offset >= len(filtered) {
			return nil, nil
		}
		filtered = filtered[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

// Get finds a single event by id. Used to verify the append→query
// round-trip invariant from spec §8.
func (s *Store) Get(id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].ID == id {
			return &events[i], nil
		}
	}
	return nil, nil
}

// Len returns the current number of persisted events.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readAll()
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func containsPriority(haystack []Priority, needle Priority) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
