// Package outcomestore implements the append-only, never-pruned Outcome
// Store from spec §4.6: one record per terminal-state transition. Grounded
// on internal/store/eventstore's JSONL log, with pruning dropped entirely
// since spec §4.6 states outcomes.jsonl is kept in full forever; Append is
// a plain O_APPEND write.
package outcomestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/gg-salo/fleet-commander/internal/logging"
)

// Outcome is the terminal classification of a finished session, per spec §3.
type Outcome string

const (
	OutcomeMerged  Outcome = "merged"
	OutcomeKilled  Outcome = "killed"
	OutcomeStuck   Outcome = "stuck"
	OutcomeErrored Outcome = "errored"
)

// Record is one append-only outcome entry, per spec §3:
// "{session-id, project-id, outcome, duration-ms, ci-retries, review-rounds,
// cost?, failing-checks?, plan-id?, timestamp}".
type Record struct {
	SessionID     string   `json:"sessionId"`
	ProjectID     string   `json:"projectId"`
	Outcome       Outcome  `json:"outcome"`
	DurationMS    int64    `json:"durationMs"`
	CIRetries     int      `json:"ciRetries"`
	ReviewRounds  int      `json:"reviewRounds"`
	Cost          *float64 `json:"cost,omitempty"`
	FailingChecks []string `json:"failingChecks,omitempty"`
	PlanID        string   `json:"planId,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// Store is the append-only Outcome Store.
type Store struct {
	fs   afero.Fs
	path string
	log  logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger used to report skipped malformed lines.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New constructs an Outcome Store backed by path.
func New(fs afero.Fs, path string, opts ...Option) *Store {
	s := &Store{fs: fs, path: path, log: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds rec to the end of the log. No pruning is ever performed
// (spec §4.6: "outcomes.jsonl is append-only, no pruning"), so this is a
// true append rather than the eventstore's read-rewrite-append.
func (s *Store) Append(rec Record) error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create outcome store directory")
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outcome record")
	}
	line = append(line, '\n')

	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open outcome store for append")
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return errors.Wrap(err, "failed to append outcome record")
	}
	return nil
}

// All loads every well-formed outcome in file order, oldest first.
// Malformed lines are skipped, matching the posture the event store uses
// for its own log.
func (s *Store) All() ([]Record, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read outcome store")
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn("skipping malformed outcome line", logging.F("error", err.Error()))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ForProject returns every outcome for projectID, oldest first.
func (s *Store) ForProject(projectID string) ([]Record, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.ProjectID == projectID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MostRecent returns up to n of projectID's most recent outcomes, newest
// first, for use by Project Lessons aggregation (spec §4.6: "aggregate the
// most recent N outcomes").
func (s *Store) MostRecent(projectID string, n int) ([]Record, error) {
	records, err := s.ForProject(projectID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp > records[j].Timestamp
	})

	if n > 0 && n < len(records) {
		records = records[:n]
	}
	return records, nil
}
