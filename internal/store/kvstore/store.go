package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Store is the Metadata Store: atomic rename-based persistence of flat
// key=value session records, plus the O_EXCL primitive the Session Manager
// uses for collision-free id reservation (spec §4.2). Grounded on the
// teacher's store/kvstore/store.go (Get/Save/Delete/List over a backing
// client), generalized from a Mattermost KV plugin API onto a plain
// filesystem, abstracted through afero so tests never touch disk.
type Store struct {
	fs        afero.Fs
	sessionsD string
	archiveD  string
}

// New constructs a Store rooted at the layout's sessions directory.
func New(fs afero.Fs, sessionsDir string) *Store {
	return &Store{
		fs:        fs,
		sessionsD: sessionsDir,
		archiveD:  filepath.Join(sessionsDir, "archive"),
	}
}

func (s *Store) ensureDirs() error {
	if err := s.fs.MkdirAll(s.sessionsD, 0o755); err != nil {
		return errors.Wrap(err, "failed to create sessions directory")
	}
	if err := s.fs.MkdirAll(s.archiveD, 0o755); err != nil {
		return errors.Wrap(err, "failed to create sessions archive directory")
	}
	return nil
}

func (s *Store) sessionPath(id string) string { return filepath.Join(s.sessionsD, id) }

// Exists reports whether a (non-archived) session record exists.
func (s *Store) Exists(id string) bool {
	ok, _ := afero.Exists(s.fs, s.sessionPath(id))
	return ok
}

// CreateExclusive atomically creates a brand-new session record, failing if
// one already exists. This is the sole serialization point for session id
// issuance described in spec §4.2: "the exclusive create is the only
// serialization point; no locks held between calls."
func (s *Store) CreateExclusive(id string, rec Record) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	f, err := s.fs.OpenFile(s.sessionPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(err, "session id %q already reserved", id)
		}
		return errors.Wrapf(err, "failed to exclusively create session %q", id)
	}
	defer f.Close()
	if _, err := f.Write(rec.Marshal()); err != nil {
		return errors.Wrapf(err, "failed to write newly reserved session %q", id)
	}
	return nil
}

// Read loads a session record. Returns (nil, false, nil) if not found.
func (s *Store) Read(id string) (Record, bool, error) {
	data, err := afero.ReadFile(s.fs, s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to read session %q", id)
	}
	return ParseRecord(data), true, nil
}

// Write atomically replaces a session record via write-temp + rename, per
// spec §5 ("Metadata writes are atomic at file level (write-temp + rename)").
func (s *Store) Write(id string, rec Record) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	target := s.sessionPath(id)
	tmp := target + fmt.Sprintf(".tmp-%d", os.Getpid())
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for session %q", id)
	}
	if _, err := f.Write(rec.Marshal()); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "failed to write temp file for session %q", id)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "failed to close temp file for session %q", id)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "failed to rename temp file into place for session %q", id)
	}
	return nil
}

// Archive moves a session record out of the live set, preserving the
// original id in the archived filename (spec §3:
// sessions/archive/<id>_<ts>). Invariant 2 of spec §8 depends on this: the
// metadata file for S exists iff S is not archived.
func (s *Store) Archive(id string, archivedName string) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	src := s.sessionPath(id)
	dst := filepath.Join(s.archiveD, archivedName)
	data, err := afero.ReadFile(s.fs, src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Already gone; archiving is idempotent.
		}
		return errors.Wrapf(err, "failed to read session %q for archival", id)
	}
	if err := afero.WriteFile(s.fs, dst, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write archived record for session %q", id)
	}
	if err := s.fs.Remove(src); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove live record for session %q after archival", id)
	}
	return nil
}

// ListIDs returns every live (non-archived) session id, sorted for
// deterministic iteration order.
func (s *Store) ListIDs() ([]string, error) {
	if err := s.ensureDirs(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, s.sessionsD)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions directory")
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue // Skips the "archive" subdirectory.
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove permanently deletes a live session record without archiving it.
// Nothing in the module calls it; Spawn's rollback archives the reserved
// record instead.
func (s *Store) Remove(id string) error {
	err := s.fs.Remove(s.sessionPath(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove session %q", id)
	}
	return nil
}

