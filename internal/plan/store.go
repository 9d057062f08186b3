package plan

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/gg-salo/fleet-commander/internal/paths"
)

// Store persists Plan records under plans/<id>.json and reads the
// planning-agent's plans/<id>-output.json drop-box (spec §3 directory
// layout). Grounded on the same write-temp+rename primitive used by
// internal/store/kvstore and internal/store/eventstore.
type Store struct {
	fs     afero.Fs
	layout *paths.Layout
}

// NewStore constructs a plan Store for one project's layout.
func NewStore(fs afero.Fs, layout *paths.Layout) *Store {
	return &Store{fs: fs, layout: layout}
}

// Write atomically persists p.
func (s *Store) Write(p *Plan) error {
	data, err := p.Marshal()
	if err != nil {
		return errors.Wrap(err, "failed to marshal plan")
	}
	return s.writeFile(s.layout.PlanFile(p.ID), data)
}

func (s *Store) writeFile(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create plans directory")
	}
	tmp := target + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to create temp plan file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "failed to write temp plan file")
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "failed to close temp plan file")
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "failed to rename temp plan file into place")
	}
	return nil
}

// Read loads a plan record. Returns (nil, false, nil) if not found.
func (s *Store) Read(planID string) (*Plan, bool, error) {
	data, err := afero.ReadFile(s.fs, s.layout.PlanFile(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to read plan")
	}
	p, err := Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// ReadOutput loads the planning-agent's output drop-box file, if present.
func (s *Store) ReadOutput(planID string) ([]byte, bool, error) {
	data, err := afero.ReadFile(s.fs, s.layout.PlanOutputFile(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to read plan output")
	}
	return data, true, nil
}
