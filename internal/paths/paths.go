// Package paths computes the deterministic, hash-isolated directory layout
// described in spec §3/§6. It is the only place in the core that knows the
// on-disk shape; every store package takes a *Layout instead of raw strings.
package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// hashLen is the number of hex characters of the config-path digest kept in
// the directory name. Fixed at 12 per spec §3 ("first 12 hex chars").
const hashLen = 12

// ConfigHash returns the first 12 hex characters of the sha256 digest of the
// directory containing the configuration file. This isolates multiple
// orchestrator installations pointing at different project sets, per spec
// §1 ("no coordination between separate orchestrator installations beyond
// directory-level isolation").
func ConfigHash(configPath string) string {
	dir := filepath.Dir(filepath.Clean(configPath))
	sum := sha256.Sum256([]byte(dir))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Layout is the resolved directory layout for one (configHash, project)
// pair, matching spec §3's directory tree exactly.
type Layout struct {
	root string
}

// NewLayout resolves the project root under dataRoot for the given
// configuration path and project id: <dataRoot>/<hash>-<projectID>/.
func NewLayout(dataRoot, configPath, projectID string) *Layout {
	hash := ConfigHash(configPath)
	return &Layout{root: filepath.Join(dataRoot, fmt.Sprintf("%s-%s", hash, projectID))}
}

// Root is the project's data root directory.
func (l *Layout) Root() string { return l.root }

// Origin is the collision-detection marker file.
func (l *Layout) Origin() string { return filepath.Join(l.root, ".origin") }

// SessionsDir is the directory of flat key=value session records.
func (l *Layout) SessionsDir() string { return filepath.Join(l.root, "sessions") }

// SessionFile is the record path for a single session id.
func (l *Layout) SessionFile(sessionID string) string {
	return filepath.Join(l.SessionsDir(), sessionID)
}

// SessionsArchiveDir is where killed/cleaned-up session records move to.
func (l *Layout) SessionsArchiveDir() string {
	return filepath.Join(l.SessionsDir(), "archive")
}

// ArchivedSessionFile names an archived record as <id>_<ts> per spec §3.
func (l *Layout) ArchivedSessionFile(sessionID string, unixMillis int64) string {
	return filepath.Join(l.SessionsArchiveDir(), fmt.Sprintf("%s_%d", sessionID, unixMillis))
}

// EventsFile is the append-only, lazily-truncated event log.
func (l *Layout) EventsFile() string { return filepath.Join(l.root, "events.jsonl") }

// OutcomesFile is the append-only, never-truncated outcome log.
func (l *Layout) OutcomesFile() string { return filepath.Join(l.root, "outcomes.jsonl") }

// PlansDir is the directory of plan records.
func (l *Layout) PlansDir() string { return filepath.Join(l.root, "plans") }

// PlanFile is the record path for a single plan id.
func (l *Layout) PlanFile(planID string) string {
	return filepath.Join(l.PlansDir(), planID+".json")
}

// PlanOutputFile is the planning-agent drop-box for a given plan id.
func (l *Layout) PlanOutputFile(planID string) string {
	return filepath.Join(l.PlansDir(), planID+"-output.json")
}
