// Package lessons implements Project Lessons (spec §4.6): aggregation of a
// project's most recent outcomes into a short set of actionable
// observations, rendered to markdown for injection into spawn prompts.
// Grounded on the teacher's reviewloop_feedback.go pattern of reducing a
// pile of structured findings into a stable markdown section, generalized
// from per-review findings onto per-project outcome history.
package lessons

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/classify"
	"github.com/gg-salo/fleet-commander/internal/store/outcomestore"
)

// DefaultWindow is the number of most-recent outcomes aggregated, per spec
// §4.6: "the most recent N outcomes (default 20)".
const DefaultWindow = 20

// failingCheckThreshold is the minimum occurrence count for a failing
// check to be surfaced, per spec §4.6: "top three failing checks with
// count >= 2".
const failingCheckThreshold = 2

// topFailingChecks bounds how many failing checks are surfaced, per spec
// §4.6: "top three failing checks".
const topFailingChecks = 3

// avgCIRetriesThreshold and failureRateThreshold gate the two summary
// observations, per spec §4.6: "average CI retries if > 1.5" and
// "failure rate if > 30%".
const (
	avgCIRetriesThreshold = 1.5
	failureRateThreshold  = 0.30
)

// FailingCheck is one recurring failing check surfaced by aggregation,
// paired with the Error Classifier's recommendation for its category.
type FailingCheck struct {
	Name           string
	Count          int
	Recommendation string
}

// Lessons is the aggregated observation set for one project.
type Lessons struct {
	ProjectID string
	// SampleSize is the number of outcomes the aggregation actually drew
	// from, which may be less than the requested window.
	SampleSize int

	TopFailingChecks []FailingCheck

	// AverageCIRetries is only meaningful when HasHighCIRetries is true.
	AverageCIRetries float64
	HasHighCIRetries bool

	// FailureRate and DominantFailureCategory are only meaningful when
	// HasHighFailureRate is true.
	FailureRate             float64
	DominantFailureCategory classify.Category
	HasHighFailureRate      bool
}

// IsEmpty reports whether the aggregation produced no observations at all,
// either because there was no history or because nothing crossed any
// threshold.
func (l *Lessons) IsEmpty() bool {
	return l == nil || (len(l.TopFailingChecks) == 0 && !l.HasHighCIRetries && !l.HasHighFailureRate)
}

// Aggregate reads up to window of projectID's most recent outcomes and
// derives Lessons from them (spec §4.6). window <= 0 uses DefaultWindow.
func Aggregate(outcomes *outcomestore.Store, projectID string, window int) (*Lessons, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	recs, err := outcomes.MostRecent(projectID, window)
	if err != nil {
		return nil, err
	}

	l := &Lessons{ProjectID: projectID, SampleSize: len(recs)}
	if len(recs) == 0 {
		return l, nil
	}

	l.TopFailingChecks = topChecks(recs)

	avgRetries := averageCIRetries(recs)
	if avgRetries > avgCIRetriesThreshold {
		l.AverageCIRetries = avgRetries
		l.HasHighCIRetries = true
	}

	rate, dominant := failureRate(recs)
	if rate > failureRateThreshold {
		l.FailureRate = rate
		l.DominantFailureCategory = dominant
		l.HasHighFailureRate = true
	}

	return l, nil
}

func topChecks(recs []outcomestore.Record) []FailingCheck {
	counts := map[string]int{}
	for _, rec := range recs {
		for _, check := range rec.FailingChecks {
			counts[check]++
		}
	}

	var names []string
	for name, count := range counts {
		if count >= failingCheckThreshold {
			names = append(names, name)
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > topFailingChecks {
		names = names[:topFailingChecks]
	}

	out := make([]FailingCheck, 0, len(names))
	for _, name := range names {
		cat := classify.Classify(name)
		out = append(out, FailingCheck{Name: name, Count: counts[name], Recommendation: classify.Action(cat)})
	}
	return out
}

func averageCIRetries(recs []outcomestore.Record) float64 {
	total := 0
	for _, rec := range recs {
		total += rec.CIRetries
	}
	return float64(total) / float64(len(recs))
}

// failureRate reports the fraction of recs whose outcome is not `merged`,
// plus the category most often implicated by those failing outcomes'
// failing checks (the "dominant failing-check category" spec §4.6 asks to
// annotate the failure rate with).
func failureRate(recs []outcomestore.Record) (float64, classify.Category) {
	failed := 0
	categoryCounts := map[classify.Category]int{}
	for _, rec := range recs {
		if rec.Outcome == outcomestore.OutcomeMerged {
			continue
		}
		failed++
		for _, check := range rec.FailingChecks {
			categoryCounts[classify.Classify(check)]++
		}
	}
	if failed == 0 {
		return 0, ""
	}

	var dominant classify.Category
	best := -1
	var cats []classify.Category
	for c := range categoryCounts {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	for _, c := range cats {
		if categoryCounts[c] > best {
			best = categoryCounts[c]
			dominant = c
		}
	}

	return float64(failed) / float64(len(recs)), dominant
}

// FormatForPrompt renders l as a short markdown block suitable for
// injection into a spawn prompt's enrichment bundle (spec §4.4's "CLAUDE.md
// excerpt ∪ project-lessons" bundle). Returns "" when l has no
// observations worth surfacing.
func FormatForPrompt(l *Lessons) string {
	if l.IsEmpty() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Lessons from recent sessions\n")

	if len(l.TopFailingChecks) > 0 {
		sb.WriteString("\nRecurring failing checks:\n")
		for _, fc := range l.TopFailingChecks {
			sb.WriteString(fmt.Sprintf("- `%s` failed %d times. %s\n", fc.Name, fc.Count, fc.Recommendation))
		}
	}

	if l.HasHighCIRetries {
		sb.WriteString(fmt.Sprintf("\nSessions in this project average %.1f CI retries before passing; budget extra time for the CI loop.\n", l.AverageCIRetries))
	}

	if l.HasHighFailureRate {
		sb.WriteString(fmt.Sprintf("\n%.0f%% of recent sessions in this project did not merge, most often around %s issues.\n", l.FailureRate*100, l.DominantFailureCategory))
	}

	return strings.TrimRight(sb.String(), "\n")
}
