// Package classify implements the Error Classifier (spec §4.7): a pure
// function mapping failing check names to a category and priority, plus a
// stable markdown renderer grouping failing checks by category. Grounded
// on the teacher's reviewloop_feedback.go formatFindingsForCursorComment/
// formatFindingsForCursorFollowup pattern of rendering a numbered or
// grouped markdown section from a slice of structured findings, adapted
// from review-comment findings onto CI check names.
package classify

import "regexp"

// Category is one of the six check-name buckets from spec §4.7.
type Category string

const (
	CategoryBuild     Category = "build"
	CategoryTypecheck Category = "typecheck"
	CategoryLint      Category = "lint"
	CategoryFormat    Category = "format"
	CategoryTest      Category = "test"
	CategorySecurity  Category = "security"
	CategoryUnknown   Category = "unknown"
)

// priority orders categories for formatClassifiedErrors output, per spec
// §4.7's `{1,2,3,3,4,5,6}` table (lint and format share priority 3).
var priority = map[Category]int{
	CategoryBuild:     1,
	CategoryTypecheck: 2,
	CategoryLint:      3,
	CategoryFormat:    3,
	CategoryTest:      4,
	CategorySecurity:  5,
	CategoryUnknown:   6,
}

// Priority returns c's rendering priority; lower sorts first.
func Priority(c Category) int { return priority[c] }

// action is the per-category recommendation line formatClassifiedErrors
// attaches to each rendered section.
var action = map[Category]string{
	CategoryBuild:     "Fix the compile error before anything else; other check failures are likely downstream of this one.",
	CategoryTypecheck: "Resolve the type error; re-run the type checker locally before pushing again.",
	CategoryLint:      "Apply the linter's suggested fix, or run the project's autofix command if one exists.",
	CategoryFormat:    "Run the project's formatter and commit the result.",
	CategoryTest:      "Reproduce the failing test locally and fix the regression (or the test, if its expectation is stale).",
	CategorySecurity:  "Treat this as high-signal; do not suppress without an explicit justification in the PR description.",
	CategoryUnknown:   "No known pattern matched this check name; inspect its log output directly.",
}

// Action returns the recommendation text for c.
func Action(c Category) string { return action[c] }

// pattern pairs a check-name regex with the category it maps to. Order
// matters: patterns are tried in sequence and the first match wins. The
// list follows the same build/typecheck/lint/format/test/security
// precedence as the priority table above, so a check name that happens to
// match more than one pattern resolves the same way classification and
// rendering order agree on.
type pattern struct {
	re       *regexp.Regexp
	category Category
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)(build|compile|docker|webpack|bundle)`), CategoryBuild},
	{regexp.MustCompile(`(?i)(typecheck|type-check|tsc|mypy|type check)`), CategoryTypecheck},
	{regexp.MustCompile(`(?i)(lint|eslint|golangci|staticcheck|vet)`), CategoryLint},
	{regexp.MustCompile(`(?i)(fmt|format|gofmt|prettier|black)`), CategoryFormat},
	{regexp.MustCompile(`(?i)(test|spec|e2e|integration)`), CategoryTest},
	{regexp.MustCompile(`(?i)(codeql|trivy|snyk|gosec|security|vuln|audit)`), CategorySecurity},
}

// Classify maps a failing check name to its category, per spec §4.7's
// ordered-regex-patterns rule. Unmatched names fall back to
// CategoryUnknown.
func Classify(checkName string) Category {
	for _, p := range patterns {
		if p.re.MatchString(checkName) {
			return p.category
		}
	}
	return CategoryUnknown
}
