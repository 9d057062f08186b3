package classify

import (
	"fmt"
	"sort"
	"strings"
)

// FormatClassifiedErrors groups checkNames by category, orders the
// resulting sections by category priority, and renders a stable markdown
// block per section with a per-category "Action" recommendation (spec
// §4.7: "formatClassifiedErrors groups failing checks by category, orders
// categories by priority, emits a stable markdown section per category
// with a per-category Action recommendation").
func FormatClassifiedErrors(checkNames []string) string {
	grouped := map[Category][]string{}
	for _, name := range checkNames {
		c := Classify(name)
		grouped[c] = append(grouped[c], name)
	}

	categories := make([]Category, 0, len(grouped))
	for c := range grouped {
		categories = append(categories, c)
	}
	sort.SliceStable(categories, func(i, j int) bool {
		if Priority(categories[i]) != Priority(categories[j]) {
			return Priority(categories[i]) < Priority(categories[j])
		}
		return categories[i] < categories[j]
	})

	var sb strings.Builder
	for i, c := range categories {
		names := grouped[c]
		sort.Strings(names)
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("### %s\n", capitalize(string(c))))
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("- %s\n", name))
		}
		sb.WriteString(fmt.Sprintf("Action: %s\n", Action(c)))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
