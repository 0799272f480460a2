package playbook

import "strings"

// Task types assigned to lessons.
const (
	TypeTesting        = "testing"
	TypeImplementation = "implementation"
	TypePlanning       = "planning"
	TypeRefactoring    = "refactoring"
	TypeBugfix         = "bugfix"
	TypeGeneral        = "general"
)

// categoryRules are checked in order; the first rule with a matching keyword wins.
var categoryRules = []struct {
	taskType string
	keywords []string
}{
	{TypeTesting, []string{"test"}},
	{TypeImplementation, []string{"implement", "code"}},
	{TypePlanning, []string{"plan", "design"}},
	{TypeRefactoring, []string{"refactor"}},
	{TypeBugfix, []string{"bug", "fix"}},
}

// Categorize maps a phase plus free text (a title or description) to a task type.
// Keywords are matched case-insensitively as substrings of either input.
func Categorize(phase, text string) string {
	haystack := strings.ToLower(phase) + "\n" + strings.ToLower(text)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.taskType
			}
		}
	}
	return TypeGeneral
}

// wordSet splits s on whitespace after lower-casing.
func wordSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// sharedWords counts words present in both sets.
func sharedWords(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// jaccard returns |a∩b| / |a∪b|. Empty sets yield 0.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := sharedWords(a, b)
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
