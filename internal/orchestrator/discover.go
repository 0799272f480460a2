package orchestrator

import "regexp"

// Discoverer returns the resource paths a task description refers to, in
// first-seen order without duplicates.
type Discoverer func(description string) []string

// resourcePatterns are tried in order. Matching is best-effort: a path the
// patterns miss is simply not leased.
var resourcePatterns = []*regexp.Regexp{
	// inline code with an extension
	regexp.MustCompile("(?i)`([^`]+\\.[a-z]+)`"),
	// file: prefix
	regexp.MustCompile(`(?i)file:\s*([^\s]+)`),
	// path-like tokens
	regexp.MustCompile(`(?i)([a-z_]+/[a-z_/]+\.[a-z]+)`),
}

// DiscoverResources is the default Discoverer. Deduplication is exact, so
// paths differing only in case are distinct resources.
func DiscoverResources(description string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, re := range resourcePatterns {
		for _, m := range re.FindAllStringSubmatch(description, -1) {
			p := m[1]
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}
