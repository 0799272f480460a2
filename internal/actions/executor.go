package actions

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Result values recorded for each action
const (
	ResultApplied = "applied"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// ActionResult records what happened to one action
type ActionResult struct {
	Action Action `json:"action"`
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// ApplyReport summarizes a plan application
type ApplyReport struct {
	Parsed  bool           `json:"parsed"`
	Applied int            `json:"applied"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
	Results []ActionResult `json:"results,omitempty"`
}

func (r *ApplyReport) add(a Action, result, reason string) {
	switch result {
	case ResultApplied:
		r.Applied++
	case ResultSkipped:
		r.Skipped++
	case ResultFailed:
		r.Failed++
	}
	r.Results = append(r.Results, ActionResult{Action: a, Result: result, Reason: reason})
}

// Executor applies model action plans to files under a root directory.
// Mutations are limited to paths in the caller-supplied lease set.
type Executor struct {
	root string
}

// NewExecutor creates an executor rooted at root. Relative roots are made
// absolute against the current directory.
func NewExecutor(root string) *Executor {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Executor{root: root}
}

// Root returns the directory actions resolve under
func (e *Executor) Root() string {
	return e.root
}

// Apply extracts a plan from response and applies it. A response without a
// usable plan yields an empty report. Per-action failures are logged and
// recorded; they never stop the remaining actions.
func (e *Executor) Apply(response string, leased map[string]bool) *ApplyReport {
	report := &ApplyReport{}

	plan, err := ExtractPlan(response)
	if err != nil {
		log.Printf("[Actions] No action plan applied: %v", err)
		return report
	}
	report.Parsed = true
	log.Printf("[Actions] Executing %d actions", len(plan.Actions))

	allowed := make(map[string]bool, len(leased))
	for p, ok := range leased {
		if ok {
			allowed[normalize(p)] = true
		}
	}

	for _, a := range plan.Actions {
		result, reason := e.applyOne(a, allowed)
		switch result {
		case ResultSkipped:
			log.Printf("[Actions] Skipping %s on %q: %s", a.Type, a.File, reason)
		case ResultFailed:
			log.Printf("[Actions] Error: %s on %q failed: %s", a.Type, a.File, reason)
		}
		report.add(a, result, reason)
	}
	return report
}

func (e *Executor) applyOne(a Action, allowed map[string]bool) (string, string) {
	if a.File == "" {
		return ResultSkipped, "no file"
	}
	if !allowed[normalize(a.File)] {
		return ResultSkipped, "not leased"
	}

	switch a.Type {
	case ActionRead:
		// File contents were already supplied in the prompt
		return ResultApplied, ""
	case ActionWrite, ActionDelete:
	default:
		return ResultSkipped, fmt.Sprintf("unknown action type %q", a.Type)
	}

	full, err := SafeJoin(e.root, a.File)
	if err != nil {
		return ResultSkipped, err.Error()
	}

	if a.Type == ActionWrite {
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return ResultFailed, err.Error()
		}
		if err := os.WriteFile(full, []byte(a.Content), 0644); err != nil {
			return ResultFailed, err.Error()
		}
		log.Printf("[Actions] Wrote file: %s", a.File)
		return ResultApplied, ""
	}

	if _, err := os.Stat(full); errors.Is(err, os.ErrNotExist) {
		return ResultSkipped, "file does not exist"
	}
	if err := os.Remove(full); err != nil {
		return ResultFailed, err.Error()
	}
	log.Printf("[Actions] Deleted file: %s", a.File)
	return ResultApplied, ""
}

// SafeJoin resolves rel under base and rejects paths that escape it.
func SafeJoin(base, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be relative")
	}
	joined := filepath.Join(base, clean)
	baseClean := filepath.Clean(base)
	if joined == baseClean {
		return "", fmt.Errorf("path resolves to the work dir itself")
	}
	if !strings.HasPrefix(joined, baseClean+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes work dir")
	}
	if isBlockedPath(joined) {
		return "", fmt.Errorf("path is inside .git")
	}
	return joined, nil
}

func isBlockedPath(path string) bool {
	slash := filepath.ToSlash(path)
	return strings.Contains(slash, "/.git/") || strings.HasSuffix(slash, "/.git")
}

func normalize(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}
