package playbook

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rand/asc/pkg/models"
)

const reflectionResponseLimit = 1000

// FormatLessons renders lessons as a markdown section for a task prompt.
// It returns "" when there are no lessons.
func FormatLessons(lessons []models.Lesson) string {
	if len(lessons) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant Lessons from Past Experience\n\n")
	for i, l := range lessons {
		sb.WriteString(fmt.Sprintf("### Lesson %d (%s)\n", i+1, l.TaskType))
		sb.WriteString(fmt.Sprintf("- Context: %s\n", l.Context))
		sb.WriteString(fmt.Sprintf("- Action: %s\n", l.Action))
		sb.WriteString(fmt.Sprintf("- Outcome: %s\n", l.Outcome))
		sb.WriteString(fmt.Sprintf("- Learned: %s\n\n", l.Learned))
	}
	return sb.String()
}

// ReflectionPrompt asks a model to distill a lesson from a finished task.
func ReflectionPrompt(task models.Task, response, outcome string) string {
	if len(response) > reflectionResponseLimit {
		cut := reflectionResponseLimit
		for cut > 0 && !utf8.RuneStart(response[cut]) {
			cut--
		}
		response = response[:cut] + "..."
	}

	var sb strings.Builder
	sb.WriteString("# Task Reflection\n\n")
	sb.WriteString("## Task Details\n")
	sb.WriteString(fmt.Sprintf("- ID: %s\n- Title: %s\n- Phase: %s\n- Description: %s\n\n",
		task.ID, task.Title, task.Phase, task.Description))
	sb.WriteString("## Your Response\n")
	sb.WriteString(response)
	sb.WriteString("\n\n## Outcome\n")
	sb.WriteString(outcome)
	sb.WriteString("\n\n## Reflection Questions\n")
	sb.WriteString("1. What was the key challenge in this task?\n")
	sb.WriteString("2. What worked well, and what could be improved?\n")
	sb.WriteString("3. What general lesson applies to similar tasks?\n\n")
	sb.WriteString("Respond with only a JSON object:\n")
	sb.WriteString(`{"learned": "Key lesson for future tasks", "task_type": "planning|implementation|testing|refactoring|bugfix|general"}`)
	sb.WriteString("\n")
	return sb.String()
}

// Reflection is a model-authored takeaway
type Reflection struct {
	Learned  string `json:"learned"`
	TaskType string `json:"task_type"`
}

var knownTypes = map[string]bool{
	TypeTesting: true, TypeImplementation: true, TypePlanning: true,
	TypeRefactoring: true, TypeBugfix: true, TypeGeneral: true,
}

// ParseReflection extracts a Reflection from model output. The object may be
// surrounded by prose; an unknown task_type is dropped.
func ParseReflection(text string) (*Reflection, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reflection")
	}
	var r Reflection
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("invalid reflection JSON: %w", err)
	}
	r.Learned = strings.TrimSpace(r.Learned)
	if r.Learned == "" {
		return nil, fmt.Errorf("reflection has no learned text")
	}
	if !knownTypes[r.TaskType] {
		r.TaskType = ""
	}
	return &r, nil
}

// ApplyReflection overrides a heuristic lesson with a model reflection.
func ApplyReflection(l models.Lesson, r *Reflection) models.Lesson {
	if r == nil {
		return l
	}
	l.Learned = r.Learned
	if r.TaskType != "" {
		l.TaskType = r.TaskType
	}
	return l
}
