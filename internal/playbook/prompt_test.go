package playbook

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rand/asc/pkg/models"
)

func TestFormatLessons(t *testing.T) {
	if got := FormatLessons(nil); got != "" {
		t.Errorf("expected empty output for no lessons, got %q", got)
	}

	out := FormatLessons([]models.Lesson{{
		Context:  "Task in testing phase: Parser",
		Action:   "Executed task with 10 char response",
		Outcome:  "success",
		Learned:  "Keep fixtures small",
		TaskType: TypeTesting,
	}})
	for _, want := range []string{
		"## Relevant Lessons from Past Experience",
		"### Lesson 1 (testing)",
		"- Context: Task in testing phase: Parser",
		"- Action: Executed task with 10 char response",
		"- Outcome: success",
		"- Learned: Keep fixtures small",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestReflectionPrompt_TruncatesResponse(t *testing.T) {
	task := models.Task{ID: "bd-1", Title: "T", Phase: "testing", Description: "D"}
	p := ReflectionPrompt(task, strings.Repeat("a", 1500), "success")
	if strings.Contains(p, strings.Repeat("a", 1001)) {
		t.Error("response should be truncated to 1000 chars")
	}
	if !strings.Contains(p, strings.Repeat("a", 1000)+"...") {
		t.Error("expected truncated response with ellipsis")
	}
	if !strings.Contains(p, "- ID: bd-1") || !strings.Contains(p, "## Outcome\nsuccess") {
		t.Errorf("missing task details:\n%s", p)
	}
}

func TestReflectionPrompt_TruncatesOnRuneBoundary(t *testing.T) {
	task := models.Task{ID: "bd-1", Title: "T", Phase: "testing"}
	// 999 ASCII bytes put the 3-byte rune across the limit
	response := strings.Repeat("a", 999) + strings.Repeat("€", 10)
	p := ReflectionPrompt(task, response, "success")
	if !utf8.ValidString(p) {
		t.Fatal("prompt contains a split rune")
	}
	if !strings.Contains(p, strings.Repeat("a", 999)+"...") {
		t.Error("expected cut before the partial rune")
	}
}

func TestParseReflection(t *testing.T) {
	r, err := ParseReflection("Sure! {\"learned\": \" Run tests first \", \"task_type\": \"testing\"} done")
	if err != nil {
		t.Fatalf("ParseReflection: %v", err)
	}
	if r.Learned != "Run tests first" || r.TaskType != TypeTesting {
		t.Errorf("unexpected reflection %+v", r)
	}

	r, err = ParseReflection(`{"learned": "x", "task_type": "astrology"}`)
	if err != nil {
		t.Fatal(err)
	}
	if r.TaskType != "" {
		t.Errorf("unknown type should be dropped, got %q", r.TaskType)
	}

	for _, bad := range []string{"no json", `{"learned": ""}`, `{broken`} {
		if _, err := ParseReflection(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestApplyReflection(t *testing.T) {
	base := models.Lesson{Learned: "heuristic", TaskType: TypeGeneral}
	if got := ApplyReflection(base, nil); got.Learned != "heuristic" {
		t.Errorf("nil reflection should not change lesson")
	}
	got := ApplyReflection(base, &Reflection{Learned: "model", TaskType: TypeBugfix})
	if got.Learned != "model" || got.TaskType != TypeBugfix {
		t.Errorf("unexpected lesson %+v", got)
	}
	got = ApplyReflection(base, &Reflection{Learned: "model"})
	if got.TaskType != TypeGeneral {
		t.Errorf("empty type should keep heuristic type, got %q", got.TaskType)
	}
}
