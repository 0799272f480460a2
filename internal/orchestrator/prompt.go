package orchestrator

import (
	"fmt"
	"strings"

	"github.com/rand/asc/internal/playbook"
	"github.com/rand/asc/pkg/models"
)

// DefaultSystemPrompt describes the action plan shape the executor accepts
const DefaultSystemPrompt = `You are an AI coding agent working on software development tasks.
Your role is to analyze tasks, plan solutions, and execute file operations.

When responding, provide your action plan in the following JSON format:
{
  "analysis": "Your analysis of the task",
  "plan": ["Step 1", "Step 2", ...],
  "actions": [
    {"type": "read", "file": "path/to/file"},
    {"type": "write", "file": "path/to/file", "content": "file content"},
    {"type": "delete", "file": "path/to/file"}
  ]
}

Only files listed under "Current Files" are leased to you; actions on any other file are ignored.
Be thorough but concise. Focus on delivering working code.`

// ResourceContent is a leased resource and its content at prompt time
type ResourceContent struct {
	Path    string
	Content string
}

// BuildPrompt renders the task, leased file contents and retrieved lessons
func BuildPrompt(task models.Task, files []ResourceContent, lessons []models.Lesson) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task: %s\n", task.Title)
	fmt.Fprintf(&sb, "\n## Description\n%s\n", task.Description)
	fmt.Fprintf(&sb, "\n## Phase\n%s\n", task.Phase)

	if len(files) > 0 {
		sb.WriteString("\n## Current Files\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "\n### %s\n```\n%s\n```\n", f.Path, f.Content)
		}
	}

	if section := playbook.FormatLessons(lessons); section != "" {
		sb.WriteString("\n")
		sb.WriteString(section)
	}

	sb.WriteString("\n## Instructions\nAnalyze the task and provide your action plan in JSON format.\n")
	return sb.String()
}
