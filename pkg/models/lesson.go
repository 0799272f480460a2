package models

import "time"

// Lesson represents a learned insight from a task execution.
// Lessons are per-agent and injected into future prompts to bias decisions.
type Lesson struct {
	ID             string    `json:"lesson_id"`
	Context        string    `json:"context"`
	Action         string    `json:"action"`
	Outcome        string    `json:"outcome"`
	Learned        string    `json:"learned"`
	TaskType       string    `json:"task_type"` // planning, implementation, testing, refactoring, bugfix, general
	RelevanceScore float64   `json:"relevance_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// PlaybookRecord is the persisted form of an agent's playbook.
type PlaybookRecord struct {
	Version   int       `json:"version"`
	AgentName string    `json:"agent_name"`
	UpdatedAt time.Time `json:"updated_at"`
	Lessons   []Lesson  `json:"lessons"`
}

// PlaybookStats summarizes a playbook.
type PlaybookStats struct {
	TotalLessons int            `json:"total_lessons"`
	ByType       map[string]int `json:"by_type"`
	AvgRelevance float64        `json:"avg_relevance"`
}
