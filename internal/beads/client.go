package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/rand/asc/pkg/models"
)

// DefaultTimeout bounds every bd invocation
const DefaultTimeout = 10 * time.Second

// CommandError reports a failed bd invocation together with its stderr
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("bd %s failed: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client talks to a beads repository through the bd CLI
type Client struct {
	bdPath  string
	dir     string
	timeout time.Duration
}

// NewClient creates a client that runs bdPath inside the beads repo at dir
func NewClient(bdPath, dir string, timeout time.Duration) *Client {
	if bdPath == "" {
		bdPath = "bd"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{bdPath: bdPath, dir: dir, timeout: timeout}
}

// bdIssue is the subset of `bd list --json` output we consume
type bdIssue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Phase       string `json:"phase"`
	Description string `json:"description"`
	Assignee    string `json:"assignee"`
}

// ListTasks returns all open tasks in source order
func (c *Client) ListTasks(ctx context.Context) ([]models.Task, error) {
	out, err := c.run(ctx, "list", "--json", "--status", string(models.TaskStatusOpen))
	if err != nil {
		return nil, err
	}
	return ParseTasks(out)
}

// UpdateStatus sets the status of task id
func (c *Client) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	if _, err := c.run(ctx, "update", id, "--status", string(status)); err != nil {
		return err
	}
	log.Printf("[Beads] Updated task %s status to %s", id, status)
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bdPath, args...)
	if c.dir != "" {
		cmd.Dir = c.dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", c.timeout, ctx.Err())
		}
		return nil, &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// ParseTasks decodes `bd list --json` output. Empty output is no tasks.
func ParseTasks(data []byte) ([]models.Task, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var issues []bdIssue
	if err := json.Unmarshal(trimmed, &issues); err != nil {
		return nil, fmt.Errorf("failed to parse bd list output: %w", err)
	}

	tasks := make([]models.Task, 0, len(issues))
	for _, issue := range issues {
		status := models.TaskStatus(issue.Status)
		if status == "" {
			status = models.TaskStatusOpen
		}
		tasks = append(tasks, models.Task{
			ID:          issue.ID,
			Title:       issue.Title,
			Status:      status,
			Phase:       issue.Phase,
			Description: issue.Description,
			Assignee:    issue.Assignee,
		})
	}
	return tasks, nil
}
