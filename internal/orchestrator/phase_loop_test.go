package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/asc/internal/actions"
	"github.com/rand/asc/internal/lease"
	"github.com/rand/asc/internal/playbook"
	"github.com/rand/asc/internal/provider"
	"github.com/rand/asc/pkg/models"
)

type statusUpdate struct {
	id     string
	status models.TaskStatus
}

type fakeTasks struct {
	mu        sync.Mutex
	tasks     []models.Task
	listErr   error
	afterList func()
	updates   []statusUpdate
}

func (f *fakeTasks) ListTasks(context.Context) ([]models.Task, error) {
	f.mu.Lock()
	tasks, err, after := append([]models.Task(nil), f.tasks...), f.listErr, f.afterList
	f.mu.Unlock()
	if after != nil {
		after()
	}
	return tasks, err
}

func (f *fakeTasks) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{id, status})
	return nil
}

func (f *fakeTasks) statuses() []models.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TaskStatus
	for _, u := range f.updates {
		out = append(out, u.status)
	}
	return out
}

type fakeBroker struct {
	mu       sync.Mutex
	deny     map[string]bool
	next     int
	acquired []string
	released []string
}

func (f *fakeBroker) Acquire(_ context.Context, path, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny[path] {
		return "", &lease.DeniedError{Path: path, StatusCode: 409}
	}
	f.next++
	f.acquired = append(f.acquired, path)
	return fmt.Sprintf("lease-%d", f.next), nil
}

func (f *fakeBroker) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

// scriptedBackend returns responses in order; a nil func panics
type scriptedBackend struct {
	mu      sync.Mutex
	replies []func(req provider.CompletionRequest) (*provider.CompletionResult, error)
	prompts []string
}

func (b *scriptedBackend) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.prompts = append(b.prompts, req.Prompt)
	if len(b.replies) == 0 {
		b.mu.Unlock()
		return nil, errors.New("no scripted reply")
	}
	next := b.replies[0]
	b.replies = b.replies[1:]
	b.mu.Unlock()
	return next(req)
}

func (b *scriptedBackend) Model() string         { return "fake-model" }
func (b *scriptedBackend) Stats() provider.Stats { return provider.Stats{Model: "fake-model"} }

func reply(content string) func(provider.CompletionRequest) (*provider.CompletionResult, error) {
	return func(provider.CompletionRequest) (*provider.CompletionResult, error) {
		return &provider.CompletionResult{Content: content, TokensUsed: 42, Model: "fake-model"}, nil
	}
}

type recordingStatus struct {
	mu      sync.Mutex
	history []models.AgentStatus
}

func (r *recordingStatus) UpdateStatus(s models.AgentStatus, _, _ string) {
	r.mu.Lock()
	r.history = append(r.history, s)
	r.mu.Unlock()
}

func (r *recordingStatus) last() models.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history[len(r.history)-1]
}

type harness struct {
	loop     *PhaseLoop
	tasks    *fakeTasks
	broker   *fakeBroker
	backend  *scriptedBackend
	status   *recordingStatus
	leases   *lease.Coordinator
	playbook *playbook.Store
	root     string
}

func newHarness(t *testing.T, tasks []models.Task, opts Options) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		tasks:   &fakeTasks{tasks: tasks},
		broker:  &fakeBroker{deny: map[string]bool{}},
		backend: &scriptedBackend{},
		status:  &recordingStatus{},
		root:    root,
	}
	h.leases = lease.NewCoordinator(h.broker, "tester", time.Second)
	h.playbook = playbook.NewStore(context.Background(), "tester", playbook.NewFileStorage(t.TempDir()), playbook.Options{})
	if opts.Phases == nil {
		opts.Phases = []string{"Testing"}
	}

	loop, err := NewPhaseLoop("tester", Deps{
		Tasks:    h.tasks,
		Leases:   h.leases,
		Backend:  h.backend,
		Executor: actions.NewExecutor(root),
		Playbook: h.playbook,
		Status:   h.status,
	}, opts)
	require.NoError(t, err)
	h.loop = loop
	return h
}

func (h *harness) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(h.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (h *harness) assertFinalized(t *testing.T) {
	t.Helper()
	assert.Empty(t, h.leases.Active(), "no leases held after finalization")
	assert.Equal(t, StateIdle, h.loop.State())
	task, _ := h.loop.CurrentTask()
	assert.Nil(t, task)
	assert.Equal(t, models.AgentStatusIdle, h.status.last())
	assert.Equal(t, len(h.broker.acquired), len(h.broker.released), "every lease released")
}

var flakyTask = models.Task{
	ID:          "bd-1",
	Title:       "Fix flaky test",
	Status:      models.TaskStatusOpen,
	Phase:       "testing",
	Description: "fix flaky `tests/foo.py`",
}

func TestIterate_Success(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{})
	h.writeFile(t, "tests/foo.py", "def test_foo(): pass\n")
	h.backend.replies = append(h.backend.replies, reply(`Here is my plan:
{"analysis": "retry", "plan": ["fix"], "actions": [
  {"type": "write", "file": "tests/foo.py", "content": "fixed"},
  {"type": "write", "file": "src/other.py", "content": "sneaky"}
]}`))

	require.NoError(t, h.loop.Iterate(context.Background()))

	assert.Equal(t, []string{"tests/foo.py"}, h.broker.acquired, "sole lease candidate")
	require.Len(t, h.backend.prompts, 1)
	assert.Contains(t, h.backend.prompts[0], "### tests/foo.py")
	assert.Contains(t, h.backend.prompts[0], "def test_foo(): pass")

	data, err := os.ReadFile(filepath.Join(h.root, "tests/foo.py"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", string(data))
	_, err = os.Stat(filepath.Join(h.root, "src/other.py"))
	assert.True(t, os.IsNotExist(err), "unleased file must not be written")

	assert.Equal(t, []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusComplete}, h.tasks.statuses())

	lessons := h.playbook.Lessons()
	require.Len(t, lessons, 1)
	assert.Equal(t, models.OutcomeSuccess, lessons[0].Outcome)
	assert.Equal(t, playbook.TypeTesting, lessons[0].TaskType)
	h.assertFinalized(t)
}

func TestIterate_NoJSONIsNotAFailure(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{})
	h.backend.replies = append(h.backend.replies, reply("I am not sure how to help with that."))

	require.NoError(t, h.loop.Iterate(context.Background()))

	assert.Equal(t, []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusComplete}, h.tasks.statuses())
	require.Len(t, h.playbook.Lessons(), 1)
	assert.Equal(t, models.OutcomeSuccess, h.playbook.Lessons()[0].Outcome)
	h.assertFinalized(t)
}

func TestIterate_GenerationFailureRevertsToOpen(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{})
	h.backend.replies = append(h.backend.replies, func(provider.CompletionRequest) (*provider.CompletionResult, error) {
		return nil, errors.New("upstream 529")
	})

	require.NoError(t, h.loop.Iterate(context.Background()))

	assert.Equal(t, []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusOpen}, h.tasks.statuses())
	lessons := h.playbook.Lessons()
	require.Len(t, lessons, 1)
	assert.True(t, strings.HasPrefix(lessons[0].Outcome, models.OutcomeErrorPrefix), lessons[0].Outcome)
	assert.Contains(t, lessons[0].Outcome, "upstream 529")
	assert.Contains(t, h.status.history, models.AgentStatusError)
	h.assertFinalized(t)
}

func TestIterate_PanicIsTaskFatal(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{})
	h.backend.replies = append(h.backend.replies, func(provider.CompletionRequest) (*provider.CompletionResult, error) {
		panic("backend exploded")
	})

	require.NotPanics(t, func() { _ = h.loop.Iterate(context.Background()) })

	assert.Equal(t, []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusOpen}, h.tasks.statuses())
	require.Len(t, h.playbook.Lessons(), 1)
	assert.Contains(t, h.playbook.Lessons()[0].Outcome, "backend exploded")
	assert.Len(t, h.broker.acquired, 1)
	h.assertFinalized(t)
}

func TestIterate_PartialLeaseFailure(t *testing.T) {
	task := flakyTask
	task.Description = "update `a/one.go` and `b/two.go`"
	h := newHarness(t, []models.Task{task}, Options{})
	h.broker.deny["b/two.go"] = true
	h.backend.replies = append(h.backend.replies, reply(`{"actions": [
		{"type": "write", "file": "a/one.go", "content": "one"},
		{"type": "write", "file": "b/two.go", "content": "two"}
	]}`))

	require.NoError(t, h.loop.Iterate(context.Background()))

	_, err := os.Stat(filepath.Join(h.root, "a/one.go"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.root, "b/two.go"))
	assert.True(t, os.IsNotExist(err), "denied resource must not be written")
	h.assertFinalized(t)
}

func TestIterate_DeniedFileNotInPrompt(t *testing.T) {
	task := flakyTask
	task.Description = "compare `a/one.go` with `b/two.go`"
	h := newHarness(t, []models.Task{task}, Options{})
	h.writeFile(t, "a/one.go", "package one")
	h.writeFile(t, "b/two.go", "package two")
	h.broker.deny["b/two.go"] = true
	h.backend.replies = append(h.backend.replies, reply("no plan"))

	require.NoError(t, h.loop.Iterate(context.Background()))

	require.Len(t, h.backend.prompts, 1)
	assert.Contains(t, h.backend.prompts[0], "### a/one.go")
	assert.NotContains(t, h.backend.prompts[0], "package two")
	h.assertFinalized(t)
}

func TestIterate_PhaseIsLowerCased(t *testing.T) {
	upper := flakyTask
	upper.Phase = "TESTING"
	h := newHarness(t, []models.Task{upper}, Options{})
	h.backend.replies = append(h.backend.replies, reply("no plan"))

	require.NoError(t, h.loop.Iterate(context.Background()))

	lessons := h.playbook.Lessons()
	require.Len(t, lessons, 1)
	assert.Equal(t, "Task in testing phase: Fix flaky test", lessons[0].Context)

	// the same task in another casing merges into the existing lesson
	h.tasks.mu.Lock()
	h.tasks.tasks[0].Phase = "Testing"
	h.tasks.mu.Unlock()
	h.backend.replies = append(h.backend.replies, reply("no plan"))
	require.NoError(t, h.loop.Iterate(context.Background()))
	assert.Len(t, h.playbook.Lessons(), 1)
}

func TestIterate_NoEligibleTask(t *testing.T) {
	h := newHarness(t, []models.Task{{ID: "bd-9", Phase: "deploy"}}, Options{})

	require.NoError(t, h.loop.Iterate(context.Background()))

	assert.Empty(t, h.tasks.statuses())
	assert.Empty(t, h.backend.prompts)
	assert.Equal(t, models.AgentStatusIdle, h.status.last())
	assert.Equal(t, StateIdle, h.loop.State())
}

func TestIterate_PollErrorStaysIdle(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.tasks.listErr = errors.New("bd: no database")

	require.NoError(t, h.loop.Iterate(context.Background()))
	assert.Empty(t, h.tasks.statuses())
	assert.Equal(t, models.AgentStatusIdle, h.status.last())
}

func TestIterate_FirstMatchingPhaseWins(t *testing.T) {
	h := newHarness(t, []models.Task{
		{ID: "bd-1", Phase: "planning"},
		{ID: "bd-2", Phase: "TESTING"},
		{ID: "bd-3", Phase: "testing"},
	}, Options{})
	h.backend.replies = append(h.backend.replies, reply("{}"))

	require.NoError(t, h.loop.Iterate(context.Background()))
	require.NotEmpty(t, h.tasks.updates)
	assert.Equal(t, "bd-2", h.tasks.updates[0].id)
}

func TestSetPhases(t *testing.T) {
	h := newHarness(t, []models.Task{{ID: "bd-1", Phase: "planning"}}, Options{})
	require.NoError(t, h.loop.Iterate(context.Background()))
	assert.Empty(t, h.tasks.statuses())

	h.loop.SetPhases([]string{"Planning"})
	h.backend.replies = append(h.backend.replies, reply("{}"))
	require.NoError(t, h.loop.Iterate(context.Background()))
	assert.Equal(t, []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusComplete}, h.tasks.statuses())
}

func TestIterate_LessonsFeedThePrompt(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{})
	h.backend.replies = append(h.backend.replies, reply("{}"), reply("{}"))

	require.NoError(t, h.loop.Iterate(context.Background()))
	require.NoError(t, h.loop.Iterate(context.Background()))

	require.Len(t, h.backend.prompts, 2)
	assert.NotContains(t, h.backend.prompts[0], "Relevant Lessons")
	assert.Contains(t, h.backend.prompts[1], "Relevant Lessons")
	assert.Contains(t, h.backend.prompts[1], "Successfully completed testing task: Fix flaky test")
}

func TestIterate_Reflection(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{Reflect: true})
	h.backend.replies = append(h.backend.replies,
		reply("{}"),
		reply(`{"learned": "Quarantine flaky tests before fixing", "task_type": "bugfix"}`),
	)

	require.NoError(t, h.loop.Iterate(context.Background()))

	require.Len(t, h.backend.prompts, 2)
	assert.Contains(t, h.backend.prompts[1], "Task Reflection")
	lessons := h.playbook.Lessons()
	require.Len(t, lessons, 1)
	assert.Equal(t, "Quarantine flaky tests before fixing", lessons[0].Learned)
	assert.Equal(t, playbook.TypeBugfix, lessons[0].TaskType)
}

func TestIterate_ReflectionFailureFallsBack(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{Reflect: true})
	h.backend.replies = append(h.backend.replies, reply("{}"), reply("no json here"))

	require.NoError(t, h.loop.Iterate(context.Background()))

	lessons := h.playbook.Lessons()
	require.Len(t, lessons, 1)
	assert.Equal(t, "Successfully completed testing task: Fix flaky test", lessons[0].Learned)
}

func TestIterate_ShutdownAfterPollCompletesTask(t *testing.T) {
	h := newHarness(t, []models.Task{flakyTask}, Options{})
	h.writeFile(t, "tests/foo.py", "old")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.tasks.afterList = cancel
	h.backend.replies = append(h.backend.replies,
		reply(`{"actions": [{"type": "write", "file": "tests/foo.py", "content": "new"}]}`))

	require.NoError(t, h.loop.Iterate(ctx))

	assert.Equal(t, []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusComplete}, h.tasks.statuses())
	data, err := os.ReadFile(filepath.Join(h.root, "tests/foo.py"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	lessons := h.playbook.Lessons()
	require.Len(t, lessons, 1)
	assert.Equal(t, models.OutcomeSuccess, lessons[0].Outcome)
	h.assertFinalized(t)
}

func TestNewPhaseLoop_RequiresDeps(t *testing.T) {
	_, err := NewPhaseLoop("x", Deps{}, Options{})
	assert.Error(t, err)
}
