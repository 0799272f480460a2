package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rand/asc/internal/actions"
	"github.com/rand/asc/internal/lease"
	"github.com/rand/asc/internal/playbook"
	"github.com/rand/asc/internal/provider"
	"github.com/rand/asc/internal/telemetry"
	"github.com/rand/asc/pkg/models"
)

// TaskSource is the external task queue
type TaskSource interface {
	ListTasks(ctx context.Context) ([]models.Task, error)
	UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error
}

// StatusReporter receives agent status transitions. Calls must not block.
type StatusReporter interface {
	UpdateStatus(status models.AgentStatus, currentTask, errMsg string)
}

// Recorder receives per-iteration measurements, e.g. for Prometheus
type Recorder interface {
	IterationFinished(outcome string, d time.Duration)
	TaskFinished(phase string, success bool, d time.Duration)
	ActionsApplied(applied, skipped, failed int)
	Generation(model string, tokens int, costUSD float64, err error)
	LessonCount(n int)
}

// Deps are the collaborators a PhaseLoop sequences. Status, Recorder and
// Discover are optional.
type Deps struct {
	Tasks    TaskSource
	Leases   *lease.Coordinator
	Backend  provider.Backend
	Executor *actions.Executor
	Playbook *playbook.Store
	Status   StatusReporter
	Recorder Recorder
	Discover Discoverer
}

// Options tunes generation and lesson retrieval
type Options struct {
	Phases       []string
	MaxTokens    int
	Temperature  float64
	TopK         int
	SystemPrompt string
	// Reflect asks the backend to distill each lesson instead of using the
	// heuristic takeaway
	Reflect bool
}

const (
	DefaultMaxTokens = 8192
	DefaultTopK      = 5

	reflectionMaxTokens   = 1024
	reflectionTemperature = 0.3
)

// PhaseLoop runs one task at a time through
// Idle → Polled → Leasing → Prompting → Executing → Finalizing → Idle.
// A failure in any step moves to Failed, which always routes to Finalizing.
type PhaseLoop struct {
	agent string
	deps  Deps
	opts  Options

	mu      sync.RWMutex
	state   State
	current *models.Task
	phases  map[string]bool
	started time.Time
}

// NewPhaseLoop wires a loop for agent
func NewPhaseLoop(agent string, deps Deps, opts Options) (*PhaseLoop, error) {
	if deps.Tasks == nil || deps.Leases == nil || deps.Backend == nil || deps.Executor == nil || deps.Playbook == nil {
		return nil, fmt.Errorf("phase loop requires tasks, leases, backend, executor and playbook")
	}
	if deps.Status == nil {
		deps.Status = nopStatus{}
	}
	if deps.Discover == nil {
		deps.Discover = DiscoverResources
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}

	p := &PhaseLoop{agent: agent, deps: deps, opts: opts, state: StateIdle}
	p.SetPhases(opts.Phases)
	log.Printf("[PhaseLoop] Initialized for phases: %s", strings.Join(opts.Phases, ", "))
	return p, nil
}

type nopStatus struct{}

func (nopStatus) UpdateStatus(models.AgentStatus, string, string) {}

// SetPhases replaces the set of phases this agent accepts. Matching is
// case-insensitive. Takes effect on the next poll.
func (p *PhaseLoop) SetPhases(phases []string) {
	set := make(map[string]bool, len(phases))
	for _, ph := range phases {
		if ph = strings.ToLower(strings.TrimSpace(ph)); ph != "" {
			set[ph] = true
		}
	}
	p.mu.Lock()
	p.phases = set
	p.mu.Unlock()
}

// Phases returns the accepted phases
func (p *PhaseLoop) Phases() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.phases))
	for ph := range p.phases {
		out = append(out, ph)
	}
	return out
}

// State returns the current lifecycle state
func (p *PhaseLoop) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// CurrentTask returns the task in flight, if any, and when it started
func (p *PhaseLoop) CurrentTask() (*models.Task, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil, time.Time{}
	}
	t := *p.current
	return &t, p.started
}

func (p *PhaseLoop) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Iterate polls for one eligible task and, if found, runs it to completion.
// Task failures are handled inside and never returned.
func (p *PhaseLoop) Iterate(ctx context.Context) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.iterate", attribute.String("asc.agent", p.agent))
	defer span.End()

	task := p.poll(ctx)
	if task == nil {
		p.deps.Status.UpdateStatus(models.AgentStatusIdle, "", "")
		p.recordIteration("idle", start)
		return nil
	}

	span.SetAttributes(attribute.String("asc.task_id", task.ID), attribute.String("asc.phase", task.Phase))
	if err := p.runTask(ctx, *task); err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	p.recordIteration("task", start)
	return nil
}

func (p *PhaseLoop) recordIteration(outcome string, start time.Time) {
	if p.deps.Recorder != nil {
		p.deps.Recorder.IterationFinished(outcome, time.Since(start))
	}
}

// poll returns the first open task whose phase is accepted. Poll errors are
// soft: the agent stays idle.
func (p *PhaseLoop) poll(ctx context.Context) *models.Task {
	tasks, err := p.deps.Tasks.ListTasks(ctx)
	if err != nil {
		log.Printf("[PhaseLoop] Warning: failed to poll for tasks: %v", err)
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := range tasks {
		if p.phases[strings.ToLower(tasks[i].Phase)] {
			t := tasks[i]
			t.Phase = strings.ToLower(t.Phase)
			return &t
		}
	}
	return nil
}

// runTask drives one task. Finalization is deferred so it runs on every
// path, including a panic in outcome handling.
func (p *PhaseLoop) runTask(ctx context.Context, task models.Task) error {
	start := time.Now()
	p.mu.Lock()
	p.state = StatePolled
	p.current = &task
	p.started = start
	p.mu.Unlock()

	// A claimed task runs to completion: shutdown is only observed between
	// iterations. Timeouts belong to the backend and broker.
	ctx = context.WithoutCancel(ctx)
	defer p.finalize(ctx)

	log.Printf("[PhaseLoop] Executing task %s: %s", task.ID, task.Title)
	p.deps.Status.UpdateStatus(models.AgentStatusWorking, task.ID, "")
	if err := p.deps.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusInProgress); err != nil {
		log.Printf("[PhaseLoop] Warning: failed to mark task %s in progress: %v", task.ID, err)
	}

	response, err := p.execute(ctx, task)
	p.complete(ctx, task, response, err, time.Since(start))
	return err
}

// execute runs Leasing, Prompting and Executing. Panics are converted to
// errors so they are handled like any other task failure.
func (p *PhaseLoop) execute(ctx context.Context, task models.Task) (response string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", p.State(), r)
			log.Printf("[PhaseLoop] Error: recovered %v\n%s", err, debug.Stack())
		}
	}()

	p.setState(StateLeasing)
	paths := p.deps.Discover(task.Description)
	granted := p.deps.Leases.Acquire(ctx, paths)
	log.Printf("[PhaseLoop] Leased %d of %d resources for task %s", len(granted), len(paths), task.ID)
	if denied := len(paths) - len(granted); denied > 0 {
		telemetry.LeasesDenied.Add(ctx, int64(denied))
	}

	p.setState(StatePrompting)
	lessons := p.deps.Playbook.Retrieve(task.Phase, task.Description, p.opts.TopK)
	prompt := BuildPrompt(task, p.readResources(paths), lessons)

	genCtx, span := telemetry.StartSpan(ctx, "orchestrator.generate")
	res, err := p.deps.Backend.Complete(genCtx, provider.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: p.opts.SystemPrompt,
		MaxTokens:    p.opts.MaxTokens,
		Temperature:  p.opts.Temperature,
	})
	span.End()
	if p.deps.Recorder != nil {
		var tokens int
		var cost float64
		if res != nil {
			tokens, cost = res.TokensUsed, res.CostUSD
		}
		p.deps.Recorder.Generation(p.deps.Backend.Model(), tokens, cost, err)
	}
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	p.setState(StateExecuting)
	report := p.deps.Executor.Apply(res.Content, p.deps.Leases.Paths())
	if p.deps.Recorder != nil {
		p.deps.Recorder.ActionsApplied(report.Applied, report.Skipped, report.Failed)
	}
	return res.Content, nil
}

// readResources loads the contents of the held paths for the prompt. Denied,
// missing or unreadable files are skipped.
func (p *PhaseLoop) readResources(paths []string) []ResourceContent {
	var files []ResourceContent
	for _, path := range paths {
		if !p.deps.Leases.Holds(path) {
			continue
		}
		full, err := actions.SafeJoin(p.deps.Executor.Root(), path)
		if err != nil {
			log.Printf("[PhaseLoop] Warning: not reading %s: %v", path, err)
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("[PhaseLoop] Warning: error reading file %s: %v", path, err)
			}
			continue
		}
		files = append(files, ResourceContent{Path: path, Content: string(data)})
	}
	return files
}

// complete updates the task source and records the lesson for the outcome
func (p *PhaseLoop) complete(ctx context.Context, task models.Task, response string, taskErr error, d time.Duration) {
	var outcome string
	if taskErr != nil {
		p.setState(StateFailed)
		log.Printf("[PhaseLoop] Error executing task %s: %v", task.ID, taskErr)
		p.deps.Status.UpdateStatus(models.AgentStatusError, task.ID, taskErr.Error())
		if err := p.deps.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusOpen); err != nil {
			log.Printf("[PhaseLoop] Warning: failed to return task %s to open: %v", task.ID, err)
		}
		outcome = models.OutcomeErrorPrefix + taskErr.Error()
		response = ""
	} else {
		if err := p.deps.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusComplete); err != nil {
			log.Printf("[PhaseLoop] Warning: failed to mark task %s complete: %v", task.ID, err)
		}
		outcome = models.OutcomeSuccess
		log.Printf("[PhaseLoop] Task %s completed successfully", task.ID)
	}

	p.recordLesson(ctx, task, response, outcome)

	if p.deps.Recorder != nil {
		p.deps.Recorder.TaskFinished(task.Phase, taskErr == nil, d)
		p.deps.Recorder.LessonCount(p.deps.Playbook.Len())
	}
	telemetry.TasksCompleted.Add(ctx, 1)
	telemetry.TaskDuration.Record(ctx, float64(d.Milliseconds()))
}

func (p *PhaseLoop) recordLesson(ctx context.Context, task models.Task, response, outcome string) {
	if !p.opts.Reflect {
		if _, err := p.deps.Playbook.Record(ctx, task, response, outcome); err != nil {
			log.Printf("[PhaseLoop] Warning: failed to save playbook: %v", err)
		}
		return
	}

	lesson := p.deps.Playbook.BuildLesson(task, response, outcome)
	if r, err := p.reflect(ctx, task, response, outcome); err != nil {
		log.Printf("[PhaseLoop] Warning: reflection failed, using heuristic lesson: %v", err)
	} else {
		lesson = playbook.ApplyReflection(lesson, r)
	}
	if _, err := p.deps.Playbook.Add(ctx, lesson); err != nil {
		log.Printf("[PhaseLoop] Warning: failed to save playbook: %v", err)
	}
}

func (p *PhaseLoop) reflect(ctx context.Context, task models.Task, response, outcome string) (*playbook.Reflection, error) {
	res, err := p.deps.Backend.Complete(ctx, provider.CompletionRequest{
		Prompt:      playbook.ReflectionPrompt(task, response, outcome),
		MaxTokens:   reflectionMaxTokens,
		Temperature: reflectionTemperature,
	})
	if err != nil {
		return nil, err
	}
	return playbook.ParseReflection(res.Content)
}

// finalize releases every lease, clears the current task and reports idle
func (p *PhaseLoop) finalize(ctx context.Context) {
	p.setState(StateFinalizing)
	p.deps.Leases.ReleaseAll(ctx)

	p.mu.Lock()
	p.current = nil
	p.started = time.Time{}
	p.mu.Unlock()

	p.deps.Status.UpdateStatus(models.AgentStatusIdle, "", "")
	p.setState(StateIdle)
}

// Cleanup releases any leases still held
func (p *PhaseLoop) Cleanup(ctx context.Context) {
	log.Printf("[PhaseLoop] Cleaning up")
	p.deps.Leases.ReleaseAll(ctx)
}
