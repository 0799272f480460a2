package orchestrator

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/rand/asc/pkg/models"
)

const (
	DefaultPollInterval = time.Second
	DefaultErrorBackoff = 5 * time.Second
)

// Iterator is one step of work, normally a *PhaseLoop
type Iterator interface {
	Iterate(ctx context.Context) error
	Cleanup(ctx context.Context)
}

// Runner repeats an Iterator until its context is cancelled. Cancellation is
// only observed between iterations.
type Runner struct {
	loop         Iterator
	status       StatusReporter
	pollInterval time.Duration
	errorBackoff time.Duration
}

// NewRunner creates a runner. Zero durations take the defaults; status may be nil.
func NewRunner(loop Iterator, status StatusReporter, pollInterval, errorBackoff time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if errorBackoff <= 0 {
		errorBackoff = DefaultErrorBackoff
	}
	if status == nil {
		status = nopStatus{}
	}
	return &Runner{loop: loop, status: status, pollInterval: pollInterval, errorBackoff: errorBackoff}
}

// Run loops until ctx is done, then releases any remaining leases. Errors
// and panics escaping an iteration report error status and back off.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("[Runner] Starting main loop")
	defer r.Cleanup()

	for {
		if ctx.Err() != nil {
			log.Printf("[Runner] Shutdown requested, exiting main loop")
			return nil
		}

		wait := r.pollInterval
		if err := r.iterate(ctx); err != nil {
			log.Printf("[Runner] Error in main loop: %v", err)
			r.status.UpdateStatus(models.AgentStatusError, "", err.Error())
			wait = r.errorBackoff
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (r *Runner) iterate(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in iteration: %v", rec)
			log.Printf("[Runner] Error: %v\n%s", err, debug.Stack())
		}
	}()
	return r.loop.Iterate(ctx)
}

// Cleanup releases leases that may still be held
func (r *Runner) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.loop.Cleanup(ctx)
}
