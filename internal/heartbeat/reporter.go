package heartbeat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rand/asc/pkg/models"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultMaxBackoff = 300 * time.Second
	// HealthWindow is how recent the last delivered heartbeat must be
	HealthWindow = 5 * time.Minute
	minBackoff   = time.Second
)

// Options tunes a Reporter. Zero values take the defaults.
type Options struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	Now        func() time.Time
}

// Stats is a snapshot of reporter state
type Stats struct {
	AgentName     string             `json:"agent_name"`
	Status        models.AgentStatus `json:"status"`
	CurrentTask   string             `json:"current_task,omitempty"`
	LastHeartbeat *time.Time         `json:"last_heartbeat"`
	IsHealthy     bool               `json:"is_healthy"`
	BackoffTime   time.Duration      `json:"backoff_time"`
	Sent          int                `json:"sent"`
	Failed        int                `json:"failed"`
}

// Reporter owns the agent's status record and announces it periodically on
// a background goroutine. Status changes trigger an immediate send.
type Reporter struct {
	agent      string
	sender     Sender
	interval   time.Duration
	maxBackoff time.Duration
	now        func() time.Time

	mu          sync.Mutex
	status      models.AgentStatus
	currentTask string
	errMsg      string
	lastSuccess time.Time
	backoff     time.Duration
	sent        int
	failed      int
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	kick chan struct{}
}

// NewReporter creates a reporter in the idle state. It does not send until
// Start is called.
func NewReporter(agent string, sender Sender, opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log.Printf("[Heartbeat] Reporter initialized (interval: %s)", opts.Interval)
	return &Reporter{
		agent:      agent,
		sender:     sender,
		interval:   opts.Interval,
		maxBackoff: opts.MaxBackoff,
		now:        opts.Now,
		status:     models.AgentStatusIdle,
		backoff:    minBackoff,
		kick:       make(chan struct{}, 1),
	}
}

// UpdateStatus replaces the status record. It never blocks on delivery; a
// transition to a different status wakes the send loop immediately.
func (r *Reporter) UpdateStatus(status models.AgentStatus, currentTask, errMsg string) {
	r.mu.Lock()
	old := r.status
	r.status = status
	r.currentTask = currentTask
	r.errMsg = errMsg
	r.mu.Unlock()

	if old != status {
		log.Printf("[Heartbeat] Status changed: %s -> %s", old, status)
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the send loop. Calling Start on a running reporter is an error.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("heartbeat already running")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	go r.loop(ctx, r.done)
	log.Printf("[Heartbeat] Started")
	return nil
}

// Stop ends the send loop and announces offline. It is safe to call more
// than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	r.status = models.AgentStatusOffline
	r.mu.Unlock()

	ctx, cancelSend := context.WithTimeout(context.Background(), SendTimeout)
	defer cancelSend()
	r.sendOnce(ctx)
	if err := r.sender.Close(); err != nil {
		log.Printf("[Heartbeat] Warning: failed to close sender: %v", err)
	}
	log.Printf("[Heartbeat] Stopped")
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, SendTimeout)
		ok := r.sendOnce(sendCtx)
		cancel()

		wait := r.interval
		if !ok {
			wait = r.growBackoff()
			log.Printf("[Heartbeat] Coordination server unavailable, backing off for %s", wait)
		}
		timer.Reset(wait)
	}
}

// sendOnce delivers the current record and updates bookkeeping
func (r *Reporter) sendOnce(ctx context.Context) bool {
	hb := r.snapshot()
	err := r.sender.Send(ctx, hb)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		log.Printf("[Heartbeat] Warning: heartbeat failed: %v", err)
		return false
	}
	r.sent++
	r.lastSuccess = r.now()
	r.backoff = minBackoff
	log.Printf("[Heartbeat] debug: heartbeat sent: %s", hb.Status)
	return true
}

func (r *Reporter) growBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoff *= 2
	if r.backoff > r.maxBackoff {
		r.backoff = r.maxBackoff
	}
	return r.backoff
}

func (r *Reporter) snapshot() *models.Heartbeat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &models.Heartbeat{
		AgentName:   r.agent,
		Status:      r.status,
		Timestamp:   r.now(),
		CurrentTask: r.currentTask,
		Error:       r.errMsg,
	}
}

// Status returns the current status record
func (r *Reporter) Status() models.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsHealthy reports whether a heartbeat was delivered within HealthWindow
func (r *Reporter) IsHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthyLocked()
}

func (r *Reporter) healthyLocked() bool {
	if r.lastSuccess.IsZero() {
		return false
	}
	return r.now().Sub(r.lastSuccess) < HealthWindow
}

func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		AgentName:   r.agent,
		Status:      r.status,
		CurrentTask: r.currentTask,
		IsHealthy:   r.healthyLocked(),
		BackoffTime: r.backoff,
		Sent:        r.sent,
		Failed:      r.failed,
	}
	if !r.lastSuccess.IsZero() {
		last := r.lastSuccess
		s.LastHeartbeat = &last
	}
	return s
}
