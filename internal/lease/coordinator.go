package lease

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rand/asc/pkg/models"
)

// DefaultTimeout bounds each acquire and release call
const DefaultTimeout = 5 * time.Second

// Observer receives lease events, e.g. for metrics. Methods must not block.
type Observer interface {
	LeaseAcquired(path string)
	LeaseDenied(path string)
	LeaseReleased(path string, ok bool)
}

// Coordinator tracks the leases held for the current task. Requests are
// best-effort: a denied or failed request only narrows the active set.
type Coordinator struct {
	mu       sync.Mutex
	broker   Broker
	holder   string
	timeout  time.Duration
	active   []models.Lease
	observer Observer
	now      func() time.Time
}

// NewCoordinator creates a coordinator acting as holder
func NewCoordinator(broker Broker, holder string, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{broker: broker, holder: holder, timeout: timeout, now: time.Now}
}

// SetObserver registers an event observer
func (c *Coordinator) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Acquire requests a lease per path and returns those granted, in request
// order. Paths already held are returned without a new request.
func (c *Coordinator) Acquire(ctx context.Context, paths []string) []models.Lease {
	var granted []models.Lease
	for _, path := range paths {
		if l, ok := c.lookup(path); ok {
			granted = append(granted, l)
			continue
		}

		reqCtx, cancel := requestTimeout(ctx, c.timeout)
		id, err := c.broker.Acquire(reqCtx, path, c.holder)
		cancel()
		if err != nil {
			log.Printf("[Lease] Failed to acquire lease for %s: %v", path, err)
			c.notify(func(o Observer) { o.LeaseDenied(path) })
			continue
		}

		l := models.Lease{LeaseID: id, ResourcePath: path, Holder: c.holder, AcquiredAt: c.now()}
		c.mu.Lock()
		c.active = append(c.active, l)
		c.mu.Unlock()
		granted = append(granted, l)
		log.Printf("[Lease] Acquired lease %s for %s", id, path)
		c.notify(func(o Observer) { o.LeaseAcquired(path) })
	}
	return granted
}

// ReleaseAll releases every held lease. Failures are logged and not retried;
// the active set is always cleared.
func (c *Coordinator) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	held := c.active
	c.active = nil
	c.mu.Unlock()

	for _, l := range held {
		reqCtx, cancel := requestTimeout(ctx, c.timeout)
		err := c.broker.Release(reqCtx, l.LeaseID)
		cancel()
		if err != nil {
			log.Printf("[Lease] Warning: failed to release lease %s for %s: %v", l.LeaseID, l.ResourcePath, err)
		} else {
			log.Printf("[Lease] Released lease for %s", l.ResourcePath)
		}
		path, ok := l.ResourcePath, err == nil
		c.notify(func(o Observer) { o.LeaseReleased(path, ok) })
	}
}

// Active returns a snapshot of held leases
func (c *Coordinator) Active() []models.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Lease, len(c.active))
	copy(out, c.active)
	return out
}

// Holds reports whether path is currently leased
func (c *Coordinator) Holds(path string) bool {
	_, ok := c.lookup(path)
	return ok
}

// Paths returns the set of leased paths
func (c *Coordinator) Paths() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]bool, len(c.active))
	for _, l := range c.active {
		set[l.ResourcePath] = true
	}
	return set
}

func (c *Coordinator) lookup(path string) (models.Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.active {
		if l.ResourcePath == path {
			return l, true
		}
	}
	return models.Lease{}, false
}

func (c *Coordinator) notify(fn func(Observer)) {
	c.mu.Lock()
	o := c.observer
	c.mu.Unlock()
	if o != nil {
		fn(o)
	}
}
