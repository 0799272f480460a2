package lease

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBroker struct {
	mu       sync.Mutex
	deny     map[string]bool
	failRel  map[string]bool
	next     int
	acquired []string
	released []string
}

func (f *fakeBroker) Acquire(_ context.Context, path, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny[path] {
		return "", &DeniedError{Path: path, StatusCode: http.StatusConflict}
	}
	f.next++
	id := "lease-" + string(rune('0'+f.next))
	f.acquired = append(f.acquired, path)
	return id, nil
}

func (f *fakeBroker) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	if f.failRel[id] {
		return errors.New("network down")
	}
	return nil
}

type countingObserver struct {
	acquired, denied, released, releaseFailed int
}

func (o *countingObserver) LeaseAcquired(string) { o.acquired++ }
func (o *countingObserver) LeaseDenied(string)   { o.denied++ }
func (o *countingObserver) LeaseReleased(_ string, ok bool) {
	if ok {
		o.released++
	} else {
		o.releaseFailed++
	}
}

func TestCoordinator_PartialAcquire(t *testing.T) {
	b := &fakeBroker{deny: map[string]bool{"b.go": true}}
	obs := &countingObserver{}
	c := NewCoordinator(b, "agent-1", 0)
	c.SetObserver(obs)

	got := c.Acquire(context.Background(), []string{"a.go", "b.go", "c.go"})
	if len(got) != 2 || got[0].ResourcePath != "a.go" || got[1].ResourcePath != "c.go" {
		t.Fatalf("unexpected granted set: %+v", got)
	}
	if got[0].Holder != "agent-1" {
		t.Errorf("expected holder agent-1, got %q", got[0].Holder)
	}
	if !c.Holds("a.go") || c.Holds("b.go") || !c.Holds("c.go") {
		t.Errorf("active set does not mirror granted leases: %v", c.Paths())
	}
	if obs.acquired != 2 || obs.denied != 1 {
		t.Errorf("unexpected observer counts %+v", obs)
	}
}

func TestCoordinator_AcquireSkipsHeld(t *testing.T) {
	b := &fakeBroker{}
	c := NewCoordinator(b, "a", 0)
	c.Acquire(context.Background(), []string{"x.go"})
	got := c.Acquire(context.Background(), []string{"x.go", "y.go"})
	if len(got) != 2 {
		t.Fatalf("expected 2 leases, got %d", len(got))
	}
	if len(b.acquired) != 2 {
		t.Errorf("expected x.go to be requested once, broker saw %v", b.acquired)
	}
	if len(c.Active()) != 2 {
		t.Errorf("expected 2 active leases, got %d", len(c.Active()))
	}
}

func TestCoordinator_ReleaseAllClearsEvenOnFailure(t *testing.T) {
	b := &fakeBroker{failRel: map[string]bool{"lease-1": true}}
	obs := &countingObserver{}
	c := NewCoordinator(b, "a", 0)
	c.SetObserver(obs)
	c.Acquire(context.Background(), []string{"a.go", "b.go"})

	c.ReleaseAll(context.Background())

	if len(c.Active()) != 0 {
		t.Errorf("expected no active leases, got %v", c.Active())
	}
	if len(b.released) != 2 {
		t.Errorf("expected both leases released once, got %v", b.released)
	}
	if obs.released != 1 || obs.releaseFailed != 1 {
		t.Errorf("unexpected observer counts %+v", obs)
	}

	// Second release is a no-op
	c.ReleaseAll(context.Background())
	if len(b.released) != 2 {
		t.Errorf("expected no further release calls, got %v", b.released)
	}
}

func TestHTTPBroker_AcquireRelease(t *testing.T) {
	var gotAuth string
	var gotReq acquireRequest
	var releasedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/leases":
			gotAuth = r.Header.Get("Authorization")
			if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if gotReq.FilePath == "locked.go" {
				http.Error(w, "held by other-agent", http.StatusConflict)
				return
			}
			_ = json.NewEncoder(w).Encode(acquireResponse{LeaseID: "L-42"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/release"):
			releasedPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL+"/", staticToken("tok"))
	id, err := b.Acquire(context.Background(), "pkg/a.go", "agent-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if id != "L-42" {
		t.Errorf("expected L-42, got %q", id)
	}
	if gotReq.FilePath != "pkg/a.go" || gotReq.AgentName != "agent-1" {
		t.Errorf("unexpected request body %+v", gotReq)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}

	_, err = b.Acquire(context.Background(), "locked.go", "agent-1")
	var de *DeniedError
	if !errors.As(err, &de) || de.StatusCode != http.StatusConflict || de.Path != "locked.go" {
		t.Errorf("expected DeniedError 409 for locked.go, got %v", err)
	}

	if err := b.Release(context.Background(), "L-42"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if releasedPath != "/leases/L-42/release" {
		t.Errorf("unexpected release path %q", releasedPath)
	}
}

func TestCoordinator_TimeoutIsBestEffort(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewCoordinator(NewHTTPBroker(srv.URL, nil), "a", 50*time.Millisecond)
	start := time.Now()
	got := c.Acquire(context.Background(), []string{"slow.go"})
	if len(got) != 0 {
		t.Errorf("expected no leases on timeout, got %v", got)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("acquire did not honor timeout")
	}
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }
