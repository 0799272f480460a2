package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  phases: [planning]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond
	w.getenv = func(string) string { return "" }

	got := make(chan []string, 1)
	w.OnReload(func(c *Config) error {
		select {
		case got <- c.Agent.Phases:
		default:
		}
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("agent:\n  phases: [testing, bugfix]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case phases := <-got:
		if len(phases) != 2 || phases[0] != "testing" {
			t.Errorf("unexpected phases after reload: %v", phases)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_StartTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(); err == nil {
		t.Error("expected error on second Start")
	}
	w.Stop()
	w.Stop()
}
