package orchestrator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rand/asc/internal/logging"
	"github.com/rand/asc/pkg/models"
)

// HealthChecker reports status-channel health, normally *heartbeat.Reporter
type HealthChecker interface {
	IsHealthy() bool
}

// LogSource returns buffered log entries, normally *logging.Manager
type LogSource interface {
	GetRecent(limit int, levelFilter, sourceFilter string) []logging.LogEntry
}

// StatusHandlers serves /health, /status and /logs for one agent
type StatusHandlers struct {
	Agent     string
	Model     string
	Loop      *PhaseLoop
	Heartbeat HealthChecker
	Stats     func() models.PlaybookStats
	Logs      LogSource
}

// RegisterHandlers registers the status endpoints on mux
func (h *StatusHandlers) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	if h.Logs != nil {
		mux.HandleFunc("/logs", h.handleLogs)
	}
}

func (h *StatusHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := h.Heartbeat == nil || h.Heartbeat.IsHealthy()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"agent_name": h.Agent,
		"heartbeat":  healthy,
	})
}

func (h *StatusHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := map[string]interface{}{
		"agent_name": h.Agent,
		"model":      h.Model,
		"state":      h.Loop.State(),
		"phases":     h.Loop.Phases(),
	}
	task, started := h.Loop.CurrentTask()
	status["busy"] = task != nil
	if task != nil {
		status["current_task"] = map[string]interface{}{
			"task_id":  task.ID,
			"title":    task.Title,
			"phase":    task.Phase,
			"duration": time.Since(started).String(),
		}
	}
	if h.Stats != nil {
		status["playbook"] = h.Stats()
	}

	_ = json.NewEncoder(w).Encode(status)
}

// handleLogs returns recent log entries
// GET /logs?limit=100&level=error&source=orchestrator
func (h *StatusHandlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs := h.Logs.GetRecent(limit, r.URL.Query().Get("level"), r.URL.Query().Get("source"))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}
