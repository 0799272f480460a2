package logging

import (
	"container/ring"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rand/asc/internal/database"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 10000

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

var levelRank = map[string]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Agent     string                 `json:"agent,omitempty"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Options configures a Manager
type Options struct {
	AgentName string
	Dir       string  // Directory for <agent>.log; empty disables the file sink
	Level     string  // Minimum level kept; defaults to info
	Quiet     bool    // Suppress the console echo
	DB        *sql.DB // Optional postgres persistence
	Console   io.Writer
}

// Manager collects log entries into a ring buffer and fans them out to the
// console, a per-agent JSON-lines file and, optionally, postgres.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	agent    string
	minLevel int
	console  io.Writer
	file     *os.File
	db       *sql.DB
	handlers []func(LogEntry)
}

// NewManager creates a logging manager. The log directory is created if needed.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		buffer:  ring.New(MaxBufferSize),
		agent:   opts.AgentName,
		console: opts.Console,
		db:      opts.DB,
	}
	m.SetLevel(opts.Level)
	if m.console == nil && !opts.Quiet {
		m.console = os.Stdout
	}
	if opts.Quiet {
		m.console = nil
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		name := opts.AgentName
		if name == "" {
			name = "agent"
		}
		f, err := os.OpenFile(filepath.Join(opts.Dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		m.file = f
	}

	if err := m.initSchema(); err != nil {
		log.Printf("Warning: Failed to initialize logging schema: %v", err)
	}

	return m, nil
}

// SetLevel changes the minimum level. Unknown levels fall back to info.
func (m *Manager) SetLevel(level string) {
	rank, ok := levelRank[strings.ToLower(level)]
	if !ok {
		rank = levelRank[LogLevelInfo]
	}
	m.mu.Lock()
	m.minLevel = rank
	m.mu.Unlock()
}

// Close flushes and closes the file sink
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *Manager) initSchema() error {
	if m.db == nil {
		return nil
	}

	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			agent TEXT,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			task_id TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create agent_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_agent_logs_timestamp ON agent_logs(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_agent_logs_agent ON agent_logs(agent)",
		"CREATE INDEX IF NOT EXISTS idx_agent_logs_task_id ON agent_logs(task_id)",
	}
	for _, indexSQL := range indexes {
		if _, err := m.db.Exec(indexSQL); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}
	return nil
}

// Log records an entry if it meets the minimum level
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	m.mu.RLock()
	rank, ok := levelRank[level]
	if ok && rank < m.minLevel {
		m.mu.RUnlock()
		return
	}
	m.mu.RUnlock()

	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Agent:     m.agent,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	m.writeSinks(entry)
	handlers := m.handlers
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(entry)
	}

	if m.db != nil {
		go m.persistLog(entry)
	}
}

// writeSinks must be called with m.mu held
func (m *Manager) writeSinks(entry LogEntry) {
	if m.console != nil {
		fmt.Fprintf(m.console, "%s %-5s [%s] %s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"), strings.ToUpper(entry.Level), entry.Source, entry.Message)
	}
	if m.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			data = append(data, '\n')
			_, _ = m.file.Write(data)
		}
	}
}

func (m *Manager) persistLog(entry LogEntry) {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			s := string(data)
			metadataJSON = &s
		}
	}
	var taskID *string
	if v := getMetaString(entry.Metadata, "task_id"); v != "" {
		taskID = &v
	}

	_, err := m.db.Exec(database.Rebind(`
		INSERT INTO agent_logs (id, timestamp, level, agent, source, message, metadata_json, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Agent, entry.Source, entry.Message, metadataJSON, taskID)
	if err != nil {
		// Written straight to the console: going through log would loop back here.
		if m.console != nil {
			fmt.Fprintf(m.console, "failed to persist log entry: %v\n", err)
		}
	}
}

// GetRecent returns up to limit entries, newest first, filtered by level and source
func (m *Manager) GetRecent(limit int, levelFilter, sourceFilter string) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	var all []LogEntry
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(LogEntry)
		if !ok {
			return
		}
		if levelFilter != "" && entry.Level != levelFilter {
			return
		}
		if sourceFilter != "" && entry.Source != sourceFilter {
			return
		}
		all = append(all, entry)
	})

	// Do walks oldest to newest starting at the write cursor
	out := make([]LogEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out
}

func getMetaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

// AddHandler registers a handler called synchronously for each new entry
func (m *Manager) AddHandler(handler func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) Debug(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelDebug, source, message, metadata)
}

func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelInfo, source, message, metadata)
}

func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelWarn, source, message, metadata)
}

func (m *Manager) Error(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelError, source, message, metadata)
}

// logInterceptWriter routes standard log package output into the manager.
type logInterceptWriter struct {
	manager *Manager
}

// Write parses the "[Component] message" convention used by log.Printf
// callers and infers the level from the message text.
func (w *logInterceptWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		level, source, msg := parseLine(line)
		if msg == "" {
			continue
		}
		w.manager.Log(level, source, msg, nil)
	}
	return len(p), nil
}

func parseLine(line string) (level, source, msg string) {
	msg = strings.TrimSpace(line)
	// Standard log format: "2006/01/02 15:04:05 message"
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}

	level = LogLevelInfo
	source = "system"

	// "[Orchestrator] message" → source=orchestrator
	if len(msg) > 2 && msg[0] == '[' {
		if end := strings.Index(msg, "]"); end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(lower, "debug:"):
		level = LogLevelDebug
		msg = strings.TrimSpace(msg[len("debug:"):])
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
		level = LogLevelError
	case strings.Contains(lower, "warn"):
		level = LogLevelWarn
	}
	return level, source, msg
}

// InstallLogInterceptor redirects the standard log package through this manager.
// Call this once at startup after creating the manager.
func (m *Manager) InstallLogInterceptor() {
	log.SetOutput(&logInterceptWriter{manager: m})
	log.SetFlags(0) // We handle timestamps ourselves
}
