package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rand/asc/pkg/models"
)

// SubjectPrefix roots every subject this agent publishes on
const SubjectPrefix = "asc"

// StatusSubject is the subject an agent's heartbeats are published to
func StatusSubject(agentName string) string {
	return fmt.Sprintf("%s.agents.%s.status", SubjectPrefix, sanitizeToken(agentName))
}

// agentFromSubject extracts the agent name from a status subject
func agentFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != SubjectPrefix || parts[1] != "agents" || parts[3] != "status" {
		return ""
	}
	return parts[2]
}

// sanitizeToken makes s safe to use as a single NATS subject token
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// NatsMessageBus publishes agent status over NATS with JetStream
type NatsMessageBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	url        string

	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
}

// Config holds NATS configuration
type Config struct {
	URL        string        // NATS server URL (e.g., "nats://localhost:4222")
	StreamName string        // JetStream stream name (default: "ASC")
	Timeout    time.Duration // Connection timeout
}

// NewNatsMessageBus connects to NATS and ensures the status stream exists
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "ASC"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[MessageBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:          nc,
		js:            js,
		streamName:    cfg.StreamName,
		url:           cfg.URL,
		subscriptions: make(map[string]*nats.Subscription),
	}
	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[MessageBus] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. Status is
// last-value-per-subject, so only one message per agent is retained.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:              mb.streamName,
		Subjects:          []string{SubjectPrefix + ".>"},
		Retention:         nats.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            24 * time.Hour,
		Storage:           nats.FileStorage,
		Replicas:          1,
		Discard:           nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[MessageBus] Created JetStream stream: %s", mb.streamName)
		return nil
	}
	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishStatus publishes a heartbeat to the agent's status subject
func (mb *NatsMessageBus) PublishStatus(ctx context.Context, hb *models.Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	subject := StatusSubject(hb.AgentName)
	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeStatus delivers every agent's heartbeats to handler. It uses a
// core subscription so each subscriber sees all messages.
func (mb *NatsMessageBus) SubscribeStatus(handler func(*models.Heartbeat)) error {
	subject := SubjectPrefix + ".agents.*.status"
	sub, err := mb.conn.Subscribe(subject, func(msg *nats.Msg) {
		var hb models.Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			log.Printf("[MessageBus] Failed to unmarshal heartbeat: %v", err)
			return
		}
		if hb.AgentName == "" {
			hb.AgentName = agentFromSubject(msg.Subject)
		}
		handler(&hb)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.mu.Lock()
	mb.subscriptions[subject] = sub
	mb.mu.Unlock()
	log.Printf("[MessageBus] Subscribed to %s", subject)
	return nil
}

// Close closes all subscriptions and the NATS connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	for subject, sub := range mb.subscriptions {
		_ = sub.Unsubscribe()
		delete(mb.subscriptions, subject)
	}
	mb.mu.Unlock()

	mb.conn.Close()
	log.Printf("[MessageBus] Closed NATS connection")
	return nil
}

// Health returns the health status of the NATS connection
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}
