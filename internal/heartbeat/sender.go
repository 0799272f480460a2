package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rand/asc/internal/messagebus"
	"github.com/rand/asc/pkg/config"
	"github.com/rand/asc/pkg/models"
)

// SendTimeout bounds a single heartbeat delivery
const SendTimeout = 5 * time.Second

// Sender delivers one heartbeat to the status channel
type Sender interface {
	Send(ctx context.Context, hb *models.Heartbeat) error
	Close() error
}

// HTTPSender posts heartbeats to {mcp}/heartbeat
type HTTPSender struct {
	url    string
	client *http.Client
}

// NewHTTPSender creates a sender for the coordination server at baseURL
func NewHTTPSender(baseURL string) *HTTPSender {
	return &HTTPSender{
		url: strings.TrimRight(baseURL, "/") + "/heartbeat",
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *HTTPSender) Send(ctx context.Context, hb *models.Heartbeat) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("heartbeat failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (s *HTTPSender) Close() error { return nil }

// NATSSender publishes heartbeats on the agent's NATS status subject
type NATSSender struct {
	pub   messagebus.StatusPublisher
	close func() error
}

// NewNATSSender wraps an existing publisher. Close is a no-op unless the
// sender owns the connection.
func NewNATSSender(pub messagebus.StatusPublisher) *NATSSender {
	return &NATSSender{pub: pub}
}

func (s *NATSSender) Send(ctx context.Context, hb *models.Heartbeat) error {
	return s.pub.PublishStatus(ctx, hb)
}

func (s *NATSSender) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// WebSocketSender writes heartbeats as JSON text frames. The connection is
// dialed lazily and redialed on the next send after any failure.
type WebSocketSender struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSender creates a sender for a ws:// or wss:// endpoint
func NewWebSocketSender(url string) *WebSocketSender {
	return &WebSocketSender{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: SendTimeout,
		},
	}
}

func (s *WebSocketSender) Send(ctx context.Context, hb *models.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("websocket dial %s: %w", s.url, err)
		}
		s.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(SendTimeout)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(hb); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (s *WebSocketSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

// NewSender builds the sender selected by cfg.Transport
func NewSender(cfg config.HeartbeatConfig, mcpURL string) (Sender, error) {
	switch cfg.Transport {
	case "", "http":
		return NewHTTPSender(mcpURL), nil
	case "nats":
		bus, err := messagebus.NewNatsMessageBus(messagebus.Config{URL: cfg.NatsURL})
		if err != nil {
			return nil, err
		}
		s := NewNATSSender(bus)
		s.close = bus.Close
		return s, nil
	case "ws", "websocket":
		if cfg.WSURL == "" {
			return nil, fmt.Errorf("heartbeat.ws_url is required for websocket transport")
		}
		return NewWebSocketSender(cfg.WSURL), nil
	default:
		return nil, fmt.Errorf("unknown heartbeat transport %q", cfg.Transport)
	}
}
