package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Broker grants and revokes exclusive reservations on resource paths.
type Broker interface {
	Acquire(ctx context.Context, path, holder string) (string, error)
	Release(ctx context.Context, leaseID string) error
}

// TokenSource supplies bearer tokens for broker requests
type TokenSource interface {
	Token() (string, error)
}

// DeniedError is returned when the broker answers with a non-2xx status
type DeniedError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *DeniedError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("lease for %s denied with status %d: %s", e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("lease request failed with status %d: %s", e.StatusCode, e.Body)
}

// HTTPBroker talks to the coordination server's lease endpoints:
//
//	POST {base}/leases               {"file_path", "agent_name"} → {"lease_id"}
//	POST {base}/leases/{id}/release
type HTTPBroker struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

// NewHTTPBroker creates a broker client. tokens may be nil.
func NewHTTPBroker(baseURL string, tokens TokenSource) *HTTPBroker {
	return &HTTPBroker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: tokens,
	}
}

type acquireRequest struct {
	FilePath  string `json:"file_path"`
	AgentName string `json:"agent_name"`
}

type acquireResponse struct {
	LeaseID string `json:"lease_id"`
}

func (b *HTTPBroker) Acquire(ctx context.Context, path, holder string) (string, error) {
	body, err := json.Marshal(acquireRequest{FilePath: path, AgentName: holder})
	if err != nil {
		return "", err
	}
	respBody, err := b.post(ctx, b.baseURL+"/leases", body)
	if err != nil {
		var de *DeniedError
		if errors.As(err, &de) {
			de.Path = path
		}
		return "", err
	}

	var out acquireResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode lease response: %w", err)
	}
	return out.LeaseID, nil
}

func (b *HTTPBroker) Release(ctx context.Context, leaseID string) error {
	_, err := b.post(ctx, fmt.Sprintf("%s/leases/%s/release", b.baseURL, url.PathEscape(leaseID)), nil)
	return err
}

func (b *HTTPBroker) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.tokens != nil {
		tok, err := b.tokens.Token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DeniedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

// requestTimeout bounds a single broker call
func requestTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
