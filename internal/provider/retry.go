package provider

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DefaultRetryAttempts is the number of tries per Complete call
const DefaultRetryAttempts = 3

type retryBackend struct {
	Backend
	attempts int
	base     time.Duration
}

// WithRetry wraps b so failed completions are retried with exponential
// backoff (base 1s, doubling). Context cancellation stops retrying.
func WithRetry(b Backend, attempts int) Backend {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	return &retryBackend{Backend: b, attempts: attempts, base: time.Second}
}

func (r *retryBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		res, err := r.Backend.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == r.attempts-1 || ctx.Err() != nil {
			break
		}

		wait := r.base << attempt
		log.Printf("[Provider] Warning: %s request failed (attempt %d/%d): %v. Retrying in %s",
			r.Model(), attempt+1, r.attempts, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("%s: %w", r.Model(), lastErr)
}
