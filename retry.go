package clubchat

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and retries transient failures with
// exponential backoff and jitter.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second
// attempt (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// WithRetry wraps p with automatic retry on transient errors. Context
// cancellation and deadline expiry are never retried.
//
//	llm = clubchat.WithRetry(groq.New(apiKey, model))
//	llm = clubchat.WithRetry(groq.New(apiKey, model), clubchat.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.baseDelay << (attempt - 1)
			// Full jitter keeps concurrent retries from synchronizing.
			delay = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
		}
		resp, err := r.inner.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ChatResponse{}, err
		}
	}
	return ChatResponse{}, lastErr
}
