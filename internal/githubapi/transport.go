package githubapi

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig configures transport-level retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RetryTransport is an http.RoundTripper that retries transport-level
// failures with exponential backoff. HTTP responses are returned as-is
// regardless of status code; status handling belongs to the caller.
type RetryTransport struct {
	Base    http.RoundTripper
	Retry   RetryConfig
	Limiter *rate.Limiter
	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
}

// NewRetryTransport creates a retrying transport over base.
func NewRetryTransport(base http.RoundTripper, retry RetryConfig, limiter *rate.Limiter) *RetryTransport {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &RetryTransport{
		Base:    base,
		Retry:   retry,
		Limiter: limiter,
		Sleep:   time.Sleep,
	}
}

// NewPacingLimiter returns a client-side limiter tuned for the GitHub API
// tier the client operates at.
func NewPacingLimiter(authenticated bool) *rate.Limiter {
	if authenticated {
		// 5000 requests/hour for authenticated clients.
		return rate.NewLimiter(rate.Every(time.Hour/5000), 10)
	}
	// 60 requests/hour unauthenticated.
	return rate.NewLimiter(rate.Every(time.Hour/60), 1)
}

// RoundTrip executes the request, retrying transport failures.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	sleep := t.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	maxAttempts := t.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	// A body that cannot be replayed cannot be retried.
	if req.Body != nil && req.GetBody == nil {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if t.Limiter != nil {
			if err := t.Limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
		}

		attemptReq := req
		if attempt > 1 {
			attemptReq = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("replay request body: %w", err)
				}
				attemptReq.Body = body
			}
		}

		resp, err := base.RoundTrip(attemptReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		// Drop pooled connections before retrying; a broken keepalive
		// connection would otherwise fail every subsequent attempt too.
		if closer, ok := base.(interface{ CloseIdleConnections() }); ok {
			closer.CloseIdleConnections()
		}
		sleep(backoffForAttempt(t.Retry, attempt))
	}

	return nil, fmt.Errorf("request attempts exhausted: %w", lastErr)
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			return retry.MaxBackoff
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}
