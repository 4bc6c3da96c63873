package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"
)

// FetchRetryError represents an error when all retry attempts are exhausted
// or a non-retryable status was received. Body holds the (truncated) response
// body of the last attempt for diagnostics.
type FetchRetryError struct {
	URL        string
	Attempts   int
	LastStatus int
	LastError  error
	Body       []byte
}

func (e *FetchRetryError) Error() string {
	msg := "failed to fetch " + e.URL + " after " + strconv.Itoa(e.Attempts) + " attempts"
	if e.LastStatus != 0 {
		msg += " (HTTP " + strconv.Itoa(e.LastStatus) + ")"
	}
	if e.LastError != nil {
		msg += ": " + e.LastError.Error()
	}
	if len(e.Body) > 0 {
		msg += ": " + string(e.Body)
	}
	return msg
}

func (e *FetchRetryError) Unwrap() error { return e.LastError }

// IsRetryableStatus checks if an HTTP status code is retryable
// Retryable: 429, 500-599
func IsRetryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

// IsThrottleStatus checks if a status signals server-side throttling. The
// export service answers 429 when the per-user quota is hit and 502 when its
// queue is saturated; both warrant the long rate-limit wait.
func IsThrottleStatus(status int) bool {
	return status == 429 || status == 502
}

// CalculateBackoff calculates the exponential backoff delay for a given
// attempt: base^attempt seconds plus 0-25% jitter, capped at MaxBackoff.
func CalculateBackoff(attempt int, config Config) time.Duration {
	base := float64(config.BackoffBase)
	if base < 1 {
		base = 2
	}
	delay := math.Pow(base, float64(attempt)) * float64(time.Second)

	if limit := float64(config.MaxBackoff); limit > 0 {
		delay = math.Min(delay, limit)
	}

	// Jitter (0-25% of delay) to prevent thundering herd
	jitter := rand.Float64() * 0.25 * delay

	return time.Duration(delay + jitter)
}

// CalculateRateLimitBackoff calculates the delay after a throttled response.
// A server-provided Retry-After wins; otherwise the configured rate-limit
// wait applies.
func CalculateRateLimitBackoff(config Config, retryAfterHeader string) time.Duration {
	if retryAfterHeader != "" {
		if seconds, err := strconv.Atoi(retryAfterHeader); err == nil && seconds > 0 {
			// Small jitter on top of the server-provided delay
			jitter := time.Duration(rand.Int63n(int64(time.Second)))
			return time.Duration(seconds)*time.Second + jitter
		}
	}
	if config.RateLimitWait > 0 {
		return config.RateLimitWait
	}
	return DefaultConfig().RateLimitWait
}

// Sleep blocks for the given duration or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
