package ratelimit

import "time"

// Config holds retry and throttling configuration for outbound requests
type Config struct {
	// RequestsPerSecond caps the steady-state request rate; zero disables
	// client-side throttling.
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
	MaxRetries        int     `json:"maxRetries"`
	// BackoffBase is the exponential base for retry delays, in seconds:
	// attempt n sleeps base^n seconds.
	BackoffBase int `json:"backoffBase"`
	// RateLimitWait is slept after a throttled (429 or 502) response when the
	// server does not send Retry-After.
	RateLimitWait time.Duration `json:"rateLimitWait"`
	MaxBackoff    time.Duration `json:"maxBackoff"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		Burst:             2,
		MaxRetries:        3,
		BackoffBase:       2,
		RateLimitWait:     61 * time.Second,
		MaxBackoff:        2 * time.Minute,
	}
}
