package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
)

const userAgent = "tm-extractor/1.0"

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// Client is an HTTP client with request throttling and retry logic shared by
// the Tasking Manager and Raw Data API clients.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	config     ratelimit.Config
}

// NewClient creates a new HTTP client with the given retry configuration and
// per-request timeout.
func NewClient(config ratelimit.Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		config:     config,
	}
}

// NewClientDefault creates a new HTTP client with default retry settings
func NewClientDefault() *Client {
	return NewClient(ratelimit.DefaultConfig(), 30*time.Second)
}

// Get performs a GET request with throttling and retry logic
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, header)
}

// Do performs an HTTP request with throttling and retry logic. The body is
// taken as bytes so retried attempts resend the full payload. Responses with
// a 2xx status are returned with their body open; every other outcome returns
// a *ratelimit.FetchRetryError carrying the last status and response body.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var lastStatus int
	var lastErr error
	var lastBody []byte

	attempt := 0
	for ; attempt <= c.config.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		for k, vals := range header {
			req.Header.Del(k)
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			lastStatus = 0
			lastBody = nil
			if ctx.Err() != nil {
				break
			}
			if attempt < c.config.MaxRetries {
				if err := ratelimit.Sleep(ctx, ratelimit.CalculateBackoff(attempt, c.config)); err != nil {
					break
				}
				continue
			}
			break
		}

		lastStatus = resp.StatusCode

		// Success - hand the open response to the caller
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastErr = nil
		lastBody = readErrorBody(resp.Body)
		resp.Body.Close()

		// Non-retryable status - fail immediately
		if !ratelimit.IsRetryableStatus(resp.StatusCode) {
			return nil, &ratelimit.FetchRetryError{
				URL:        url,
				Attempts:   attempt + 1,
				LastStatus: resp.StatusCode,
				Body:       lastBody,
			}
		}

		if attempt == c.config.MaxRetries {
			break
		}

		var backoff time.Duration
		if ratelimit.IsThrottleStatus(resp.StatusCode) {
			backoff = ratelimit.CalculateRateLimitBackoff(c.config, resp.Header.Get("Retry-After"))
		} else {
			backoff = ratelimit.CalculateBackoff(attempt, c.config)
		}
		if err := ratelimit.Sleep(ctx, backoff); err != nil {
			break
		}
	}

	attempts := attempt + 1
	if attempts > c.config.MaxRetries+1 {
		attempts = c.config.MaxRetries + 1
	}
	return nil, &ratelimit.FetchRetryError{
		URL:        url,
		Attempts:   attempts,
		LastStatus: lastStatus,
		LastError:  lastErr,
		Body:       lastBody,
	}
}

// GetJSON performs a GET request and decodes the response body into out
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	resp, err := c.Get(ctx, url, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// PostJSON performs a POST with a JSON payload and decodes the response into out
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, payload []byte, out any) error {
	h := http.Header{}
	for k, v := range header {
		h[k] = v
	}
	h.Set("Content-Type", "application/json")

	resp, err := c.Do(ctx, http.MethodPost, url, payload, h)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// GetConfig returns the current retry configuration
func (c *Client) GetConfig() ratelimit.Config {
	return c.config
}

func readErrorBody(r io.Reader) []byte {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return nil
	}
	return bytes.TrimSpace(data)
}
