package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for client construction; all overridable through options.
const (
	DefaultBaseURL       = "https://finnhub.io/api/v1"
	DefaultMinInterval   = 1200 * time.Millisecond
	DefaultTimeout       = 15 * time.Second
	DefaultBatchCap      = 25
	DefaultMaxConcurrent = 2
)

// Client talks to the Finnhub REST API. All outbound calls pass through a
// shared minimum-interval gate so the provider's rate limit is respected no
// matter how many goroutines fetch concurrently.
type Client struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	batchCap      int
	maxConcurrent int
	log           *zap.Logger

	mu   sync.Mutex // guards last
	last time.Time  // most recently reserved call slot
	gap  time.Duration
}

// Option mutates a Client during construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests inject an
// httptest server transport through this).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// WithMinInterval sets the minimum spacing between outbound calls.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.gap = d }
}

// WithBatchCap sets the largest symbol batch FetchQuotes accepts.
func WithBatchCap(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchCap = n
		}
	}
}

// WithMaxConcurrent bounds the in-flight requests inside one batch.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithLogger attaches a logger; zap.NewNop is used otherwise.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient builds a Finnhub client for the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("finnhub: api key is required")
	}

	c := &Client{
		apiKey:        apiKey,
		baseURL:       DefaultBaseURL,
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		batchCap:      DefaultBatchCap,
		maxConcurrent: DefaultMaxConcurrent,
		gap:           DefaultMinInterval,
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BatchCap reports the largest batch FetchQuotes accepts; callers chunk
// larger symbol sets themselves.
func (c *Client) BatchCap() int { return c.batchCap }

// gate reserves the next outbound call slot and sleeps until it is due.
// Each caller takes its own slot under the lock, so concurrent fetches stay
// spaced at least the configured interval apart.
func (c *Client) gate(ctx context.Context) error {
	c.mu.Lock()
	next := c.last.Add(c.gap)
	now := time.Now()
	if next.Before(now) {
		next = now
	}
	c.last = next
	c.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// getJSON performs one rate-gated GET against the API and decodes the body
// into out. Failures come back as *FetchError classified by cause.
func (c *Client) getJSON(ctx context.Context, symbol, path string, query url.Values, out interface{}) *FetchError {
	if err := c.gate(ctx); err != nil {
		return classifyTransportError(symbol, err)
	}

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &FetchError{Symbol: symbol, Kind: KindUpstreamUnavailable, Err: err}
	}
	req.Header.Set("X-Finnhub-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		ferr := &FetchError{
			Symbol: symbol,
			Kind:   classifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
		}
		if len(body) > 0 {
			ferr.Err = fmt.Errorf("upstream responded: %s", string(body))
		}
		return ferr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Symbol: symbol, Kind: KindUpstreamUnavailable, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUpstreamUnavailable
	}
}

func classifyTransportError(symbol string, err error) *FetchError {
	kind := KindUpstreamUnavailable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTimeout
	} else {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
	}
	return &FetchError{Symbol: symbol, Kind: kind, Err: err}
}
