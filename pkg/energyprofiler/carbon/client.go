package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Reading is one carbon intensity answer from the Electricity Maps API
type Reading struct {
	Zone            string    `json:"zone"`
	CarbonIntensity float64   `json:"carbonIntensity"`
	Datetime        time.Time `json:"datetime"`
	IsEstimated     bool      `json:"isEstimated"`
}

// ReadingCache stores readings by zone
type ReadingCache interface {
	Get(zone string) (*Reading, bool)
	Set(zone string, r *Reading)
}

// Client queries the Electricity Maps latest carbon intensity endpoint
type Client struct {
	cfg         config.APIConfig
	httpClient  HTTPClient
	rateLimiter *time.Ticker
	cache       ReadingCache
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCache adds a reading cache to the client
func WithCache(cache ReadingCache) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

// NewClient creates a new API client
func NewClient(cfg config.APIConfig, opts ...ClientOption) *Client {
	rate := cfg.RateLimit
	if rate <= 0 {
		rate = 1
	}
	client := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: time.NewTicker(time.Second / time.Duration(rate)),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func (c *Client) Zone() string { return c.cfg.Zone }

// Intensity implements Provider for the configured zone
func (c *Client) Intensity(ctx context.Context) (float64, error) {
	reading, err := c.Latest(ctx, c.cfg.Zone)
	if err != nil {
		return 0, err
	}
	return reading.CarbonIntensity, nil
}

// Latest fetches the latest reading for a zone with retries
func (c *Client) Latest(ctx context.Context, zone string) (*Reading, error) {
	if c.cache != nil {
		if r, fresh := c.cache.Get(zone); fresh {
			klog.V(2).InfoS("Using cached carbon intensity",
				"zone", zone,
				"intensity", r.CarbonIntensity)
			return r, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-c.rateLimiter.C:
		}

		r, err := c.doRequest(ctx, zone)
		if err == nil {
			if c.cache != nil {
				c.cache.Set(zone, r)
			}
			return r, nil
		}
		lastErr = err
		klog.V(2).InfoS("Carbon API request failed, retrying",
			"attempt", attempt+1,
			"maxRetries", c.cfg.MaxRetries,
			"error", err)

		if attempt == c.cfg.MaxRetries {
			break
		}
		timer := time.NewTimer(c.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, zone string) (*Reading, error) {
	if zone == "" {
		return nil, fmt.Errorf("zone cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+zone, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("auth-token", c.cfg.Key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limit exceeded")
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("invalid API key")
	case http.StatusNotFound:
		return nil, fmt.Errorf("zone not found: %s", zone)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var r Reading
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if r.CarbonIntensity < 0 {
		return nil, fmt.Errorf("invalid carbon intensity value: %f", r.CarbonIntensity)
	}
	if r.Zone == "" {
		r.Zone = zone
	}
	if r.Datetime.IsZero() {
		r.Datetime = time.Now()
	}

	return &r, nil
}

// backoff is exponential in the attempt with up to 20% jitter, capped at a minute
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryDelay * time.Duration(1<<uint(attempt))
	if d > time.Minute || d <= 0 {
		d = time.Minute
	}
	return wait.Jitter(d, 0.2)
}

// Close stops the rate limiter
func (c *Client) Close() {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
}
