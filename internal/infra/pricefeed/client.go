// Package pricefeed fetches pair prices from an HTTP JSON API.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/metrics"
)

var (
	// ErrPairUnavailable is returned when the feed has no value for a pair.
	ErrPairUnavailable = errors.New("pair unavailable at price feed")

	// ErrRateLimited is returned when the feed answers 429.
	ErrRateLimited = errors.New("price feed rate limited")
)

const maxBodySize = 1 << 20

// Config holds price feed configuration.
type Config struct {
	// URLTemplate is the request URL with {base} and {target} placeholders,
	// e.g. https://api.example.com/price?fsym={base}&tsyms={target}
	URLTemplate string `yaml:"url_template"`

	// ValuePath is a gjson path to the price, placeholders allowed, e.g. {target}
	ValuePath string `yaml:"value_path"`

	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	RateLimit float64           `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int               `yaml:"burst"`
}

// Client fetches values for base/target pairs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new price feed client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URLTemplate == "" {
		return nil, domain.ConfigurationError(fmt.Errorf("price feed url template is required"))
	}
	if cfg.ValuePath == "" {
		return nil, domain.ConfigurationError(fmt.Errorf("price feed value path is required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// FetchValue returns the current value of base in units of target.
// Timeouts, 5xx and 429 are transient; 404 and a missing or
// non-numeric value are permanent.
func (c *Client) FetchValue(ctx context.Context, base, target string) (decimal.Decimal, error) {
	start := time.Now()
	v, err := c.fetch(ctx, base, target)

	result := "ok"
	if err != nil {
		result = string(domain.Classify(err))
	}
	metrics.ExternalCallsTotal.WithLabelValues("price_feed", "fetch_value", result).Inc()
	metrics.ExternalCallLatency.WithLabelValues("price_feed", "fetch_value").Observe(time.Since(start).Seconds())
	return v, err
}

func (c *Client) fetch(ctx context.Context, base, target string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, domain.Transient(fmt.Errorf("rate limiter: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := expand(c.cfg.URLTemplate, base, target, url.QueryEscape)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, domain.ConfigurationError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, domain.Transient(fmt.Errorf("price feed call: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return decimal.Zero, domain.Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return decimal.Zero, domain.Transient(fmt.Errorf("%w, retry after: %s",
			ErrRateLimited, resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, domain.Permanent(fmt.Errorf("%w: %s/%s", ErrPairUnavailable, base, target))
	case resp.StatusCode >= 500:
		return decimal.Zero, domain.Transient(fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, domain.Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body)))
	}

	if !gjson.ValidBytes(body) {
		return decimal.Zero, domain.Transient(fmt.Errorf("invalid json response"))
	}

	path := expand(c.cfg.ValuePath, base, target, escapePath)
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return decimal.Zero, domain.Permanent(fmt.Errorf("%w: %s/%s (no value at %q)",
			ErrPairUnavailable, base, target, path))
	}

	var raw string
	switch res.Type {
	case gjson.Number:
		raw = res.Raw
	case gjson.String:
		raw = res.Str
	default:
		return decimal.Zero, domain.Permanent(fmt.Errorf("value at %q is %s", path, res.Type))
	}

	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.Permanent(fmt.Errorf("parse value %q: %w", raw, err))
	}
	if v.IsNegative() {
		return decimal.Zero, domain.Permanent(fmt.Errorf("negative value %s for %s/%s", v, base, target))
	}
	return v, nil
}

func expand(tmpl, base, target string, escape func(string) string) string {
	r := strings.NewReplacer(
		"{base}", escape(base),
		"{target}", escape(target),
		"{base_lower}", escape(strings.ToLower(base)),
		"{target_lower}", escape(strings.ToLower(target)),
	)
	return r.Replace(tmpl)
}

// escapePath escapes gjson path metacharacters in a symbol.
func escapePath(s string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(s)
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
