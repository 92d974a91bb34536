// Package stac is the acquisition client: it searches a STAC API for FSC
// products and downloads their rasters into a local, checksum-verified cache.
// Every outbound request goes through one rate limiter, one circuit breaker
// and one retry policy.
package stac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
)

// Config holds the catalog endpoint and request limits.
type Config struct {
	BaseURL    string
	Collection string
	// AssetKeys are tried in order to pick the raster asset of an item.
	AssetKeys []string
	PageLimit int
	// MaxItems caps the items yielded per search; 0 means unlimited.
	MaxItems int
	// CloudCoverMax drops items reporting more cloud cover; negative disables.
	CloudCoverMax float64
	// RateLimit is the sustained request rate per second; 0 disables.
	RateLimit       float64
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
	CacheDir        string
	Retry           RetryPolicy
	UserAgent       string
}

// Client talks to one STAC API.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	limiter *rate.Limiter
	tokens  TokenSource
	clock   clockwork.Clock
	jitter  func() float64
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource authenticates every request with a bearer token.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithClock sets the clock used for retry waits.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient validates cfg and creates a Client.
func NewClient(cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, domain.Errorf(domain.KindConfiguration, "stac client", "base url is required")
	}
	if cfg.CacheDir == "" {
		return nil, domain.Errorf(domain.KindConfiguration, "stac client", "cache dir is required")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, domain.E(domain.KindConfiguration, "stac client", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.AssetKeys) == 0 {
		cfg.AssetKeys = []string{"fsc", "data"}
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "stac",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || domain.KindOf(err) == domain.KindAuthentication
			},
		}),
		limiter: rate.NewLimiter(limit, 1),
		clock:   clockwork.NewRealClock(),
		jitter:  rand.Float64,
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// cancelBody releases the per-attempt timeout when the caller closes the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// do sends the request built by newReq until it gets a non-retryable
// response or the retry policy is exhausted. Any response it returns must
// be closed by the caller. 401 and 403 are authentication failures; other
// 4xx responses are returned for the caller to interpret. Token grants share
// the limiter, breaker and retry policy of the request they authorise.
func (c *Client) do(ctx context.Context, op string, timeout time.Duration, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	reauthed := false
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.E(domain.KindTransient, op, err)
		}

		actx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := c.send(actx, op, newReq)
		if err != nil && permanent(err) {
			cancel()
			return nil, err
		}
		if err == nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				resp.Body.Close()
				cancel()
				if c.tokens != nil && !reauthed {
					c.tokens.Invalidate()
					reauthed = true
					attempt--
					continue
				}
				return nil, domain.Errorf(domain.KindAuthentication, op, "catalog returned %d", resp.StatusCode)
			}
			resp.Body = cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		var retryAfter time.Duration
		if resp != nil {
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
			resp.Body.Close()
		}
		cancel()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.E(domain.KindTransient, op, err)
		}
		if ctx.Err() != nil {
			return nil, domain.E(domain.KindTransient, op, ctx.Err())
		}
		if attempt >= c.cfg.Retry.MaxAttempts {
			return nil, domain.E(domain.KindTransient, op, fmt.Errorf("giving up after %d attempts: %w", attempt, err))
		}

		wait := c.cfg.Retry.Delay(attempt, retryAfter, c.jitter())
		c.metrics.CatalogRetries.Inc()
		c.logger.Warn("retrying request", "op", op, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, domain.E(domain.KindTransient, op, ctx.Err())
		case <-c.clock.After(wait):
		}
	}
}

// send authorises and sends one attempt through the circuit breaker.
func (c *Client) send(ctx context.Context, op string, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	req, err := newReq(ctx)
	if err != nil {
		return nil, domain.E(domain.KindMalformedQuery, op, err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.tokens != nil {
		var token string
		_, err := c.breaker.Execute(func() (*http.Response, error) {
			var tokenErr error
			token, tokenErr = c.tokens.Token(ctx)
			return nil, tokenErr
		})
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if retryable(r.StatusCode) {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
}

// permanent reports whether another attempt cannot succeed.
func permanent(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindAuthentication, domain.KindConfiguration, domain.KindMalformedQuery:
		return true
	}
	return false
}
