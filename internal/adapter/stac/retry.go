package stac

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy bounds how often and how fast failed catalog and download
// requests are repeated. Attempts count the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay, 0..1
}

// DefaultRetryPolicy returns 5 attempts from 500ms up to 30s with ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Validate rejects policies that would never try or never wait.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("retry max attempts must be at least 1")
	case p.BaseDelay <= 0:
		return errors.New("retry base delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("retry max delay must not be below the base delay")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("retry jitter must be within [0, 1]")
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based).
// The exponential delay is capped at MaxDelay, spread by ±Jitter using
// r ∈ [0, 1), and never shorter than retryAfter.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	d *= 1 + p.Jitter*(2*r-1)
	wait := time.Duration(d)
	if wait < retryAfter {
		wait = retryAfter
	}
	return wait
}

// retryable reports whether a response status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// parseRetryAfter reads a Retry-After header given as seconds or an HTTP date.
func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if s, err := strconv.Atoi(h); err == nil {
		if s <= 0 {
			return 0
		}
		return time.Duration(s) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
