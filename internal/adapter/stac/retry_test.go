package stac

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 3 * time.Second, Jitter: 0.2}

	tests := []struct {
		name       string
		attempt    int
		retryAfter time.Duration
		r          float64
		want       time.Duration
	}{
		{"first attempt no jitter", 1, 0, 0.5, 500 * time.Millisecond},
		{"doubles", 2, 0, 0.5, time.Second},
		{"capped", 5, 0, 0.5, 3 * time.Second},
		{"low jitter", 1, 0, 0, 400 * time.Millisecond},
		{"high jitter", 2, 0, 1, 1200 * time.Millisecond},
		{"retry-after is a lower bound", 1, 10 * time.Second, 0.5, 10 * time.Second},
		{"shorter retry-after ignored", 2, 100 * time.Millisecond, 0.5, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, float64(tt.want), float64(p.Delay(tt.attempt, tt.retryAfter, tt.r)), float64(time.Microsecond))
		})
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())

	bad := []RetryPolicy{
		{MaxAttempts: 0, BaseDelay: time.Second, MaxDelay: time.Second},
		{MaxAttempts: 1, BaseDelay: 0, MaxDelay: time.Second},
		{MaxAttempts: 1, BaseDelay: 2 * time.Second, MaxDelay: time.Second},
		{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Second, Jitter: 1.5},
	}
	for _, p := range bad {
		assert.Error(t, p.Validate(), "%+v", p)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 7*time.Second, parseRetryAfter("7", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestRetryable(t *testing.T) {
	for _, s := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, retryable(s), s)
	}
	for _, s := range []int{200, 400, 401, 404, 422} {
		assert.False(t, retryable(s), s)
	}
}
