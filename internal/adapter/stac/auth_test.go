package stac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

func tokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.NoError(t, r.ParseForm())
		if r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cdse-public", r.PostForm.Get("client_id"))
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+n)),
			ExpiresIn:   600,
			TokenType:   "Bearer",
		})
	}))
}

func TestPasswordGrant_CachesUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	defer srv.Close()

	clk := clockwork.NewFakeClock()
	g := NewPasswordGrant(srv.URL, "cdse-public", "user", "secret", srv.Client(), clk)

	tok, err := g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	clk.Advance(8 * time.Minute)
	tok, err = g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	clk.Advance(90 * time.Second)
	tok, err = g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)

	g.Invalidate()
	tok, err = g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-3", tok)
}

func TestPasswordGrant_Rejected(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	defer srv.Close()

	g := NewPasswordGrant(srv.URL, "cdse-public", "user", "wrong", srv.Client(), nil)
	_, err := g.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.True(t, domain.Fatal(err))
}

func TestClient_SendsBearerTokenAndReauthenticates(t *testing.T) {
	var tokenCalls atomic.Int32
	ts := tokenServer(t, &tokenCalls)
	defer ts.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	var catalogCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if catalogCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(pageJSON(t, nil))
	}))
	defer srv.Close()

	grant := NewPasswordGrant(ts.URL, "cdse-public", "user", "secret", ts.Client(), nil)
	c, _ := newTestClient(t, srv.URL, WithTokenSource(grant))

	got, err := collect(t, c, testQuery(t))
	require.NoError(t, err)
	assert.Empty(t, got)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-2"}, seen)
}

func TestClient_RetriesTransientTokenFailure(t *testing.T) {
	var tokenCalls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if tokenCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "fresh", ExpiresIn: 600, TokenType: "Bearer"})
	}))
	defer ts.Close()

	var catalogCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		catalogCalls.Add(1)
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		w.Write(pageJSON(t, nil))
	}))
	defer srv.Close()

	grant := NewPasswordGrant(ts.URL, "cdse-public", "user", "secret", ts.Client(), nil)
	c, m := newTestClient(t, srv.URL, WithTokenSource(grant))

	_, err := collect(t, c, testQuery(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokenCalls.Load())
	assert.Equal(t, int32(1), catalogCalls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(m.CatalogRetries), 0)
}

func TestClient_TokenRejectionIsNotRetried(t *testing.T) {
	var tokenCalls atomic.Int32
	ts := tokenServer(t, &tokenCalls)
	defer ts.Close()

	var catalogCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		catalogCalls.Add(1)
		w.Write(pageJSON(t, nil))
	}))
	defer srv.Close()

	grant := NewPasswordGrant(ts.URL, "cdse-public", "user", "wrong", ts.Client(), nil)
	c, m := newTestClient(t, srv.URL, WithTokenSource(grant))

	_, err := collect(t, c, testQuery(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, int32(1), tokenCalls.Load())
	assert.Zero(t, catalogCalls.Load())
	assert.Zero(t, testutil.ToFloat64(m.CatalogRetries))
}
