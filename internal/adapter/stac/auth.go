package stac

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

// refreshMargin renews a token this long before it expires.
const refreshMargin = time.Minute

// TokenSource supplies bearer tokens for catalog and download requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// PasswordGrant obtains OpenID Connect access tokens with the resource
// owner password grant and caches them until shortly before expiry.
type PasswordGrant struct {
	tokenURL string
	form     url.Values
	client   *http.Client
	clock    clockwork.Clock

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewPasswordGrant creates a token source for the given identity endpoint.
func NewPasswordGrant(tokenURL, clientID, username, password string, client *http.Client, clock clockwork.Clock) *PasswordGrant {
	if client == nil {
		client = http.DefaultClient
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PasswordGrant{
		tokenURL: tokenURL,
		form: url.Values{
			"grant_type": {"password"},
			"client_id":  {clientID},
			"username":   {username},
			"password":   {password},
		},
		client: client,
		clock:  clock,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token returns a cached token or requests a new one. A rejected grant is
// an authentication failure; anything else is transient.
func (g *PasswordGrant) Token(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.clock.Now().Before(g.expiry.Add(-refreshMargin)) {
		return g.token, nil
	}

	const op = "token grant"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(g.form.Encode()))
	if err != nil {
		return "", domain.E(domain.KindConfiguration, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", domain.E(domain.KindTransient, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", domain.Errorf(domain.KindAuthentication, op, "identity provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return "", domain.Errorf(domain.KindTransient, op, "identity provider returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", domain.E(domain.KindTransient, op, fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return "", domain.Errorf(domain.KindAuthentication, op, "identity provider returned no access token")
	}

	g.token = tr.AccessToken
	g.expiry = g.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return g.token, nil
}

// Invalidate drops the cached token so the next call requests a new one.
func (g *PasswordGrant) Invalidate() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}
