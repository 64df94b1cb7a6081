package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// refreshBuffer is how close to expiry a cached token is still served.
const refreshBuffer = 60 * time.Second

// refreshTimeout bounds one app token request.
const refreshTimeout = 15 * time.Second

// TokenURL is the Twitch OAuth token endpoint.
const TokenURL = "https://id.twitch.tv/oauth2/token"

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// Concurrent callers that find the token missing or stale share a single refresh request.
// NOTE: This token CANNOT be used for IRC chat or clip creation; both need user tokens.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// Clock defaults to the real clock.
	Clock clockwork.Clock

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

func (ts *TokenSource) clock() clockwork.Clock {
	if ts.Clock != nil {
		return ts.Clock
	}
	return clockwork.NewRealClock()
}

// Get returns a valid (fresh or cached) app access token. The shared refresh
// runs detached from ctx under refreshTimeout; ctx only bounds how long this
// caller waits for it.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}
	ch := ts.group.DoChan("app-token", func() (any, error) {
		// another caller may have finished a refresh while we waited to enter
		if tok, ok := ts.cached(); ok {
			return tok, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return ts.refresh(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token so the next Get refreshes. Used after a 401 from Helix.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) cached() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token != "" && ts.expiresAt.Sub(ts.clock().Now()) > refreshBuffer {
		return ts.token, true
	}
	return "", false
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("twitch token request failed: %s: %s", resp.Status, string(b))
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", err
	}
	if at.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.mu.Lock()
	ts.token = at.AccessToken
	ts.expiresAt = ts.clock().Now().Add(time.Duration(at.ExpiresIn) * time.Second)
	ts.mu.Unlock()
	return at.AccessToken, nil
}
