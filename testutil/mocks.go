// Package testutil holds shared fixtures: a fake Helix server and a Postgres helper.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer serves canned Helix and id.twitch.tv responses keyed by path.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	Requests []*http.Request
}

// NewMockTwitchServer starts a mock closed at test cleanup. Unknown paths answer 404.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.Requests = append(m.Requests, r.Clone(r.Context()))
		handler, ok := m.Handlers[r.Method+" "+r.URL.Path]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for pattern, either "/path" or "METHOD /path".
func (m *MockTwitchServer) Handle(pattern string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[pattern] = h
}

// RequestCount returns how many requests hit path.
func (m *MockTwitchServer) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.Requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUsers answers /helix/users lookups by login from logins (login -> id).
// Requests without a login query get the first entry, as for a user token.
func (m *MockTwitchServer) MockUsers(logins map[string]string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		login := strings.ToLower(r.URL.Query().Get("login"))
		for l, id := range logins {
			if login == "" || l == login {
				data = append(data, map[string]string{"id": id, "login": l, "display_name": l})
				if login == "" {
					break
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	})
}

// MockClips answers GET /helix/clips: by id from all clips, or by broadcaster_id from byBroadcaster.
func (m *MockTwitchServer) MockClips(byBroadcaster map[string][]map[string]any) {
	m.Handle("GET /helix/clips", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if id := q.Get("id"); id != "" {
			for _, clips := range byBroadcaster {
				for _, c := range clips {
					if c["id"] == id {
						writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{c}})
						return
					}
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		clips := byBroadcaster[q.Get("broadcaster_id")]
		if clips == nil {
			clips = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": clips, "pagination": map[string]string{}})
	})
}

// MockCreateClip answers POST /helix/clips with a new clip id.
func (m *MockTwitchServer) MockCreateClip(id string) {
	m.Handle("POST /helix/clips", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"data": []map[string]string{{"id": id, "edit_url": "https://clips.twitch.tv/" + id + "/edit"}},
		})
	})
}

// MockOAuthTokenResponse answers the token endpoint for both app and user grants.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": "refresh-" + accessToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	})
}

// RewriteTransport sends every request to the mock regardless of its host.
type RewriteTransport struct {
	Transport http.RoundTripper
	Host      string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(strings.TrimPrefix(t.Host, "http://"), "https://")
	base := t.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Client returns an *http.Client routed to the mock.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Host: m.URL}}
}
