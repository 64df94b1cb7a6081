package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := strings.TrimPrefix(t.host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

// newTestHelix returns a client whose app token is pre-seeded to avoid OAuth calls.
func newTestHelix(server *httptest.Server) *HelixClient {
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.token = "test-token"
	ts.expiresAt = time.Now().Add(time.Hour)
	return &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}
}

func TestHelixClient_GetUser(t *testing.T) {
	tests := []struct {
		response    any
		name        string
		login       string
		wantID      string
		errContains string
		statusCode  int
		wantErr     bool
		notFound    bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]any{
				"data": []map[string]string{{"id": "12345", "login": "testuser", "display_name": "TestUser"}},
			},
			statusCode: http.StatusOK,
			wantID:     "12345",
		},
		{
			name:       "user not found",
			login:      "nonexistent",
			response:   map[string]any{"data": []map[string]string{}},
			statusCode: http.StatusOK,
			wantErr:    true,
			notFound:   true,
		},
		{
			name:        "bad request",
			login:       "bad login",
			response:    map[string]string{"message": "Invalid login names"},
			statusCode:  http.StatusBadRequest,
			wantErr:     true,
			errContains: "400",
		},
		{
			name:        "empty login",
			login:       "",
			wantErr:     true,
			errContains: "login empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if r.URL.Path != "/helix/users" {
					t.Errorf("path = %s, want /helix/users", r.URL.Path)
				}
				if got := r.URL.Query().Get("login"); got != tt.login {
					t.Errorf("login query param = %s, want %s", got, tt.login)
				}
				w.WriteHeader(tt.statusCode)
				if tt.response != nil {
					_ = json.NewEncoder(w).Encode(tt.response)
				}
			}))
			defer server.Close()

			user, err := newTestHelix(server).GetUser(context.Background(), tt.login)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("GetUser() error = nil, want error")
				}
				if tt.notFound && !IsNotFound(err) {
					t.Errorf("GetUser() error = %v, want ErrNotFound", err)
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("GetUser() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUser() unexpected error = %v", err)
			}
			if user.ID != tt.wantID {
				t.Errorf("GetUser() id = %s, want %s", user.ID, tt.wantID)
			}
		})
	}
}

func TestHelixClient_GetClip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("id") != "AbCd1234" {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id":       "AbCd1234",
				"url":      "https://clips.twitch.tv/AbCd1234",
				"title":    "nice",
				"duration": 27.5,
			}},
		})
	}))
	defer server.Close()
	hc := newTestHelix(server)

	clip, err := hc.GetClip(context.Background(), "AbCd1234")
	if err != nil {
		t.Fatalf("GetClip() error = %v", err)
	}
	if clip.URL != "https://clips.twitch.tv/AbCd1234" || clip.Duration != 27.5 {
		t.Errorf("GetClip() = %+v", clip)
	}

	if _, err := hc.GetClip(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetClip(missing) error = %v, want ErrNotFound", err)
	}
}

func TestHelixClient_ListClipsFollowsCursor(t *testing.T) {
	pages := map[string]map[string]any{
		"": {
			"data":       []map[string]any{{"id": "a", "url": "ua", "duration": 10}, {"id": "b", "url": "ub", "duration": 11}},
			"pagination": map[string]string{"cursor": "page2"},
		},
		"page2": {
			"data":       []map[string]any{{"id": "c", "url": "uc", "duration": 12}},
			"pagination": map[string]string{},
		},
	}
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		q := r.URL.Query()
		if q.Get("broadcaster_id") != "42" {
			t.Errorf("broadcaster_id = %s, want 42", q.Get("broadcaster_id"))
		}
		if q.Get("first") != "100" {
			t.Errorf("first = %s, want 100", q.Get("first"))
		}
		page, ok := pages[q.Get("after")]
		if !ok {
			t.Errorf("unexpected cursor %q", q.Get("after"))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	clips, err := newTestHelix(server).ListClips(context.Background(), "42")
	if err != nil {
		t.Fatalf("ListClips() error = %v", err)
	}
	if len(clips) != 3 {
		t.Fatalf("ListClips() returned %d clips, want 3", len(clips))
	}
	if clips[2].ID != "c" || clips[2].Duration != 12 {
		t.Errorf("last clip = %+v", clips[2])
	}
	if requests != 2 {
		t.Errorf("expected 2 page requests, got %d", requests)
	}
}

func TestHelixClient_ListClipsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "pagination": map[string]string{}})
	}))
	defer server.Close()

	clips, err := newTestHelix(server).ListClips(context.Background(), "42")
	if err != nil {
		t.Fatalf("ListClips() error = %v", err)
	}
	if len(clips) != 0 {
		t.Errorf("expected no clips, got %d", len(clips))
	}
}

func TestHelixClient_CreateClipUsesUserToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("Authorization = %q, want user token", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("broadcaster_id") != "42" {
			t.Errorf("broadcaster_id = %s", r.URL.Query().Get("broadcaster_id"))
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "FreshClip", "edit_url": "https://clips.twitch.tv/FreshClip/edit"}},
		})
	}))
	defer server.Close()

	id, err := newTestHelix(server).CreateClip(context.Background(), "42", "user-token")
	if err != nil {
		t.Fatalf("CreateClip() error = %v", err)
	}
	if id != "FreshClip" {
		t.Errorf("CreateClip() = %q, want FreshClip", id)
	}
}

func TestHelixClient_CreateClipRequiresToken(t *testing.T) {
	hc := &HelixClient{}
	if _, err := hc.CreateClip(context.Background(), "42", ""); err == nil {
		t.Error("CreateClip() without user token should fail")
	}
}

func TestHelixClient_UnauthorizedInvalidatesAppToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid OAuth token"}`))
	}))
	defer server.Close()
	hc := newTestHelix(server)

	_, err := hc.GetUser(context.Background(), "someone")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("GetUser() error = %v, want 401 APIError", err)
	}
	if _, ok := hc.AppTokenSource.cached(); ok {
		t.Error("app token should be invalidated after 401")
	}
}

func TestAPIError_Transient(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		if got := (&APIError{Status: tt.status}).Transient(); got != tt.want {
			t.Errorf("Transient(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
