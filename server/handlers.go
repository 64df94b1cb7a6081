package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/oauth2"

	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/config"
	"github.com/onnwee/clipcast/db"
	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute

	sessionName        = "clipcast_session"
	sessionKeyLogin    = "login"
	sessionKeyUsername = "display_name"
)

// UserResolver identifies the owner of a user access token.
type UserResolver interface {
	GetAuthenticatedUser(ctx context.Context, userToken string) (*twitchapi.User, error)
}

// TokenSaver persists a broadcaster's user token.
type TokenSaver interface {
	UpsertUserToken(ctx context.Context, tok db.UserToken) error
}

// ChatJoiner adds channels to the chat bot.
type ChatJoiner interface {
	Join(channels ...string)
	Channels() []string
}

// OverlayServer upgrades overlay websocket requests.
type OverlayServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// StatusSource reports per-channel playback state.
type StatusSource interface {
	Snapshots() []playback.Snapshot
}

// Deps are the collaborators of the HTTP handlers. DB, Tokens, Chat and
// Overlay may be nil; the matching features are then skipped.
type Deps struct {
	Config      *config.Config
	OAuth       *oauth2.Config
	Users       UserResolver
	Tokens      TokenSaver
	Configs     *channels.Registry
	ConfigStore channels.Store
	Chat        ChatJoiner
	Overlay     OverlayServer
	States      StatusSource
	DB          *sql.DB
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	sessions   sessions.Store
	templates  *template.Template
	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	if deps.Config == nil {
		deps.Config = &config.Config{}
	}
	if deps.OAuth == nil {
		deps.OAuth = twitchapi.OAuthConfig(deps.Config.TwitchClientID, deps.Config.TwitchClientSecret,
			deps.Config.TwitchRedirectURI, deps.Config.TwitchScopes)
	}
	return &Handlers{
		deps:       deps,
		sessions:   newSessionStore(deps.Config),
		templates:  parseTemplates(),
		stateStore: make(map[string]time.Time),
	}
}

func newSessionStore(cfg *config.Config) *sessions.CookieStore {
	secret := cfg.SessionSecret
	if secret == "" {
		slog.Warn("SESSION_SECRET not set, dashboard sessions use an insecure development key")
		secret = "clipcast-insecure-development-key"
	}
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int((7 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// cleanExpiredStates removes expired OAuth states. Caller holds stateMu.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState remembers state until expiry. It reports false when the
// store is full, which fails that login instead of growing without bound.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState checks and forgets state.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

// sessionUser returns the logged in channel login and display name.
func (h *Handlers) sessionUser(r *http.Request) (login, display string, ok bool) {
	sess, err := h.sessions.Get(r, sessionName)
	if err != nil {
		return "", "", false
	}
	login, _ = sess.Values[sessionKeyLogin].(string)
	display, _ = sess.Values[sessionKeyUsername].(string)
	if login == "" {
		return "", "", false
	}
	if display == "" {
		display = login
	}
	return login, display, true
}

// requireLogin sends anonymous visitors straight to the Twitch login.
func (h *Handlers) requireLogin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := h.sessionUser(r); !ok {
			if r.Method == http.MethodGet && r.URL.Path == "/" {
				http.Redirect(w, r, "/auth/twitch/start", http.StatusFound)
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "login required"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
