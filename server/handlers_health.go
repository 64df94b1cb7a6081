package server

import (
	"errors"
	"net/http"
)

// HandleHealthz answers liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"credentials", func() error {
			if h.deps.Config.TwitchClientID == "" || h.deps.Config.TwitchClientSecret == "" {
				return errors.New("missing TWITCH_CLIENT_ID or TWITCH_CLIENT_SECRET")
			}
			return nil
		}},
		{"chat", func() error {
			if h.deps.Chat != nil && len(h.deps.Chat.Channels()) == 0 {
				return errors.New("no chat channels joined")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
