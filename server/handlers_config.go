package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/telemetry"
)

const maxBodyBytes = 64 << 10

// Twitch logins are 1-25 characters of letters, digits and underscore.
var channelNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

type configResponse struct {
	Username        string                  `json:"username"`
	AllowedCommands map[string]channels.Rule `json:"allowedCommands"`
}

// HandleGetConfig returns the logged in broadcaster's command rules,
// defaults included for commands never configured.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	login, display, _ := h.sessionUser(r)
	cfg := channels.Defaults()
	if h.deps.Configs != nil {
		cfg = h.deps.Configs.Config(login)
	}
	writeJSON(w, http.StatusOK, configResponse{Username: display, AllowedCommands: cfg.AllowedCommands})
}

// HandleSaveConfig replaces the logged in broadcaster's command rules.
func (h *Handlers) HandleSaveConfig(w http.ResponseWriter, r *http.Request) {
	login, _, _ := h.sessionUser(r)
	var body channels.Config
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if body.AllowedCommands == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "allowedCommands required"})
		return
	}
	if h.deps.Configs == nil || h.deps.ConfigStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config store unavailable"})
		return
	}
	if err := h.deps.Configs.Update(r.Context(), h.deps.ConfigStore, login, body); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("save config failed", slog.String("channel", login), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save config"})
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("config saved", slog.String("channel", login))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleAddChannel starts monitoring another channel with the default rules.
func (h *Handlers) HandleAddChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	channel := playback.Key(body.Channel)
	if !channelNamePattern.MatchString(channel) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		return
	}
	if err := h.ensureChannel(r, channel); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("add channel failed", slog.String("channel", channel), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save config"})
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("channel added", slog.String("channel", channel))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleDashboard renders the broadcaster dashboard.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	_, display, _ := h.sessionUser(r)
	h.render(w, "dashboard.html", map[string]any{"Username": display})
}

// HandleStatus returns per-channel playback state and the joined chat channels.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps := []playback.Snapshot{}
	if h.deps.States != nil {
		snaps = h.deps.States.Snapshots()
	}
	joined := []string{}
	if h.deps.Chat != nil {
		joined = h.deps.Chat.Channels()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":   snaps,
		"chat":       joined,
		"configured": h.configuredChannels(),
	})
}

func (h *Handlers) configuredChannels() []string {
	if h.deps.Configs == nil {
		return []string{}
	}
	return h.deps.Configs.Channels()
}
