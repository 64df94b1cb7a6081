package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/db"
	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/telemetry"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth.ClientID == "" || h.deps.OAuth.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending logins", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.deps.OAuth.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, starts a dashboard session for
// the broadcaster, stores their user token and makes sure the bot watches the channel.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	if e := r.URL.Query().Get("error"); e != "" {
		log.Warn("twitch login refused", slog.String("error", e))
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	tok, err := h.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		log.Error("twitch code exchange failed", slog.Any("err", err))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	if h.deps.Users == nil {
		http.Error(w, "helix unavailable", http.StatusServiceUnavailable)
		return
	}
	user, err := h.deps.Users.GetAuthenticatedUser(ctx, tok.AccessToken)
	if err != nil {
		log.Error("resolve twitch user failed", slog.Any("err", err))
		http.Error(w, "could not identify twitch user", http.StatusBadGateway)
		return
	}
	display := user.DisplayName
	if display == "" {
		display = user.Login
	}
	channel := playback.Key(display)

	if h.deps.Tokens != nil {
		if err := h.deps.Tokens.UpsertUserToken(ctx, userToken(channel, tok)); err != nil {
			log.Error("store user token failed", slog.String("channel", channel), slog.Any("err", err))
			http.Error(w, "failed to store token", http.StatusInternalServerError)
			return
		}
	}
	if err := h.ensureChannel(r, channel); err != nil {
		log.Error("create default config failed", slog.String("channel", channel), slog.Any("err", err))
		http.Error(w, "failed to save config", http.StatusInternalServerError)
		return
	}

	// Fresh session id after login.
	if old, err := h.sessions.Get(r, sessionName); err == nil {
		old.Options.MaxAge = -1
		_ = old.Save(r, w)
	}
	sess, err := h.sessions.New(r, sessionName)
	if err != nil && sess == nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	sess.Values[sessionKeyLogin] = channel
	sess.Values[sessionKeyUsername] = display
	if err := sess.Save(r, w); err != nil {
		log.Error("save session failed", slog.Any("err", err))
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	log.Info("broadcaster logged in", slog.String("channel", channel))
	http.Redirect(w, r, "/", http.StatusFound)
}

// HandleLogout drops the session and returns to the dashboard.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r, sessionName)
	if err != nil && sess == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	sess.Options.MaxAge = -1
	if err := sess.Save(r, w); err != nil {
		slog.Warn("failed to clear session", slog.Any("err", err))
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// ensureChannel creates the default config for channel if none is stored and joins its chat.
func (h *Handlers) ensureChannel(r *http.Request, channel string) error {
	if h.deps.Configs != nil && !h.deps.Configs.Known(channel) {
		if h.deps.ConfigStore != nil {
			if err := h.deps.Configs.Update(r.Context(), h.deps.ConfigStore, channel, channels.Defaults()); err != nil {
				return err
			}
		} else {
			h.deps.Configs.Set(channel, channels.Defaults())
		}
	}
	if h.deps.Chat != nil {
		h.deps.Chat.Join(channel)
	}
	return nil
}

func userToken(channel string, tok *oauth2.Token) db.UserToken {
	var scope string
	switch s := tok.Extra("scope").(type) {
	case string:
		scope = s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if str, ok := p.(string); ok {
				parts = append(parts, str)
			}
		}
		scope = strings.Join(parts, " ")
	}
	return db.UserToken{
		Channel:      channel,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}
}
