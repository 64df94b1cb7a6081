// Package oauth keeps stored broadcaster tokens fresh. A Refresher wakes up on
// a jittered interval and refreshes every token whose expiry falls within a
// configured window, so !clip always finds a usable token.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/onnwee/clipcast/db"
)

// TokenStore lists and persists broadcaster tokens.
type TokenStore interface {
	ListUserTokens(ctx context.Context) ([]db.UserToken, error)
	UpsertUserToken(ctx context.Context, tok db.UserToken) error
}

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Refresher refreshes tokens that expire within Window, checking every Interval.
type Refresher struct {
	Store    TokenStore
	Refresh  RefreshFunc
	Interval time.Duration // default 5m
	Window   time.Duration // default 15m
	Clock    clockwork.Clock
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
}

// Start runs the refresh loop in a goroutine until ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	r.defaults()
	go func() {
		for {
			// ±20% of interval so several instances don't line up
			jitterRange := int64(r.Interval / 5)
			//nolint:gosec // G404: scheduling jitter, not security
			next := r.Interval + time.Duration(rand.Int64N(jitterRange*2+1)-jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-r.Clock.After(next):
			}
			r.RunOnce(ctx)
		}
	}()
}

// RunOnce refreshes every due token and returns how many were refreshed.
func (r *Refresher) RunOnce(ctx context.Context) int {
	r.defaults()
	toks, err := r.Store.ListUserTokens(ctx)
	if err != nil {
		slog.Warn("list user tokens failed", slog.Any("err", err))
		return 0
	}
	n := 0
	for _, tok := range toks {
		if tok.RefreshToken == "" || tok.Expiry.Sub(r.Clock.Now()) > r.Window {
			continue
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		fresh, err := r.Refresh(ctx2, tok.RefreshToken)
		cancel()
		if err != nil {
			slog.Warn("token refresh failed", slog.String("channel", tok.Channel), slog.Any("err", err))
			continue
		}
		next := db.UserToken{
			Channel:      tok.Channel,
			AccessToken:  fresh.AccessToken,
			RefreshToken: fresh.RefreshToken,
			Expiry:       fresh.Expiry,
			Scope:        tok.Scope,
		}
		if next.RefreshToken == "" {
			next.RefreshToken = tok.RefreshToken
		}
		if s, ok := fresh.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
			next.Scope = strings.TrimSpace(s)
		}
		if err := r.Store.UpsertUserToken(ctx, next); err != nil {
			slog.Warn("token persist failed", slog.String("channel", tok.Channel), slog.Any("err", err))
			continue
		}
		slog.Info("token refreshed", slog.String("channel", tok.Channel), slog.Time("expires_at", next.Expiry))
		n++
	}
	return n
}
