package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/time/rate"

	"github.com/onnwee/clipcast/access"
	"github.com/onnwee/clipcast/playback"
)

// Handler receives chat lines from monitored channels.
type Handler interface {
	HandleMessage(channel string, from access.Participant, text string)
}

// BanNotifier is told when a user is permanently banned in a channel.
type BanNotifier interface {
	PlayBanSound(channel string)
}

// ircClient is the part of *twitch.Client the bot drives.
type ircClient interface {
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// Bot is the chat side of the clip queue.
type Bot struct {
	username string
	client   ircClient
	limiter  *rate.Limiter

	Handler Handler
	Bans    BanNotifier

	mu     sync.Mutex
	joined map[string]struct{}
	ctx    context.Context
}

// New creates a bot for username. sayInterval spaces outbound messages; zero disables throttling.
func New(username, oauthToken string, sayInterval time.Duration) *Bot {
	if !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	client := twitch.NewClient(username, oauthToken)
	b := newBot(username, client, sayInterval)
	client.OnPrivateMessage(b.onPrivateMessage)
	client.OnClearChatMessage(b.onClearChat)
	client.OnConnect(func() {
		slog.Info("twitch chat connected", slog.String("bot", b.username), slog.Int("channels", len(b.Channels())))
	})
	return b
}

func newBot(username string, client ircClient, sayInterval time.Duration) *Bot {
	limit := rate.Inf
	if sayInterval > 0 {
		limit = rate.Every(sayInterval)
	}
	return &Bot{
		username: strings.ToLower(username),
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		joined:   make(map[string]struct{}),
		ctx:      context.Background(),
	}
}

func (b *Bot) onPrivateMessage(msg twitch.PrivateMessage) {
	if strings.EqualFold(msg.User.Name, b.username) {
		return
	}
	if b.Handler == nil {
		return
	}
	from := access.FromBadges(msg.User.Name, msg.User.Badges, msg.Tags["mod"] == "1", msg.Tags["subscriber"] == "1")
	b.Handler.HandleMessage(playback.Key(msg.Channel), from, msg.Message)
}

// onClearChat plays the ban sound for permanent bans. Timeouts and full chat clears are ignored.
func (b *Bot) onClearChat(msg twitch.ClearChatMessage) {
	if msg.TargetUsername == "" || msg.BanDuration > 0 || b.Bans == nil {
		return
	}
	channel := playback.Key(msg.Channel)
	slog.Info("user banned", slog.String("channel", channel), slog.String("user", msg.TargetUsername))
	b.Bans.PlayBanSound(channel)
}

// Join joins channels not joined yet.
func (b *Bot) Join(channels ...string) {
	var fresh []string
	b.mu.Lock()
	for _, ch := range channels {
		k := playback.Key(ch)
		if k == "" {
			continue
		}
		if _, ok := b.joined[k]; ok {
			continue
		}
		b.joined[k] = struct{}{}
		fresh = append(fresh, k)
	}
	b.mu.Unlock()
	if len(fresh) > 0 {
		b.client.Join(fresh...)
		slog.Info("joined chat", slog.Any("channels", fresh))
	}
}

// Channels returns the joined channels.
func (b *Bot) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.joined))
	for ch := range b.joined {
		out = append(out, ch)
	}
	return out
}

// Say posts text to channel, waiting for the rate limiter.
func (b *Bot) Say(channel, text string) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if err := b.limiter.Wait(ctx); err != nil {
		slog.Warn("chat message not sent", slog.String("channel", channel), slog.Any("err", err))
		return
	}
	b.client.Say(playback.Key(channel), text)
}

// Run connects and blocks until ctx is cancelled or the connection fails.
// go-twitch-irc reconnects on its own after transient drops.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = b.client.Disconnect()
		case <-done:
		}
	}()

	err := b.client.Connect()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}
