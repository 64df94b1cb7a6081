package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/clipcast/access"
)

type fakeIRC struct {
	mu        sync.Mutex
	joined    []string
	said      []string
	connected chan struct{}
	stop      chan struct{}
}

func newFakeIRC() *fakeIRC {
	return &fakeIRC{connected: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (f *fakeIRC) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
}

func (f *fakeIRC) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+": "+text)
}

func (f *fakeIRC) Connect() error {
	f.connected <- struct{}{}
	<-f.stop
	return twitch.ErrClientDisconnected
}

func (f *fakeIRC) Disconnect() error {
	close(f.stop)
	return nil
}

type captured struct {
	channel string
	from    access.Participant
	text    string
}

type captureHandler struct{ got []captured }

func (c *captureHandler) HandleMessage(channel string, from access.Participant, text string) {
	c.got = append(c.got, captured{channel, from, text})
}

type banRecorder struct{ channels []string }

func (b *banRecorder) PlayBanSound(channel string) { b.channels = append(b.channels, channel) }

func TestPrivateMessageRoles(t *testing.T) {
	h := &captureHandler{}
	b := newBot("ClipBot", newFakeIRC(), 0)
	b.Handler = h

	b.onPrivateMessage(twitch.PrivateMessage{
		User:    twitch.User{Name: "Streamer", Badges: map[string]int{"broadcaster": 1}},
		Channel: "Streamer",
		Message: "!so friend",
	})
	b.onPrivateMessage(twitch.PrivateMessage{
		User:    twitch.User{Name: "modperson"},
		Channel: "streamer",
		Message: "!stop",
		Tags:    map[string]string{"mod": "1", "subscriber": "1"},
	})

	if len(h.got) != 2 {
		t.Fatalf("handled %d messages, want 2", len(h.got))
	}
	if m := h.got[0]; m.channel != "streamer" || !m.from.Broadcaster || m.from.Login != "streamer" || m.text != "!so friend" {
		t.Errorf("first = %+v", m)
	}
	if m := h.got[1]; !m.from.Moderator || !m.from.Subscriber || m.from.Broadcaster {
		t.Errorf("second = %+v", m)
	}
}

func TestOwnMessagesIgnored(t *testing.T) {
	h := &captureHandler{}
	b := newBot("ClipBot", newFakeIRC(), 0)
	b.Handler = h
	b.onPrivateMessage(twitch.PrivateMessage{User: twitch.User{Name: "clipbot"}, Channel: "foo", Message: "!stop"})
	if len(h.got) != 0 {
		t.Errorf("own message was handled: %+v", h.got)
	}
}

func TestBanPlaysSound(t *testing.T) {
	bans := &banRecorder{}
	b := newBot("bot", newFakeIRC(), 0)
	b.Bans = bans

	b.onClearChat(twitch.ClearChatMessage{Channel: "Foo", TargetUsername: "spammer"})
	b.onClearChat(twitch.ClearChatMessage{Channel: "foo", TargetUsername: "slowdown", BanDuration: 600})
	b.onClearChat(twitch.ClearChatMessage{Channel: "foo"})

	if len(bans.channels) != 1 || bans.channels[0] != "foo" {
		t.Errorf("ban sounds = %v, want [foo]", bans.channels)
	}
}

func TestJoinDeduplicates(t *testing.T) {
	irc := newFakeIRC()
	b := newBot("bot", irc, 0)
	b.Join("#Foo", "bar", "")
	b.Join("foo", "baz")

	if want := []string{"foo", "bar", "baz"}; len(irc.joined) != 3 || irc.joined[0] != want[0] || irc.joined[2] != want[2] {
		t.Errorf("joined = %v, want %v", irc.joined, want)
	}
	if len(b.Channels()) != 3 {
		t.Errorf("Channels() = %v", b.Channels())
	}
}

func TestSayIsThrottled(t *testing.T) {
	irc := newFakeIRC()
	b := newBot("bot", irc, 50*time.Millisecond)
	start := time.Now()
	b.Say("#foo", "one")
	b.Say("foo", "two")
	b.Say("foo", "three")
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three messages took %v, want >= 100ms of spacing", elapsed)
	}
	if len(irc.said) != 3 || irc.said[0] != "foo: one" {
		t.Errorf("said = %v", irc.said)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	irc := newFakeIRC()
	b := newBot("bot", irc, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()
	<-irc.connected
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	b.Say("foo", "late") // limiter wait fails on the cancelled context
	if len(irc.said) != 0 {
		t.Errorf("said = %v, want nothing after shutdown", irc.said)
	}
}
