package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/clipcast/access"
	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/commands"
	"github.com/onnwee/clipcast/db"
	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/twitchapi"
)

// clipService answers the broadcaster lookup and records the token CreateClip was called with.
type clipService struct {
	mu    sync.Mutex
	token string
}

func (c *clipService) GetUser(_ context.Context, login string) (*twitchapi.User, error) {
	return &twitchapi.User{ID: "42", Login: login}, nil
}

func (c *clipService) GetClip(context.Context, string) (*twitchapi.Clip, error) {
	return nil, twitchapi.ErrNotFound
}

func (c *clipService) ListClips(context.Context, string) ([]twitchapi.Clip, error) { return nil, nil }

func (c *clipService) CreateClip(_ context.Context, _, userToken string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = userToken
	return "FreshClip", nil
}

type nopOverlay struct{}

func (nopOverlay) PlayClip(string, playback.ClipRef) {}
func (nopOverlay) CloseOverlay(string)               {}

type announcer chan string

func (a announcer) Say(_, text string) { a <- text }

// A broadcaster who logged in with only file storage configured can run !clip.
func TestLoginThenClipWithFileTokens(t *testing.T) {
	tokens := db.NewFileTokens(filepath.Join(t.TempDir(), "userTokens.json"), nil)
	env := newTestEnvWithTokens(t, tokens)
	env.login(t)

	cfg := env.configs.Config("streamer")
	cfg.AllowedCommands[channels.CmdClip] = channels.Rule{Enabled: true, Roles: []string{access.Moderator}}
	env.configs.Set("streamer", cfg)

	clips := &clipService{}
	said := make(announcer, 1)
	d := commands.New(commands.Deps{
		Clips:   clips,
		Overlay: nopOverlay{},
		Configs: env.configs,
		Tokens:  tokens,
		Chat:    said,
		States:  env.states,
	}, commands.Options{})
	t.Cleanup(d.Close)

	d.HandleMessage("streamer", access.Participant{Login: "streamer", Broadcaster: true}, "!clip")
	select {
	case msg := <-said:
		if msg != "Clip created: https://clips.twitch.tv/FreshClip" {
			t.Errorf("announcement = %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("!clip never announced a clip")
	}
	clips.mu.Lock()
	defer clips.mu.Unlock()
	if clips.token != "user-access" {
		t.Errorf("CreateClip token = %q, want the token stored at login", clips.token)
	}
}
