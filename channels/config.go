// Package channels holds per-channel command configuration: which chat
// commands are enabled and which roles may run them.
package channels

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Command keys as stored in configuration. stoprepeat is governed by repeat.
const (
	CmdWatch  = "watch"
	CmdReplay = "replay"
	CmdRepeat = "repeat"
	CmdSo     = "so"
	CmdStop   = "stop"
	CmdClip   = "clip"
)

// Rule says whether a command is enabled and which roles may run it.
type Rule struct {
	Enabled bool     `json:"enabled"`
	Roles   []string `json:"roles"`
}

// Config is one channel's command configuration.
type Config struct {
	AllowedCommands map[string]Rule `json:"allowedCommands"`
}

// Defaults returns every command disabled and broadcaster-only, except clip which is moderator.
func Defaults() Config {
	return Config{AllowedCommands: map[string]Rule{
		CmdWatch:  {Roles: []string{"broadcaster"}},
		CmdReplay: {Roles: []string{"broadcaster"}},
		CmdRepeat: {Roles: []string{"broadcaster"}},
		CmdSo:     {Roles: []string{"broadcaster"}},
		CmdStop:   {Roles: []string{"broadcaster"}},
		CmdClip:   {Roles: []string{"moderator"}},
	}}
}

// Merge overlays c's rules on top of the defaults, per command key.
func (c Config) Merge() Config {
	out := Defaults()
	for k, r := range c.AllowedCommands {
		out.AllowedCommands[strings.ToLower(k)] = Rule{Enabled: r.Enabled, Roles: append([]string(nil), r.Roles...)}
	}
	return out
}

// Rule returns the rule for a command key, falling back to defaults.
func (c Config) Rule(cmd string) Rule {
	if r, ok := c.AllowedCommands[cmd]; ok {
		return r
	}
	return Defaults().AllowedCommands[cmd]
}

// Store persists channel configurations.
type Store interface {
	LoadAll(ctx context.Context) (map[string]Config, error)
	Save(ctx context.Context, channel string, cfg Config) error
}

// Registry is the in-memory view read by the dispatcher on every message.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Config
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]Config)}
}

func key(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

// Config returns the merged configuration of a channel, or the defaults when none is stored.
func (r *Registry) Config(channel string) Config {
	r.mu.RLock()
	c, ok := r.configs[key(channel)]
	r.mu.RUnlock()
	if !ok {
		return Defaults()
	}
	return c.Merge()
}

// Known reports whether a configuration is stored for channel.
func (r *Registry) Known(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.configs[key(channel)]
	return ok
}

func (r *Registry) Set(channel string, cfg Config) {
	r.mu.Lock()
	r.configs[key(channel)] = cfg.Merge()
	r.mu.Unlock()
}

// Replace swaps the whole set, used after a store reload.
func (r *Registry) Replace(all map[string]Config) {
	next := make(map[string]Config, len(all))
	for ch, c := range all {
		next[key(ch)] = c.Merge()
	}
	r.mu.Lock()
	r.configs = next
	r.mu.Unlock()
}

// Channels lists the configured channels, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.configs))
	for ch := range r.configs {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Load fills the registry from store.
func (r *Registry) Load(ctx context.Context, store Store) error {
	all, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	r.Replace(all)
	return nil
}

// Update saves cfg through store and then publishes it.
func (r *Registry) Update(ctx context.Context, store Store, channel string, cfg Config) error {
	merged := cfg.Merge()
	if err := store.Save(ctx, key(channel), merged); err != nil {
		return err
	}
	r.Set(channel, merged)
	return nil
}
