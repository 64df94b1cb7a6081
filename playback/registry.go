package playback

import (
	"sort"
	"strings"
	"sync"
)

// Registry owns one State per channel, created lazily.
type Registry struct {
	mu           sync.Mutex
	historyLimit int
	states       map[string]*State
}

func NewRegistry(historyLimit int) *Registry {
	return &Registry{historyLimit: historyLimit, states: make(map[string]*State)}
}

// Key normalizes a channel name: lowercase, no leading '#'.
func Key(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

// Get returns the channel's State, creating it on first use.
func (r *Registry) Get(channel string) *State {
	k := Key(channel)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[k]
	if !ok {
		s = NewState(k, r.historyLimit)
		r.states[k] = s
	}
	return s
}

// Snapshots returns a snapshot of every known channel, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	states := make([]*State, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(states))
	for _, s := range states {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
