// Package playback holds the in-memory clip queue and playback state of every channel.
//
// A State is mutated only from its channel's dispatcher lane; the lock exists so
// status readers on other goroutines see a consistent snapshot.
package playback

import (
	"strings"
	"sync"
)

// ClipRef identifies a clip the overlay can play. Duration is in seconds.
type ClipRef struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}

// IsZero reports whether c is the empty reference.
func (c ClipRef) IsZero() bool { return c.ID == "" }

// Phase is the derived playback state of a channel.
type Phase int

const (
	Idle Phase = iota
	Playing
	Queued
)

func (p Phase) String() string {
	switch p {
	case Playing:
		return "playing"
	case Queued:
		return "queued"
	default:
		return "idle"
	}
}

// State is one channel's queue, playing flag, last clip, repeat target and
// selection histories.
type State struct {
	mu           sync.Mutex
	channel      string
	queue        []ClipRef
	playing      bool
	last         ClipRef
	repeatTarget string
	shoutouts    *History
	repeats      *History
}

// NewState returns an idle State whose histories keep at most historyLimit ids (0 = unbounded).
func NewState(channel string, historyLimit int) *State {
	return &State{
		channel:   channel,
		shoutouts: NewHistory(historyLimit),
		repeats:   NewHistory(historyLimit),
	}
}

// Channel returns the lowercase channel key.
func (s *State) Channel() string { return s.channel }

// Phase derives Idle/Playing/Queued from the playing flag and queue length.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked()
}

func (s *State) phaseLocked() Phase {
	switch {
	case !s.playing:
		return Idle
	case len(s.queue) > 0:
		return Queued
	default:
		return Playing
	}
}

// Enqueue appends c to the queue.
func (s *State) Enqueue(c ClipRef) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
}

// Next dequeues the head clip when nothing is playing, marking it last and
// playing. It returns false when already playing or the queue is empty.
func (s *State) Next() (ClipRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing || len(s.queue) == 0 {
		return ClipRef{}, false
	}
	c := s.queue[0]
	s.queue[0] = ClipRef{}
	s.queue = s.queue[1:]
	s.last = c
	s.playing = true
	return c, true
}

// Interrupt drops the queue and repeat target and makes c the playing clip.
func (s *State) Interrupt(c ClipRef) {
	s.mu.Lock()
	s.queue = nil
	s.repeatTarget = ""
	s.last = c
	s.playing = true
	s.mu.Unlock()
}

// Stop drops the queue and repeat target and clears the playing flag. The last clip is kept.
func (s *State) Stop() {
	s.mu.Lock()
	s.queue = nil
	s.repeatTarget = ""
	s.playing = false
	s.mu.Unlock()
}

// Finish clears the playing flag and returns the repeat target, if any.
func (s *State) Finish() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	return s.repeatTarget
}

// Reset clears the playing flag without touching the queue, used when an overlay (re)joins.
func (s *State) Reset() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

// Last returns the most recently emitted clip.
func (s *State) Last() (ClipRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, !s.last.IsZero()
}

func (s *State) SetRepeat(user string) {
	s.mu.Lock()
	s.repeatTarget = strings.ToLower(user)
	s.mu.Unlock()
}

func (s *State) ClearRepeat() {
	s.mu.Lock()
	s.repeatTarget = ""
	s.mu.Unlock()
}

func (s *State) RepeatTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeatTarget
}

// QueueLen returns the number of clips waiting.
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Eligible returns the clips served by neither history.
func (s *State) Eligible(clips []ClipRef) []ClipRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := make([]ClipRef, 0, len(clips))
	for _, c := range clips {
		if !s.shoutouts.Has(c.ID) && !s.repeats.Has(c.ID) {
			pool = append(pool, c)
		}
	}
	return pool
}

// ResetHistory empties both histories.
func (s *State) ResetHistory() {
	s.mu.Lock()
	s.shoutouts.Reset()
	s.repeats.Reset()
	s.mu.Unlock()
}

// Record notes that id was picked for user. It always lands in the shoutout
// history and also in the repeat history while user is the repeat target.
func (s *State) Record(id, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shoutouts.Add(id)
	if s.repeatTarget != "" && s.repeatTarget == strings.ToLower(user) {
		s.repeats.Add(id)
	}
}

// Snapshot is a point-in-time copy of a State for status output and tests.
type Snapshot struct {
	Channel      string    `json:"channel"`
	Phase        string    `json:"phase"`
	Playing      bool      `json:"playing"`
	Queue        []ClipRef `json:"queue"`
	Last         *ClipRef  `json:"last,omitempty"`
	RepeatTarget string    `json:"repeatTarget,omitempty"`
	Shoutouts    []string  `json:"playedShoutoutIds"`
	Repeats      []string  `json:"playedRepeatIds"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Channel:      s.channel,
		Phase:        s.phaseLocked().String(),
		Playing:      s.playing,
		Queue:        append([]ClipRef{}, s.queue...),
		RepeatTarget: s.repeatTarget,
		Shoutouts:    s.shoutouts.IDs(),
		Repeats:      s.repeats.IDs(),
	}
	if !s.last.IsZero() {
		last := s.last
		snap.Last = &last
	}
	return snap
}
