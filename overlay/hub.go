// Package overlay pushes playback events to browser overlays over websockets
// and relays their acknowledgements back to the dispatcher.
package overlay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/telemetry"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
	maxInboundBytes   = 4096
)

// Event types on the wire.
const (
	TypePlayClip     = "playClip"
	TypeCloseOverlay = "closeOverlay"
	TypePlayBanSound = "playBanSound"
	TypeClipFinished = "clipFinished"
)

// Event is one JSON frame sent to or received from an overlay.
type Event struct {
	Type string            `json:"type"`
	Clip *playback.ClipRef `json:"clip,omitempty"`
}

// Handler receives overlay lifecycle and acknowledgements.
type Handler interface {
	ClipFinished(channel string)
	OverlayJoined(channel string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // OBS browser sources send no useful Origin
	},
}

// Hub groups overlay connections by channel.
type Hub struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	handler Handler
	groups  map[string]map[*client]struct{}
}

func NewHub(clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{clock: clock, groups: make(map[string]map[*client]struct{})}
}

// SetHandler wires the dispatcher. Connections accepted before it is set are not reported.
func (h *Hub) SetHandler(hd Handler) {
	h.mu.Lock()
	h.handler = hd
	h.mu.Unlock()
}

func (h *Hub) currentHandler() Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

// PlayClip tells every overlay of channel to play c.
func (h *Hub) PlayClip(channel string, c playback.ClipRef) {
	h.broadcast(channel, Event{Type: TypePlayClip, Clip: &c})
}

// CloseOverlay tells every overlay of channel to hide.
func (h *Hub) CloseOverlay(channel string) {
	h.broadcast(channel, Event{Type: TypeCloseOverlay})
}

// PlayBanSound tells every overlay of channel to play the ban sound.
func (h *Hub) PlayBanSound(channel string) {
	h.broadcast(channel, Event{Type: TypePlayBanSound})
}

// Clients returns the number of overlays connected for channel.
func (h *Hub) Clients(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[playback.Key(channel)])
}

func (h *Hub) broadcast(channel string, ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal overlay event", slog.String("type", ev.Type), slog.Any("err", err))
		return
	}
	key := playback.Key(channel)
	var slow []*client
	h.mu.RLock()
	for c := range h.groups[key] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.evict(c, ev.Type)
	}
}

// evict disconnects a client that cannot keep up. The overlay reconnects and
// its join resets the channel's playing flag, so no clip stays stuck as playing.
func (h *Hub) evict(c *client, dropped string) {
	slog.Warn("overlay send buffer full, disconnecting client", slog.String("channel", c.channel), slog.String("type", dropped))
	h.unregister(c)
	_ = c.conn.Close()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	g, ok := h.groups[c.channel]
	if !ok {
		g = make(map[*client]struct{})
		h.groups[c.channel] = g
	}
	g[c] = struct{}{}
	h.mu.Unlock()
	telemetry.AddOverlayClients(1)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	g := h.groups[c.channel]
	_, ok := g[c]
	if ok {
		delete(g, c)
		if len(g) == 0 {
			delete(h.groups, c.channel)
		}
	}
	h.mu.Unlock()
	if ok {
		telemetry.AddOverlayClients(-1)
	}
}

// ServeWS upgrades /ws?channel=<name> and joins the channel group.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	channel := playback.Key(r.URL.Query().Get("channel"))
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("overlay websocket upgrade failed", slog.String("channel", channel), slog.Any("err", err))
		return
	}
	c := newClient(conn, channel, h.clock)
	h.register(c)
	slog.Info("overlay connected", slog.String("channel", channel), slog.Int("clients", h.Clients(channel)))
	if hd := h.currentHandler(); hd != nil {
		hd.OverlayJoined(channel)
	}

	c.readPump(func(ev Event) {
		if strings.EqualFold(ev.Type, TypeClipFinished) {
			if hd := h.currentHandler(); hd != nil {
				hd.ClipFinished(channel)
			}
		}
	})
	h.unregister(c)
	c.stop()
	slog.Info("overlay disconnected", slog.String("channel", channel))
}

// Close disconnects every overlay.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, g := range h.groups {
		for c := range g {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.stop()
	}
}
