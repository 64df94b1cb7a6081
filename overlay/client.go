package overlay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// client owns one overlay connection. All data writes happen on its run
// goroutine; the ticker comes from clock, deadlines from wall time.
type client struct {
	conn     *websocket.Conn
	channel  string
	clock    clockwork.Clock
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClient(conn *websocket.Conn, channel string, clock clockwork.Clock) *client {
	c := &client{
		conn:    conn,
		channel: channel,
		clock:   clock,
		send:    make(chan []byte, messageBufferSize),
		done:    make(chan struct{}),
	}
	c.conn.SetReadLimit(maxInboundBytes)
	c.updateReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *client) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.send:
			c.updateWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("overlay write failed", slog.String("channel", c.channel), slog.Any("err", err))
				_ = c.conn.Close()
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump decodes inbound frames until the connection fails.
func (c *client) readPump(onEvent func(Event)) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("overlay read error", slog.String("channel", c.channel), slog.Any("err", err))
			}
			return
		}
		c.updateReadDeadline()
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("ignoring malformed overlay frame", slog.String("channel", c.channel), slog.Any("err", err))
			continue
		}
		onEvent(ev)
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeDeadline))
		_ = c.conn.Close()
	})
}

func (c *client) updateWriteDeadline() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
}

func (c *client) updateReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}
