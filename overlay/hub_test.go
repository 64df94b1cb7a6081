package overlay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/clipcast/playback"
)

type recorder struct {
	joined   chan string
	finished chan string
}

func newRecorder() *recorder {
	return &recorder{joined: make(chan string, 4), finished: make(chan string, 4)}
}

func (r *recorder) ClipFinished(channel string)  { r.finished <- channel }
func (r *recorder) OverlayJoined(channel string) { r.joined <- channel }

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}

func dial(t *testing.T, srv *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel=" + channel
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func newTestHub(t *testing.T) (*Hub, *recorder, *httptest.Server) {
	t.Helper()
	hub := NewHub(clockwork.NewFakeClock())
	rec := newRecorder()
	hub.SetHandler(rec)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, rec, srv
}

func TestPlayClipReachesChannelGroup(t *testing.T) {
	hub, rec, srv := newTestHub(t)
	foo := dial(t, srv, "%23Foo")
	if got := receive(t, rec.joined); got != "foo" {
		t.Fatalf("joined %q, want foo", got)
	}
	bar := dial(t, srv, "bar")
	receive(t, rec.joined)

	clip := playback.ClipRef{ID: "X", URL: "u", Duration: 10}
	hub.PlayClip("foo", clip)
	hub.CloseOverlay("bar")

	ev := readEvent(t, foo)
	if ev.Type != TypePlayClip || ev.Clip == nil || *ev.Clip != clip {
		t.Errorf("foo got %+v, want playClip X", ev)
	}
	if ev := readEvent(t, bar); ev.Type != TypeCloseOverlay || ev.Clip != nil {
		t.Errorf("bar got %+v, want closeOverlay", ev)
	}
	if hub.Clients("FOO") != 1 {
		t.Errorf("Clients(foo) = %d, want 1", hub.Clients("FOO"))
	}
}

func TestWireFormat(t *testing.T) {
	b, _ := json.Marshal(Event{Type: TypePlayClip, Clip: &playback.ClipRef{ID: "X", URL: "u", Duration: 10}})
	if got, want := string(b), `{"type":"playClip","clip":{"id":"X","url":"u","duration":10}}`; got != want {
		t.Errorf("playClip = %s, want %s", got, want)
	}
	b, _ = json.Marshal(Event{Type: TypeCloseOverlay})
	if got := string(b); got != `{"type":"closeOverlay"}` {
		t.Errorf("closeOverlay = %s", got)
	}
}

func TestClipFinishedIsRelayed(t *testing.T) {
	_, rec, srv := newTestHub(t)
	conn := dial(t, srv, "foo")
	receive(t, rec.joined)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Event{Type: TypeClipFinished}); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, rec.finished); got != "foo" {
		t.Errorf("finished for %q, want foo", got)
	}
}

func TestBanSound(t *testing.T) {
	hub, rec, srv := newTestHub(t)
	conn := dial(t, srv, "foo")
	receive(t, rec.joined)
	hub.PlayBanSound("#foo")
	if ev := readEvent(t, conn); ev.Type != TypePlayBanSound {
		t.Errorf("got %+v, want playBanSound", ev)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, rec, srv := newTestHub(t)
	conn := dial(t, srv, "foo")
	receive(t, rec.joined)
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients("foo") != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := hub.Clients("foo"); n != 0 {
		t.Errorf("Clients(foo) = %d after disconnect", n)
	}
}

func TestServeWSRequiresChannel(t *testing.T) {
	hub := NewHub(nil)
	rr := httptest.NewRecorder()
	hub.ServeWS(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub := NewHub(clockwork.NewFakeClock())
	done := make(chan struct{})
	// a client whose writer never drains its buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := &client{conn: conn, channel: "foo", send: make(chan []byte, 1), done: make(chan struct{})}
		hub.register(c)
		c.readPump(func(Event) {})
		close(done)
	}))
	t.Cleanup(srv.Close)
	conn := dial(t, srv, "foo")

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients("foo") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.PlayClip("foo", playback.ClipRef{ID: "A"}) // fills the buffer
	hub.PlayClip("foo", playback.ClipRef{ID: "B"}) // does not fit

	if n := hub.Clients("foo"); n != 0 {
		t.Errorf("Clients(foo) = %d, want slow client removed", n)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("slow client connection was not closed")
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read on an evicted overlay should fail")
	}
}
