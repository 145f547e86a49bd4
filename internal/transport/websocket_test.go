package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	kind    string
	payload string
	err     error
	close   CloseEvent
}

// recordingHandler forwards every callback to a channel.
type recordingHandler struct {
	events chan event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan event, 32)}
}

func (h *recordingHandler) OnOpen() { h.events <- event{kind: "open"} }
func (h *recordingHandler) OnMessage(p []byte) { h.events <- event{kind: "message", payload: string(p)} }
func (h *recordingHandler) OnError(err error) { h.events <- event{kind: "error", err: err} }
func (h *recordingHandler) OnClose(ev CloseEvent) { h.events <- event{kind: "close", close: ev} }

func (h *recordingHandler) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return event{}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newServer starts a WebSocket server whose connections are handled by serve.
func newServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(conn *websocket.Conn) {
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("ws://localhost:8080/ws"))
	assert.NoError(t, ValidateURL("wss://ergometer.live/ws"))

	for _, raw := range []string{"", "http://host/ws", "ws:///ws", "://bad", "localhost:8080"} {
		assert.ErrorIs(t, ValidateURL(raw), ErrInvalidURL, "url %q", raw)
	}
}

func TestOpenInvalidURL(t *testing.T) {
	d := NewWebSocketDialer(zerolog.Nop())
	h := newRecordingHandler()

	handle, err := d.Open("http://localhost/ws", h)
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, ErrInvalidURL)

	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %q for rejected url", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOpenSendReceiveClose(t *testing.T) {
	url := newServer(t, echo)
	d := NewWebSocketDialer(zerolog.Nop())
	h := newRecordingHandler()

	handle, err := d.Open(url, h)
	require.NoError(t, err)
	assert.Equal(t, url, handle.URL())

	require.Equal(t, "open", h.next(t).kind)
	assert.Equal(t, StateOpen, handle.ReadyState())

	require.NoError(t, handle.Send([]byte(`{"type":"get_status"}`)))
	ev := h.next(t)
	require.Equal(t, "message", ev.kind)
	assert.Equal(t, `{"type":"get_status"}`, ev.payload)

	handle.Close()
	handle.Close() // idempotent

	ev = h.next(t)
	require.Equal(t, "close", ev.kind)
	assert.True(t, ev.close.WasClean)
	assert.Equal(t, StateClosed, handle.ReadyState())

	err = handle.Send([]byte("late"))
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestServerCloseIsClean(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Wait for the client to answer the close frame
		conn.ReadMessage()
	})

	h := newRecordingHandler()
	_, err := NewWebSocketDialer(zerolog.Nop()).Open(url, h)
	require.NoError(t, err)

	require.Equal(t, "open", h.next(t).kind)
	ev := h.next(t)
	require.Equal(t, "close", ev.kind)
	assert.True(t, ev.close.WasClean)
	assert.Equal(t, websocket.CloseGoingAway, ev.close.Code)
	assert.Equal(t, "restarting", ev.close.Reason)
}

func TestServerDropIsUnclean(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		// Drop the TCP connection without a close frame
		conn.UnderlyingConn().Close()
	})

	h := newRecordingHandler()
	_, err := NewWebSocketDialer(zerolog.Nop()).Open(url, h)
	require.NoError(t, err)

	require.Equal(t, "open", h.next(t).kind)
	require.Equal(t, "error", h.next(t).kind)
	ev := h.next(t)
	require.Equal(t, "close", ev.kind)
	assert.False(t, ev.close.WasClean)
	assert.Equal(t, CloseAbnormal, ev.close.Code)
}

func TestDialFailureReportsErrorThenClose(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	h := newRecordingHandler()
	handle, err := NewWebSocketDialer(zerolog.Nop()).Open(url, h)
	require.NoError(t, err)

	// Not open yet: sends are rejected synchronously
	if handle.ReadyState() == StateConnecting {
		assert.ErrorIs(t, handle.Send([]byte("x")), ErrSendFailed)
	}

	ev := h.next(t)
	require.Equal(t, "error", ev.kind)
	assert.Error(t, ev.err)

	ev = h.next(t)
	require.Equal(t, "close", ev.kind)
	assert.False(t, ev.close.WasClean)
	assert.Equal(t, CloseAbnormal, ev.close.Code)
}

func TestCloseWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the handshake until the client gave up
		<-release
	}))
	defer srv.Close()
	defer close(release)

	h := newRecordingHandler()
	handle, err := NewWebSocketDialer(zerolog.Nop()).Open("ws"+strings.TrimPrefix(srv.URL, "http"), h)
	require.NoError(t, err)

	handle.Close()

	ev := h.next(t)
	require.Equal(t, "close", ev.kind)
	assert.True(t, ev.close.WasClean)
	assert.ErrorIs(t, handle.Send([]byte("x")), ErrSendFailed)
}

func TestCloseDoesNotWaitForStalledWrite(t *testing.T) {
	release := make(chan struct{})
	url := newServer(t, func(conn *websocket.Conn) {
		// Never read, so the client's socket buffers fill up.
		<-release
		conn.Close()
	})
	t.Cleanup(func() { close(release) })

	h := newRecordingHandler()
	handle, err := NewWebSocketDialer(zerolog.Nop()).Open(url, h)
	require.NoError(t, err)
	require.Equal(t, "open", h.next(t).kind)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- handle.Send(make([]byte, 64<<20))
	}()
	// Give the write time to block on the full socket.
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	handle.Close()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StateClosing, handle.ReadyState())

	// The stalled write is torn down once the close grace expires.
	select {
	case err := <-sendDone:
		assert.ErrorIs(t, err, ErrSendFailed)
	case <-time.After(writeWait + 5*time.Second):
		t.Fatal("send never returned")
	}

	ev := h.next(t)
	for ev.kind != "close" {
		ev = h.next(t)
	}
	assert.True(t, ev.close.WasClean)
}
