package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the peer to answer our close frame.
	closeGrace = 2 * time.Second

	// Maximum message size accepted from the peer.
	maxMessageSize = 64 * 1024
)

// WebSocketDialer opens gorilla/websocket connections.
type WebSocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with every handshake request.
	Header http.Header
	Logger zerolog.Logger
}

// NewWebSocketDialer creates a dialer with the default gorilla settings.
func NewWebSocketDialer(log zerolog.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: websocket.DefaultDialer,
		Logger: log.With().Str("component", "transport").Logger(),
	}
}

// ValidateURL checks that rawURL can be dialed.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Open validates rawURL and starts dialing in the background.
func (d *WebSocketDialer) Open(rawURL string, h Handler) (Handle, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsHandle{
		url:     rawURL,
		handler: h,
		cancel:  cancel,
		log:     d.Logger,
	}

	go c.run(ctx, dialer, d.Header.Clone())
	return c, nil
}

// wsHandle is a Handle backed by a gorilla connection.
type wsHandle struct {
	url     string
	handler Handler
	cancel  context.CancelFunc
	log     zerolog.Logger

	mu    sync.Mutex
	state ReadyState
	conn  *websocket.Conn

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (c *wsHandle) URL() string {
	return c.url
}

func (c *wsHandle) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsHandle) run(ctx context.Context, dialer *websocket.Dialer, header http.Header) {
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	closing := c.state == StateClosing
	if err != nil || closing {
		c.state = StateClosed
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.cancel()
		if closing {
			c.handler.OnClose(CloseEvent{Code: CloseNormal, WasClean: true})
			return
		}
		c.log.Debug().Err(err).Str("url", c.url).Msg("dial failed")
		c.handler.OnError(err)
		c.handler.OnClose(CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	c.handler.OnOpen()
	c.readLoop(conn)
}

func (c *wsHandle) readLoop(conn *websocket.Conn) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			c.handler.OnMessage(payload)
		}
	}
}

// finish reports the close of an open connection.
func (c *wsHandle) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	userClosed := c.state == StateClosing
	c.state = StateClosed
	c.mu.Unlock()

	conn.Close()
	c.cancel()

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure:
		c.handler.OnClose(CloseEvent{Code: closeErr.Code, Reason: closeErr.Text, WasClean: true})
	case userClosed:
		// Peer dropped the socket instead of answering our close frame.
		c.handler.OnClose(CloseEvent{Code: CloseNormal, WasClean: true})
	default:
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
			c.log.Debug().Err(err).Str("url", c.url).Msg("connection lost")
		}
		c.handler.OnError(err)
		c.handler.OnClose(CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
	}
}

func (c *wsHandle) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSendFailed, state)
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (c *wsHandle) Close() {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.state = StateClosing
		c.mu.Unlock()
		c.cancel()
	case StateOpen:
		c.state = StateClosing
		conn := c.conn
		c.mu.Unlock()

		// The close frame waits for gorilla's write lock, which a Send to a
		// stalled peer may hold; Close itself must return at once.
		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
				conn.Close()
				return
			}
			// Unblock the read loop if the peer never answers.
			time.AfterFunc(closeGrace, func() { conn.Close() })
		}()
	default:
		c.mu.Unlock()
	}
}
