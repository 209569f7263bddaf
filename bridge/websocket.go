package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	// DefaultWriteTimeout bounds writing a single frame
	DefaultWriteTimeout = 5 * time.Second
	// DefaultReadLimit is the largest inbound frame accepted (occupancy grids can be large)
	DefaultReadLimit = 16 << 20
)

// WebSocketOption configures a WebSocketTransport
type WebSocketOption func(*WebSocketTransport)

// WithHeader sets extra HTTP headers for the handshake (e.g. authorization)
func WithHeader(h http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.header = h
	}
}

// WithWriteTimeout sets the per-frame write deadline
func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = d
	}
}

// WithReadLimit sets the maximum inbound frame size in bytes
func WithReadLimit(n int64) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readLimit = n
	}
}

// WithTransportLogger sets the logger used for skipped frames
func WithTransportLogger(l *log.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.logger = l
	}
}

// WebSocketTransport speaks rosbridge JSON envelopes over a WebSocket
type WebSocketTransport struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	readLimit    int64
	logger       *log.Logger
}

// NewWebSocketTransport creates a transport for url (ws:// or wss://)
func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = log.Default().WithPrefix("websocket")
	}
	return t
}

// URL returns the bridge address
func (t *WebSocketTransport) URL() string { return t.url }

// Dial opens the WebSocket
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", t.url, err)
	}
	if t.readLimit > 0 {
		ws.SetReadLimit(t.readLimit)
	}
	return &wsConn{ws: ws, writeTimeout: t.writeTimeout, logger: t.logger}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	logger       *log.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *wsConn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket write %s %s: %w", env.Op, env.Topic, err)
	}
	return nil
}

func (c *wsConn) Receive() (Frame, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return Frame{}, ErrConnClosed
			}
			return Frame{}, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		f, err := ParseFrame(data)
		if err != nil {
			framesDropped.WithLabelValues("malformed").Inc()
			c.logger.Debug("skipping frame", "err", err, "bytes", len(data))
			continue
		}
		return f, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug("close handshake failed", "err", werr)
		}
		err = c.ws.Close()
	})
	return err
}
