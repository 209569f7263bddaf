package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyConnecting is returned by Connect while a dial is in flight
	ErrAlreadyConnecting = errors.New("bridge: connect already in progress")
	// ErrConnectCanceled is returned by Connect when Disconnect was called during the dial
	ErrConnectCanceled = errors.New("bridge: connect canceled by disconnect")
)

const (
	// DefaultReconnectInterval is the delay before each reconnect attempt
	DefaultReconnectInterval = 3 * time.Second
	// DefaultMaxReconnectAttempts bounds consecutive failed reconnects
	DefaultMaxReconnectAttempts = 5
	// DefaultDialTimeout bounds a single dial
	DefaultDialTimeout = 10 * time.Second

	warnInterval = 5 * time.Second
)

// Handler receives the msg field of inbound frames for one topic
type Handler func(msg json.RawMessage)

// Subscription is the registry entry for one topic. At most one exists per topic.
type Subscription struct {
	Topic   string  `json:"topic"`
	Type    string  `json:"type"`
	Handler Handler `json:"-"`
	// Active is set once the subscribe frame went out on a connection
	Active bool `json:"active"`
}

type advertisement struct {
	msgType string
	live    bool
}

// reconnectHandle identifies one scheduled reconnect. Disconnect stops the
// timer and clears the handle; a timer that already fired sees a different
// handle and does nothing.
type reconnectHandle struct {
	timer *time.Timer
}

// Option configures a Client
type Option func(*Client)

// WithReconnectInterval sets the fixed delay before each reconnect attempt
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) {
		c.reconnectInterval = d
	}
}

// WithMaxReconnectAttempts bounds consecutive failed reconnects. Zero disables reconnection.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) {
		c.maxReconnectAttempts = n
	}
}

// WithDialTimeout bounds each dial. Zero means only the caller's context applies.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithLogger sets the client logger
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client keeps one logical connection to a message bridge and multiplexes
// topic subscriptions and publications over it.
//
// All state and registry mutation happens under mu. Handlers and
// connection listeners are always invoked without holding it, so they may
// call back into the client. Listener calls are queued at the moment of the
// transition and run one at a time, so they observe transitions in order.
type Client struct {
	transport            Transport
	logger               *log.Logger
	reconnectInterval    time.Duration
	maxReconnectAttempts int
	dialTimeout          time.Duration
	warnLimiter          *rate.Limiter

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          uint64
	attempts     int
	pending      *reconnectHandle
	cancelDial   context.CancelFunc
	subs         map[string]*Subscription
	advertised   map[string]*advertisement
	onConnect    []func()
	onDisconnect []func()
	notifyQueue  []func()
	notifying    bool
}

// NewClient creates a disconnected client for transport
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:            transport,
		reconnectInterval:    DefaultReconnectInterval,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		dialTimeout:          DefaultDialTimeout,
		warnLimiter:          rate.NewLimiter(rate.Every(warnInterval), 1),
		subs:                 make(map[string]*Subscription),
		advertised:           make(map[string]*advertisement),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default().WithPrefix("bridge")
	}
	connectionState.Set(float64(Disconnected))
	return c
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// OnConnection registers cb to run after every successful connect.
// If another goroutine is running listeners at the time, cb runs on that
// goroutine after the listeners queued before it.
func (c *Client) OnConnection(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, cb)
}

// OnDisconnection registers cb to run every time an open connection is lost or closed
func (c *Client) OnDisconnection(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, cb)
}

// Connect dials the bridge and returns once the connection is open.
// Calling Connect while Reconnecting cancels the pending timer and dials now.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	c.stopReconnectLocked()
	c.attempts = 0
	gen, dialCtx, cancel := c.beginDialLocked(ctx)
	c.mu.Unlock()

	c.logger.Info("connecting to bridge")
	return c.finishDial(dialCtx, cancel, gen, false)
}

// beginDialLocked moves to Connecting and returns the dial generation
func (c *Client) beginDialLocked(ctx context.Context) (uint64, context.Context, context.CancelFunc) {
	c.setStateLocked(Connecting)
	c.gen++

	var dialCtx context.Context
	var cancel context.CancelFunc
	if c.dialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	c.cancelDial = cancel
	return c.gen, dialCtx, cancel
}

func (c *Client) finishDial(ctx context.Context, cancel context.CancelFunc, gen uint64, reconnect bool) error {
	conn, err := c.transport.Dial(ctx)
	cancel()

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect ran while we were dialing
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrConnectCanceled
	}
	c.cancelDial = nil

	if err != nil {
		if reconnect {
			c.scheduleReconnectLocked()
		} else {
			c.setStateLocked(Disconnected)
		}
		c.mu.Unlock()
		c.logger.Warn("bridge dial failed", "err", err)
		return fmt.Errorf("bridge: dial: %w", err)
	}

	c.conn = conn
	c.attempts = 0
	c.setStateLocked(Connected)
	c.restoreLocked()
	c.notifyQueue = append(c.notifyQueue, c.onConnect...)
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	c.logger.Info("bridge connected")
	c.runListeners()
	return nil
}

// restoreLocked re-sends the subscribe and advertise frames that were live on
// the previous connection. The bridge forgets them when the socket closes.
func (c *Client) restoreLocked() {
	for _, topic := range sortedKeys(c.advertised) {
		a := c.advertised[topic]
		if !a.live {
			continue
		}
		if err := c.conn.Send(Envelope{Op: OpAdvertise, Topic: topic, Type: a.msgType}); err != nil {
			a.live = false
			c.sendFailedLocked(OpAdvertise, topic, err)
		}
	}
	for _, topic := range sortedKeys(c.subs) {
		s := c.subs[topic]
		if !s.Active {
			continue
		}
		if err := c.conn.Send(Envelope{Op: OpSubscribe, Topic: topic, Type: s.Type}); err != nil {
			s.Active = false
			c.sendFailedLocked(OpSubscribe, topic, err)
		}
	}
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		f, err := conn.Receive()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		c.dispatch(f)
	}
}

// dispatch hands a frame to the handler registered for its topic at this moment
func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	var h Handler
	if s, ok := c.subs[f.Topic]; ok {
		h = s.Handler
	}
	c.mu.Unlock()

	if h == nil {
		framesDropped.WithLabelValues("no_handler").Inc()
		return
	}
	framesReceived.Inc()
	h(f.Msg)
}

// handleClose runs when the read loop of connection gen ends
func (c *Client) handleClose(conn Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		// Disconnect already tore this connection down
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasConnected := c.state == Connected
	c.scheduleReconnectLocked()
	state := c.state
	if wasConnected {
		c.notifyQueue = append(c.notifyQueue, c.onDisconnect...)
	}
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("bridge connection lost", "err", cause, "next", state)
	c.runListeners()
}

// runListeners drains the listener queue without holding mu. When another
// goroutine is already draining, it picks up the queued calls instead.
func (c *Client) runListeners() {
	c.mu.Lock()
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for len(c.notifyQueue) > 0 {
		cb := c.notifyQueue[0]
		c.notifyQueue = c.notifyQueue[1:]
		c.mu.Unlock()
		cb()
		c.mu.Lock()
	}
	c.notifying = false
	c.mu.Unlock()
}

// scheduleReconnectLocked arms the reconnect timer, or gives up and moves to
// Disconnected once the attempt bound is reached.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.maxReconnectAttempts {
		if c.maxReconnectAttempts > 0 {
			c.logger.Error("giving up on bridge", "attempts", c.attempts)
		}
		c.setStateLocked(Disconnected)
		return
	}
	c.attempts++
	c.setStateLocked(Reconnecting)
	reconnectAttempts.Inc()

	h := &reconnectHandle{}
	c.pending = h
	h.timer = time.AfterFunc(c.reconnectInterval, func() { c.runReconnect(h) })
	c.logger.Info("bridge reconnect scheduled",
		"attempt", c.attempts, "max", c.maxReconnectAttempts, "in", c.reconnectInterval)
}

func (c *Client) runReconnect(h *reconnectHandle) {
	c.mu.Lock()
	if c.pending != h || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	gen, dialCtx, cancel := c.beginDialLocked(context.Background())
	c.mu.Unlock()

	_ = c.finishDial(dialCtx, cancel, gen, true)
}

func (c *Client) stopReconnectLocked() {
	if c.pending != nil {
		c.pending.timer.Stop()
		c.pending = nil
	}
}

// Disconnect forces the client to Disconnected from any state. A pending
// reconnect timer is stopped and an in-flight dial is canceled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	prev := c.state
	c.setStateLocked(Disconnected)
	c.gen++
	c.attempts = 0
	c.stopReconnectLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	if prev == Connected {
		c.notifyQueue = append(c.notifyQueue, c.onDisconnect...)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if prev != Disconnected {
		c.logger.Info("bridge disconnected", "from", prev)
	}
	c.runListeners()
}

// Subscribe registers handler as the only handler for topic, replacing any
// previous one, and sends a subscribe frame if connected. While not
// connected the handler is recorded but nothing is sent or queued; a topic
// that was subscribed on the lost connection is still restored on reconnect.
func (c *Client) Subscribe(topic, msgType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Subscription{Topic: topic, Type: msgType, Handler: handler}
	if prev, ok := c.subs[topic]; ok {
		// a topic live on the last connection stays due for restore
		s.Active = prev.Active
	}
	c.subs[topic] = s

	if c.state != Connected {
		c.notConnectedLocked(OpSubscribe, topic)
		return
	}
	if err := c.conn.Send(Envelope{Op: OpSubscribe, Topic: topic, Type: msgType}); err != nil {
		s.Active = false
		c.sendFailedLocked(OpSubscribe, topic, err)
		return
	}
	s.Active = true
}

// Publish sends payload on topic if connected and drops it otherwise.
// payload is JSON-encoded; json.RawMessage is sent as is.
func (c *Client) Publish(topic, msgType string, payload any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		sendsDropped.WithLabelValues(OpPublish, "encode_error").Inc()
		c.logger.Error("cannot encode message", "topic", topic, "type", msgType, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected {
		c.notConnectedLocked(OpPublish, topic)
		return
	}
	if err := c.conn.Send(Envelope{Op: OpPublish, Topic: topic, Type: msgType, Msg: msg}); err != nil {
		c.sendFailedLocked(OpPublish, topic, err)
	}
}

// Advertise announces that this client will publish on topic
func (c *Client) Advertise(topic, msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := &advertisement{msgType: msgType}
	if prev, ok := c.advertised[topic]; ok {
		a.live = prev.live
	}
	c.advertised[topic] = a

	if c.state != Connected {
		c.notConnectedLocked(OpAdvertise, topic)
		return
	}
	if err := c.conn.Send(Envelope{Op: OpAdvertise, Topic: topic, Type: msgType}); err != nil {
		a.live = false
		c.sendFailedLocked(OpAdvertise, topic, err)
		return
	}
	a.live = true
}

// Subscriptions returns the registered subscriptions sorted by topic
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.subs))
	for _, topic := range sortedKeys(c.subs) {
		out = append(out, *c.subs[topic])
	}
	return out
}

func (c *Client) notConnectedLocked(op, topic string) {
	sendsDropped.WithLabelValues(op, "not_connected").Inc()
	if c.warnLimiter.Allow() {
		c.logger.Warn("not connected, dropping "+op, "topic", topic, "state", c.state)
	}
}

func (c *Client) sendFailedLocked(op, topic string, err error) {
	sendsDropped.WithLabelValues(op, "send_error").Inc()
	c.logger.Error("send failed", "op", op, "topic", topic, "err", err)
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	connectionState.Set(float64(s))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
