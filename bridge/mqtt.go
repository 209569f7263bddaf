package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures an MQTTTransport
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// OperationTimeout bounds each subscribe and publish round trip
	OperationTimeout time.Duration
	// Buffer is the number of inbound messages queued before the broker connection blocks
	Buffer int
}

// MQTTTransport maps the bridge operations onto an MQTT broker: subscribe
// becomes an MQTT SUBSCRIBE, publish an MQTT PUBLISH of the JSON message.
// MQTT has no advertise, so advertise frames are accepted and dropped.
//
// Paho's own reconnect is disabled; the Client owns the reconnection policy.
type MQTTTransport struct {
	opts      MQTTOptions
	logger    *log.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewMQTTTransport creates a transport for the broker in opts
func NewMQTTTransport(opts MQTTOptions, logger *log.Logger) *MQTTTransport {
	if opts.ClientID == "" {
		opts.ClientID = "navdash"
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if logger == nil {
		logger = log.Default().WithPrefix("mqtt")
	}
	return &MQTTTransport{opts: opts, logger: logger, newClient: mqtt.NewClient}
}

// Dial connects to the broker
func (t *MQTTTransport) Dial(ctx context.Context) (Conn, error) {
	if t.opts.Broker == "" {
		return nil, errors.New("mqtt: broker not set")
	}

	conn := &mqttConn{
		prefix:  t.opts.TopicPrefix,
		qos:     t.opts.QoS,
		timeout: t.opts.OperationTimeout,
		frames:  make(chan Frame, t.opts.Buffer),
		done:    make(chan struct{}),
		logger:  t.logger,
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(t.opts.Broker)
	o.SetClientID(t.opts.ClientID)
	if t.opts.Username != "" {
		o.SetUsername(t.opts.Username)
		o.SetPassword(t.opts.Password)
	}
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetCleanSession(true)
	o.SetKeepAlive(30 * time.Second)
	o.SetPingTimeout(10 * time.Second)
	o.SetOrderMatters(true) // frames must reach the Client in broker order
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		conn.fail(err)
	})

	client := t.newClient(o)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", t.opts.Broker, err)
	}

	conn.client = client
	t.logger.Info("connected to MQTT broker", "broker", t.opts.Broker, "client_id", t.opts.ClientID)
	return conn, nil
}

type mqttConn struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	frames  chan Frame
	done    chan struct{}
	logger  *log.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// brokerTopic maps a bridge topic ("/cmd_vel") to a broker topic ("robot/cmd_vel")
func (c *mqttConn) brokerTopic(topic string) string {
	if c.prefix == "" {
		return topic
	}
	return strings.TrimSuffix(c.prefix, "/") + "/" + strings.TrimPrefix(topic, "/")
}

func (c *mqttConn) Send(env Envelope) error {
	switch env.Op {
	case OpSubscribe:
		return c.wait(c.client.Subscribe(c.brokerTopic(env.Topic), c.qos, c.onMessage(env.Topic)), env)
	case OpPublish:
		return c.wait(c.client.Publish(c.brokerTopic(env.Topic), c.qos, false, []byte(env.Msg)), env)
	case OpAdvertise:
		return nil
	default:
		return fmt.Errorf("mqtt: unsupported op %q", env.Op)
	}
}

func (c *mqttConn) wait(token mqtt.Token, env Envelope) error {
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt %s %s: timed out after %v", env.Op, env.Topic, c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s %s: %w", env.Op, env.Topic, err)
	}
	return nil
}

// onMessage wraps broker messages for topic into Frames. Payloads that are
// not JSON are delivered as a JSON string.
func (c *mqttConn) onMessage(topic string) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		payload := m.Payload()
		msg := json.RawMessage(payload)
		if !json.Valid(payload) {
			quoted, err := json.Marshal(string(payload))
			if err != nil {
				framesDropped.WithLabelValues("malformed").Inc()
				return
			}
			msg = quoted
		}
		select {
		case c.frames <- Frame{Topic: topic, Msg: msg}:
		case <-c.done:
		}
	}
}

func (c *mqttConn) Receive() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return Frame{}, c.err
	}
}

func (c *mqttConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("mqtt connection lost: %w", err)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = ErrConnClosed
		c.mu.Unlock()
		close(c.done)
	})
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}
