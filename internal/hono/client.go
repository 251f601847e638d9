package hono

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrNotConnected = errors.New("hono: client not connected")
	ErrTimeout      = errors.New("hono: operation timed out")
)

const (
	defaultInboxSize      = 32
	defaultPublishTimeout = 5 * time.Second
	connectTimeout        = 10 * time.Second
	disconnectQuiesce     = 1000 // milliseconds
)

// Config holds the Hono MQTT adapter connection settings.
type Config struct {
	Broker   string // e.g. ssl://mqtt.hono.example.org:8883
	ClientID string // usually the thing id "<namespace>:<name>"
	TenantID string
	AuthID   string
	Password string

	CAFile             string
	InsecureSkipVerify bool

	Topics         Topics
	InboxSize      int
	PublishTimeout time.Duration
}

// Username is the "<auth-id>@<tenant-id>" login Hono expects.
func (c Config) Username() string {
	if c.TenantID == "" {
		return c.AuthID
	}
	return c.AuthID + "@" + c.TenantID
}

type inbound struct {
	topic   string
	payload []byte
}

// Client is the MQTT transport between the agent and Hono. Reconnects are
// handled by paho; inbound commands are queued and handed to the agent from
// its own loop by Service.
type Client struct {
	client   pahomqtt.Client
	cfg      Config
	logger   *slog.Logger
	inbox    chan inbound
	commands atomic.Bool
	dropped  atomic.Uint64
}

// NewClient prepares a client. Call Connect to start connecting.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "hono"),
		inbox:  make(chan inbound, cfg.InboxSize),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.logger.Info("MQTT connected", "broker", cfg.Broker)
			c.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.AuthID != "" {
		opts.SetUsername(cfg.Username())
		opts.SetPassword(cfg.Password)
	}

	if cfg.CAFile != "" || cfg.InsecureSkipVerify {
		tlsCfg, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	c.client = pahomqtt.NewClient(opts)
	return c, nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// EnableCommands makes the client subscribe to command requests on every
// (re)connect. Call before Connect.
func (c *Client) EnableCommands(on bool) {
	c.commands.Store(on)
}

// Connect starts connecting in the background and waits briefly for the
// first attempt. A timeout is not an error: paho keeps retrying.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.logger.Warn("MQTT connect pending, retrying in background", "broker", c.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(disconnectQuiesce)
	c.logger.Info("MQTT disconnected")
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Service hands every queued inbound message to deliver, on the caller's
// goroutine, and returns once the queue is empty.
func (c *Client) Service(deliver func(topic string, payload []byte)) {
	for {
		select {
		case m := <-c.inbox:
			deliver(m.topic, m.payload)
		default:
			return
		}
	}
}

// Send marshals doc as JSON and publishes it. A nil doc publishes an empty
// payload. Failures are logged and reported as false.
func (c *Client) Send(topic string, doc any, qos byte) bool {
	var payload []byte
	if doc != nil {
		b, err := json.Marshal(doc)
		if err != nil {
			c.logger.Error("marshal message", "topic", topic, "err", err)
			return false
		}
		payload = b
	}
	if err := c.publish(topic, qos, payload); err != nil {
		c.logger.Warn("MQTT publish failed", "topic", topic, "err", err)
		return false
	}
	return true
}

// Dropped returns how many inbound messages were discarded on a full queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) publish(topic string, qos byte, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (c *Client) subscribeCommands() {
	if !c.commands.Load() {
		return
	}
	filter := c.cfg.Topics.CommandSubscription()
	token := c.client.Subscribe(filter, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.enqueue(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(connectTimeout) {
			c.logger.Warn("MQTT subscribe timeout", "topic", filter)
		} else if err := token.Error(); err != nil {
			c.logger.Error("MQTT subscribe", "topic", filter, "err", err)
		} else {
			c.logger.Info("subscribed to commands", "topic", filter)
		}
	}()
}

func (c *Client) enqueue(topic string, payload []byte) {
	select {
	case c.inbox <- inbound{topic: topic, payload: payload}:
	default:
		c.dropped.Add(1)
		c.logger.Warn("command queue full, dropping message", "topic", topic)
	}
}
