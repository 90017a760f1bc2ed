package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/iobeam/rssibeam/internal/config"
)

// ErrNotConnected is returned when publishing before [Conn.Start].
var ErrNotConnected = errors.New("mqtt: not connected")

// Publisher sends one message. *autopaho.ConnectionManager and [Conn]
// both satisfy it.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// ConnectHook runs after every successful (re)connect.
type ConnectHook func(ctx context.Context, pub Publisher)

// Conn is a managed broker connection shared by the telemetry transport
// and the status publisher.
type Conn struct {
	cfg    config.MQTTConfig
	topics Topics
	logger *slog.Logger

	mu    sync.Mutex
	cm    *autopaho.ConnectionManager
	hooks []ConnectHook
}

// NewConn prepares a connection. Nothing is dialed until Start.
func NewConn(cfg config.MQTTConfig, logger *slog.Logger) *Conn {
	return &Conn{
		cfg:    cfg,
		topics: TopicsFor(cfg),
		logger: logger,
	}
}

// Topics returns the topic layout for this connection.
func (c *Conn) Topics() Topics {
	return c.topics
}

// OnConnect registers hook to run on every (re)connect. Hooks added
// after Start take effect from the next reconnect.
func (c *Conn) OnConnect(hook ConnectHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Start begins connecting in the background and returns once the
// connection manager exists. Use [Conn.AwaitConnection] to wait for the
// first successful connect.
func (c *Conn) Start(ctx context.Context) error {
	broker, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	avail := c.topics.Availability()
	pc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   avail,
			Payload: []byte(StatusOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
			publishAvailability(ctx, cm, avail, StatusOnline, c.logger)

			c.mu.Lock()
			hooks := append([]ConnectHook(nil), c.hooks...)
			c.mu.Unlock()
			for _, h := range hooks {
				h(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connect failed", "broker", c.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.DeviceName,
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}
	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" {
		pc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pc)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()
	return nil
}

func (c *Conn) manager() *autopaho.ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cm
}

// Publish sends p over the managed connection.
func (c *Conn) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	cm := c.manager()
	if cm == nil {
		return nil, ErrNotConnected
	}
	return cm.Publish(ctx, p)
}

// AwaitConnection blocks until the broker link is up or ctx ends.
func (c *Conn) AwaitConnection(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Stop marks the device offline and disconnects.
func (c *Conn) Stop(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return nil
	}
	publishAvailability(ctx, cm, c.topics.Availability(), StatusOffline, c.logger)
	return cm.Disconnect(ctx)
}

// Availability payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

func publishAvailability(ctx context.Context, pub Publisher, topic, status string, logger *slog.Logger) {
	err := publish(ctx, pub, &paho.Publish{
		Topic:   topic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	logger.Debug("mqtt availability published", "status", status)
}

// publish sends p and treats a reason code of 0x80 or above as failure.
func publish(ctx context.Context, pub Publisher, p *paho.Publish) error {
	resp, err := pub.Publish(ctx, p)
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.Topic, err)
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		reason := ""
		if resp.Properties != nil {
			reason = resp.Properties.ReasonString
		}
		return fmt.Errorf("publish %s: broker rejected (reason 0x%02x) %s", p.Topic, resp.ReasonCode, reason)
	}
	return nil
}
