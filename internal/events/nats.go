package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with JSON publishing and tracked
// subscriptions.
type Client struct {
	conn       *nats.Conn
	subs       map[string]*nats.Subscription
	mu         sync.Mutex
	reconnects atomic.Int64
	prefix     string
	log        *slog.Logger
}

type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	// Prefix is prepended to every published event subject.
	Prefix string
}

func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	client := &Client{
		subs:   make(map[string]*nats.Subscription),
		prefix: cfg.Prefix,
		log:    log,
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			client.reconnects.Add(1)
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	client.conn = conn
	return client, nil
}

// Publish sends data as JSON on prefix.topic.
func (c *Client) Publish(ctx context.Context, topic string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := topic
	if c.prefix != "" {
		subject = c.prefix + "." + topic
	}
	return c.conn.Publish(subject, payload)
}

// QueueSubscribe subscribes to subject as a member of queue.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}
	c.subs[key] = sub
	return nil
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close drains subscriptions so in-flight handlers finish.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("nats drain failed", "subscription", key, "error", err)
		}
		delete(c.subs, key)
	}
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}
