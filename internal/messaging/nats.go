// Package messaging provides a NATS client wrapper used to relay chat
// broadcasts between server instances. Presence remains per-instance (each
// server only knows its own roster — a documented boundary of the design),
// but message:new and messages:deleted frames are fanned out over NATS so
// clients attached to different instances see the same message stream.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectBroadcast carries relayed broadcast frames between chat servers.
const SubjectBroadcast = "eshare.chat.broadcast"

// Event is the payload published to the broadcast subject. Frame is the
// already-encoded server message; receiving instances write it to their local
// connections verbatim. Origin identifies the publishing instance so it can
// skip its own events.
type Event struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Client wraps the NATS connection with helper methods for the broadcast
// relay.
type Client struct {
	conn *nats.Conn
	name string
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as the relay origin
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "eshare-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		name: config.Name,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishBroadcast relays an encoded server frame to all other instances.
func (c *Client) PublishBroadcast(frame []byte) error {
	event := Event{Origin: c.name, Frame: frame}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats marshal event: %w", err)
	}
	return c.conn.Publish(SubjectBroadcast, data)
}

// SubscribeBroadcast registers a handler for relayed frames from other
// instances. Events published by this instance are filtered out.
func (c *Client) SubscribeBroadcast(handler func(frame []byte)) error {
	sub, err := c.conn.Subscribe(SubjectBroadcast, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] broadcast unmarshal error: %v", err)
			return
		}
		if event.Origin == c.name {
			return // don't echo our own broadcasts
		}
		handler(event.Frame)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectBroadcast, err)
	}

	c.mu.Lock()
	c.subs[SubjectBroadcast] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	c.conn.Close()
}
