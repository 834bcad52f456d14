// Package messaging provides a NATS client wrapper bridging real-time events
// between serving instances. A user's connections may be spread over several
// processes; each process subscribes to the inbox subject of every user it
// currently serves and re-publishes outbound frames so the rest of the fleet
// can complete the fan-out.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the real-time core.
const (
	SubjectUserPrefix = "realtime.user."   // + <user_id>: frames destined for a user
	SubjectPresence   = "realtime.presence" // online/offline transitions, fleet-wide
)

// UserEvent is the payload published on realtime.user.<id>. Origin lets the
// publishing instance skip its own events, since it already delivered locally.
type UserEvent struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// PresenceEvent is the payload published on realtime.presence.
type PresenceEvent struct {
	Origin string `json:"origin"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Client wraps the NATS connection with helper methods for the core's
// subjects.
type Client struct {
	conn     *nats.Conn
	instance string
	mu       sync.Mutex
	subs     map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Instance      string        // name identifying this serving process
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Instance:      "realtime-1",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Instance),
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
		conn:     nc,
		instance: config.Instance,
		subs:     make(map[string]*nats.Subscription),
	}, nil
}

// PublishUserEvent publishes a frame destined for the user's connections on
// other instances. Implements the delivery pipeline's Publisher interface.
func (c *Client) PublishUserEvent(userID string, frame []byte) error {
	data, err := json.Marshal(UserEvent{Origin: c.instance, Frame: frame})
	if err != nil {
		return fmt.Errorf("nats marshal user event: %w", err)
	}
	return c.conn.Publish(SubjectUserPrefix+userID, data)
}

// SubscribeUserEvents subscribes to the user's inbox subject and passes
// frames published by other instances to the handler. Events originating
// from this instance are skipped. One subscription per user is kept;
// resubscribing replaces the old one.
func (c *Client) SubscribeUserEvents(userID string, handler func(frame []byte)) error {
	subject := SubjectUserPrefix + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event UserEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad user event on %s: %v", subject, err)
			return
		}
		if event.Origin == c.instance {
			return // already delivered locally
		}
		handler(event.Frame)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeUserEvents drops the user's inbox subscription, typically when
// the user's last local connection closes.
func (c *Client) UnsubscribeUserEvents(userID string) error {
	return c.unsubscribe(SubjectUserPrefix + userID)
}

// PublishPresence broadcasts an online/offline transition to the fleet.
func (c *Client) PublishPresence(userID string, online bool) error {
	data, err := json.Marshal(PresenceEvent{Origin: c.instance, UserID: userID, Online: online})
	if err != nil {
		return fmt.Errorf("nats marshal presence event: %w", err)
	}
	return c.conn.Publish(SubjectPresence, data)
}

// SubscribePresence subscribes to fleet-wide presence transitions, skipping
// this instance's own.
func (c *Client) SubscribePresence(handler func(PresenceEvent)) error {
	sub, err := c.conn.Subscribe(SubjectPresence, func(msg *nats.Msg) {
		var event PresenceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad presence event: %v", err)
			return
		}
		if event.Origin == c.instance {
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectPresence, err)
	}

	c.mu.Lock()
	c.subs[SubjectPresence] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
