// Package messaging provides the NATS client wrapper used for room event
// fan-out between the gateway and relay nodes. It handles connection
// lifecycle, subject naming for room and presence channels, and a
// per-owner subscription registry so one relay node can hold many sockets
// on the same channel.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject prefixes. Room events and presence membership changes for a
// channel travel on separate subjects so presence failures never stall the
// chat stream.
const (
	SubjectRoom     = "room"     // + .<channel>
	SubjectPresence = "presence" // + .<channel>
)

// RoomSubject returns the subject carrying events for a channel.
func RoomSubject(channelName string) string {
	return SubjectRoom + "." + channelName
}

// PresenceSubject returns the subject carrying membership changes for a
// presence channel.
func PresenceSubject(channelName string) string {
	return SubjectPresence + "." + channelName
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "tabsplit",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
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
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomEvent publishes an event envelope to every subscriber of a
// channel.
func (c *Client) PublishRoomEvent(channelName string, data []byte) error {
	return c.Publish(RoomSubject(channelName), data)
}

// PublishPresenceChange publishes a membership change for a presence
// channel.
func (c *Client) PublishPresenceChange(channelName string, data []byte) error {
	return c.Publish(PresenceSubject(channelName), data)
}

// subKey builds the registry key for one owner's subscription to one
// subject. Keying by owner lets many sockets on the same node follow the
// same channel without overwriting each other's subscriptions.
func subKey(ownerID, subject string) string {
	return ownerID + "|" + subject
}

// SubscribeRoom subscribes an owner (typically a socket id) to a channel's
// event stream.
func (c *Client) SubscribeRoom(channelName, ownerID string, handler func(data []byte)) error {
	return c.subscribe(RoomSubject(channelName), ownerID, handler)
}

// SubscribePresence subscribes an owner to a presence channel's membership
// changes.
func (c *Client) SubscribePresence(channelName, ownerID string, handler func(data []byte)) error {
	return c.subscribe(PresenceSubject(channelName), ownerID, handler)
}

func (c *Client) subscribe(subject, ownerID string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subKey(ownerID, subject)] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom removes an owner's subscription to a channel's events.
func (c *Client) UnsubscribeRoom(channelName, ownerID string) error {
	return c.unsubscribe(subKey(ownerID, RoomSubject(channelName)))
}

// UnsubscribePresence removes an owner's subscription to a presence
// channel's membership changes.
func (c *Client) UnsubscribePresence(channelName, ownerID string) error {
	return c.unsubscribe(subKey(ownerID, PresenceSubject(channelName)))
}

// UnsubscribeOwner removes every subscription held by an owner. Called on
// socket disconnect, where the relay does not track which channels the
// socket had joined at the NATS layer.
func (c *Client) UnsubscribeOwner(ownerID string) {
	prefix := ownerID + "|"

	c.mu.Lock()
	var keys []string
	for key := range c.subs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	subs := make([]*nats.Subscription, 0, len(keys))
	for _, key := range keys {
		subs = append(subs, c.subs[key])
		delete(c.subs, key)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe owner %s: %v", ownerID, err)
		}
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a specific registry entry.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
