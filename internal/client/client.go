// Package client provides the room client binding: it dials a relay using
// gobwas/ws (the same library the relay uses), authorizes channels through
// the gateway, and pumps incoming frames into the feed log and presence
// tracker. The binding holds no authority of its own; everything it renders
// is derived from replayed events and presence announcements.
package client

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tabsplit/tabsplit/internal/channel"
	"github.com/tabsplit/tabsplit/internal/event"
	"github.com/tabsplit/tabsplit/internal/feed"
	"github.com/tabsplit/tabsplit/internal/presence"
	"github.com/tabsplit/tabsplit/internal/protocol"
)

// AuthFunc authorizes one channel for one socket. It is normally backed by
// the gateway's /realtime/auth endpoint and returns the signed channel
// token to present on subscribe.
type AuthFunc func(ctx context.Context, socketID, channelName string) (string, error)

// Config holds the client's wiring.
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// Auth authorizes channel subscriptions.
	Auth AuthFunc

	// Self is the local member, used to seed the presence tracker so the
	// count never reads zero while the room is degraded.
	Self presence.Member

	// HandshakeTimeout bounds the wait for connection_established.
	HandshakeTimeout time.Duration
}

// Client is one live binding to a relay.
type Client struct {
	config  Config
	tracker *presence.Tracker
	log     *feed.Log

	mu       sync.Mutex
	conn     net.Conn
	socketID string
	channels map[string]struct{} // subscribed channels, for rebind
	pending  map[string]chan error
	done     chan struct{}
	closed   sync.Once

	errCh chan error
}

// Dial connects to the relay and waits for the connection_established
// handshake. The returned client is ready to Subscribe.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}

	tracker := presence.NewTracker(config.Self)
	c := &Client{
		config:   config,
		tracker:  tracker,
		log:      feed.NewLog(tracker),
		channels: make(map[string]struct{}),
		pending:  make(map[string]chan error),
		done:     make(chan struct{}),
		errCh:    make(chan error, 16),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials the relay and completes the socket handshake. Callers hold
// no locks; connect is used both from Dial and Rebind.
func (c *Client) connect(ctx context.Context) error {
	conn, br, _, err := ws.Dial(ctx, c.config.URL)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.config.URL, err)
	}

	// ws.Dial hands back any bytes that arrived coalesced with the
	// handshake response; reads must go through them or frames are lost.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}

	// The first frame must be connection_established carrying the socket
	// id the gateway will bind tokens to.
	_ = conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	data, err := wsutil.ReadServerText(rw)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	msgType, msg, err := protocol.ParseRelayMessage(data)
	if err != nil {
		conn.Close()
		return fmt.Errorf("client: handshake parse: %w", err)
	}
	established, ok := msg.(protocol.ConnectionEstablishedMsg)
	if !ok || msgType != protocol.TypeConnectionEstablished {
		conn.Close()
		return fmt.Errorf("client: unexpected handshake frame %q", msgType)
	}

	c.mu.Lock()
	c.conn = conn
	c.socketID = established.SocketID
	c.mu.Unlock()

	go c.readLoop(rw)
	return nil
}

// SocketID returns the relay-assigned socket id for the current connection.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Feed returns the client's event log reducer.
func (c *Client) Feed() *feed.Log {
	return c.log
}

// Presence returns the client's presence tracker.
func (c *Client) Presence() *presence.Tracker {
	return c.tracker
}

// Errors delivers event-channel failures to the caller. Presence failures
// are absorbed into the tracker's degraded flag instead.
func (c *Client) Errors() <-chan error {
	return c.errCh
}

// Subscribe authorizes and joins a channel, blocking until the relay
// confirms or rejects the subscription. A rejected presence channel leaves
// the client usable with degraded presence; a rejected event channel is
// returned as an error.
func (c *Client) Subscribe(ctx context.Context, channelName string) error {
	c.mu.Lock()
	socketID := c.socketID
	c.mu.Unlock()

	token, err := c.config.Auth(ctx, socketID, channelName)
	if err != nil {
		return fmt.Errorf("client: authorize %s: %w", channelName, err)
	}

	ack := make(chan error, 1)
	c.mu.Lock()
	c.pending[channelName] = ack
	c.mu.Unlock()

	frame, err := protocol.NewMessage(protocol.TypeSubscribe, protocol.SubscribeMsg{
		Channel: channelName,
		Auth:    token,
	})
	if err != nil {
		return fmt.Errorf("client: build subscribe: %w", err)
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("client: send subscribe: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client: connection closed during subscribe")
	case err := <-ack:
		if err != nil {
			if channel.IsPresence(channelName) {
				// Presence is an indicator, not a dependency. Chat keeps
				// flowing on the event channel.
				c.tracker.SetDegraded(true)
				c.rememberChannel(channelName)
				return nil
			}
			return err
		}
	}

	c.rememberChannel(channelName)
	return nil
}

func (c *Client) rememberChannel(channelName string) {
	c.mu.Lock()
	c.channels[channelName] = struct{}{}
	c.mu.Unlock()
}

// Rebind tears the connection down and establishes a fresh one,
// re-authorizing every channel the client was subscribed to. Used after a
// display-name change: tokens embed the username, so new credentials
// require a new handshake.
func (c *Client) Rebind(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	resubscribe := make([]string, 0, len(c.channels))
	for name := range c.channels {
		resubscribe = append(resubscribe, name)
	}
	c.channels = make(map[string]struct{})
	oldDone := c.done
	c.done = make(chan struct{})
	c.mu.Unlock()

	close(oldDone)
	if conn != nil {
		conn.Close()
	}

	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("client: rebind: %w", err)
	}

	for _, name := range resubscribe {
		if err := c.Subscribe(ctx, name); err != nil {
			return fmt.Errorf("client: rebind subscribe %s: %w", name, err)
		}
	}
	return nil
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closed.Do(func() {
		c.mu.Lock()
		done := c.done
		conn := c.conn
		c.mu.Unlock()

		close(done)
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// write sends one frame under the write lock.
func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// readLoop pumps relay frames into the feed log and presence tracker until
// the connection closes. It is bound to one physical connection; Rebind
// starts a fresh loop for the new connection.
func (c *Client) readLoop(conn io.ReadWriter) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	for {
		select {
		case <-done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			c.reportError(fmt.Errorf("client: read: %w", err))
			return
		}

		msgType, msg, err := protocol.ParseRelayMessage(data)
		if err != nil {
			log.Printf("client: dropping unparseable frame: %v", err)
			continue
		}

		switch msgType {
		case protocol.TypeSubscriptionSucceeded:
			m := msg.(protocol.SubscriptionSucceededMsg)
			if channel.IsPresence(m.Channel) {
				c.tracker.ApplySnapshot(m.Members)
			}
			c.resolvePending(m.Channel, nil)

		case protocol.TypeSubscriptionError:
			m := msg.(protocol.SubscriptionErrorMsg)
			c.resolvePending(m.Channel, fmt.Errorf("client: subscribe %s rejected: %s", m.Channel, m.Code))

		case protocol.TypeMemberAdded:
			m := msg.(protocol.MemberAddedMsg)
			c.tracker.MemberAdded(m.Member)

		case protocol.TypeMemberRemoved:
			m := msg.(protocol.MemberRemovedMsg)
			c.tracker.MemberRemoved(m.ID)

		case protocol.TypeEvent:
			m := msg.(protocol.EventMsg)
			env := event.Envelope{Event: m.Event, Data: m.Data}
			if err := c.log.ApplyEnvelope(env); err != nil {
				log.Printf("client: feed apply failed: %v", err)
			}

		case protocol.TypePong:
			// Keepalive acknowledged; nothing to update.

		case protocol.TypeError:
			m := msg.(protocol.ErrorMsg)
			c.reportError(fmt.Errorf("client: relay error %s: %s", m.Code, m.Message))
		}
	}
}

// resolvePending completes a blocked Subscribe call, if one is waiting on
// this channel.
func (c *Client) resolvePending(channelName string, err error) {
	c.mu.Lock()
	ack, ok := c.pending[channelName]
	if ok {
		delete(c.pending, channelName)
	}
	c.mu.Unlock()
	if ok {
		ack <- err
	}
}

// reportError surfaces a failure without blocking the read loop.
func (c *Client) reportError(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}
