// Package relay implements the WebSocket edge node. A relay accepts client
// sockets, verifies signed channel tokens on subscribe, bridges NATS room
// subjects to subscribed sockets, and maintains the presence member
// registry for presence channels. Relays hold no room state of their own;
// any socket can reconnect to any relay and rebuild from the registry
// snapshot plus event replay.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tabsplit/tabsplit/internal/channel"
	"github.com/tabsplit/tabsplit/internal/event"
	"github.com/tabsplit/tabsplit/internal/messaging"
	"github.com/tabsplit/tabsplit/internal/metrics"
	"github.com/tabsplit/tabsplit/internal/presence"
	"github.com/tabsplit/tabsplit/internal/protocol"
	"github.com/tabsplit/tabsplit/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the relay server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Token          channel.TokenConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket relay built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	poller     *Poller
	conns      *ConnectionManager
	nats       *messaging.Client
	registry   *presence.Registry
	limiter    *ratelimit.Limiter // per-IP connect limiting; nil disables
	workerPool chan struct{}      // semaphore limiting concurrent read workers
	httpServer *http.Server
	bufPool    sync.Pool
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a relay bound to its NATS client and presence
// registry. A nil limiter disables per-IP connect throttling.
func NewServer(config ServerConfig, nats *messaging.Client, registry *presence.Registry, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		nats:       nats,
		registry:   registry,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// Start initializes the poller, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the poller event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("relay: create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("relay: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader. On success it assigns a socket id,
// registers the connection, and sends connection_established. The socket
// id is the handshake value the client must present to the channel
// authorizer; a token minted for one socket never verifies on another.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}

	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		allowed, err := s.limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
		cancel()
		if err != nil {
			log.Printf("relay: connect rate limit check failed: %v", err)
		}
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	socketID := uuid.New().String()

	c := &Connection{
		ID:        socketID,
		Conn:      conn,
		Fd:        fd,
		RemoteIP:  remoteIP,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("relay: poller add failed for socket %s: %v", socketID, err)
		s.conns.Remove(socketID)
		return
	}
	metrics.RelayConnections.Inc()

	established, err := protocol.NewMessage(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedMsg{
		SocketID: socketID,
	})
	if err != nil {
		log.Printf("relay: failed to build connection_established for socket %s: %v", socketID, err)
	} else if err := c.WriteMessage(established); err != nil {
		log.Printf("relay: failed to send connection_established for socket %s: %v", socketID, err)
	}

	log.Printf("relay: new connection socket=%s fd=%d (total=%d)", socketID, fd, s.conns.Count())
}

// handleHealth responds with the relay's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("relay: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from the poller and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	s.dispatch(c, data)
}

// dispatch parses a client frame and routes it to the matching handler.
func (s *Server) dispatch(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("relay: dispatch parse error socket=%s: %v", c.ID, err)
		s.sendError(c, "parse_error", "invalid message format")
		return
	}

	switch msgType {
	case protocol.TypeSubscribe:
		m, ok := msg.(protocol.SubscribeMsg)
		if !ok {
			return
		}
		s.handleSubscribe(c, m)

	case protocol.TypeUnsubscribe:
		m, ok := msg.(protocol.UnsubscribeMsg)
		if !ok {
			return
		}
		s.handleUnsubscribe(c, m.Channel)

	case protocol.TypePing:
		c.LastPing = time.Now()
		pong, err := protocol.NewMessage(protocol.TypePong, protocol.PongMsg{})
		if err == nil {
			_ = c.WriteMessage(pong)
		}

	default:
		s.sendError(c, "unsupported_type", "unsupported message type")
	}
}

// handleSubscribe verifies the gateway-issued channel token and, on
// success, bridges the channel's NATS subject to this socket. A failed
// verification answers with subscription_error and leaves the socket and
// its other subscriptions untouched.
func (s *Server) handleSubscribe(c *Connection, m protocol.SubscribeMsg) {
	if m.Channel == "" {
		s.sendSubscriptionError(c, m.Channel, "invalid_request", "channel is required")
		return
	}

	claims, err := s.config.Token.Verify(m.Auth, c.ID, m.Channel)
	if err != nil {
		log.Printf("relay: subscribe rejected socket=%s channel=%s: %v", c.ID, m.Channel, err)
		s.sendSubscriptionError(c, m.Channel, "forbidden", "channel authorization failed")
		return
	}

	channelName := m.Channel
	err = s.nats.SubscribeRoom(channelName, c.ID, func(data []byte) {
		s.forwardRoomEvent(c, channelName, data)
	})
	if err != nil {
		log.Printf("relay: room subscribe failed socket=%s channel=%s: %v", c.ID, channelName, err)
		s.sendSubscriptionError(c, channelName, "upstream", "subscription failed")
		return
	}

	sub := subscription{Channel: channelName, Presence: channel.IsPresence(channelName), UserID: claims.UserID}

	if sub.Presence {
		if err := s.subscribePresence(c, channelName, claims); err != nil {
			log.Printf("relay: presence subscribe failed socket=%s channel=%s: %v", c.ID, channelName, err)
			_ = s.nats.UnsubscribeRoom(channelName, c.ID)
			s.sendSubscriptionError(c, channelName, "upstream", "presence registration failed")
			return
		}
	} else {
		succeeded, err := protocol.NewMessage(protocol.TypeSubscriptionSucceeded, protocol.SubscriptionSucceededMsg{
			Channel: channelName,
		})
		if err == nil {
			_ = c.WriteMessage(succeeded)
		}
	}

	c.addSubscription(sub)
	log.Printf("relay: subscribed socket=%s channel=%s user=%s", c.ID, channelName, claims.UserID)
}

// subscribePresence registers the socket's member in the shared registry,
// announces it to the channel, bridges membership changes to the socket,
// and replies with the membership snapshot.
func (s *Server) subscribePresence(c *Connection, channelName string, claims *channel.Claims) error {
	member := presence.Member{
		ID: claims.UserID,
		Info: presence.MemberInfo{
			Username:          claims.Username,
			VerificationLevel: claims.VerificationLevel,
		},
	}

	err := s.nats.SubscribePresence(channelName, c.ID, func(data []byte) {
		s.forwardPresenceChange(c, channelName, data)
	})
	if err != nil {
		return fmt.Errorf("relay: presence subject subscribe: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.registry.Add(ctx, channelName, member); err != nil {
		_ = s.nats.UnsubscribePresence(channelName, c.ID)
		return fmt.Errorf("relay: registry add: %w", err)
	}

	change, err := json.Marshal(presence.Change{Action: presence.ActionAdded, Member: member})
	if err == nil {
		if err := s.nats.PublishPresenceChange(channelName, change); err != nil {
			log.Printf("relay: member_added publish failed channel=%s: %v", channelName, err)
		}
	}

	snapshot, err := s.registry.Snapshot(ctx, channelName)
	if err != nil {
		log.Printf("relay: snapshot failed channel=%s: %v", channelName, err)
		snapshot = []presence.Member{member}
	}
	metrics.PresenceMembers.WithLabelValues(channelName).Set(float64(len(snapshot)))

	succeeded, err := protocol.NewMessage(protocol.TypeSubscriptionSucceeded, protocol.SubscriptionSucceededMsg{
		Channel: channelName,
		Count:   len(snapshot),
		Members: snapshot,
	})
	if err != nil {
		return fmt.Errorf("relay: build subscription_succeeded: %w", err)
	}
	return c.WriteMessage(succeeded)
}

// forwardRoomEvent bridges one NATS room message to the socket as an event
// frame. Malformed payloads are dropped; the publisher is the gateway, so
// a parse failure here is a bug, not client input.
func (s *Server) forwardRoomEvent(c *Connection, channelName string, data []byte) {
	env, err := event.ParseEnvelope(data)
	if err != nil {
		log.Printf("relay: bad room payload channel=%s: %v", channelName, err)
		return
	}

	frame, err := protocol.NewMessage(protocol.TypeEvent, protocol.EventMsg{
		Channel: channelName,
		Event:   env.Event,
		Data:    env.Data,
	})
	if err != nil {
		log.Printf("relay: build event frame failed channel=%s: %v", channelName, err)
		return
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err = c.WriteMessage(frame)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return
	}
	metrics.EventsDelivered.WithLabelValues(env.Event).Inc()
}

// forwardPresenceChange bridges one membership change to the socket as a
// member_added or member_removed frame.
func (s *Server) forwardPresenceChange(c *Connection, channelName string, data []byte) {
	var change presence.Change
	if err := json.Unmarshal(data, &change); err != nil {
		log.Printf("relay: bad presence payload channel=%s: %v", channelName, err)
		return
	}

	var (
		frame []byte
		err   error
	)
	switch change.Action {
	case presence.ActionAdded:
		frame, err = protocol.NewMessage(protocol.TypeMemberAdded, protocol.MemberAddedMsg{
			Channel: channelName,
			Member:  change.Member,
		})
	case presence.ActionRemoved:
		frame, err = protocol.NewMessage(protocol.TypeMemberRemoved, protocol.MemberRemovedMsg{
			Channel: channelName,
			ID:      change.Member.ID,
		})
	default:
		return
	}
	if err != nil {
		log.Printf("relay: build presence frame failed channel=%s: %v", channelName, err)
		return
	}
	_ = c.WriteMessage(frame)
}

// handleUnsubscribe tears down one channel subscription on the socket.
// Leaving a presence channel deregisters the member and announces the
// departure.
func (s *Server) handleUnsubscribe(c *Connection, channelName string) {
	sub, ok := c.removeSubscription(channelName)
	if !ok {
		return
	}

	_ = s.nats.UnsubscribeRoom(channelName, c.ID)
	if sub.Presence {
		_ = s.nats.UnsubscribePresence(channelName, c.ID)
		s.removePresenceMember(channelName, sub.UserID)
	}
	log.Printf("relay: unsubscribed socket=%s channel=%s", c.ID, channelName)
}

// removePresenceMember deletes a member from the registry and announces
// member_removed to the channel.
func (s *Server) removePresenceMember(channelName, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.registry.Remove(ctx, channelName, userID); err != nil {
		log.Printf("relay: registry remove failed channel=%s user=%s: %v", channelName, userID, err)
	}

	change, err := json.Marshal(presence.Change{
		Action: presence.ActionRemoved,
		Member: presence.Member{ID: userID},
	})
	if err == nil {
		if err := s.nats.PublishPresenceChange(channelName, change); err != nil {
			log.Printf("relay: member_removed publish failed channel=%s: %v", channelName, err)
		}
	}

	if snapshot, err := s.registry.Snapshot(ctx, channelName); err == nil {
		metrics.PresenceMembers.WithLabelValues(channelName).Set(float64(len(snapshot)))
	}
}

// sendSubscriptionError reports a failed subscribe without touching the
// socket's other subscriptions.
func (s *Server) sendSubscriptionError(c *Connection, channelName, code, message string) {
	frame, err := protocol.NewMessage(protocol.TypeSubscriptionError, protocol.SubscriptionErrorMsg{
		Channel: channelName,
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("relay: failed to build subscription_error socket=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(frame); err != nil {
		log.Printf("relay: failed to send subscription_error socket=%s: %v", c.ID, err)
	}
}

// sendError sends a structured connection-level error back to the client.
func (s *Server) sendError(c *Connection, code, message string) {
	frame, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("relay: failed to build error message socket=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(frame); err != nil {
		log.Printf("relay: failed to send error message socket=%s: %v", c.ID, err)
	}
}

// RemoveConnection removes a connection from both the poller and the connection
// manager, tears down its NATS subscriptions and presence memberships, and
// closes the underlying network connection. It is exported so that the
// heartbeat monitor can evict dead connections. Teardown is destructive:
// frames in flight for this socket are dropped, and correctness is restored
// by the client replaying events after reconnect.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.RelayConnections.Dec()

	s.nats.UnsubscribeOwner(c.ID)
	for _, sub := range c.subscriptions() {
		if sub.Presence {
			s.removePresenceMember(sub.Channel, sub.UserID)
		}
	}

	log.Printf("relay: connection closed socket=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the relay. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections
// (deregistering their presence memberships), and cleans up the poller
// instance.
func (s *Server) Shutdown() error {
	log.Println("relay: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("relay: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.nats.UnsubscribeOwner(c.ID)
		for _, sub := range c.subscriptions() {
			if sub.Presence {
				s.removePresenceMember(sub.Channel, sub.UserID)
			}
		}
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("relay: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
