package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tabsplit/tabsplit/internal/event"
	"github.com/tabsplit/tabsplit/internal/presence"
	"github.com/tabsplit/tabsplit/internal/protocol"
)

// stubRelay is a minimal scripted relay: it completes the socket handshake
// and answers subscribe frames. Channels containing "deny" are rejected
// with subscription_error.
type stubRelay struct {
	server *httptest.Server

	// connCh delivers the server side of each accepted socket so tests can
	// push frames at it.
	connCh chan net.Conn
}

func newStubRelay(t *testing.T) *stubRelay {
	t.Helper()
	r := &stubRelay{connCh: make(chan net.Conn, 4)}

	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(req, w)
		if err != nil {
			return
		}

		established, _ := protocol.NewMessage(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedMsg{
			SocketID: "sock-test",
		})
		_ = wsutil.WriteServerMessage(conn, ws.OpText, established)

		r.connCh <- conn

		go func() {
			for {
				data, err := wsutil.ReadClientText(conn)
				if err != nil {
					return
				}
				msgType, msg, err := protocol.ParseClientMessage(data)
				if err != nil || msgType != protocol.TypeSubscribe {
					continue
				}
				sub := msg.(protocol.SubscribeMsg)

				var reply []byte
				if strings.Contains(sub.Channel, "deny") {
					reply, _ = protocol.NewMessage(protocol.TypeSubscriptionError, protocol.SubscriptionErrorMsg{
						Channel: sub.Channel,
						Code:    "forbidden",
						Message: "channel authorization failed",
					})
				} else {
					reply, _ = protocol.NewMessage(protocol.TypeSubscriptionSucceeded, protocol.SubscriptionSucceededMsg{
						Channel: sub.Channel,
						Count:   2,
						Members: []presence.Member{
							{ID: "me", Info: presence.MemberInfo{Username: "me", VerificationLevel: "orb"}},
							{ID: "other", Info: presence.MemberInfo{Username: "bob", VerificationLevel: "phone"}},
						},
					})
				}
				_ = wsutil.WriteServerMessage(conn, ws.OpText, reply)
			}
		}()
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *stubRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

func staticAuth(token string) AuthFunc {
	return func(ctx context.Context, socketID, channelName string) (string, error) {
		return token, nil
	}
}

func dialStub(t *testing.T, relay *stubRelay) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{
		URL:  relay.url(),
		Auth: staticAuth("token"),
		Self: presence.Member{ID: "me", Info: presence.MemberInfo{Username: "me", VerificationLevel: "orb"}},
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDialHandshake(t *testing.T) {
	relay := newStubRelay(t)
	c := dialStub(t, relay)

	if c.SocketID() != "sock-test" {
		t.Errorf("SocketID() = %q, want sock-test", c.SocketID())
	}
	if c.Presence().Count() != 1 {
		t.Errorf("initial presence count = %d, want 1 (self)", c.Presence().Count())
	}
}

func TestSubscribeAndEventFlow(t *testing.T) {
	relay := newStubRelay(t)
	c := dialStub(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Subscribe(ctx, "test-chat-channel"); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	serverConn := <-relay.connCh

	payload, err := json.Marshal(event.Message{
		Message:           "hello",
		UserID:            "other",
		Username:          "bob",
		VerificationLevel: "phone",
		Timestamp:         "2025-06-01T12:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := protocol.NewMessage(protocol.TypeEvent, protocol.EventMsg{
		Channel: "test-chat-channel",
		Event:   event.TypeMessage,
		Data:    payload,
	})
	if err != nil {
		t.Fatalf("build event frame: %v", err)
	}
	if err := wsutil.WriteServerMessage(serverConn, ws.OpText, frame); err != nil {
		t.Fatalf("push event frame: %v", err)
	}

	waitFor(t, "feed entry", func() bool { return c.Feed().Len() == 1 })

	entries := c.Feed().Entries()
	if entries[0].Message.Message != "hello" {
		t.Errorf("feed message = %q, want hello", entries[0].Message.Message)
	}
}

func TestPresenceSnapshotApplied(t *testing.T) {
	relay := newStubRelay(t)
	c := dialStub(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Subscribe(ctx, "presence-test-room"); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	waitFor(t, "presence snapshot", func() bool { return c.Presence().Count() == 2 })

	info, ok := c.Presence().Lookup("other")
	if !ok {
		t.Fatal("snapshot member not in tracker")
	}
	if info.Username != "bob" {
		t.Errorf("member username = %q, want bob", info.Username)
	}
	if c.Presence().Degraded() {
		t.Error("tracker degraded after successful presence subscribe")
	}
}

func TestPresenceSubscribeErrorDegrades(t *testing.T) {
	relay := newStubRelay(t)
	c := dialStub(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A rejected presence subscription is not fatal.
	if err := c.Subscribe(ctx, "presence-deny-room"); err != nil {
		t.Fatalf("Subscribe() on rejected presence channel returned error: %v", err)
	}
	if !c.Presence().Degraded() {
		t.Error("tracker not degraded after presence rejection")
	}
	if c.Presence().Count() != 1 {
		t.Errorf("degraded count = %d, want 1 (self floor)", c.Presence().Count())
	}
}

func TestEventChannelSubscribeErrorSurfaces(t *testing.T) {
	relay := newStubRelay(t)
	c := dialStub(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Subscribe(ctx, "deny-chat-channel"); err == nil {
		t.Error("Subscribe() on rejected event channel returned nil error")
	}
}

func TestRebindResubscribes(t *testing.T) {
	relay := newStubRelay(t)
	c := dialStub(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Subscribe(ctx, "presence-test-room"); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	<-relay.connCh // first connection's server side

	if err := c.Rebind(ctx); err != nil {
		t.Fatalf("Rebind() error: %v", err)
	}

	// The new connection re-authorizes and resubscribes, so the snapshot
	// arrives again on the fresh socket.
	waitFor(t, "post-rebind snapshot", func() bool { return c.Presence().Count() == 2 })
}
