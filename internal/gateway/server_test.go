package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tabsplit/tabsplit/internal/channel"
	"github.com/tabsplit/tabsplit/internal/event"
	"github.com/tabsplit/tabsplit/internal/identity"
	"github.com/tabsplit/tabsplit/internal/ratelimit"
)

// --- fakes -----------------------------------------------------------------

type fakeSessions struct {
	sessions map[string]*identity.Session
	nextID   int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*identity.Session)}
}

func (f *fakeSessions) Create(ctx context.Context, id identity.Identity) (string, error) {
	f.nextID++
	sid := fmt.Sprintf("sess-%d", f.nextID)
	name := id.DisplayName
	if name == "" {
		name = identity.DefaultDisplayName(id.SubjectID)
	}
	f.sessions[sid] = &identity.Session{
		ID:          sid,
		SubjectID:   id.SubjectID,
		Trust:       string(id.Trust),
		DisplayName: name,
	}
	return sid, nil
}

func (f *fakeSessions) Get(ctx context.Context, sessionID string) (*identity.Session, error) {
	return f.sessions[sessionID], nil
}

func (f *fakeSessions) SetDisplayName(ctx context.Context, sessionID, name string) error {
	if s, ok := f.sessions[sessionID]; ok {
		s.DisplayName = name
	}
	return nil
}

func (f *fakeSessions) Refresh(ctx context.Context, sessionID string) error { return nil }

type fakePublisher struct {
	published [][]byte
	channels  []string
	fail      bool
}

func (f *fakePublisher) PublishRoomEvent(channelName string, data []byte) error {
	if f.fail {
		return errors.New("nats down")
	}
	f.channels = append(f.channels, channelName)
	f.published = append(f.published, data)
	return nil
}

type fakeLedger struct {
	initiated map[string]string // reference -> subject
	confirmed map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{initiated: make(map[string]string), confirmed: make(map[string]bool)}
}

func (f *fakeLedger) Initiate(ctx context.Context, subjectID string, amountCents int64, currency string) (string, error) {
	ref := fmt.Sprintf("ref-%d", len(f.initiated)+1)
	f.initiated[ref] = subjectID
	return ref, nil
}

func (f *fakeLedger) Confirm(ctx context.Context, reference, subjectID string) (bool, error) {
	if f.initiated[reference] != subjectID || f.confirmed[reference] {
		return false, nil
	}
	f.confirmed[reference] = true
	return true, nil
}

type fakeLimiter struct {
	denied bool
}

func (f *fakeLimiter) Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	return !f.denied, nil
}

// --- helpers ---------------------------------------------------------------

func testServer(t *testing.T) (*Server, *fakeSessions, *fakePublisher, *fakeLedger, *fakeLimiter) {
	t.Helper()
	sessions := newFakeSessions()
	pub := &fakePublisher{}
	ledger := newFakeLedger()
	limiter := &fakeLimiter{}

	config := Config{
		Channels: channel.ForEnv("test"),
		Token:    channel.TokenConfig{Secret: []byte("test-secret")},
	}
	srv := NewServer(config, sessions, pub, ledger, limiter)
	srv.clock = func() time.Time {
		return time.Date(2025, 6, 1, 12, 30, 45, 123e6, time.UTC)
	}
	return srv, sessions, pub, ledger, limiter
}

func loggedInCookie(t *testing.T, sessions *fakeSessions, subject string, trust identity.TrustLevel) *http.Cookie {
	t.Helper()
	sid, err := sessions.Create(context.Background(), identity.Identity{SubjectID: subject, Trust: trust})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &http.Cookie{Name: SessionCookie, Value: sid}
}

func postJSON(t *testing.T, srv *Server, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// --- /auth/callback --------------------------------------------------------

func TestAuthCallbackCreatesSession(t *testing.T) {
	srv, sessions, _, _, _ := testServer(t)

	rec := postJSON(t, srv, "/auth/callback", map[string]string{
		"subject":            "0x1234abcd",
		"verification_level": "orb",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}

	var resp authCallbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.UserID != "0x1234abcd" {
		t.Errorf("user_id = %q, want %q", resp.UserID, "0x1234abcd")
	}
	if resp.Username != "abcd" {
		t.Errorf("username = %q, want default last-4 %q", resp.Username, "abcd")
	}

	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			found = c
		}
	}
	if found == nil {
		t.Fatal("no session cookie set")
	}
	if sess := sessions.sessions[found.Value]; sess == nil {
		t.Error("cookie does not reference a created session")
	}
}

func TestAuthCallbackRejectsUnknownTrustLevel(t *testing.T) {
	srv, _, _, _, _ := testServer(t)

	rec := postJSON(t, srv, "/auth/callback", map[string]string{
		"subject":            "0x1234abcd",
		"verification_level": "device",
	}, nil)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestAuthCallbackRequiresSubject(t *testing.T) {
	srv, _, _, _, _ := testServer(t)

	rec := postJSON(t, srv, "/auth/callback", map[string]string{
		"verification_level": "phone",
	}, nil)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

// --- /realtime/auth --------------------------------------------------------

func TestRealtimeAuthRequiresSession(t *testing.T) {
	srv, _, _, _, _ := testServer(t)

	rec := postJSON(t, srv, "/realtime/auth", map[string]string{
		"socket_id":    "sock-1",
		"channel_name": "test-chat-channel",
	}, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRealtimeAuthRejectsUnknownChannel(t *testing.T) {
	srv, sessions, _, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/realtime/auth", map[string]string{
		"socket_id":    "sock-1",
		"channel_name": "prod-chat-channel",
	}, cookie)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestRealtimeAuthIssuesVerifiableToken(t *testing.T) {
	srv, sessions, _, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/realtime/auth", map[string]string{
		"socket_id":    "sock-1",
		"channel_name": "test-chat-channel",
	}, cookie)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}

	var resp realtimeAuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Member != nil {
		t.Error("non-presence channel should not include a member payload")
	}

	claims, err := srv.config.Token.Verify(resp.Auth, "sock-1", "test-chat-channel")
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.UserID != "0xaaaa1111" {
		t.Errorf("token user_id = %q, want %q", claims.UserID, "0xaaaa1111")
	}
	if claims.VerificationLevel != "orb" {
		t.Errorf("token verification_level = %q, want orb", claims.VerificationLevel)
	}
}

func TestRealtimeAuthPresenceMemberPayload(t *testing.T) {
	srv, sessions, _, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustPhone)

	rec := postJSON(t, srv, "/realtime/auth", map[string]string{
		"socket_id":    "sock-1",
		"channel_name": "presence-test-room",
		"username":     "alice",
	}, cookie)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}

	var resp realtimeAuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Member == nil {
		t.Fatal("presence channel response missing member payload")
	}
	if resp.Member.UserID != "0xaaaa1111" {
		t.Errorf("member user_id = %q, want %q", resp.Member.UserID, "0xaaaa1111")
	}
	if resp.Member.UserInfo.Username != "alice" {
		t.Errorf("member username = %q, want %q", resp.Member.UserInfo.Username, "alice")
	}
	if resp.Member.UserInfo.VerificationLevel != "phone" {
		t.Errorf("member verification_level = %q, want phone", resp.Member.UserInfo.VerificationLevel)
	}

	// The chosen display name sticks to the session.
	rec2 := postJSON(t, srv, "/realtime/auth", map[string]string{
		"socket_id":    "sock-2",
		"channel_name": "presence-test-room",
	}, cookie)
	var resp2 realtimeAuthResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("unmarshal second response: %v", err)
	}
	if resp2.Member.UserInfo.Username != "alice" {
		t.Errorf("second auth username = %q, want persisted %q", resp2.Member.UserInfo.Username, "alice")
	}
}

// --- /api/message ----------------------------------------------------------

func TestBroadcastRequiresSession(t *testing.T) {
	srv, _, _, _, _ := testServer(t)

	rec := postJSON(t, srv, "/api/message", map[string]string{"message": "hi"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestBroadcastStampsIdentityAndTimestamp(t *testing.T) {
	srv, sessions, pub, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]string{
		"message":  "who ordered the duck",
		"username": "alice",
		"userId":   "0xforged", // must be ignored
	}, cookie)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.published))
	}
	if pub.channels[0] != "test-chat-channel" {
		t.Errorf("published to %q, want test-chat-channel", pub.channels[0])
	}

	env, err := event.ParseEnvelope(pub.published[0])
	if err != nil {
		t.Fatalf("parse published envelope: %v", err)
	}
	if env.Event != event.TypeMessage {
		t.Fatalf("event = %q, want %q", env.Event, event.TypeMessage)
	}
	var msg event.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if msg.UserID != "0xaaaa1111" {
		t.Errorf("userId = %q, want session subject (forged id must not pass through)", msg.UserID)
	}
	if msg.VerificationLevel != "orb" {
		t.Errorf("verification_level = %q, want orb", msg.VerificationLevel)
	}
	if msg.Timestamp != "2025-06-01T12:30:45.123Z" {
		t.Errorf("timestamp = %q, want gateway clock value", msg.Timestamp)
	}
	if msg.Username != "alice" {
		t.Errorf("username = %q, want payload value", msg.Username)
	}
}

func TestBroadcastRejectsEmptyMessage(t *testing.T) {
	srv, sessions, pub, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]string{"message": ""}, cookie)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	if len(pub.published) != 0 {
		t.Error("rejected message must not publish")
	}
}

func TestBroadcastReceiptWithoutTextIsValid(t *testing.T) {
	srv, sessions, pub, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]interface{}{
		"receipt": map[string]interface{}{
			"restaurant": "Golden Duck House",
			"items":      []map[string]interface{}{{"name": "Roast Duck", "price": 28.40}},
			"subtotal":   28.40,
			"total":      30.12,
			"currency":   "USD",
		},
	}, cookie)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	if len(pub.published) != 1 {
		t.Fatal("receipt-only message must publish")
	}
}

func TestBroadcastSplitRequiresMessageTimestamp(t *testing.T) {
	srv, sessions, _, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]string{"type": "split-join"}, cookie)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestBroadcastSplitStampsSubject(t *testing.T) {
	srv, sessions, pub, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]string{
		"type":             "split-pay",
		"messageTimestamp": "2025-06-01T12:00:00.000Z",
	}, cookie)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	env, err := event.ParseEnvelope(pub.published[0])
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if env.Event != event.TypeSplitPay {
		t.Errorf("event = %q, want %q", env.Event, event.TypeSplitPay)
	}
	var sp event.Split
	if err := json.Unmarshal(env.Data, &sp); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if sp.UserID != "0xaaaa1111" {
		t.Errorf("userId = %q, want session subject", sp.UserID)
	}
	if sp.MessageTimestamp != "2025-06-01T12:00:00.000Z" {
		t.Errorf("messageTimestamp = %q, not passed through", sp.MessageTimestamp)
	}
}

func TestBroadcastRejectsUnknownType(t *testing.T) {
	srv, sessions, _, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]string{"type": "split-cancel"}, cookie)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestBroadcastPublishFailure(t *testing.T) {
	srv, sessions, pub, _, _ := testServer(t)
	pub.fail = true
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]string{"message": "hi"}, cookie)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error == "" {
		t.Error("error body missing error field")
	}
}

func TestBroadcastRateLimited(t *testing.T) {
	srv, sessions, pub, _, limiter := testServer(t)
	limiter.denied = true
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/api/message", map[string]string{"message": "hi"}, cookie)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if len(pub.published) != 0 {
		t.Error("rate limited message must not publish")
	}
}

// --- payments --------------------------------------------------------------

func TestPaymentInitiateAndConfirm(t *testing.T) {
	srv, sessions, _, ledger, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/payments/initiate", map[string]string{}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d, want 200", rec.Code)
	}
	var initResp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &initResp); err != nil {
		t.Fatalf("unmarshal initiate response: %v", err)
	}
	ref := initResp["id"]
	if ref == "" {
		t.Fatal("initiate returned no reference id")
	}
	if ledger.initiated[ref] != "0xaaaa1111" {
		t.Error("reference not recorded for the session's subject")
	}

	rec = postJSON(t, srv, "/payments/confirm", map[string]string{"reference": ref}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200", rec.Code)
	}
	var confResp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &confResp); err != nil {
		t.Fatalf("unmarshal confirm response: %v", err)
	}
	if !confResp["success"] {
		t.Error("confirm success = false for a valid reference")
	}
}

func TestPaymentConfirmWrongSubject(t *testing.T) {
	srv, sessions, _, ledger, _ := testServer(t)
	aliceCookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)
	bobCookie := loggedInCookie(t, sessions, "0xbbbb2222", identity.TrustPhone)

	rec := postJSON(t, srv, "/payments/initiate", map[string]string{}, aliceCookie)
	var initResp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &initResp); err != nil {
		t.Fatalf("unmarshal initiate response: %v", err)
	}

	rec = postJSON(t, srv, "/payments/confirm", map[string]string{"reference": initResp["id"]}, bobCookie)
	var confResp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &confResp); err != nil {
		t.Fatalf("unmarshal confirm response: %v", err)
	}
	if confResp["success"] {
		t.Error("confirm success = true for a different subject's reference")
	}
	if ledger.confirmed[initResp["id"]] {
		t.Error("reference marked confirmed by the wrong subject")
	}
}

func TestPaymentConfirmRequiresReference(t *testing.T) {
	srv, sessions, _, _, _ := testServer(t)
	cookie := loggedInCookie(t, sessions, "0xaaaa1111", identity.TrustOrb)

	rec := postJSON(t, srv, "/payments/confirm", map[string]string{}, cookie)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}
