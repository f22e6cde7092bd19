// Package gateway implements the HTTP API fronting the room: the identity
// callback, the channel authorizer, the broadcast endpoint, and the payment
// reference flow. The gateway is the only writer of identity fields on
// room events; clients never stamp their own userId.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tabsplit/tabsplit/internal/channel"
	"github.com/tabsplit/tabsplit/internal/event"
	"github.com/tabsplit/tabsplit/internal/identity"
	"github.com/tabsplit/tabsplit/internal/metrics"
	"github.com/tabsplit/tabsplit/internal/ratelimit"
	"github.com/tabsplit/tabsplit/internal/receipt"
)

// SessionCookie is the name of the cookie carrying the session id.
const SessionCookie = "tabsplit_session"

// Demo payment: a fixed 0.1 WLD charge, matching the product's single
// showcase flow. Real amounts would come from the split session.
const (
	DemoAmountCents int64 = 10
	DemoCurrency          = "WLD"
)

// Sessions resolves and mutates verified sessions.
type Sessions interface {
	Create(ctx context.Context, id identity.Identity) (string, error)
	Get(ctx context.Context, sessionID string) (*identity.Session, error)
	SetDisplayName(ctx context.Context, sessionID, name string) error
	Refresh(ctx context.Context, sessionID string) error
}

// Publisher fans a room event out to the relays.
type Publisher interface {
	PublishRoomEvent(channelName string, data []byte) error
}

// Ledger records payment references.
type Ledger interface {
	Initiate(ctx context.Context, subjectID string, amountCents int64, currency string) (string, error)
	Confirm(ctx context.Context, reference, subjectID string) (bool, error)
}

// Limiter throttles per-subject request rates.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config carries the gateway's static wiring.
type Config struct {
	Channels channel.Set
	Token    channel.TokenConfig
}

// Server hosts the gateway HTTP endpoints.
type Server struct {
	config   Config
	sessions Sessions
	pub      Publisher
	ledger   Ledger
	limiter  Limiter
	clock    func() time.Time
}

// NewServer builds a gateway bound to its backing systems. A nil limiter
// or ledger disables the corresponding endpoints' checks, which is only
// appropriate in tests.
func NewServer(config Config, sessions Sessions, pub Publisher, ledger Ledger, limiter Limiter) *Server {
	return &Server{
		config:   config,
		sessions: sessions,
		pub:      pub,
		ledger:   ledger,
		limiter:  limiter,
		clock:    time.Now,
	}
}

// RegisterRoutes registers the gateway endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("/realtime/auth", s.handleRealtimeAuth)
	mux.HandleFunc("/api/message", s.handleBroadcast)
	mux.HandleFunc("/payments/initiate", s.handlePaymentInitiate)
	mux.HandleFunc("/payments/confirm", s.handlePaymentConfirm)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// session resolves the request's session cookie. The TTL is refreshed on
// every successful resolution so active users never expire mid-room.
func (s *Server) session(r *http.Request) (*identity.Session, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, fmt.Errorf("%w: no session cookie", ErrUnauthenticated)
	}

	sess, err := s.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: session lookup: %v", ErrUpstreamFailure, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session", ErrUnauthenticated)
	}

	if err := s.sessions.Refresh(r.Context(), sess.ID); err != nil {
		log.Printf("[gateway] session refresh for %s failed: %v", sess.ID, err)
	}
	return sess, nil
}

// ---------------------------------------------------------------------------
// POST /auth/callback: identity provider callback
// ---------------------------------------------------------------------------

type authCallbackRequest struct {
	Subject           string `json:"subject"`
	VerificationLevel string `json:"verification_level"`
	Username          string `json:"username"`
}

type authCallbackResponse struct {
	UserID            string `json:"user_id"`
	Username          string `json:"username"`
	VerificationLevel string `json:"verification_level"`
}

// handleAuthCallback consumes a verified claim from the identity provider,
// creates a session, and sets the session cookie. Verifying the provider's
// proof happens upstream; by the time this endpoint runs the subject is
// already trusted.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req authCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidPayload, "malformed JSON body")
		return
	}
	if req.Subject == "" {
		writeError(w, ErrInvalidPayload, "subject is required")
		return
	}
	trust, err := identity.ParseTrustLevel(req.VerificationLevel)
	if err != nil {
		writeError(w, ErrInvalidPayload, err.Error())
		return
	}

	id := identity.Identity{
		SubjectID:   req.Subject,
		Trust:       trust,
		DisplayName: req.Username,
	}
	sessionID, err := s.sessions.Create(r.Context(), id)
	if err != nil {
		log.Printf("[gateway] session create failed: %v", err)
		writeError(w, ErrUpstreamFailure, "session store unavailable")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	username := req.Username
	if username == "" {
		username = identity.DefaultDisplayName(req.Subject)
	}
	log.Printf("[gateway] session created for subject=%s trust=%s", req.Subject, trust)
	writeJSON(w, http.StatusOK, authCallbackResponse{
		UserID:            req.Subject,
		Username:          username,
		VerificationLevel: string(trust),
	})
}

// ---------------------------------------------------------------------------
// POST /realtime/auth: channel authorizer
// ---------------------------------------------------------------------------

type realtimeAuthRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
	Username    string `json:"username"`
}

type memberInfo struct {
	Username          string `json:"username"`
	VerificationLevel string `json:"verification_level"`
}

type presenceMember struct {
	UserID   string     `json:"user_id"`
	UserInfo memberInfo `json:"user_info"`
}

type realtimeAuthResponse struct {
	Auth   string          `json:"auth"`
	Member *presenceMember `json:"member,omitempty"`
}

// handleRealtimeAuth grants a socket access to one channel. The grant is a
// short-lived signed token bound to the socket id and channel name; the
// relay verifies it on subscribe. Presence channels additionally return
// the member payload the relay will announce.
func (s *Server) handleRealtimeAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.session(r)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("unauthenticated").Inc()
		writeError(w, err, "valid session required")
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), sess.SubjectID, ratelimit.RuleAuthorize)
		if err != nil {
			log.Printf("[gateway] auth rate limit check failed: %v", err)
		}
		if !allowed {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
			return
		}
	}

	var req realtimeAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidPayload, "malformed JSON body")
		return
	}
	if req.SocketID == "" || req.ChannelName == "" {
		writeError(w, ErrInvalidPayload, "socket_id and channel_name are required")
		return
	}

	if !s.config.Channels.Allowed(req.ChannelName) {
		metrics.AuthFailures.WithLabelValues("forbidden").Inc()
		writeError(w, ErrForbidden, fmt.Sprintf("channel %q is not authorized", req.ChannelName))
		return
	}

	id := sess.Identity()
	if req.Username != "" && req.Username != id.DisplayName {
		if err := s.sessions.SetDisplayName(r.Context(), sess.ID, req.Username); err != nil {
			log.Printf("[gateway] display name update for %s failed: %v", sess.ID, err)
		} else {
			id.DisplayName = req.Username
		}
	}
	if id.DisplayName == "" {
		id.DisplayName = identity.DefaultDisplayName(id.SubjectID)
	}

	token, err := s.config.Token.Issue(req.SocketID, req.ChannelName, id)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("upstream").Inc()
		log.Printf("[gateway] token issue failed: %v", err)
		writeError(w, ErrUpstreamFailure, "token signer failure")
		return
	}

	resp := realtimeAuthResponse{Auth: token}
	if channel.IsPresence(req.ChannelName) {
		resp.Member = &presenceMember{
			UserID: id.SubjectID,
			UserInfo: memberInfo{
				Username:          id.DisplayName,
				VerificationLevel: string(id.Trust),
			},
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// POST /api/message: broadcast gateway
// ---------------------------------------------------------------------------

type broadcastRequest struct {
	Type             string           `json:"type"`
	Message          string           `json:"message"`
	Username         string           `json:"username"`
	Receipt          *receipt.Receipt `json:"receipt"`
	MessageTimestamp string           `json:"messageTimestamp"`
}

// handleBroadcast accepts a room event, stamps the sender's verified
// identity over whatever the payload claimed, and publishes it to NATS.
// There is no retry on publish failure; the caller sees the error and
// decides.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.session(r)
	if err != nil {
		writeError(w, err, "valid session required")
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), sess.SubjectID, ratelimit.RuleBroadcast)
		if err != nil {
			log.Printf("[gateway] broadcast rate limit check failed: %v", err)
		}
		if !allowed {
			metrics.BroadcastsRejected.WithLabelValues("rate_limited").Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
			return
		}
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.BroadcastsRejected.WithLabelValues("invalid").Inc()
		writeError(w, ErrInvalidPayload, "malformed JSON body")
		return
	}

	var (
		eventName string
		data      []byte
	)
	switch req.Type {
	case "", event.TypeMessage:
		if req.Message == "" && req.Receipt == nil {
			metrics.BroadcastsRejected.WithLabelValues("invalid").Inc()
			writeError(w, ErrInvalidPayload, "message text or receipt is required")
			return
		}
		username := req.Username
		if username == "" {
			username = sess.DisplayName
		}
		if username == "" {
			username = identity.DefaultDisplayName(sess.SubjectID)
		}
		msg := event.Message{
			Message:           req.Message,
			UserID:            sess.SubjectID,
			Username:          username,
			VerificationLevel: sess.Trust,
			Timestamp:         event.Timestamp(s.clock()),
			Receipt:           req.Receipt,
		}
		eventName = event.TypeMessage
		data, err = event.NewEnvelope(eventName, msg)

	case event.TypeSplitJoin, event.TypeSplitPay:
		if req.MessageTimestamp == "" {
			metrics.BroadcastsRejected.WithLabelValues("invalid").Inc()
			writeError(w, ErrInvalidPayload, "messageTimestamp is required")
			return
		}
		// No existence check on the referenced session: clients absorb
		// references to unknown timestamps as no-ops.
		eventName = req.Type
		data, err = event.NewEnvelope(eventName, event.Split{
			UserID:           sess.SubjectID,
			MessageTimestamp: req.MessageTimestamp,
		})

	default:
		metrics.BroadcastsRejected.WithLabelValues("invalid").Inc()
		writeError(w, ErrInvalidPayload, fmt.Sprintf("unknown event type %q", req.Type))
		return
	}
	if err != nil {
		log.Printf("[gateway] envelope encode failed: %v", err)
		writeError(w, ErrUpstreamFailure, "event encoding failure")
		return
	}

	timer := prometheus.NewTimer(metrics.PublishLatency)
	err = s.pub.PublishRoomEvent(s.config.Channels.Chat, data)
	timer.ObserveDuration()
	if err != nil {
		metrics.BroadcastsRejected.WithLabelValues("publish").Inc()
		log.Printf("[gateway] publish %s failed: %v", eventName, err)
		writeError(w, ErrUpstreamFailure, "failed to publish event")
		return
	}

	metrics.EventsPublished.WithLabelValues(eventName).Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ---------------------------------------------------------------------------
// POST /payments/initiate, POST /payments/confirm
// ---------------------------------------------------------------------------

// handlePaymentInitiate opens a pending payment reference for the demo
// amount and returns its id for the payment provider to carry through.
func (s *Server) handlePaymentInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.session(r)
	if err != nil {
		writeError(w, err, "valid session required")
		return
	}

	ref, err := s.ledger.Initiate(r.Context(), sess.SubjectID, DemoAmountCents, DemoCurrency)
	if err != nil {
		log.Printf("[gateway] payment initiate failed: %v", err)
		writeError(w, ErrUpstreamFailure, "payment ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": ref})
}

type paymentConfirmRequest struct {
	Reference string `json:"reference"`
}

// handlePaymentConfirm checks the provider's confirmation against the
// ledger. success is false when the reference was never issued, already
// confirmed, or belongs to a different subject.
func (s *Server) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.session(r)
	if err != nil {
		writeError(w, err, "valid session required")
		return
	}

	var req paymentConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		writeError(w, ErrInvalidPayload, "reference is required")
		return
	}

	ok, err := s.ledger.Confirm(r.Context(), req.Reference, sess.SubjectID)
	if err != nil {
		log.Printf("[gateway] payment confirm failed: %v", err)
		writeError(w, ErrUpstreamFailure, "payment ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}
