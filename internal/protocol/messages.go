// Package protocol defines the WebSocket message types exchanged between
// room clients and relay nodes. All messages are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tabsplit/tabsplit/internal/presence"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Relay message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Relay -> Client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscriptionSucceeded = "subscription_succeeded"
	TypeMemberAdded           = "member_added"
	TypeMemberRemoved         = "member_removed"
	TypeEvent                 = "event"
	TypeSubscriptionError     = "subscription_error"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// ---------------------------------------------------------------------------
// Envelope, used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Relay message structs
// ---------------------------------------------------------------------------

// SubscribeMsg requests membership in a channel. Auth carries the signed
// channel token issued by the gateway for this socket and channel.
type SubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Auth    string `json:"auth"`
}

// UnsubscribeMsg leaves a channel previously subscribed on this socket.
type UnsubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Relay -> Client message structs
// ---------------------------------------------------------------------------

// ConnectionEstablishedMsg is the first frame on a new socket. The socket
// id is the handshake id clients present to the channel authorizer.
type ConnectionEstablishedMsg struct {
	Type     string `json:"type"`
	SocketID string `json:"socket_id"`
}

// SubscriptionSucceededMsg confirms a subscription. For presence channels
// it carries the full membership snapshot at subscribe time.
type SubscriptionSucceededMsg struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Count   int               `json:"count"`
	Members []presence.Member `json:"members,omitempty"`
}

// MemberAddedMsg announces a member joining a presence channel.
type MemberAddedMsg struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Member  presence.Member `json:"member"`
}

// MemberRemovedMsg announces a member leaving a presence channel.
type MemberRemovedMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// EventMsg delivers one room event to a subscribed socket. Data is the
// event payload as published by the gateway.
type EventMsg struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// SubscriptionErrorMsg reports a failed subscribe. The socket stays open;
// other subscriptions are unaffected.
type SubscriptionErrorMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorMsg is sent by the relay to communicate a connection-level error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the relay's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and any
// error encountered during parsing. An error is returned for unknown or
// relay-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseRelayMessage parses raw WebSocket bytes into a typed relay message.
// Used by the client side of the connection.
func ParseRelayMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeConnectionEstablished:
		var m ConnectionEstablishedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscriptionSucceeded:
		var m SubscriptionSucceededMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMemberAdded:
		var m MemberAddedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMemberRemoved:
		var m MemberRemovedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEvent:
		var m EventMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscriptionError:
		var m SubscriptionErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown relay message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded byte slice for a protocol message. The
// msgType is injected into the payload under the "type" key. The payload
// should be one of the message structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the
	// "type" field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
