// Package event defines the room event payloads broadcast to every member
// of a channel. Events are immutable, identity-stamped facts: the gateway
// fills userId from the caller's verified session, never from the request
// payload. All events are serialized as JSON inside an envelope with an
// event-name discriminator.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tabsplit/tabsplit/internal/receipt"
)

// Event names carried on room channels.
const (
	TypeMessage   = "message"
	TypeSplitJoin = "split-join"
	TypeSplitPay  = "split-pay"
)

// TimestampLayout is the wall-clock format stamped on messages at gateway
// receipt time: RFC 3339 UTC with millisecond precision. A message's
// timestamp doubles as the key of the split session it opens.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats a time in the wire layout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Message is a chat line posted to the room. A non-nil Receipt opens a
// split session keyed by Timestamp, with the sender auto-enrolled as an
// already-paid participant.
type Message struct {
	Message           string           `json:"message"`
	UserID            string           `json:"userId"`
	Username          string           `json:"username"`
	VerificationLevel string           `json:"verification_level"`
	Timestamp         string           `json:"timestamp"`
	Receipt           *receipt.Receipt `json:"receipt,omitempty"`
}

// Split is a split-join or split-pay fact. MessageTimestamp references the
// receipt-carrying message whose session it mutates; references to unknown
// sessions are inert on every client.
type Split struct {
	UserID           string `json:"userId"`
	MessageTimestamp string `json:"messageTimestamp"`
}

// Envelope wraps an event payload with its name for transport fan-out.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals a payload into a wire envelope.
func NewEnvelope(name string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %q payload: %w", name, err)
	}
	out, err := json.Marshal(Envelope{Event: name, Data: data})
	if err != nil {
		return nil, fmt.Errorf("event: marshal %q envelope: %w", name, err)
	}
	return out, nil
}

// ParseEnvelope decodes raw transport bytes into an envelope, checking the
// discriminator is present.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("event: parse envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("event: missing or empty \"event\" field")
	}
	return env, nil
}

// Decode parses the envelope's payload into its concrete struct. Unknown
// event names are an error; reducers treat them as skippable.
func (e Envelope) Decode() (interface{}, error) {
	switch e.Event {
	case TypeMessage:
		var m Message
		if err := json.Unmarshal(e.Data, &m); err != nil {
			return nil, fmt.Errorf("event: decode %q payload: %w", e.Event, err)
		}
		return m, nil
	case TypeSplitJoin, TypeSplitPay:
		var s Split
		if err := json.Unmarshal(e.Data, &s); err != nil {
			return nil, fmt.Errorf("event: decode %q payload: %w", e.Event, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("event: unknown event type %q", e.Event)
	}
}
