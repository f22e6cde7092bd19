package event

import (
	"testing"
	"time"

	"github.com/tabsplit/tabsplit/internal/receipt"
)

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC))
	if ts != "2026-03-14T09:26:53.589Z" {
		t.Errorf("Timestamp() = %q, want %q", ts, "2026-03-14T09:26:53.589Z")
	}

	// Non-UTC input normalizes to UTC.
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts = Timestamp(time.Date(2026, 3, 14, 11, 26, 53, 0, loc))
	if ts != "2026-03-14T09:26:53.000Z" {
		t.Errorf("Timestamp() = %q, want %q", ts, "2026-03-14T09:26:53.000Z")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	r := receipt.Scan()
	msg := Message{
		Message:           "dinner!",
		UserID:            "0xabc",
		Username:          "alice",
		VerificationLevel: "orb",
		Timestamp:         "2026-03-14T09:26:53.589Z",
		Receipt:           &r,
	}

	raw, err := NewEnvelope(TypeMessage, msg)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope() error: %v", err)
	}
	if env.Event != TypeMessage {
		t.Fatalf("event = %q, want %q", env.Event, TypeMessage)
	}

	decoded, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	got, ok := decoded.(Message)
	if !ok {
		t.Fatalf("decoded type = %T, want Message", decoded)
	}
	if got.UserID != "0xabc" || got.Message != "dinner!" {
		t.Errorf("unexpected decode: %+v", got)
	}
	if got.Receipt == nil || got.Receipt.Total != 60.55 {
		t.Errorf("receipt not carried through: %+v", got.Receipt)
	}
}

func TestSplitEnvelope(t *testing.T) {
	for _, name := range []string{TypeSplitJoin, TypeSplitPay} {
		raw, err := NewEnvelope(name, Split{UserID: "0xdef", MessageTimestamp: "2026-03-14T09:26:53.589Z"})
		if err != nil {
			t.Fatalf("NewEnvelope(%q) error: %v", name, err)
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("ParseEnvelope(%q) error: %v", name, err)
		}
		decoded, err := env.Decode()
		if err != nil {
			t.Fatalf("Decode(%q) error: %v", name, err)
		}
		s, ok := decoded.(Split)
		if !ok {
			t.Fatalf("decoded type = %T, want Split", decoded)
		}
		if s.UserID != "0xdef" {
			t.Errorf("%s: user id = %q, want %q", name, s.UserID, "0xdef")
		}
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	if _, err := ParseEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseEnvelope([]byte(`{"data":{}}`)); err == nil {
		t.Error("expected error for missing event name")
	}

	env := Envelope{Event: "typing", Data: []byte(`{}`)}
	if _, err := env.Decode(); err == nil {
		t.Error("expected error for unknown event type")
	}
}
