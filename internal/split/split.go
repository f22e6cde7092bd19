// Package split implements the per-receipt split session: an explicit
// state machine over participants derived purely from the room event
// stream. All transitions are idempotent and monotone, so at-least-once
// delivery cannot corrupt a session, and two clients folding the same
// ordered stream always converge on identical state.
package split

import (
	"math"

	"github.com/tabsplit/tabsplit/internal/identity"
	"github.com/tabsplit/tabsplit/internal/receipt"
)

// State is a participant's position in the split lifecycle. The only legal
// progression is NotJoined -> Joined -> Paid; no transition moves backward.
type State int

const (
	NotJoined State = iota
	Joined
	Paid
)

// String returns the state name for logs and rendering.
func (s State) String() string {
	switch s {
	case NotJoined:
		return "not_joined"
	case Joined:
		return "joined"
	case Paid:
		return "paid"
	}
	return "unknown"
}

// Participant is one identity enrolled in a session.
type Participant struct {
	ID          string
	DisplayName string
	Trust       identity.TrustLevel
	State       State
}

// Session tracks who has joined and paid for one receipt. It is derived
// state: created when a receipt-carrying message arrives and mutated only
// by folding split events in arrival order. A Session is owned by a single
// client's reducer and is not goroutine-safe on its own.
type Session struct {
	totalCents  int64
	currency    string
	initiatorID string

	participants map[string]*Participant
	order        []string // enrollment order, initiator first
}

// Cents converts a wire float amount to integer cents, rounding half-up.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// NewSession opens a split over the given receipt. The initiator is
// enrolled immediately and marked paid by construction; no event ever
// transitions them.
func NewSession(r receipt.Receipt, initiator Participant) *Session {
	initiator.State = Paid
	s := &Session{
		totalCents:   Cents(r.Total),
		currency:     r.Currency,
		initiatorID:  initiator.ID,
		participants: make(map[string]*Participant),
	}
	s.enroll(initiator)
	return s
}

func (s *Session) enroll(p Participant) {
	cp := p
	s.participants[p.ID] = &cp
	s.order = append(s.order, p.ID)
}

// Join enrolls a participant as Joined. Re-joining is a no-op: a
// redelivered join never regresses a paid participant.
func (s *Session) Join(p Participant) {
	if _, ok := s.participants[p.ID]; ok {
		return
	}
	p.State = Joined
	s.enroll(p)
}

// Pay marks a participant as Paid. Already paid is a no-op. A payment from
// someone not yet enrolled implies participation, so they are enrolled and
// marked paid in one step.
func (s *Session) Pay(p Participant) {
	if existing, ok := s.participants[p.ID]; ok {
		existing.State = Paid
		return
	}
	p.State = Paid
	s.enroll(p)
}

// StateOf returns the participant's current state; NotJoined for anyone
// not enrolled.
func (s *Session) StateOf(id string) State {
	if p, ok := s.participants[id]; ok {
		return p.State
	}
	return NotJoined
}

// InitiatorID returns the subject who posted the receipt.
func (s *Session) InitiatorID() string {
	return s.initiatorID
}

// Currency returns the receipt currency code.
func (s *Session) Currency() string {
	return s.currency
}

// TotalCents returns the receipt total in cents.
func (s *Session) TotalCents() int64 {
	return s.totalCents
}

// Count returns the current participant count (initiator included).
func (s *Session) Count() int {
	return len(s.participants)
}

// ShareCents computes the per-head amount: total divided by the current
// participant count, rounded half-up to a cent. It is recomputed on every
// call rather than stored, so all clients converge on the same amount as
// the participant count changes, with no coordinator.
func (s *Session) ShareCents() int64 {
	n := len(s.participants)
	if n < 1 {
		n = 1
	}
	return int64(math.Round(float64(s.totalCents) / float64(n)))
}

// Share returns the per-head amount in wire units (e.g. 20.18).
func (s *Session) Share() float64 {
	return float64(s.ShareCents()) / 100
}

// Participants returns the enrolled participants in enrollment order.
// The slice and its elements are copies; mutating them does not affect
// the session.
func (s *Session) Participants() []Participant {
	out := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.participants[id])
	}
	return out
}

// ShowPayButton reports whether the pay affordance should be rendered for
// the given viewer: only while their own state is not Paid. The initiator
// is paid by construction and never sees it.
func (s *Session) ShowPayButton(viewerID string) bool {
	return s.StateOf(viewerID) != Paid
}
