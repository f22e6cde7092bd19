// Package feed implements the client-side event log reducer: the ordered
// fold of room events into chat entries and derived split sessions. The
// log trusts the transport's per-channel delivery order and performs no
// reordering or deduplication; split transitions are idempotent, so
// at-least-once redelivery is harmless. Split events referencing a
// timestamp with no matching receipt message are dropped, never surfaced.
package feed

import (
	"sync"

	"github.com/tabsplit/tabsplit/internal/event"
	"github.com/tabsplit/tabsplit/internal/identity"
	"github.com/tabsplit/tabsplit/internal/presence"
	"github.com/tabsplit/tabsplit/internal/split"
)

// Directory resolves a subject id to its cosmetic member info. Split
// events carry only a subject id; the presence tracker fills in the
// display name and trust level of joiners.
type Directory interface {
	Lookup(id string) (presence.MemberInfo, bool)
}

// Entry is one line of the room feed. Split is non-nil for messages that
// carried a receipt and opened a split session.
type Entry struct {
	Message event.Message
	Split   *split.Session
}

// Log is the append-only room feed owned by one client. It is safe for
// use from the read loop goroutine and the rendering side concurrently.
type Log struct {
	mu       sync.Mutex
	entries  []*Entry
	sessions map[string]*split.Session // message timestamp -> session
	dir      Directory
}

// NewLog creates an empty feed. dir may be nil; joiners then render with
// the subject-derived fallback name.
func NewLog(dir Directory) *Log {
	return &Log{
		sessions: make(map[string]*split.Session),
		dir:      dir,
	}
}

// Apply folds one transport envelope into the log. Malformed payloads are
// returned as errors for the caller to log; orphaned or duplicate split
// events are absorbed as no-ops, keeping the chat stream available.
func (l *Log) Apply(data []byte) error {
	env, err := event.ParseEnvelope(data)
	if err != nil {
		return err
	}
	return l.ApplyEnvelope(env)
}

// ApplyEnvelope folds an already-parsed envelope.
func (l *Log) ApplyEnvelope(env event.Envelope) error {
	decoded, err := env.Decode()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev := decoded.(type) {
	case event.Message:
		l.applyMessage(ev)
	case event.Split:
		l.applySplit(env.Event, ev)
	}
	return nil
}

// applyMessage appends a chat line. A receipt payload opens a split
// session keyed by the message timestamp, with the sender enrolled and
// paid.
func (l *Log) applyMessage(ev event.Message) {
	entry := &Entry{Message: ev}
	if ev.Receipt != nil {
		s := split.NewSession(*ev.Receipt, split.Participant{
			ID:          ev.UserID,
			DisplayName: ev.Username,
			Trust:       identity.TrustLevel(ev.VerificationLevel),
		})
		entry.Split = s
		l.sessions[ev.Timestamp] = s
	}
	l.entries = append(l.entries, entry)
}

// applySplit routes a split event to its session. Unknown timestamps have
// no session to mutate and are dropped.
func (l *Log) applySplit(name string, ev event.Split) {
	s, ok := l.sessions[ev.MessageTimestamp]
	if !ok {
		return
	}

	p := l.resolve(ev.UserID)
	switch name {
	case event.TypeSplitJoin:
		s.Join(p)
	case event.TypeSplitPay:
		s.Pay(p)
	}
}

// resolve builds the participant record for a subject id, consulting the
// directory for the current display name and trust level.
func (l *Log) resolve(id string) split.Participant {
	p := split.Participant{
		ID:          id,
		DisplayName: identity.DefaultDisplayName(id),
		Trust:       identity.TrustPhone,
	}
	if l.dir != nil {
		if info, ok := l.dir.Lookup(id); ok {
			if info.Username != "" {
				p.DisplayName = info.Username
			}
			if trust, err := identity.ParseTrustLevel(info.VerificationLevel); err == nil {
				p.Trust = trust
			}
		}
	}
	return p
}

// Len returns the number of feed entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a snapshot of the feed. Entry values are copies; the
// embedded split sessions are the live derived state.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}

// Session returns the split session opened by the message with the given
// timestamp, or nil if no receipt message with that timestamp exists.
func (l *Log) Session(timestamp string) *split.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[timestamp]
}
