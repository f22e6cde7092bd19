// Package presence tracks who is currently connected to a presence
// channel. The client-side Tracker folds the transport's membership
// notifications (initial snapshot, member added, member removed) into a
// live count and identity map; the Redis-backed Registry is the relay-side
// bookkeeping those notifications are generated from.
package presence

import "sync"

// MemberInfo is the cosmetic metadata attached to a member by the channel
// authorizer. It is observed by every other member of the channel.
type MemberInfo struct {
	Username          string `json:"username"`
	VerificationLevel string `json:"verification_level"`
}

// Member is one connected identity on a presence channel.
type Member struct {
	ID   string     `json:"id"`
	Info MemberInfo `json:"info"`
}

// Tracker is a client's view of room membership. It is eventually
// consistent with true membership and never reports a count below one:
// self is counted from construction, before any snapshot arrives.
type Tracker struct {
	mu       sync.Mutex
	selfID   string
	members  map[string]MemberInfo
	degraded bool
}

// NewTracker creates a tracker seeded with the local member.
func NewTracker(self Member) *Tracker {
	return &Tracker{
		selfID:  self.ID,
		members: map[string]MemberInfo{self.ID: self.Info},
	}
}

// ApplySnapshot replaces the membership with the subscription-succeeded
// snapshot. Self stays counted even if the snapshot raced the relay's own
// registration and does not include it yet.
func (t *Tracker) ApplySnapshot(members []Member) {
	t.mu.Lock()
	defer t.mu.Unlock()

	self, hadSelf := t.members[t.selfID]
	t.members = make(map[string]MemberInfo, len(members)+1)
	for _, m := range members {
		t.members[m.ID] = m.Info
	}
	if _, ok := t.members[t.selfID]; !ok && hadSelf {
		t.members[t.selfID] = self
	}
	t.degraded = false
}

// MemberAdded records a member joining the channel. Re-adding an existing
// member refreshes their info (display names are mutable).
func (t *Tracker) MemberAdded(m Member) {
	t.mu.Lock()
	t.members[m.ID] = m.Info
	t.mu.Unlock()
}

// MemberRemoved records a member leaving. Removing self is ignored; the
// local client knows it is connected.
func (t *Tracker) MemberRemoved(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	if id != t.selfID {
		delete(t.members, id)
	}
	t.mu.Unlock()
}

// Count returns the number of connected members, floored at one.
func (t *Tracker) Count() int {
	t.mu.Lock()
	n := len(t.members)
	t.mu.Unlock()
	if n < 1 {
		return 1
	}
	return n
}

// Lookup returns the info for a member, if known. Feed reducers use this
// to resolve display names for split events, which carry only a subject id.
func (t *Tracker) Lookup(id string) (MemberInfo, bool) {
	t.mu.Lock()
	info, ok := t.members[id]
	t.mu.Unlock()
	return info, ok
}

// Members returns a snapshot of the current membership.
func (t *Tracker) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.members))
	for id, info := range t.members {
		out = append(out, Member{ID: id, Info: info})
	}
	return out
}

// SetDegraded flags presence as degraded after a subscription error. Chat
// keeps flowing on its own channel; the UI shows a degraded indicator
// instead of failing.
func (t *Tracker) SetDegraded(v bool) {
	t.mu.Lock()
	t.degraded = v
	t.mu.Unlock()
}

// Degraded reports whether presence tracking is currently degraded.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}
