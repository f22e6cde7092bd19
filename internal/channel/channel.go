// Package channel defines the room channel naming rules and the signed
// authorization tokens that grant a transport connection membership in a
// channel. Channel names are scoped by deployment environment so that dev
// and prod rooms never share a transport subject.
package channel

import "strings"

// PresencePrefix is the reserved marker for presence-tracked channels.
// Subscribing to a channel with this prefix makes the subscriber visible
// to every other member of the channel.
const PresencePrefix = "presence-"

// IsPresence reports whether the channel name carries presence semantics.
func IsPresence(name string) bool {
	return strings.HasPrefix(name, PresencePrefix)
}

// Set holds the channel names for one deployment environment.
type Set struct {
	Chat     string // plain broadcast feed, no presence semantics
	Presence string // presence-tracked room membership channel
}

// ForEnv builds the channel set for an environment scope (e.g. "dev",
// "prod").
func ForEnv(env string) Set {
	return Set{
		Chat:     env + "-chat-channel",
		Presence: PresencePrefix + env + "-room",
	}
}

// Allowed reports whether a channel name is on the authorizer's allow-list
// for this environment. Anything outside the set is rejected, including
// presence channels for other environments.
func (s Set) Allowed(name string) bool {
	return name == s.Chat || name == s.Presence
}
