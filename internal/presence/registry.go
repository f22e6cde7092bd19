package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MemberPrefix is the Redis key prefix for per-channel member hashes.
	MemberPrefix = "presence:members:"

	// MemberTTL bounds how long a channel's membership survives without
	// any connection activity. Refreshed on every add.
	MemberTTL = 1 * time.Hour
)

// Membership change actions published on presence subjects.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// Change is the membership notification fanned out to relays when a
// member joins or leaves a presence channel.
type Change struct {
	Action string `json:"action"`
	Member Member `json:"member"`
}

// Registry is the relay-side membership store for presence channels. It
// is shared across relay nodes through Redis so that snapshots include
// members connected to other nodes.
type Registry struct {
	client *redis.Client
}

// NewRegistry creates a registry backed by the given Redis client.
func NewRegistry(client *redis.Client) *Registry {
	return &Registry{client: client}
}

// Add registers a member on a presence channel and refreshes the
// channel's TTL.
func (r *Registry) Add(ctx context.Context, channelName string, m Member) error {
	key := MemberPrefix + channelName
	info, err := json.Marshal(m.Info)
	if err != nil {
		return fmt.Errorf("presence: marshal member info: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, m.ID, info)
	pipe.Expire(ctx, key, MemberTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add member: %w", err)
	}
	return nil
}

// Remove deregisters a member from a presence channel.
func (r *Registry) Remove(ctx context.Context, channelName string, id string) error {
	key := MemberPrefix + channelName
	if err := r.client.HDel(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("presence: remove member: %w", err)
	}
	return nil
}

// Snapshot returns the current members of a presence channel, sorted by
// id so every subscriber receives an identical snapshot ordering.
func (r *Registry) Snapshot(ctx context.Context, channelName string) ([]Member, error) {
	key := MemberPrefix + channelName
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot: %w", err)
	}

	members := make([]Member, 0, len(raw))
	for id, data := range raw {
		var info MemberInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			// A corrupt entry should not take the whole snapshot down.
			continue
		}
		members = append(members, Member{ID: id, Info: info})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}
