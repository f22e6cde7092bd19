// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE sliding window algorithm. The gateway throttles broadcasts and
// authorization requests per verified subject; relays throttle new socket
// connections per IP.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy, identified by its Redis key prefix.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:auth:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleBroadcast allows 5 broadcast requests per 10 seconds per subject.
	RuleBroadcast = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleAuthorize allows 10 channel authorization requests per minute per
	// subject (a display-name change forces a reconnect, which re-authorizes
	// every channel, so this must leave room for a couple of rebinds).
	RuleAuthorize = Rule{Key: "rl:auth:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 5 relay socket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter counts actions per identifier in Redis. All checks fail open:
// a Redis outage must not take chat down with it, so errors log and allow.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records one action for the identifier under the rule and reports
// whether it fits inside the window. The counter key gets its TTL on the
// first increment of each window.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: INCR %s: %v (allowing)", key, err)
		return true, err
	}

	if n == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			// Without a TTL the counter never resets and would lock the
			// identifier out permanently. Delete what we can and allow.
			log.Printf("ratelimit: EXPIRE %s: %v (allowing)", key, err)
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(n) <= rule.Limit, nil
}
