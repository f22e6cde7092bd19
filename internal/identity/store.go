package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all verified-session hashes.
	SessionPrefix = "authsess:"

	// SessionTTL is the time-to-live for verified sessions in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is a verified session as stored in Redis. It binds a session id
// (carried by the client's cookie) to a verified Identity.
type Session struct {
	ID          string `redis:"id"`
	SubjectID   string `redis:"subject_id"`
	Trust       string `redis:"trust"`
	DisplayName string `redis:"display_name"`
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// Identity returns the verified identity bound to the session.
func (s *Session) Identity() Identity {
	return Identity{
		SubjectID:   s.SubjectID,
		Trust:       TrustLevel(s.Trust),
		DisplayName: s.DisplayName,
	}
}

// Store manages verified sessions in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store connected to Redis at the given address.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("identity: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient creates a session store on an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create stores a new verified session and returns its id. The display name
// defaults to the subject-derived fallback when the identity carries none.
func (s *Store) Create(ctx context.Context, id Identity) (string, error) {
	sessionID := uuid.New().String()
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	name := id.DisplayName
	if name == "" {
		name = DefaultDisplayName(id.SubjectID)
	}

	fields := map[string]interface{}{
		"id":           sessionID,
		"subject_id":   id.SubjectID,
		"trust":        string(id.Trust),
		"display_name": name,
		"created_at":   now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("identity: create session: %w", err)
	}
	return sessionID, nil
}

// Get retrieves a verified session. Returns nil if not found or expired.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetDisplayName updates the cosmetic display name on a session.
func (s *Store) SetDisplayName(ctx context.Context, sessionID string, name string) error {
	key := SessionPrefix + sessionID
	return s.client.HSet(ctx, key, "display_name", name, "last_active", time.Now().Unix()).Err()
}

// Refresh extends the session's TTL and bumps its last-active timestamp.
func (s *Store) Refresh(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a verified session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
