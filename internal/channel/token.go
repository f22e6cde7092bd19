package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tabsplit/tabsplit/internal/identity"
)

// DefaultTokenTTL bounds how long a connection can sit between requesting
// authorization and presenting the token to a relay.
const DefaultTokenTTL = 2 * time.Minute

// Claims are the signed facts a channel token carries: which socket may
// join which channel, and the presence metadata other members will observe.
type Claims struct {
	jwt.RegisteredClaims
	SocketID          string `json:"socket_id"`
	Channel           string `json:"channel"`
	UserID            string `json:"user_id"`
	Username          string `json:"username"`
	VerificationLevel string `json:"verification_level"`
}

// TokenConfig holds the shared signing secret and clock used by both the
// gateway (issuer) and the relays (verifiers).
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func (c TokenConfig) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTokenTTL
}

func (c TokenConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Issue signs a channel token binding the socket, the channel, and the
// caller's verified identity. The display name is cosmetic and frozen at
// issue time.
func (c TokenConfig) Issue(socketID, channelName string, id identity.Identity) (string, error) {
	if len(c.Secret) == 0 {
		return "", errors.New("channel: token secret is not configured")
	}

	now := c.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl())),
		},
		SocketID:          socketID,
		Channel:           channelName,
		UserID:            id.SubjectID,
		Username:          id.DisplayName,
		VerificationLevel: string(id.Trust),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.Secret)
	if err != nil {
		return "", fmt.Errorf("channel: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a channel token and checks that it was issued for the
// given socket and channel. Expired, foreign, or tampered tokens fail.
func (c TokenConfig) Verify(token, socketID, channelName string) (*Claims, error) {
	if len(c.Secret) == 0 {
		return nil, errors.New("channel: token secret is not configured")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("channel: unexpected signing method %v", t.Header["alg"])
		}
		return c.Secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		return nil, fmt.Errorf("channel: parse token: %w", err)
	}

	if claims.SocketID != socketID {
		return nil, fmt.Errorf("channel: token issued for socket %q, presented by %q", claims.SocketID, socketID)
	}
	if claims.Channel != channelName {
		return nil, fmt.Errorf("channel: token issued for channel %q, presented for %q", claims.Channel, channelName)
	}
	return &claims, nil
}
