package relay

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

const sessionKeySize = 32

// Claims is the payload of the token a peer presents to the relay hub.
type Claims struct {
	AllocationID     string `json:"aid"`
	HostAllocationID string `json:"hid"`
	Role             string `json:"role"`
	jwt.RegisteredClaims
}

// IsHost reports whether the token was issued for the host side.
func (c *Claims) IsHost() bool {
	return c.Role == session.RoleHost.String()
}

// Tokens issues and verifies relay tokens and derives session keys from a
// single server secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("relay secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for the given allocation.
func (t *Tokens) Issue(allocationID, hostAllocationID string, role session.Role) (string, error) {
	now := time.Now()
	claims := &Claims{
		AllocationID:     allocationID,
		HostAllocationID: hostAllocationID,
		Role:             role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   allocationID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		slog.Error("Failed to sign relay token", "allocationID", allocationID, "error", err)
		return "", err
	}
	return signed, nil
}

// Parse verifies a token and returns its claims.
func (t *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.AllocationID == "" || claims.HostAllocationID == "" {
		return nil, fmt.Errorf("%w: missing allocation", ErrInvalidToken)
	}
	return claims, nil
}

// SessionKey derives the key shared by the host and joiners of one allocation.
func (t *Tokens) SessionKey(hostAllocationID string) ([]byte, error) {
	key := make([]byte, sessionKeySize)
	r := hkdf.New(sha256.New, t.secret, []byte(hostAllocationID), []byte("nexus-clash relay session key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
