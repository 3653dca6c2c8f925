package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when a bearer token does not resolve to a user.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier resolves a bearer token presented on a WebSocket upgrade to
// a user id. Token issuance and user management live outside the sync core.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// GenerateSecret generates a cryptographically secure random 32-byte
// hex-encoded secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// StaticVerifier verifies tokens of the form "<userId>.<secret>" against
// bcrypt hashes held in memory. Intended for single-node deployments and
// tests; production deployments inject their own TokenVerifier.
type StaticVerifier struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{hashes: make(map[string][]byte)}
}

// Register stores the bcrypt hash of a user's secret and returns the full
// bearer token to hand to the client. The plaintext secret is not retained.
func (v *StaticVerifier) Register(userID, secret string) (string, error) {
	if userID == "" || strings.Contains(userID, ".") {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}

	v.mu.Lock()
	v.hashes[userID] = hash
	v.mu.Unlock()

	return userID + "." + secret, nil
}

// Verify splits the token into user id and secret and compares the secret
// against the stored hash.
func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, secret, ok := strings.Cut(token, ".")
	if !ok || userID == "" || secret == "" {
		return "", ErrInvalidToken
	}

	v.mu.RLock()
	hash, exists := v.hashes[userID]
	v.mu.RUnlock()
	if !exists {
		return "", ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return "", ErrInvalidToken
	}
	return userID, nil
}
