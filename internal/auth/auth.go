package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Team represents an authenticated tenant.
type Team struct {
	ID        string
	Name      string
	Status    string
	RateLimit int
}

// Suspended reports whether the team is blocked from making calls.
func (t *Team) Suspended() bool {
	return t.Status == "suspended"
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 15 characters of the plaintext key
}

// TeamLookup is the interface for retrieving teams by their key hash.
type TeamLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Team, error)
}

// Service provides authentication operations backed by a team store.
type Service struct {
	store TeamLookup
}

// NewService creates a new authentication service.
func NewService(store TeamLookup) *Service {
	return &Service{store: store}
}

// GenerateAPIKey creates a new API key with the "centime_" prefix followed
// by 32 URL-safe random characters. It returns the APIKey struct (containing
// the hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	random := base64.RawURLEncoding.EncodeToString(b)
	plaintext := "centime_" + random

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:15],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// VerifyAdminKey checks a presented admin key against the configured one.
// The configured value is either a bcrypt hash or a plaintext key; the
// plaintext comparison is constant time.
func VerifyAdminKey(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
