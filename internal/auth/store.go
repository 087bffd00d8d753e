// Package auth implements API-key bearer authentication for the MCP
// endpoint. Keys are configured at startup and held in memory as SHA-256
// digests; raw keys are never retained.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const (
	// APIKeyPrefix distinguishes siren-bind API keys from other bearer
	// credentials.
	APIKeyPrefix = "sb_"

	// apiKeyRandomBytes is the entropy of a generated key.
	apiKeyRandomBytes = 32

	// APIKeyMinLen is the minimum accepted key length including the
	// prefix. 32 hex characters carry 128 bits.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is the identity bound to a configured key.
type APIKey struct {
	UserID    string
	CreatedAt time.Time
	LastUsed  time.Time
}

// Store holds the configured API keys.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // sha256(key) hex -> identity
	now  func() time.Time
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{
		keys: make(map[string]*APIKey),
		now:  time.Now,
	}
}

// AddAPIKey registers key for userID. A key may only be bound once.
func (s *Store) AddAPIKey(userID, key string) error {
	if userID == "" {
		return fmt.Errorf("api key: empty user id")
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("api key for %q: shorter than %d characters", userID, APIKeyMinLen)
	}

	h := keyHash(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.keys[h]; dup {
		return fmt.Errorf("api key for %q: already registered", userID)
	}

	s.keys[h] = &APIKey{UserID: userID, CreatedAt: s.now()}

	return nil
}

// ValidateAPIKey returns the identity bound to key, or nil. A successful
// lookup records the time of use.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	h := keyHash(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	for stored, ak := range s.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			ak.LastUsed = s.now()
			cp := *ak

			return &cp
		}
	}

	return nil
}

// Len returns the number of configured keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// GenerateAPIKey returns a new random key carrying the API key prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyRandomBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

func keyHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
