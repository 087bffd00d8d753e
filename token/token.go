// Package token normalizes credentials into cache-keyable identities.
//
// A Token carries the raw credential sent to the server and a cache key
// that partitions every cached entity. Two credentials with equal cache
// keys are treated as the same principal: JWTs are reduced to their
// non-volatile claims before hashing, so a refreshed token with the same
// subject and scopes keeps hitting the same cache partition.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/alexjbarnes/siren-bind/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// CookieAuth is the credential marker for cookie-based authentication.
// Tokens built from it never produce an Authorization header.
const CookieAuth = "cookie"

const cookieCacheKey = "cookie"

// volatileClaims change on every issuance and never identify a principal.
var volatileClaims = []string{"exp", "iat", "jti", "nbf"}

// Provider returns a fresh credential. It is called on token creation and
// again before every request.
type Provider func(ctx context.Context) (string, error)

// Token is a credential plus its stable cache key.
type Token struct {
	mu       sync.RWMutex
	value    string
	cacheKey string
	source   *Source
}

// New wraps a literal credential.
func New(raw string) *Token {
	return &Token{value: raw, cacheKey: CacheKey(raw)}
}

// CacheKey returns the partition key. It never changes for the lifetime
// of the token, even when Refresh picks up a new credential.
func (t *Token) CacheKey() string {
	if t == nil {
		return ""
	}

	return t.cacheKey
}

// Value returns the current raw credential.
func (t *Token) Value() string {
	if t == nil {
		return ""
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.value
}

// IsCookie reports whether the token stands for cookie authentication.
func (t *Token) IsCookie() bool {
	return t != nil && t.cacheKey == cookieCacheKey
}

// Equal reports whether two tokens share a cache key.
func (t *Token) Equal(o *Token) bool {
	return t.CacheKey() == o.CacheKey()
}

// Refresh re-resolves a provider-backed token and returns the current
// credential. Literal tokens return their value unchanged.
func (t *Token) Refresh(ctx context.Context) (string, error) {
	if t == nil {
		return "", nil
	}

	if t.source == nil {
		return t.Value(), nil
	}

	v, err := t.source.resolve(ctx)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.value = v
	t.mu.Unlock()

	return v, nil
}

// CacheKey derives the partition key for a raw credential. The cookie
// marker maps to a fixed key. JWTs have their volatile claims stripped and
// the remainder hashed over a canonical encoding. Anything that does not
// decode as a JWT (API keys, opaque tokens) is its own key.
func CacheKey(raw string) string {
	if raw == CookieAuth {
		return cookieCacheKey
	}

	claims := jwt.MapClaims{}

	parser := jwt.NewParser(jwt.WithJSONNumber())
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return raw
	}

	for _, c := range volatileClaims {
		delete(claims, c)
	}

	// encoding/json sorts map keys, which makes the encoding canonical.
	canonical, err := json.Marshal(claims)
	if err != nil {
		return raw
	}

	sum := blake2b.Sum256(canonical)

	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Source resolves tokens from a Provider. Concurrent resolutions share a
// single provider call.
type Source struct {
	provider Provider
	group    singleflight.Group
}

// NewSource wraps a provider.
func NewSource(p Provider) *Source {
	return &Source{provider: p}
}

// Token resolves the provider and returns a Token bound to this source.
// The cache key is fixed from the credential returned here.
func (s *Source) Token(ctx context.Context) (*Token, error) {
	v, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}

	t := New(v)
	t.source = s

	return t, nil
}

func (s *Source) resolve(ctx context.Context) (string, error) {
	ch := s.group.DoChan("token", func() (any, error) {
		// One caller giving up must not fail the others sharing the call.
		return s.provider(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, res.Err)
		}

		v, _ := res.Val.(string)

		return v, nil
	}
}
