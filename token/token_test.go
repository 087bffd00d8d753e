package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/siren-bind/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("test-signing-key")

func signJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err)

	return s
}

func TestCacheKey_IgnoresVolatileClaims(t *testing.T) {
	a := signJWT(t, jwt.MapClaims{
		"sub": "user-1", "tenant": "t-9", "scope": "read write",
		"exp": 1000, "iat": 900, "jti": "aaa", "nbf": 900,
	})
	b := signJWT(t, jwt.MapClaims{
		"sub": "user-1", "tenant": "t-9", "scope": "read write",
		"exp": 5000, "iat": 4000, "jti": "bbb", "nbf": 4100,
	})

	require.NotEqual(t, a, b)
	assert.Equal(t, CacheKey(a), CacheKey(b))
	assert.NotEqual(t, a, CacheKey(a), "JWT keys are hashed, not the raw token")
}

func TestCacheKey_DiffersOnStableClaims(t *testing.T) {
	a := signJWT(t, jwt.MapClaims{"sub": "user-1", "exp": 1000})
	b := signJWT(t, jwt.MapClaims{"sub": "user-2", "exp": 1000})

	assert.NotEqual(t, CacheKey(a), CacheKey(b))
}

func TestCacheKey_LargeNumericClaimsStayExact(t *testing.T) {
	a := signJWT(t, jwt.MapClaims{"sub": "u", "tenant": int64(9007199254740993)})
	b := signJWT(t, jwt.MapClaims{"sub": "u", "tenant": int64(9007199254740992)})

	assert.NotEqual(t, CacheKey(a), CacheKey(b))
}

func TestCacheKey_NonJWTIsItsOwnKey(t *testing.T) {
	assert.Equal(t, "sb_0123456789abcdef", CacheKey("sb_0123456789abcdef"))
	assert.Equal(t, "a.b.c", CacheKey("a.b.c"), "malformed segments fall back to raw")
	assert.Equal(t, "", CacheKey(""))
}

func TestCacheKey_CookieMarker(t *testing.T) {
	tok := New(CookieAuth)
	assert.True(t, tok.IsCookie())
	assert.Equal(t, "cookie", tok.CacheKey())
	assert.False(t, New("bearer-value").IsCookie())
}

func TestToken_Equal(t *testing.T) {
	a := New(signJWT(t, jwt.MapClaims{"sub": "x", "iat": 1}))
	b := New(signJWT(t, jwt.MapClaims{"sub": "x", "iat": 2}))
	c := New("other")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestToken_NilSafe(t *testing.T) {
	var tok *Token
	assert.Equal(t, "", tok.CacheKey())
	assert.Equal(t, "", tok.Value())
	assert.False(t, tok.IsCookie())

	v, err := tok.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestSource_RefreshKeepsCacheKey(t *testing.T) {
	var n atomic.Int32

	src := NewSource(func(context.Context) (string, error) {
		i := n.Add(1)
		return signJWT(t, jwt.MapClaims{"sub": "user-1", "iat": i}), nil
	})

	tok, err := src.Token(context.Background())
	require.NoError(t, err)

	key := tok.CacheKey()
	first := tok.Value()

	refreshed, err := tok.Refresh(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first, refreshed)
	assert.Equal(t, refreshed, tok.Value())
	assert.Equal(t, key, tok.CacheKey())
}

func TestSource_ConcurrentResolutionsShareOneCall(t *testing.T) {
	var calls atomic.Int32

	release := make(chan struct{})
	src := NewSource(func(context.Context) (string, error) {
		calls.Add(1)
		<-release

		return "shared-token", nil
	})

	const callers = 8

	var wg sync.WaitGroup

	results := make([]string, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tok, err := src.Token(context.Background())
			if err == nil {
				results[i] = tok.Value()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	for _, r := range results {
		assert.Equal(t, "shared-token", r)
	}
}

func TestSource_ProviderError(t *testing.T) {
	src := NewSource(func(context.Context) (string, error) {
		return "", errors.New("identity provider down")
	})

	_, err := src.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	assert.ErrorContains(t, err, "identity provider down")
}

func TestSource_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	src := NewSource(func(context.Context) (string, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Token(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
