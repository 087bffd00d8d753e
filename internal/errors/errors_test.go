package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrInvalidState,
		ErrFetchPending,
		ErrInvalidToken,
		ErrActionNotFound,
		ErrAPIRequest,
		ErrAPIResponse,
		ErrCachePriming,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidState, "invalid fetch state"},
		{ErrFetchPending, "fetch already pending"},
		{ErrInvalidToken, "invalid or unresolvable token"},
		{ErrActionNotFound, "action not found"},
		{ErrAPIRequest, "API request failed"},
		{ErrAPIResponse, "unexpected API response"},
		{ErrCachePriming, "cache priming failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
