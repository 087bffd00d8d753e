package errors

import "errors"

// Contract violations. These indicate a programming error in the caller.
var (
	ErrInvalidState = errors.New("invalid fetch state")
	ErrFetchPending = errors.New("fetch already pending")
)

// Client errors.
var (
	ErrInvalidToken   = errors.New("invalid or unresolvable token")
	ErrActionNotFound = errors.New("action not found")
)

// Server/transport errors.
var (
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
	ErrCachePriming = errors.New("cache priming failed")
)
