package hypermedia

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "github.com/alexjbarnes/siren-bind/internal/errors"
	"github.com/alexjbarnes/siren-bind/siren"
)

// FetchStatus is the single-flight gate of one fetch target. At most one
// handle is pending at a time: idle -> pending -> (complete | canceled),
// after which the gate is idle again and a new fetch may start.
type FetchStatus struct {
	mu      sync.Mutex
	pending *FetchHandle
}

// FetchHandle is the completion signal of one fetch. Every caller that
// coalesced onto the fetch waits on the same handle.
type FetchHandle struct {
	done     chan struct{}
	entity   *siren.Entity
	err      error
	canceled atomic.Bool
}

// NewFetchStatus returns an idle gate.
func NewFetchStatus() *FetchStatus {
	return &FetchStatus{}
}

// Start moves the gate to pending and returns the new handle. Starting
// while a fetch is pending is an error; cancel it first.
func (f *FetchStatus) Start() (*FetchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending != nil {
		return nil, apperrors.ErrFetchPending
	}

	f.pending = &FetchHandle{done: make(chan struct{})}

	return f.pending, nil
}

// Pending returns the in-flight handle, or nil when idle.
func (f *FetchStatus) Pending() *FetchHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pending
}

// Done completes h with the fetch result and returns the gate to idle.
// Completing a handle that is not the pending one violates the contract.
func (f *FetchStatus) Done(h *FetchHandle, entity *siren.Entity, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h == nil || f.pending != h {
		return fmt.Errorf("done: %w", apperrors.ErrInvalidState)
	}

	f.pending = nil
	h.entity = entity
	h.err = err
	close(h.done)

	return nil
}

// Cancel resolves the pending handle with an empty, non-error result and
// returns the gate to idle.
func (f *FetchStatus) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.pending
	if h == nil {
		return fmt.Errorf("cancel: %w", apperrors.ErrInvalidState)
	}

	f.pending = nil
	h.canceled.Store(true)
	close(h.done)

	return nil
}

// Done returns a channel closed when the fetch completes or is canceled.
func (h *FetchHandle) Done() <-chan struct{} {
	return h.done
}

// Canceled reports whether the fetch was canceled.
func (h *FetchHandle) Canceled() bool {
	return h.canceled.Load()
}

// Wait blocks until the fetch settles. A canceled fetch yields (nil, nil).
func (h *FetchHandle) Wait(ctx context.Context) (*siren.Entity, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.entity, h.err
	}
}
