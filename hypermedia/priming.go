package hypermedia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/siren-bind/internal/errors"
	"github.com/alexjbarnes/siren-bind/token"
	"golang.org/x/sync/errgroup"
)

type primedKey struct{}

// primedSet holds the normalized hrefs already primed along one chain of
// priming responses. It is never mutated once stored in a context.
type primedSet map[string]struct{}

func primedFrom(ctx context.Context) primedSet {
	if s, ok := ctx.Value(primedKey{}).(primedSet); ok {
		return s
	}

	return nil
}

func (s primedSet) with(hrefs []string) primedSet {
	out := make(primedSet, len(s)+len(hrefs))
	for k := range s {
		out[k] = struct{}{}
	}

	for _, h := range hrefs {
		out[NormalizeID(h)] = struct{}{}
	}

	return out
}

// handleCachePriming bypass-fetches every href under tok, storing each
// response as a State. Hrefs already primed earlier in the same chain are
// skipped so servers that prime each other cannot loop. Failures are
// joined with ErrCachePriming.
func (c *Client) handleCachePriming(ctx context.Context, tok *token.Token, hrefs []string) error {
	seen := primedFrom(ctx)
	ctx = context.WithValue(ctx, primedKey{}, seen.with(hrefs))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	g.SetLimit(c.primingConcurrency)

	for _, href := range hrefs {
		if _, ok := seen[NormalizeID(href)]; ok {
			continue
		}

		st := c.primedState(href, tok)

		g.Go(func() error {
			if _, err := c.fetch(ctx, st, true); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("priming %s: %w", href, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", apperrors.ErrCachePriming, errors.Join(errs...))
	}

	return nil
}

// primedState returns the stored State for href, creating one on first
// sight. A State created by priming holds a single reference owned by the
// store; repeated priming does not accumulate references.
func (c *Client) primedState(href string, tok *token.Token) *State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.store.Get(href, tok); ok {
		return st
	}

	return c.stateLocked(href, tok)
}

// goPrime runs handleCachePriming in the background. The priming chain
// carried by ctx is kept; cancellation comes from the client.
func (c *Client) goPrime(ctx context.Context, tok *token.Token, hrefs []string) {
	pctx := context.WithValue(c.ctx, primedKey{}, primedFrom(ctx))

	c.bg.add()

	go func() {
		defer c.bg.done()

		if err := c.handleCachePriming(pctx, tok, hrefs); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("cache priming failed",
				slog.Int("hrefs", len(hrefs)),
				slog.String("error", err.Error()),
			)
		}
	}()
}
