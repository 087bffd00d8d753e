package hypermedia

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/alexjbarnes/siren-bind/token"
)

const (
	defaultHTTPTimeout        = 30 * time.Second
	defaultPrimingRel         = "cache-primer"
	defaultPrimingConcurrency = 4
)

// ResponseCache persists raw response bodies per token partition so a
// restarted process can warm its graph without hitting the network.
type ResponseCache interface {
	Get(partition, href string) ([]byte, bool, error)
	Put(partition, href string, body []byte) error
}

// ClientConfig configures a Client. Zero values select defaults.
type ClientConfig struct {
	HTTPClient Doer
	Logger     *slog.Logger
	Cache      ResponseCache
	// PrimingRel is the Link header rel whose targets are fetched
	// eagerly after a response.
	PrimingRel         string
	PrimingConcurrency int
}

// Client owns the state graph: the Store of States, the HTTP transport and
// the background fetches that keep linked entities current. All graph
// mutation and observer notification happens under one lock; network I/O
// happens outside it.
type Client struct {
	mu    sync.Mutex
	store *Store

	doer               Doer
	logger             *slog.Logger
	cache              ResponseCache
	primingRel         string
	primingConcurrency int

	ctx    context.Context
	cancel context.CancelFunc
	bg     tracker
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.PrimingRel == "" {
		cfg.PrimingRel = defaultPrimingRel
	}

	if cfg.PrimingConcurrency <= 0 {
		cfg.PrimingConcurrency = defaultPrimingConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		store:              NewStore(),
		doer:               cfg.HTTPClient,
		logger:             cfg.Logger,
		cache:              cfg.Cache,
		primingRel:         cfg.PrimingRel,
		primingConcurrency: cfg.PrimingConcurrency,
		ctx:                ctx,
		cancel:             cancel,
	}
}

// Store returns the client's state store.
func (c *Client) Store() *Store {
	return c.store
}

// State returns the State for the pair, creating it on first use. Each
// call takes a reference that the caller gives back with Release.
func (c *Client) State(entityID string, tok *token.Token) *State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stateLocked(entityID, tok)
}

func (c *Client) stateLocked(entityID string, tok *token.Token) *State {
	return c.store.getOrAdd(entityID, tok, func() *State {
		return newState(c, entityID, tok)
	})
}

// Release drops a reference taken by State.
func (c *Client) Release(s *State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked(s)
}

func (c *Client) releaseLocked(s *State) {
	if s == nil || s.detached {
		return
	}

	if c.store.Remove(s) {
		c.logger.Debug("state released", slog.String("entity_id", s.entityID))
	}
}

// Fetch fetches s. See State.Fetch.
func (c *Client) Fetch(ctx context.Context, s *State, bypass bool) (*siren.Entity, error) {
	return c.fetch(ctx, s, bypass)
}

// Invalidate refetches the stored State for href, bypassing caches. It
// reports false when no State is stored for the pair.
func (c *Client) Invalidate(ctx context.Context, href string, tok *token.Token) (bool, error) {
	st, ok := c.store.Get(href, tok)
	if !ok {
		return false, nil
	}

	_, err := c.fetch(ctx, st, true)

	return true, err
}

// Wait blocks until every background fetch started so far, and any they
// start in turn, has finished.
func (c *Client) Wait() {
	_ = c.bg.wait(context.Background())
}

// WaitContext is Wait bounded by ctx. It may be called while other
// goroutines start new fetches.
func (c *Client) WaitContext(ctx context.Context) error {
	return c.bg.wait(ctx)
}

// Close cancels background fetches and waits for them to exit.
func (c *Client) Close() {
	c.cancel()
	c.Wait()
}

// Clear drops every stored State. States already handed out keep working
// but are no longer shared.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.Clear()
}

// goFetch fetches s in the background. Called with the graph lock held.
func (c *Client) goFetch(s *State) {
	if s == nil || s.detached || s.raw != nil {
		return
	}

	c.bg.add()

	go func() {
		defer c.bg.done()

		if _, err := c.fetch(c.ctx, s, false); err != nil && c.ctx.Err() == nil {
			c.logger.Debug("background fetch failed",
				slog.String("entity_id", s.entityID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// tracker counts background goroutines. Unlike sync.WaitGroup it may be
// waited on while the count rises from zero.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.n == 0 {
		t.idle = make(chan struct{})
	}

	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

// wait returns once the count is zero or ctx is done.
func (t *tracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.n == 0 {
			t.mu.Unlock()
			return nil
		}

		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
