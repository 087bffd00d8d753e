// Package live listens to a websocket change feed and refetches the
// entities it names, bypassing every cache.
//
// The feed sends JSON text messages:
//
//	{"op":"changed","href":"https://api.example.com/entities/1"}
//	{"op":"changed","hrefs":["/entities/1","/entities/2"]}
//	{"op":"ping"}
//
// Relative hrefs resolve against the configured base URL. Only the
// transport is retried; a failed refetch is logged and left to the next
// change message.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/alexjbarnes/siren-bind/token"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=live.go -destination=mock_wsconn_test.go -package=live -mock_names=wsConn=MockWSConn

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 2 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// readLimit caps a single feed message.
	readLimit = 1 << 20

	// invalidateTimeout bounds one refetch triggered by the feed.
	invalidateTimeout = 60 * time.Second
)

// Invalidator refetches a stored entity. *hypermedia.Client satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, href string, tok *token.Token) (bool, error)
}

// wsConn abstracts the websocket connection so the listener can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

// Config configures a Listener.
type Config struct {
	// URL of the websocket feed.
	URL string
	// BaseURL resolves relative hrefs in change messages.
	BaseURL string
	// Token authenticates the feed and selects the cache partition that
	// changes are applied to.
	Token  *token.Token
	Target Invalidator
}

// Listener consumes one change feed.
type Listener struct {
	url    string
	base   *url.URL
	tok    *token.Token
	target Invalidator
	logger *slog.Logger
	dial   dialFunc

	backoffMin time.Duration
	backoffMax time.Duration

	wg sync.WaitGroup
}

// NewListener creates a listener. Run starts it.
func NewListener(cfg Config, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Target == nil {
		return nil, fmt.Errorf("live: target is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("live: parsing base url: %w", err)
	}

	return &Listener{
		url:        cfg.URL,
		base:       base,
		tok:        cfg.Token,
		target:     cfg.Target,
		logger:     logger,
		dial:       dialWebsocket,
		backoffMin: reconnectMin,
		backoffMax: reconnectMax,
	}, nil
}

func dialWebsocket(ctx context.Context, u string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Run connects and processes messages until ctx is canceled or the server
// rejects the credential. Dropped connections are redialed with jittered
// exponential backoff. Refetches still running when Run returns are
// waited for.
func (l *Listener) Run(ctx context.Context) error {
	defer l.wg.Wait()

	backoff := l.backoffMin

	for {
		conn, err := l.connect(ctx)
		if err == nil {
			backoff = l.backoffMin

			l.logger.Info("live feed connected", slog.String("url", l.url))
			err = l.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("live feed: permanent error: %w", err)
		}

		l.logger.Warn("live feed lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: jitter has no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, l.backoffMax)
	}
}

func (l *Listener) connect(ctx context.Context) (wsConn, error) {
	v, err := l.tok.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving feed credential: %w", err)
	}

	header := http.Header{}
	if v != "" && !l.tok.IsCookie() {
		header.Set("Authorization", "Bearer "+v)
	}

	conn, err := l.dial(ctx, l.url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", l.url, err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// serve reads messages from one connection until it fails.
func (l *Listener) serve(ctx context.Context, conn wsConn) error {
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		if typ != websocket.MessageText {
			l.logger.Debug("live feed: ignoring binary message", slog.Int("size", len(data)))
			continue
		}

		l.handle(ctx, data)
	}
}

// handle routes one message by its op.
func (l *Listener) handle(ctx context.Context, data []byte) {
	if !gjson.ValidBytes(data) {
		l.logger.Warn("live feed: invalid message", slog.Int("size", len(data)))
		return
	}

	msg := gjson.ParseBytes(data)

	switch op := msg.Get("op").String(); op {
	case "ping":
	case "changed":
		var hrefs []string

		if h := msg.Get("href").String(); h != "" {
			hrefs = append(hrefs, h)
		}

		for _, h := range msg.Get("hrefs").Array() {
			if h.String() != "" {
				hrefs = append(hrefs, h.String())
			}
		}

		for _, h := range hrefs {
			l.invalidate(ctx, siren.ResolveHref(l.base, h))
		}
	default:
		l.logger.Debug("live feed: unknown op", slog.String("op", op))
	}
}

func (l *Listener) invalidate(ctx context.Context, href string) {
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, invalidateTimeout)
		defer cancel()

		stored, err := l.target.Invalidate(ctx, href, l.tok)

		switch {
		case err != nil && ctx.Err() == nil:
			l.logger.Warn("live feed: refetch failed",
				slog.String("href", href),
				slog.String("error", err.Error()),
			)
		case stored:
			l.logger.Debug("live feed: refetched", slog.String("href", href))
		}
	}()
}

// isPermanentError reports whether the server closed the feed in a way a
// redial cannot fix.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData:
		return true
	}

	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= 4000 && ce.Code < 4100 {
		return true
	}

	return false
}
