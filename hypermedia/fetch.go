package hypermedia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/siren-bind/internal/errors"
	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/alexjbarnes/siren-bind/token"
)

const (
	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory.
	maxResponseBytes = 8 * 1024 * 1024

	// maxErrorBodyBytes is how much of an error body is kept in HTTPError.
	maxErrorBodyBytes = 256
)

// fetchTarget is the capability a State or an action invocation exposes
// to the fetch coordinator.
type fetchTarget interface {
	fetchHref() string
	fetchToken() *token.Token
	fetchStatus() *FetchStatus
	// cachedResponse returns the last applied server response, or nil.
	// Called with the graph lock held.
	cachedResponse() *siren.Entity
	// persistent reports whether responses may be read from and written
	// to the response cache.
	persistent() bool
	newRequest(ctx context.Context) (*http.Request, error)
	// onServerResponse receives the decoded body or the fetch error.
	// Called with the graph lock held.
	onServerResponse(entity *siren.Entity, err error)
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	Href       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Href, e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error { return apperrors.ErrAPIResponse }

// IsStatus reports whether err is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == code
	}

	return false
}

type serverResponse struct {
	entity  *siren.Entity
	body    []byte
	priming []string
}

// fetch runs one fetch of t. Without bypass, a pending fetch is joined
// and a cached response is returned as is. With bypass, a pending fetch is
// canceled and a fresh request is sent with no-cache headers. The
// target's onServerResponse always runs before the handle settles.
func (c *Client) fetch(ctx context.Context, t fetchTarget, bypass bool) (*siren.Entity, error) {
	href := t.fetchHref()
	if href == "" {
		return nil, nil
	}

	status := t.fetchStatus()

	c.mu.Lock()

	if pending := status.Pending(); pending != nil {
		if !bypass {
			c.mu.Unlock()
			return pending.Wait(ctx)
		}

		if err := status.Cancel(); err != nil {
			c.mu.Unlock()
			return nil, err
		}

		c.logger.Debug("canceled pending fetch", slog.String("href", href))
	}

	if !bypass {
		if cached := t.cachedResponse(); cached != nil {
			c.mu.Unlock()
			return cached, nil
		}
	}

	h, err := status.Start()
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if !bypass {
		if entity := c.fromResponseCache(t); entity != nil {
			return c.settle(t, h, entity, nil)
		}
	}

	resp, fetchErr := c.roundTrip(ctx, t, bypass)

	var entity *siren.Entity
	if resp != nil {
		entity = resp.entity
	}

	if fetchErr == nil && resp != nil && t.persistent() && c.cache != nil && resp.entity != nil {
		if err := c.cache.Put(t.fetchToken().CacheKey(), href, resp.body); err != nil {
			c.logger.Warn("writing response cache",
				slog.String("href", href),
				slog.String("error", err.Error()),
			)
		}
	}

	result, err := c.settle(t, h, entity, fetchErr)

	if fetchErr == nil && resp != nil && len(resp.priming) > 0 && !h.Canceled() {
		c.goPrime(ctx, t.fetchToken(), resp.priming)
	}

	return result, err
}

// settle applies the result to t and completes h under the graph lock, so
// a concurrent bypass either cancels h before the result lands or sees the
// gate idle afterwards. A result arriving for a canceled handle is
// discarded.
func (c *Client) settle(t fetchTarget, h *FetchHandle, entity *siren.Entity, fetchErr error) (*siren.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Canceled() {
		return nil, nil
	}

	t.onServerResponse(entity, fetchErr)

	if err := t.fetchStatus().Done(h, entity, fetchErr); err != nil {
		return nil, err
	}

	return entity, fetchErr
}

func (c *Client) fromResponseCache(t fetchTarget) *siren.Entity {
	if c.cache == nil || !t.persistent() {
		return nil
	}

	href := t.fetchHref()

	body, ok, err := c.cache.Get(t.fetchToken().CacheKey(), href)
	if err != nil {
		c.logger.Warn("reading response cache",
			slog.String("href", href),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if !ok {
		return nil
	}

	entity, err := siren.Parse(body)
	if err != nil {
		c.logger.Debug("discarding unreadable cached response",
			slog.String("href", href),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if base, err := url.Parse(href); err == nil {
		entity.ResolveRefs(base)
	}

	c.logger.Debug("served from response cache", slog.String("href", href))

	return entity
}

// roundTrip performs the HTTP exchange for t.
func (c *Client) roundTrip(ctx context.Context, t fetchTarget, bypass bool) (*serverResponse, error) {
	tok := t.fetchToken()

	credential, err := tok.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	req, err := t.newRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", siren.MediaType+", application/json")

	if !tok.IsCookie() && credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	if bypass {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	c.logger.Debug("fetching",
		slog.String("method", req.Method),
		slog.String("href", req.URL.String()),
		slog.Bool("bypass", bypass),
	)

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrAPIRequest, req.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			Method:     req.Method,
			Href:       req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       sanitizeResponseBody(body),
		}
	}

	out := &serverResponse{
		priming: siren.LinksWithRel(siren.ParseLinkHeader(resp.Header.Values("Link")...), c.primingRel),
	}

	for i, href := range out.priming {
		out.priming[i] = siren.ResolveHref(req.URL, href)
	}

	if len(body) == 0 {
		return out, nil
	}

	entity, err := siren.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", apperrors.ErrAPIResponse, req.URL, err)
	}

	entity.ResolveRefs(req.URL)

	out.entity = entity
	out.body = body

	return out, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages, replacing control characters to prevent
// log injection.
func sanitizeResponseBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
