package hypermedia

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/siren-bind/internal/errors"
	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/alexjbarnes/siren-bind/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func sirenResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{siren.MediaType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestFetch_ConcurrentCallersShareOneRequest(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/a", `{"properties":{"hit":$HIT}}`)

	release := make(chan struct{})
	srv.blockOnce("/a", release)

	c := newTestClient(t, ClientConfig{})
	st := c.State(srv.url("/a"), token.New("t"))

	var (
		wg      sync.WaitGroup
		results [2]*siren.Entity
		errs    [2]error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()
		results[0], errs[0] = st.Fetch(context.Background(), false)
	}()

	require.Eventually(t, func() bool { return srv.hitCount("/a") == 1 }, time.Second, time.Millisecond)

	wg.Add(1)

	go func() {
		defer wg.Done()
		results[1], errs[1] = st.Fetch(context.Background(), false)
	}()

	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, 1, srv.hitCount("/a"))
}

func TestFetch_CachedResponseSkipsNetwork(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/a", `{"properties":{"hit":$HIT}}`)

	c := newTestClient(t, ClientConfig{})
	st := c.State(srv.url("/a"), token.New("t"))

	first, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)

	second, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, srv.hitCount("/a"))
}

func TestFetch_BypassRefetchesWithNoCacheHeaders(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/a", `{"properties":{"hit":$HIT}}`)

	c := newTestClient(t, ClientConfig{})
	st := c.State(srv.url("/a"), token.New("t"))
	rec := newRecorder()

	require.NoError(t, st.AddObservables(rec, ObservableSpec{Property: "hit", Kind: KindProperty, Name: "hit"}))

	_, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)

	e, err := st.Fetch(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 2.0, e.Properties["hit"])
	assert.Equal(t, 2.0, rec.last("hit"))

	reqs := srv.recorded("/a")
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", reqs[1].header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", reqs[1].header.Get("Pragma"))
}

func TestFetch_BypassCancelsPendingAndDiscardsLateResult(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/a", `{"properties":{"hit":$HIT}}`)

	release := make(chan struct{})
	srv.blockOnce("/a", release)

	c := newTestClient(t, ClientConfig{})
	st := c.State(srv.url("/a"), token.New("t"))

	var (
		wg        sync.WaitGroup
		staleResp *siren.Entity
		staleErr  error
	)

	wg.Add(1)

	go func() {
		defer wg.Done()
		staleResp, staleErr = st.Fetch(context.Background(), false)
	}()

	require.Eventually(t, func() bool { return srv.hitCount("/a") == 1 }, time.Second, time.Millisecond)

	fresh, err := st.Fetch(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2.0, fresh.Properties["hit"])

	close(release)
	wg.Wait()

	assert.NoError(t, staleErr)
	assert.Nil(t, staleResp)
	assert.Equal(t, 2.0, st.Entity().Properties["hit"])
	assert.Nil(t, st.status.Pending())
}

func TestFetch_EmptyHrefIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)

	c := newTestClient(t, ClientConfig{HTTPClient: doer})
	st := newDetachedState(c, token.New("t"))

	e, err := st.Fetch(context.Background(), true)
	assert.NoError(t, err)
	assert.Nil(t, e)
}

func TestFetch_TransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)

	doer.EXPECT().Do(gomock.Any()).Return(nil, errors.New("connection refused"))

	c := newTestClient(t, ClientConfig{HTTPClient: doer})
	st := c.State("https://api.example.com/a", token.New("t"))

	_, err := st.Fetch(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
	assert.ErrorContains(t, err, "connection refused")
	assert.ErrorIs(t, st.Err(), apperrors.ErrAPIRequest)
	assert.Nil(t, st.status.Pending(), "gate returns to idle after failure")
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)

	doer.EXPECT().Do(gomock.Any()).Return(sirenResponse(http.StatusNotFound, "missing\x1b[31m"), nil)

	c := newTestClient(t, ClientConfig{HTTPClient: doer})
	st := c.State("https://api.example.com/a", token.New("t"))

	_, err := st.Fetch(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.True(t, IsStatus(err, http.StatusNotFound))

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "missing?[31m", he.Body)
	assert.Equal(t, "https://api.example.com/a", he.Href)
}

func TestFetch_FailureThenSuccessClearsError(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)

	gomock.InOrder(
		doer.EXPECT().Do(gomock.Any()).Return(sirenResponse(http.StatusServiceUnavailable, ""), nil),
		doer.EXPECT().Do(gomock.Any()).Return(sirenResponse(http.StatusOK, `{"properties":{"ok":true}}`), nil),
	)

	c := newTestClient(t, ClientConfig{HTTPClient: doer})
	st := c.State("https://api.example.com/a", token.New("t"))

	_, err := st.Fetch(context.Background(), false)
	require.Error(t, err)
	require.Error(t, st.Err())

	_, err = st.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.NoError(t, st.Err())
}

func TestFetch_InvalidBody(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)

	doer.EXPECT().Do(gomock.Any()).Return(sirenResponse(http.StatusOK, `[1,2,3]`), nil)

	c := newTestClient(t, ClientConfig{HTTPClient: doer})
	st := c.State("https://api.example.com/a", token.New("t"))

	_, err := st.Fetch(context.Background(), false)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.ErrorIs(t, err, siren.ErrNotObject)
}

func TestFetch_AuthorizationHeader(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)

	doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		assert.Contains(t, req.Header.Get("Accept"), siren.MediaType)
		assert.Equal(t, http.MethodGet, req.Method)

		return sirenResponse(http.StatusOK, `{}`), nil
	})

	c := newTestClient(t, ClientConfig{HTTPClient: doer})
	st := c.State("https://api.example.com/a", token.New("secret"))

	_, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)
}

func TestFetch_CookieTokenSendsNoAuthorization(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)

	doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		assert.Empty(t, req.Header.Get("Authorization"))
		return sirenResponse(http.StatusOK, `{}`), nil
	})

	c := newTestClient(t, ClientConfig{HTTPClient: doer})
	st := c.State("https://api.example.com/a", token.New(token.CookieAuth))

	_, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)
}

func TestFetch_RelativeHrefsResolved(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/dir/a", `{"links":[{"rel":["next"],"href":"b"},{"rel":["up"],"href":"/root"}]}`)

	c := newTestClient(t, ClientConfig{})
	st := c.State(srv.url("/dir/a"), token.New("t"))

	e, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, srv.url("/dir/b"), e.LinkByRel("next").Href)
	assert.Equal(t, srv.url("/root"), e.LinkByRel("up").Href)
}

func TestFetch_CachePrimingFetchesEveryLink(t *testing.T) {
	srv := newFakeServer(t)
	srv.handleStatus("/root", http.StatusOK, `{}`, http.Header{
		"Link": []string{`</p1>; rel="cache-primer", <$BASE/p2>; rel="cache-primer next", </p3>; rel="alternate"`},
	})
	srv.handle("/p1", `{"properties":{"n":1}}`)
	srv.handle("/p2", `{"properties":{"n":2}}`)

	c := newTestClient(t, ClientConfig{})
	tok := token.New("t")
	st := c.State(srv.url("/root"), tok)

	_, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)
	c.Wait()

	assert.Equal(t, 1, srv.hitCount("/p1"))
	assert.Equal(t, 1, srv.hitCount("/p2"))
	assert.Equal(t, 0, srv.hitCount("/p3"))

	p1, ok := c.Store().Get(srv.url("/p1"), tok)
	require.True(t, ok)
	assert.Equal(t, 1.0, p1.Entity().Properties["n"])
	assert.True(t, c.Store().Has(srv.url("/p2"), tok))

	assert.Equal(t, "no-cache", srv.recorded("/p1")[0].header.Get("Cache-Control"))
}

func TestFetch_CachePrimingStopsOnLoops(t *testing.T) {
	srv := newFakeServer(t)
	srv.handleStatus("/a", http.StatusOK, `{}`, http.Header{"Link": []string{`</b>; rel="cache-primer"`}})
	srv.handleStatus("/b", http.StatusOK, `{}`, http.Header{"Link": []string{`</a>; rel="cache-primer"`}})

	c := newTestClient(t, ClientConfig{})
	st := c.State(srv.url("/a"), token.New("t"))

	_, err := st.Fetch(context.Background(), false)
	require.NoError(t, err)
	c.Wait()

	assert.Equal(t, 2, srv.hitCount("/a"))
	assert.Equal(t, 1, srv.hitCount("/b"))
}

func TestHandleCachePriming_AggregatesFailures(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/ok", `{}`)
	srv.handleStatus("/broken", http.StatusInternalServerError, `boom`, nil)

	c := newTestClient(t, ClientConfig{})
	tok := token.New("t")
	st := c.State(srv.url("/root"), tok)

	err := st.HandleCachePriming(context.Background(), []string{srv.url("/ok"), srv.url("/broken"), srv.url("/gone")})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCachePriming)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.ErrorContains(t, err, "status 500")
	assert.ErrorContains(t, err, "/gone")

	assert.True(t, c.Store().Has(srv.url("/ok"), tok))
	assert.Equal(t, 1, c.Store().Refs(srv.url("/ok"), tok))

	require.Error(t, st.HandleCachePriming(context.Background(), []string{srv.url("/ok"), srv.url("/broken")}))
	assert.Equal(t, 1, c.Store().Refs(srv.url("/ok"), tok), "repeated priming takes no extra reference")
}

func TestInvalidate(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/a", `{"properties":{"hit":$HIT}}`)

	c := newTestClient(t, ClientConfig{})
	tok := token.New("t")

	found, err := c.Invalidate(context.Background(), srv.url("/a"), tok)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, srv.hitCount("/a"))

	st := c.State(srv.url("/a"), tok)
	_, err = st.Fetch(context.Background(), false)
	require.NoError(t, err)

	found, err = c.Invalidate(context.Background(), srv.url("/A"), tok)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2.0, st.Entity().Properties["hit"])
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func (m *memCache) Get(partition, href string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.data[partition+"|"+href]

	return b, ok, nil
}

func (m *memCache) Put(partition, href string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		m.data = make(map[string][]byte)
	}

	m.data[partition+"|"+href] = body
	m.puts++

	return nil
}

func TestFetch_ResponseCacheWarmsNewClient(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("/a", `{"properties":{"hit":$HIT}}`)

	cache := &memCache{}
	tok := token.New("t")

	first := newTestClient(t, ClientConfig{Cache: cache})
	_, err := first.State(srv.url("/a"), tok).Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.puts)

	second := newTestClient(t, ClientConfig{Cache: cache})
	e, err := second.State(srv.url("/a"), tok).Fetch(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1.0, e.Properties["hit"])
	assert.Equal(t, 1, srv.hitCount("/a"), "served from cache")

	e, err = second.State(srv.url("/a"), tok).Fetch(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2.0, e.Properties["hit"], "bypass ignores the cache")
}

func TestSanitizeResponseBody(t *testing.T) {
	long := strings.Repeat("x", maxErrorBodyBytes+10)
	assert.Len(t, sanitizeResponseBody([]byte(long)), maxErrorBodyBytes)
	assert.Equal(t, "a?b\tc", sanitizeResponseBody([]byte("a\x00b\tc")))
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
}
