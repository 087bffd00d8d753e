package hypermedia

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/stretchr/testify/require"
)

// fakeServer serves canned Siren documents. Bodies may use $BASE for the
// server URL and $HIT for the 1-based hit count of the route.
type fakeServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	routes   map[string]fakeRoute
	hits     map[string]int
	requests []recordedRequest
	blocks   map[string]chan struct{}
}

type fakeRoute struct {
	status int
	body   string
	header http.Header
}

type recordedRequest struct {
	method      string
	path        string
	query       string
	contentType string
	body        string
	header      http.Header
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{
		routes: make(map[string]fakeRoute),
		hits:   make(map[string]int),
		blocks: make(map[string]chan struct{}),
	}

	fs.srv = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.srv.Close)

	return fs
}

// handle registers a 200 response for key, either "/path" or
// "METHOD /path".
func (fs *fakeServer) handle(key, body string) {
	fs.handleStatus(key, http.StatusOK, body, nil)
}

func (fs *fakeServer) handleStatus(key string, status int, body string, header http.Header) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.routes[key] = fakeRoute{status: status, body: body, header: header}
}

// blockOnce holds the next request to path until release is closed.
func (fs *fakeServer) blockOnce(path string, release chan struct{}) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.blocks[path] = release
}

func (fs *fakeServer) url(path string) string {
	return fs.srv.URL + path
}

func (fs *fakeServer) hitCount(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.hits[path]
}

func (fs *fakeServer) recorded(path string) []recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []recordedRequest

	for _, r := range fs.requests {
		if r.path == path {
			out = append(out, r)
		}
	}

	return out
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{
		method:      r.Method,
		path:        r.URL.Path,
		query:       r.URL.RawQuery,
		contentType: r.Header.Get("Content-Type"),
		header:      r.Header.Clone(),
	}

	if strings.HasPrefix(rec.contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			var parts []string
			for k, v := range r.MultipartForm.Value {
				parts = append(parts, k+"="+strings.Join(v, ","))
			}

			rec.body = strings.Join(parts, "&")
		}
	} else {
		data, _ := io.ReadAll(r.Body)
		rec.body = string(data)
	}

	fs.mu.Lock()
	fs.hits[r.URL.Path]++
	hit := fs.hits[r.URL.Path]
	fs.requests = append(fs.requests, rec)

	route, ok := fs.routes[r.Method+" "+r.URL.Path]
	if !ok {
		route, ok = fs.routes[r.URL.Path]
	}

	release := fs.blocks[r.URL.Path]
	delete(fs.blocks, r.URL.Path)
	fs.mu.Unlock()

	if release != nil {
		<-release
	}

	if !ok {
		http.NotFound(w, r)
		return
	}

	for k, vs := range route.header {
		for _, v := range vs {
			w.Header().Add(k, strings.ReplaceAll(v, "$BASE", fs.srv.URL))
		}
	}

	w.Header().Set("Content-Type", siren.MediaType)
	w.WriteHeader(route.status)

	body := strings.ReplaceAll(route.body, "$BASE", fs.srv.URL)
	body = strings.ReplaceAll(body, "$HIT", strconv.Itoa(hit))

	_, _ = io.WriteString(w, body)
}

func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := NewClient(cfg)
	t.Cleanup(c.Close)

	return c
}

func mustParse(t *testing.T, doc string) *siren.Entity {
	t.Helper()

	e, err := siren.Parse([]byte(doc))
	require.NoError(t, err)

	return e
}

// recorder is an Observer that keeps every value it receives.
type recorder struct {
	mu     sync.Mutex
	values map[string][]any
}

func newRecorder() *recorder {
	return &recorder{values: make(map[string][]any)}
}

func (r *recorder) SetProperty(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values[name] = append(r.values[name], value)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.values[name])
}

func (r *recorder) last(name string) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs := r.values[name]
	if len(vs) == 0 {
		return nil
	}

	return vs[len(vs)-1]
}

func (r *recorder) all(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]any(nil), r.values[name]...)
}
