package hypermedia

import "net/http"

//go:generate mockgen -source=doer.go -destination=mock_doer_test.go -package=hypermedia

// Doer sends HTTP requests. *http.Client satisfies it; cookie
// authentication relies on the Doer carrying a cookie jar.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
