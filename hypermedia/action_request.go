package hypermedia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/alexjbarnes/siren-bind/siren"
)

type fieldValue struct {
	name  string
	value any
}

// mergeFields returns the action's declared field values overlaid with
// each layer in turn. Declared fields keep their order; names only found
// in a layer follow in sorted order.
func mergeFields(declared []siren.Field, layers ...map[string]any) []fieldValue {
	idx := make(map[string]int, len(declared))
	out := make([]fieldValue, 0, len(declared))

	set := func(name string, v any) {
		if i, ok := idx[name]; ok {
			out[i].value = v
			return
		}

		idx[name] = len(out)
		out = append(out, fieldValue{name: name, value: v})
	}

	for _, f := range declared {
		set(f.Name, f.Value)
	}

	for _, layer := range layers {
		for _, k := range slices.Sorted(maps.Keys(layer)) {
			set(k, layer[k])
		}
	}

	return out
}

// applyStaged returns a copy of fields with staged values in place of the
// declared ones.
func applyStaged(fields []siren.Field, staged map[string]any) []siren.Field {
	out := slices.Clone(fields)

	for i := range out {
		if v, ok := staged[out[i].Name]; ok {
			out[i].Value = v
		}
	}

	return out
}

// buildActionRequest encodes fields the way the action declares: in the
// query string for GET and HEAD, as a JSON object when the type names
// JSON, and as multipart form fields otherwise.
func buildActionRequest(ctx context.Context, a *siren.Action, fields []fieldValue) (*http.Request, error) {
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodGet
	}

	if method == http.MethodGet || method == http.MethodHead {
		u, err := url.Parse(a.Href)
		if err != nil {
			return nil, fmt.Errorf("parsing action href: %w", err)
		}

		q := u.Query()
		for _, f := range fields {
			q.Set(f.name, fieldString(f.value))
		}

		u.RawQuery = q.Encode()

		return http.NewRequestWithContext(ctx, method, u.String(), nil)
	}

	var (
		body        io.Reader
		contentType string
	)

	if strings.Contains(strings.ToLower(a.Type), "json") {
		obj := make(map[string]any, len(fields))
		for _, f := range fields {
			obj[f.name] = f.value
		}

		data, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("encoding action body: %w", err)
		}

		body = bytes.NewReader(data)
		contentType = a.Type
	} else {
		var buf bytes.Buffer

		w := multipart.NewWriter(&buf)
		for _, f := range fields {
			if err := w.WriteField(f.name, fieldString(f.value)); err != nil {
				return nil, fmt.Errorf("encoding action form: %w", err)
			}
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("encoding action form: %w", err)
		}

		body = &buf
		contentType = w.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, method, a.Href, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", contentType)

	return req, nil
}

func fieldString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64, bool, int, int64:
		return fmt.Sprint(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(data)
	}
}
