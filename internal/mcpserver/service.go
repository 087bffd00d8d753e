package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/alexjbarnes/siren-bind/hypermedia"
	"github.com/alexjbarnes/siren-bind/internal/auth"
	"github.com/alexjbarnes/siren-bind/internal/bindings"
	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/alexjbarnes/siren-bind/token"
)

// Service answers tool calls against one entity graph. Every href is
// resolved against the root entity and must stay on its origin, so the
// configured credential is never sent to another host.
type Service struct {
	client *hypermedia.Client
	tok    *token.Token
	root   *url.URL
	logger *slog.Logger
}

// NewService creates a service rooted at rootURL.
func NewService(client *hypermedia.Client, tok *token.Token, rootURL string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parsing root url: %w", err)
	}

	if root.Scheme == "" || root.Host == "" {
		return nil, fmt.Errorf("root url %q is not absolute", rootURL)
	}

	return &Service{client: client, tok: tok, root: root, logger: logger}, nil
}

// resolve maps a tool href to an absolute URL on the root origin. Empty
// means the root entity.
func (s *Service) resolve(href string) (string, error) {
	if href == "" {
		return s.root.String(), nil
	}

	abs := siren.ResolveHref(s.root, href)

	u, err := url.Parse(abs)
	if err != nil {
		return "", fmt.Errorf("invalid href %q: %w", href, err)
	}

	if !strings.EqualFold(u.Scheme, s.root.Scheme) || !strings.EqualFold(u.Host, s.root.Host) {
		return "", fmt.Errorf("href %q is outside %s://%s", href, s.root.Scheme, s.root.Host)
	}

	return u.String(), nil
}

// withState runs fn against a referenced, fetched state and releases it
// afterwards.
func (s *Service) withState(ctx context.Context, href string, bypass bool, fn func(st *hypermedia.State) error) error {
	abs, err := s.resolve(href)
	if err != nil {
		return err
	}

	st := s.client.State(abs, s.tok)
	defer s.client.Release(st)

	if _, err := st.Fetch(ctx, bypass); err != nil {
		return err
	}

	return fn(st)
}

// Get fetches one entity.
func (s *Service) Get(ctx context.Context, href string, bypass bool) (*GetResult, error) {
	var out *GetResult

	err := s.withState(ctx, href, bypass, func(st *hypermedia.State) error {
		e, err := toMap(st.Entity())
		if err != nil {
			return err
		}

		out = &GetResult{Href: st.EntityID(), Entity: e}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("mcp: get",
		slog.String("user_id", auth.RequestUserID(ctx)),
		slog.String("href", out.Href),
	)

	return out, nil
}

// Observe binds the given facets to a scratch observer, waits for routed
// children to load and returns the observed values.
func (s *Service) Observe(ctx context.Context, href string, bs []ObserveBinding) (*ObserveResult, error) {
	if len(bs) == 0 {
		return nil, fmt.Errorf("at least one binding is required")
	}

	specs := make([]hypermedia.ObservableSpec, 0, len(bs))

	for i, b := range bs {
		spec, err := b.toBinding().Spec()
		if err != nil {
			return nil, fmt.Errorf("binding %d: %w", i+1, err)
		}

		specs = append(specs, spec)
	}

	var out *ObserveResult

	err := s.withState(ctx, href, false, func(st *hypermedia.State) error {
		bag := hypermedia.NewPropertyBag(nil)

		if err := st.AddObservables(bag, specs...); err != nil {
			return err
		}
		defer st.Dispose(bag)

		if err := s.client.WaitContext(ctx); err != nil {
			return err
		}

		values := make(map[string]any)
		for k, v := range bag.Values() {
			values[k] = present(v)
		}

		missing := []string{}

		for _, spec := range specs {
			if _, ok := values[spec.Property]; !ok {
				missing = append(missing, spec.Property)
			}
		}

		sort.Strings(missing)

		out = &ObserveResult{Href: st.EntityID(), Values: values, Missing: missing}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Perform submits a named action of the entity.
func (s *Service) Perform(ctx context.Context, href, action string, fields map[string]any) (*PerformResult, error) {
	if action == "" {
		return nil, fmt.Errorf("action name is required")
	}

	var out *PerformResult

	err := s.withState(ctx, href, false, func(st *hypermedia.State) error {
		bag := hypermedia.NewPropertyBag(nil)

		if err := st.AddObservables(bag, hypermedia.ObservableSpec{Property: "action", Kind: hypermedia.KindAction, Name: action}); err != nil {
			return err
		}
		defer st.Dispose(bag)

		v, _ := bag.Get("action")
		a, _ := v.(*hypermedia.Action)

		e, err := a.Perform(ctx, fields)
		if err != nil {
			return fmt.Errorf("performing %s: %w", action, err)
		}

		out = &PerformResult{Href: st.EntityID(), Action: action}

		if e != nil {
			if out.Entity, err = toMap(e); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("mcp: performed action",
		slog.String("user_id", auth.RequestUserID(ctx)),
		slog.String("href", out.Href),
		slog.String("action", action),
	)

	return out, nil
}

// present converts facet values to JSON-friendly shapes.
func present(v any) any {
	switch v := v.(type) {
	case *hypermedia.Action:
		return map[string]any{
			"name": v.Name, "method": v.Method, "href": v.Href, "type": v.Type, "fields": v.Fields,
		}
	case *hypermedia.SummonAction:
		return map[string]any{
			"name": v.Name, "method": v.Method, "href": v.Href, "fields": v.Fields,
		}
	case hypermedia.EntityCollection:
		return v.Items
	}

	return v
}

func toMap(e *siren.Entity) (map[string]any, error) {
	if e == nil {
		return nil, nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding entity: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encoding entity: %w", err)
	}

	return m, nil
}

// toBinding adapts the tool input to the bindings file form so both share
// one validation path.
func (b ObserveBinding) toBinding() bindings.Binding {
	out := bindings.Binding{
		Property:  b.Property,
		Kind:      b.Kind,
		Name:      b.Name,
		Transform: b.Transform,
	}

	for _, h := range b.Route {
		kind, name, _ := strings.Cut(h, ":")
		out.Route = append(out.Route, bindings.Hop{Kind: strings.TrimSpace(kind), Name: strings.TrimSpace(name)})
	}

	return out
}
