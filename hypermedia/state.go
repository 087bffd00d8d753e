package hypermedia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/alexjbarnes/siren-bind/token"
)

// State is the live view of one entity for one token. It holds the last
// server response, the facets decoded from it, and the observers bound to
// those facets. States are shared through the client's Store; obtain them
// with Client.State.
type State struct {
	client   *Client
	entityID string
	token    *token.Token
	// detached states belong to an embedded sub-entity with no href; they
	// are never stored or fetched.
	detached bool

	raw     *siren.Entity
	lastErr error
	status  *FetchStatus

	facets map[facetKey]facet
	// list holds each facet instance once, in creation order. After an
	// alias merge several keys in facets point at one entry here.
	list []facet
}

type facetKey struct {
	kind Kind
	name string
}

func newState(c *Client, entityID string, tok *token.Token) *State {
	return &State{
		client:   c,
		entityID: entityID,
		token:    tok,
		status:   NewFetchStatus(),
		facets:   make(map[facetKey]facet),
	}
}

func newDetachedState(c *Client, tok *token.Token) *State {
	s := newState(c, "", tok)
	s.detached = true

	return s
}

// EntityID returns the entity href this State tracks.
func (s *State) EntityID() string { return s.entityID }

// Token returns the token the State is fetched with.
func (s *State) Token() *token.Token { return s.token }

// Entity returns a copy of the last applied entity, or nil.
func (s *State) Entity() *siren.Entity {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	if s.raw == nil {
		return nil
	}

	e, _ := Clone(s.raw).(*siren.Entity)

	return e
}

// Err returns the error of the last failed fetch, cleared by the next
// successful one.
func (s *State) Err() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	return s.lastErr
}

// Fetch loads the entity. Without bypass a cached response is returned and
// concurrent callers share one request. With bypass any pending request is
// canceled and a fresh one is sent.
func (s *State) Fetch(ctx context.Context, bypass bool) (*siren.Entity, error) {
	return s.client.fetch(ctx, s, bypass)
}

// AddObservables binds o to the facets described by specs. Observers
// receive the current value immediately when one is known.
func (s *State) AddObservables(o Observer, specs ...ObservableSpec) error {
	if o == nil {
		return errors.New("add observables: nil observer")
	}

	var errs []error

	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	s.addObservables(o, specs, nil)

	return nil
}

// SetSirenEntity applies e as if it were a server response. Link-only
// entities and nil are ignored.
func (s *State) SetSirenEntity(e *siren.Entity) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	s.setSirenEntity(e)
}

// Dispose unbinds o from every facet of this State and withdraws the
// bindings its routes placed on child States. Bindings o registered on a
// child directly, or reached through another route, stay. Facets left with
// no observers and no routes are dropped and their children released.
func (s *State) Dispose(o Observer) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	s.dispose(o)
}

// HandleCachePriming bypass-fetches hrefs under this State's token.
func (s *State) HandleCachePriming(ctx context.Context, hrefs []string) error {
	return s.client.handleCachePriming(ctx, s.token, hrefs)
}

// Push performs every action with staged edits, in this State and the
// States below it, children first. Errors are joined.
func (s *State) Push(ctx context.Context) error {
	s.client.mu.Lock()
	pending := s.stagedActions(make(map[*State]bool))
	s.client.mu.Unlock()

	var errs []error

	for _, f := range pending {
		if _, err := f.perform(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("action %s: %w", f.names[0], err))
		}
	}

	return errors.Join(errs...)
}

// Reset discards staged action edits in this State and the States below
// it, children first.
func (s *State) Reset() {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	s.reset(make(map[*State]bool))
}

func (s *State) setSirenEntity(e *siren.Entity) {
	if e == nil || e.IsLink() {
		return
	}

	s.raw = e

	for _, f := range slices.Clone(s.list) {
		f.setFromEntity(e)
	}

	s.mergeAliases()
}

// addObservables binds specs for o on behalf of src, nil for a direct
// caller.
func (s *State) addObservables(o Observer, specs []ObservableSpec, src *facetBase) {
	for _, spec := range specs {
		if len(spec.Route) > 0 {
			hop := spec.Route[0]
			s.facetFor(hop.Kind, hop.Name).addRoute(o, spec.next(), src)

			continue
		}

		f := s.facetFor(spec.Kind, spec.Name)

		if spec.Prime {
			f.setPrime()
		}

		f.base().addObserver(o, spec.Property, spec.Transform, src)
	}
}

// removeSpecs drops src's hold on the bindings specs made for o, following
// routes into children only where src was the last holder, then prunes.
func (s *State) removeSpecs(o Observer, specs []ObservableSpec, src *facetBase) {
	for _, spec := range specs {
		s.releaseSpec(o, spec, src)
	}

	s.prune()
}

func (s *State) releaseSpec(o Observer, spec ObservableSpec, src *facetBase) {
	if len(spec.Route) == 0 {
		if f, ok := s.facets[facetKey{kind: spec.Kind, name: spec.Name}]; ok {
			f.base().observers.release(o, src)
		}

		return
	}

	hop := spec.Route[0]

	f, ok := s.facets[facetKey{kind: hop.Kind, name: hop.Name}]
	if !ok {
		return
	}

	b := f.base()

	rest, gone := b.routes.release(o, spec.next(), src)
	if !gone {
		return
	}

	for _, child := range f.children() {
		child.removeSpecs(o, []ObservableSpec{rest}, b)
	}
}

// facetFor returns the facet for (kind, name), creating it and decoding
// the current entity into it on first use.
func (s *State) facetFor(kind Kind, name string) facet {
	key := facetKey{kind: kind, name: name}
	if f, ok := s.facets[key]; ok {
		return f
	}

	f := newFacet(s, kind, name)
	s.facets[key] = f
	s.list = append(s.list, f)

	if s.raw != nil {
		f.setFromEntity(s.raw)
		s.mergeAliases()

		return s.facets[key]
	}

	return f
}

// mergeAliases collapses link and sub-entity facets that resolved to the
// same target into one facet, so one child State serves every rel.
func (s *State) mergeAliases() {
	type aliasKey struct {
		kind   Kind
		target string
	}

	survivors := make(map[aliasKey]aliasable)

	for _, f := range slices.Clone(s.list) {
		a, ok := f.(aliasable)
		if !ok {
			continue
		}

		target := a.target()
		if target == "" {
			continue
		}

		key := aliasKey{kind: f.base().kind, target: NormalizeID(target)}

		survivor, ok := survivors[key]
		if !ok {
			survivors[key] = a
			continue
		}

		survivor.absorb(f)
		s.replaceFacet(f, survivor)

		s.client.logger.Debug("merged facet aliases",
			slog.String("entity_id", s.entityID),
			slog.String("kind", key.kind.String()),
			slog.String("href", target),
		)
	}
}

// replaceFacet points every key of old at repl and drops old from list.
func (s *State) replaceFacet(old, repl facet) {
	for k, f := range s.facets {
		if f == old {
			s.facets[k] = repl
		}
	}

	s.list = slices.DeleteFunc(s.list, func(f facet) bool { return f == old })
}

func (s *State) dispose(o Observer) {
	for _, f := range slices.Clone(s.list) {
		b := f.base()
		b.observers.remove(o)

		specs := b.routes.remove(o)
		if len(specs) == 0 {
			continue
		}

		for _, child := range f.children() {
			child.removeSpecs(o, specs, b)
		}
	}

	s.prune()
}

// prune drops facets nobody observes or routes through.
func (s *State) prune() {
	for _, f := range slices.Clone(s.list) {
		if !f.base().idle() {
			continue
		}

		f.release()

		for k, cur := range s.facets {
			if cur == f {
				delete(s.facets, k)
			}
		}

		s.list = slices.DeleteFunc(s.list, func(x facet) bool { return x == f })
	}
}

func (s *State) stagedActions(seen map[*State]bool) []*actionFacet {
	if seen[s] {
		return nil
	}

	seen[s] = true

	var out []*actionFacet

	for _, f := range s.list {
		for _, child := range f.children() {
			out = append(out, child.stagedActions(seen)...)
		}
	}

	for _, f := range s.list {
		if af, ok := f.(*actionFacet); ok && len(af.staged) > 0 {
			out = append(out, af)
		}
	}

	return out
}

func (s *State) reset(seen map[*State]bool) {
	if seen[s] {
		return
	}

	seen[s] = true

	for _, f := range s.list {
		for _, child := range f.children() {
			child.reset(seen)
		}
	}

	for _, f := range s.list {
		if af, ok := f.(*actionFacet); ok {
			af.discardStaged()
		}
	}
}

// fetchTarget implementation.

func (s *State) fetchHref() string {
	if s.detached {
		return ""
	}

	return s.entityID
}

func (s *State) fetchToken() *token.Token      { return s.token }
func (s *State) fetchStatus() *FetchStatus     { return s.status }
func (s *State) cachedResponse() *siren.Entity { return s.raw }
func (s *State) persistent() bool              { return !s.detached }

func (s *State) newRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, s.entityID, nil)
}

func (s *State) onServerResponse(e *siren.Entity, err error) {
	if err != nil {
		s.lastErr = err
		s.client.logger.Debug("fetch failed",
			slog.String("entity_id", s.entityID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.lastErr = nil
	s.setSirenEntity(e)
}
