package hypermedia

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"reflect"

	apperrors "github.com/alexjbarnes/siren-bind/internal/errors"
	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/alexjbarnes/siren-bind/token"
)

// Action is the value of an action facet. Observers receive a copy; the
// copy still performs against the live facet.
type Action struct {
	Has    bool
	Name   string
	Method string
	Href   string
	Type   string
	Fields []siren.Field

	facet *actionFacet
}

// Perform submits the action. Field values are the declared defaults,
// overlaid with staged edits, overlaid with input. The response is applied
// to the owning State when it describes the same entity.
func (a *Action) Perform(ctx context.Context, input map[string]any) (*siren.Entity, error) {
	if a == nil || a.facet == nil {
		return nil, apperrors.ErrActionNotFound
	}

	return a.facet.perform(ctx, input)
}

// Update stages field edits for a later State.Push.
func (a *Action) Update(fields map[string]any) {
	if a == nil || a.facet == nil {
		return
	}

	a.facet.stage(fields)
}

type actionFacet struct {
	facetBase
	leaf
	action *siren.Action
	staged map[string]any
}

func (f *actionFacet) setFromEntity(e *siren.Entity) {
	a := e.ActionByName(f.names[0])
	if a == nil {
		return
	}

	f.action = a
	f.update(f.handle())
}

func (f *actionFacet) handle() *Action {
	a := f.action

	return &Action{
		Has:    true,
		Name:   a.Name,
		Method: a.Method,
		Href:   a.Href,
		Type:   a.Type,
		Fields: applyStaged(a.Fields, f.staged),
		facet:  f,
	}
}

func (f *actionFacet) stage(fields map[string]any) {
	c := f.owner.client

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.staged == nil {
		f.staged = make(map[string]any, len(fields))
	}

	maps.Copy(f.staged, fields)

	if f.action != nil {
		f.update(f.handle())
	}
}

// discardStaged drops staged edits and republishes the server's fields.
func (f *actionFacet) discardStaged() {
	if len(f.staged) == 0 {
		return
	}

	f.staged = nil

	if f.action != nil {
		f.update(f.handle())
	}
}

func (f *actionFacet) perform(ctx context.Context, input map[string]any) (*siren.Entity, error) {
	c := f.owner.client

	c.mu.Lock()
	action := f.action
	staged := maps.Clone(f.staged)
	c.mu.Unlock()

	if action == nil {
		return nil, fmt.Errorf("%s: %w", f.names[0], apperrors.ErrActionNotFound)
	}

	inv := newInvocation(f.owner, action, mergeFields(action.Fields, staged, input))
	inv.onResponse = func(e *siren.Entity) { applyActionResponse(f.owner, e) }

	entity, err := c.fetch(ctx, inv, false)
	if err != nil {
		return nil, err
	}

	if len(staged) > 0 {
		c.mu.Lock()
		for k, v := range staged {
			if cur, ok := f.staged[k]; ok && reflect.DeepEqual(cur, v) {
				delete(f.staged, k)
			}
		}

		if f.action != nil {
			f.update(f.handle())
		}
		c.mu.Unlock()
	}

	return entity, nil
}

// applyActionResponse routes an action response to the State it
// describes: the owner when the self link matches or is absent, otherwise
// the stored State for that href if there is one.
func applyActionResponse(owner *State, e *siren.Entity) {
	self := e.SelfHref()
	if self == "" || NormalizeID(self) == NormalizeID(owner.entityID) {
		owner.setSirenEntity(e)
		return
	}

	if other, ok := owner.client.store.Get(self, owner.token); ok {
		other.setSirenEntity(e)
	}
}

// SummonAction is the value of a summonAction facet. Summon treats the
// response as an entity of its own and makes it the facet's child State.
type SummonAction struct {
	Has    bool
	Name   string
	Method string
	Href   string
	Fields []siren.Field

	facet *summonFacet
}

// Summon submits the action and returns the State built from the
// response. Routes through the facet are applied to that State.
func (a *SummonAction) Summon(ctx context.Context, input map[string]any) (*State, error) {
	if a == nil || a.facet == nil {
		return nil, apperrors.ErrActionNotFound
	}

	return a.facet.summon(ctx, input)
}

type summonFacet struct {
	facetBase
	action *siren.Action
	child  *State
}

func (f *summonFacet) setFromEntity(e *siren.Entity) {
	a := e.ActionByName(f.names[0])
	if a == nil {
		return
	}

	f.action = a
	f.update(&SummonAction{
		Has:    true,
		Name:   a.Name,
		Method: a.Method,
		Href:   a.Href,
		Fields: a.Fields,
		facet:  f,
	})
}

func (f *summonFacet) summon(ctx context.Context, input map[string]any) (*State, error) {
	c := f.owner.client

	c.mu.Lock()
	action := f.action
	c.mu.Unlock()

	if action == nil {
		return nil, fmt.Errorf("%s: %w", f.names[0], apperrors.ErrActionNotFound)
	}

	inv := newInvocation(f.owner, action, mergeFields(action.Fields, input))
	inv.onResponse = func(e *siren.Entity) {
		id := e.ID()
		if id == "" {
			id = inv.url
		}

		next := c.stateLocked(id, f.owner.token)
		next.setSirenEntity(e)
		f.swapChild(&f.child, next)
	}

	if _, err := c.fetch(ctx, inv, false); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return f.child, nil
}

// Summoned children are produced on demand, never fetched in the
// background.
func (f *summonFacet) addRoute(o Observer, spec ObservableSpec, src *facetBase) {
	f.routes.add(o, spec, src)

	if f.child != nil {
		f.forward(f.child, o, spec)
	}
}

func (f *summonFacet) setPrime() {}

func (f *summonFacet) children() []*State {
	if f.child == nil {
		return nil
	}

	return []*State{f.child}
}

func (f *summonFacet) release() {
	if f.child != nil {
		f.detachChild(f.child)
		f.child = nil
	}
}

// invocation is a fetchTarget for one submission of an action. Each
// submission has its own gate, so concurrent submissions never coalesce.
type invocation struct {
	owner      *State
	action     *siren.Action
	fields     []fieldValue
	status     *FetchStatus
	url        string
	onResponse func(e *siren.Entity)
}

func newInvocation(owner *State, action *siren.Action, fields []fieldValue) *invocation {
	return &invocation{
		owner:  owner,
		action: action,
		fields: fields,
		status: NewFetchStatus(),
	}
}

func (i *invocation) fetchHref() string             { return i.action.Href }
func (i *invocation) fetchToken() *token.Token      { return i.owner.token }
func (i *invocation) fetchStatus() *FetchStatus     { return i.status }
func (i *invocation) cachedResponse() *siren.Entity { return nil }
func (i *invocation) persistent() bool              { return false }

func (i *invocation) newRequest(ctx context.Context) (*http.Request, error) {
	req, err := buildActionRequest(ctx, i.action, i.fields)
	if err != nil {
		return nil, err
	}

	i.url = req.URL.String()

	return req, nil
}

func (i *invocation) onServerResponse(e *siren.Entity, err error) {
	if err != nil {
		i.owner.client.logger.Debug("action failed",
			slog.String("action", i.action.Name),
			slog.String("href", i.action.Href),
			slog.String("error", err.Error()),
		)

		return
	}

	if e == nil || i.onResponse == nil {
		return
	}

	i.onResponse(e)
}
