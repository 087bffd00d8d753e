package hypermedia

import (
	"reflect"
	"slices"

	"github.com/alexjbarnes/siren-bind/siren"
)

// facet is one decoded aspect of a State's entity. Every method is called
// with the graph lock held.
type facet interface {
	base() *facetBase
	// setFromEntity decodes e into the facet. An entity without the
	// facet's part leaves the previous value in place.
	setFromEntity(e *siren.Entity)
	// addRoute records spec for o on behalf of src and forwards it to the
	// facet's child States, now and whenever they change.
	addRoute(o Observer, spec ObservableSpec, src *facetBase)
	setPrime()
	children() []*State
	// release lets go of every child State.
	release()
}

// aliasable facets resolve to a child target and may be merged with
// another facet of the same kind resolving to the same target.
type aliasable interface {
	facet
	target() string
	absorb(other facet)
}

type facetBase struct {
	owner     *State
	kind      Kind
	names     []string
	observers observerRegistry
	routes    routeTable
	value     any
	hasValue  bool
	prime     bool
}

func newFacet(owner *State, kind Kind, name string) facet {
	b := facetBase{owner: owner, kind: kind, names: []string{name}}

	switch kind {
	case KindProperty:
		return &propertyFacet{facetBase: b}
	case KindClasses:
		return &classesFacet{facetBase: b}
	case KindEntity:
		return &entityFacet{facetBase: b}
	case KindLink:
		return &linkFacet{facetBase: b}
	case KindSubEntity:
		return &subEntityFacet{facetBase: b}
	case KindSubEntities:
		return &subEntitiesFacet{facetBase: b, items: make(map[string]*State)}
	case KindAction:
		return &actionFacet{facetBase: b}
	case KindSummonAction:
		return &summonFacet{facetBase: b}
	}

	panic("hypermedia: unknown facet kind " + kind.String())
}

func (b *facetBase) base() *facetBase { return b }

// update stores v and notifies observers unless v equals the current
// value.
func (b *facetBase) update(v any) {
	if b.hasValue && reflect.DeepEqual(b.value, v) {
		return
	}

	b.value = v
	b.hasValue = true
	b.observers.notifyAll(v)
}

func (b *facetBase) addObserver(o Observer, property string, transform Transform, src *facetBase) {
	if b.observers.add(o, property, transform, src) && b.hasValue {
		b.observers.notify(o, b.value)
	}
}

func (b *facetBase) idle() bool {
	return b.observers.len() == 0 && b.routes.len() == 0
}

// wantsChildren reports whether child States should be fetched.
func (b *facetBase) wantsChildren() bool {
	return b.prime || b.routes.len() > 0
}

func (b *facetBase) fetchChild(child *State) {
	if b.wantsChildren() {
		b.owner.client.goFetch(child)
	}
}

// swapChild installs next in *slot. next carries a fresh store reference;
// the previous child has its routed observers removed and its reference
// dropped.
func (b *facetBase) swapChild(slot **State, next *State) {
	prev := *slot
	if prev == next {
		b.owner.client.releaseLocked(next)
		return
	}

	if prev != nil {
		b.detachChild(prev)
	}

	*slot = next

	if next != nil {
		b.routes.applyTo(next, b)
	}
}

// forward binds spec for o on child on behalf of b.
func (b *facetBase) forward(child *State, o Observer, spec ObservableSpec) {
	child.addObservables(o, []ObservableSpec{spec}, b)
}

// detachChild withdraws b's routes from child and drops b's reference.
func (b *facetBase) detachChild(child *State) {
	b.withdraw(child)
	b.owner.client.releaseLocked(child)
}

// withdraw removes from child every binding b forwarded into it. Bindings
// child holds for anyone else are left alone.
func (b *facetBase) withdraw(child *State) {
	for _, e := range b.routes.entries() {
		child.removeSpecs(e.observer, []ObservableSpec{e.spec}, b)
	}
}

// absorbBase moves names, observers, routes and the prime flag of other
// into b. Routes new to b are returned for the caller to apply.
func (b *facetBase) absorbBase(other *facetBase) []routeEntry {
	for _, n := range other.names {
		if !slices.Contains(b.names, n) {
			b.names = append(b.names, n)
		}
	}

	b.observers.merge(&other.observers)
	b.prime = b.prime || other.prime

	return b.routes.merge(&other.routes)
}

// leaf facets own no child States.
type leaf struct{}

func (leaf) addRoute(Observer, ObservableSpec, *facetBase) {}
func (leaf) setPrime()                                     {}
func (leaf) children() []*State                            { return nil }
func (leaf) release()                                      {}

type routeEntry struct {
	observer Observer
	spec     ObservableSpec
}

type heldRoute struct {
	spec    ObservableSpec
	holders holders
}

// routeTable records, per observer, the remaining route specs a facet
// forwards into its children, and who asked for each.
type routeTable struct {
	order []Observer
	specs map[Observer][]*heldRoute
}

// add records spec for o on behalf of src and reports whether the route
// is new. A spec with the same target as an existing one replaces it and
// gains src as a holder.
func (r *routeTable) add(o Observer, spec ObservableSpec, src *facetBase) bool {
	if r.specs == nil {
		r.specs = make(map[Observer][]*heldRoute)
	}

	cur, ok := r.specs[o]
	if !ok {
		r.order = append(r.order, o)
	}

	for _, h := range cur {
		if h.spec.sameTarget(spec) {
			h.spec = spec
			h.holders.add(src)

			return false
		}
	}

	r.specs[o] = append(cur, &heldRoute{spec: spec, holders: newHolders(src)})

	return true
}

// release drops src's hold on o's route matching spec. It returns the
// stored spec and true when nobody holds the route any more and it was
// removed.
func (r *routeTable) release(o Observer, spec ObservableSpec, src *facetBase) (ObservableSpec, bool) {
	cur := r.specs[o]

	for i, h := range cur {
		if !h.spec.sameTarget(spec) {
			continue
		}

		delete(h.holders, src)

		if len(h.holders) > 0 {
			return ObservableSpec{}, false
		}

		cur = slices.Delete(cur, i, i+1)
		if len(cur) == 0 {
			r.remove(o)
		} else {
			r.specs[o] = cur
		}

		return h.spec, true
	}

	return ObservableSpec{}, false
}

// remove drops every route of o regardless of holders and returns them.
func (r *routeTable) remove(o Observer) []ObservableSpec {
	cur, ok := r.specs[o]
	if !ok {
		return nil
	}

	delete(r.specs, o)
	r.order = slices.DeleteFunc(r.order, func(x Observer) bool { return x == o })

	out := make([]ObservableSpec, 0, len(cur))
	for _, h := range cur {
		out = append(out, h.spec)
	}

	return out
}

func (r *routeTable) len() int {
	return len(r.order)
}

// entries returns a snapshot of every route in registration order.
func (r *routeTable) entries() []routeEntry {
	var out []routeEntry

	for _, o := range r.order {
		for _, h := range r.specs[o] {
			out = append(out, routeEntry{observer: o, spec: h.spec})
		}
	}

	return out
}

// merge adds every route of other with its holders. Routes new to r are
// returned for the caller to forward.
func (r *routeTable) merge(other *routeTable) []routeEntry {
	var added []routeEntry

	for _, o := range other.order {
		for _, h := range other.specs[o] {
			isNew := false

			for src := range h.holders {
				if r.add(o, h.spec, src) {
					isNew = true
				}
			}

			if isNew {
				added = append(added, routeEntry{observer: o, spec: h.spec})
			}
		}
	}

	return added
}

// applyTo forwards every route to child on behalf of src.
func (r *routeTable) applyTo(child *State, src *facetBase) {
	for _, e := range r.entries() {
		child.addObservables(e.observer, []ObservableSpec{e.spec}, src)
	}
}
