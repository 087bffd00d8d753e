package hypermedia

import (
	"strconv"

	"github.com/alexjbarnes/siren-bind/siren"
)

// EntityCollection is the value of a subEntities facet. ByID indexes the
// items by href; items without one are keyed "#<index>".
type EntityCollection struct {
	Items []*siren.Entity
	ByID  map[string]*siren.Entity
}

// subEntitiesFacet exposes every sub-entity with its rel and keeps one
// child State per item.
type subEntitiesFacet struct {
	facetBase
	items map[string]*State
	order []string
}

func (f *subEntitiesFacet) setFromEntity(e *siren.Entity) {
	subs := e.SubEntitiesByRel(f.names[0])
	if len(subs) == 0 {
		return
	}

	coll := EntityCollection{
		Items: subs,
		ByID:  make(map[string]*siren.Entity, len(subs)),
	}

	next := make(map[string]*State, len(subs))
	order := make([]string, 0, len(subs))

	for i, sub := range subs {
		id := sub.ID()

		label := id
		if id == "" {
			label = "#" + strconv.Itoa(i)
		}

		key := NormalizeID(label)
		if _, dup := next[key]; dup {
			continue
		}

		coll.ByID[label] = sub

		child, ok := f.items[key]
		if ok {
			delete(f.items, key)
		} else {
			if id == "" {
				child = newDetachedState(f.owner.client, f.owner.token)
			} else {
				child = f.owner.client.stateLocked(id, f.owner.token)
			}

			f.routes.applyTo(child, &f.facetBase)
		}

		next[key] = child
		order = append(order, key)

		if sub.IsLink() {
			f.fetchChild(child)
		} else {
			child.setSirenEntity(sub)
		}
	}

	for _, gone := range f.items {
		f.detachChild(gone)
	}

	f.items = next
	f.order = order

	f.update(coll)
}

func (f *subEntitiesFacet) addRoute(o Observer, spec ObservableSpec, src *facetBase) {
	f.routes.add(o, spec, src)

	for _, child := range f.children() {
		f.forward(child, o, spec)
		f.fetchChild(child)
	}
}

func (f *subEntitiesFacet) setPrime() {
	f.prime = true

	for _, child := range f.children() {
		f.fetchChild(child)
	}
}

func (f *subEntitiesFacet) children() []*State {
	out := make([]*State, 0, len(f.order))
	for _, key := range f.order {
		out = append(out, f.items[key])
	}

	return out
}

func (f *subEntitiesFacet) release() {
	for _, child := range f.children() {
		f.detachChild(child)
	}

	f.items = make(map[string]*State)
	f.order = nil
}
