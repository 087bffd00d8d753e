package hypermedia

import "github.com/alexjbarnes/siren-bind/siren"

// linkFacet exposes the href of the first link carrying one of its rels
// and, when the owner has a token, the State of the linked entity.
type linkFacet struct {
	facetBase
	href  string
	child *State
}

func (f *linkFacet) setFromEntity(e *siren.Entity) {
	var link *siren.Link

	for _, rel := range f.names {
		if link = e.LinkByRel(rel); link != nil {
			break
		}
	}

	if link == nil || link.Href == f.href {
		return
	}

	f.href = link.Href
	f.update(link.Href)

	if f.owner.token == nil {
		return
	}

	f.swapChild(&f.child, f.owner.client.stateLocked(link.Href, f.owner.token))
	f.fetchChild(f.child)
}

func (f *linkFacet) addRoute(o Observer, spec ObservableSpec, src *facetBase) {
	f.routes.add(o, spec, src)

	if f.child != nil {
		f.forward(f.child, o, spec)
		f.fetchChild(f.child)
	}
}

func (f *linkFacet) setPrime() {
	f.prime = true
	f.fetchChild(f.child)
}

func (f *linkFacet) children() []*State {
	if f.child == nil {
		return nil
	}

	return []*State{f.child}
}

func (f *linkFacet) release() {
	if f.child != nil {
		f.detachChild(f.child)
		f.child = nil
	}
}

func (f *linkFacet) target() string { return f.href }

func (f *linkFacet) absorb(other facet) {
	o := other.(*linkFacet)

	for _, r := range f.absorbBase(&o.facetBase) {
		if f.child != nil {
			f.forward(f.child, r.observer, r.spec)
		}
	}

	// Both facets resolved to the same child. The survivor now holds every
	// route, so the loser's holds and reference can go.
	if o.child != nil {
		o.detachChild(o.child)
		o.child = nil
	}

	f.fetchChild(f.child)
}

// subEntityFacet exposes the first sub-entity carrying one of its rels.
// Sub-entities with an href share the stored State for that href; an
// embedded representation without one gets a detached State.
type subEntityFacet struct {
	facetBase
	childID string
	child   *State
}

func (f *subEntityFacet) setFromEntity(e *siren.Entity) {
	var sub *siren.Entity

	for _, rel := range f.names {
		if sub = e.SubEntityByRel(rel); sub != nil {
			break
		}
	}

	if sub == nil {
		return
	}

	f.update(sub)

	id := sub.ID()

	switch {
	case id == "":
		if f.child == nil || !f.child.detached {
			f.swapChild(&f.child, newDetachedState(f.owner.client, f.owner.token))
		}
	case f.child == nil || NormalizeID(id) != NormalizeID(f.childID):
		f.swapChild(&f.child, f.owner.client.stateLocked(id, f.owner.token))
	}

	f.childID = id

	if sub.IsLink() {
		f.fetchChild(f.child)
		return
	}

	f.child.setSirenEntity(sub)
}

func (f *subEntityFacet) addRoute(o Observer, spec ObservableSpec, src *facetBase) {
	f.routes.add(o, spec, src)

	if f.child != nil {
		f.forward(f.child, o, spec)
		f.fetchChild(f.child)
	}
}

func (f *subEntityFacet) setPrime() {
	f.prime = true
	f.fetchChild(f.child)
}

func (f *subEntityFacet) children() []*State {
	if f.child == nil {
		return nil
	}

	return []*State{f.child}
}

func (f *subEntityFacet) release() {
	if f.child != nil {
		f.detachChild(f.child)
		f.child = nil
		f.childID = ""
	}
}

func (f *subEntityFacet) target() string { return f.childID }

func (f *subEntityFacet) absorb(other facet) {
	o := other.(*subEntityFacet)

	for _, r := range f.absorbBase(&o.facetBase) {
		if f.child != nil {
			f.forward(f.child, r.observer, r.spec)
		}
	}

	if o.child != nil {
		o.detachChild(o.child)
		o.child = nil
	}

	f.fetchChild(f.child)
}
