package hypermedia

import (
	"slices"

	"github.com/alexjbarnes/siren-bind/siren"
)

type propertyFacet struct {
	facetBase
	leaf
}

func (f *propertyFacet) setFromEntity(e *siren.Entity) {
	v, ok := e.Property(f.names[0])
	if !ok {
		return
	}

	f.update(v)
}

type classesFacet struct {
	facetBase
	leaf
}

func (f *classesFacet) setFromEntity(e *siren.Entity) {
	if e.Class == nil {
		return
	}

	f.update(slices.Clone(e.Class))
}

// entityFacet exposes the whole entity.
type entityFacet struct {
	facetBase
	leaf
}

func (f *entityFacet) setFromEntity(e *siren.Entity) {
	f.update(e)
}
