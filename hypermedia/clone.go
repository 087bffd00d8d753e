package hypermedia

import (
	"reflect"

	"github.com/huandu/go-clone"
)

func init() {
	// Action handles point back into the live graph; copies must perform
	// against the same facet.
	clone.MarkAsOpaquePointer(reflect.TypeOf((*actionFacet)(nil)))
	clone.MarkAsOpaquePointer(reflect.TypeOf((*summonFacet)(nil)))
}

// Clone returns a deep copy of v. Shared pointers inside v stay shared in
// the copy and cycles are reproduced rather than followed forever.
func Clone(v any) any {
	return clone.Slowly(v)
}
