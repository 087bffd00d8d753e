package hypermedia

import (
	"fmt"
	"strings"
)

// Kind identifies which part of an entity a facet decodes.
type Kind int

const (
	KindProperty Kind = iota + 1
	KindClasses
	KindEntity
	KindLink
	KindSubEntity
	KindSubEntities
	KindAction
	KindSummonAction
)

var kindNames = map[Kind]string{
	KindProperty:     "property",
	KindClasses:      "classes",
	KindEntity:       "entity",
	KindLink:         "link",
	KindSubEntity:    "subEntity",
	KindSubEntities:  "subEntities",
	KindAction:       "action",
	KindSummonAction: "summonAction",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a kind name (case-insensitive) to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown observable kind %q", s)
}

// ownsChildren reports whether facets of this kind hold child states and
// can therefore appear as a route hop.
func (k Kind) ownsChildren() bool {
	switch k {
	case KindLink, KindSubEntity, KindSubEntities, KindSummonAction:
		return true
	}

	return false
}

// Transform maps a facet value before it is handed to an observer.
type Transform func(any) any

// RouteHop is one step through a nested entity: the facet to traverse,
// named by rel (link, sub-entity) or action name.
type RouteHop struct {
	Kind Kind
	Name string
}

// ObservableSpec binds one observer property to a facet. Name is the
// property name, rel or action name depending on Kind. When Route is set
// the facet lives on the entity reached by following the hops in order.
type ObservableSpec struct {
	Property  string
	Kind      Kind
	Name      string
	Transform Transform
	Route     []RouteHop
	// Prime fetches a linked child entity even when nothing routes
	// through it.
	Prime bool
}

func (s ObservableSpec) validate() error {
	if s.Property == "" {
		return fmt.Errorf("observable %s %q: target property is required", s.Kind, s.Name)
	}

	if _, ok := kindNames[s.Kind]; !ok {
		return fmt.Errorf("observable %q: %s", s.Property, s.Kind)
	}

	if s.Name == "" && s.Kind != KindEntity && s.Kind != KindClasses {
		return fmt.Errorf("observable %q: %s requires a name", s.Property, s.Kind)
	}

	for _, hop := range s.Route {
		if !hop.Kind.ownsChildren() {
			return fmt.Errorf("observable %q: %s cannot be a route hop", s.Property, hop.Kind)
		}

		if hop.Name == "" {
			return fmt.Errorf("observable %q: route hop %s requires a name", s.Property, hop.Kind)
		}
	}

	return nil
}

// sameTarget reports whether two specs bind the same observer property to
// the same remote facet. Used to overwrite rather than duplicate routes.
func (s ObservableSpec) sameTarget(o ObservableSpec) bool {
	if s.Property != o.Property || s.Kind != o.Kind || s.Name != o.Name || len(s.Route) != len(o.Route) {
		return false
	}

	for i := range s.Route {
		if s.Route[i] != o.Route[i] {
			return false
		}
	}

	return true
}

// next returns the spec with its first hop consumed.
func (s ObservableSpec) next() ObservableSpec {
	s.Route = s.Route[1:]
	if len(s.Route) == 0 {
		s.Route = nil
	}

	return s
}
