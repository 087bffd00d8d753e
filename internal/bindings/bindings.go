// Package bindings reads YAML binding files describing which facets of an
// entity graph to observe.
//
//	entity: https://api.example.com/courses/1
//	bindings:
//	  - property: title
//	    kind: property
//	    name: title
//	    transform: upper
//	  - property: org
//	    kind: property
//	    name: name
//	    route:
//	      - link:https://api.example.com/rels/organization
//	      - {kind: subEntity, name: details}
//	  - property: parent
//	    kind: link
//	    name: up
//	    prime: true
package bindings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/alexjbarnes/siren-bind/hypermedia"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// maxFileBytes caps a bindings file.
const maxFileBytes = 1 << 20

// File is a decoded bindings file.
type File struct {
	// Entity optionally overrides the configured root entity.
	Entity   string    `yaml:"entity"`
	Bindings []Binding `yaml:"bindings"`
}

// Binding is one observed facet.
type Binding struct {
	Property  string `yaml:"property"`
	Kind      string `yaml:"kind"`
	Name      string `yaml:"name"`
	Transform string `yaml:"transform"`
	Route     []Hop  `yaml:"route"`
	Prime     bool   `yaml:"prime"`
}

// Hop is one route step. In YAML it is either a "kind:name" scalar or a
// mapping with kind and name keys.
type Hop struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

// UnmarshalYAML accepts both hop forms.
func (h *Hop) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		kind, name, ok := strings.Cut(node.Value, ":")
		if !ok {
			return fmt.Errorf("line %d: route hop %q: want kind:name", node.Line, node.Value)
		}

		h.Kind = strings.TrimSpace(kind)
		h.Name = strings.TrimSpace(name)

		return nil
	}

	type plain Hop

	return node.Decode((*plain)(h))
}

// Load reads and parses the bindings file at path.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading bindings: %w", err)
	}

	if info.Size() > maxFileBytes {
		return nil, fmt.Errorf("bindings file %s exceeds %d bytes", path, maxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bindings: %w", err)
	}

	return Parse(data)
}

// Parse decodes a bindings document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing bindings: %w", err)
	}

	if len(f.Bindings) == 0 {
		return nil, fmt.Errorf("parsing bindings: no bindings declared")
	}

	return &f, nil
}

// Specs converts every binding to an observable spec. All invalid
// bindings are reported together.
func (f *File) Specs() ([]hypermedia.ObservableSpec, error) {
	specs := make([]hypermedia.ObservableSpec, 0, len(f.Bindings))

	var errs []error

	for i, b := range f.Bindings {
		spec, err := b.Spec()
		if err != nil {
			errs = append(errs, fmt.Errorf("binding %d: %w", i+1, err))
			continue
		}

		specs = append(specs, spec)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return specs, nil
}

// Spec converts the binding.
func (b Binding) Spec() (hypermedia.ObservableSpec, error) {
	kind, err := hypermedia.ParseKind(b.Kind)
	if err != nil {
		return hypermedia.ObservableSpec{}, err
	}

	spec := hypermedia.ObservableSpec{
		Property: b.Property,
		Kind:     kind,
		Name:     b.Name,
		Prime:    b.Prime,
	}

	if b.Transform != "" {
		t, ok := Transform(b.Transform)
		if !ok {
			return hypermedia.ObservableSpec{}, fmt.Errorf("unknown transform %q", b.Transform)
		}

		spec.Transform = t
	}

	for _, h := range b.Route {
		hk, err := hypermedia.ParseKind(h.Kind)
		if err != nil {
			return hypermedia.ObservableSpec{}, fmt.Errorf("route: %w", err)
		}

		spec.Route = append(spec.Route, hypermedia.RouteHop{Kind: hk, Name: h.Name})
	}

	return spec, nil
}

// DefaultSpecs observes the whole root entity when no bindings file is
// configured.
func DefaultSpecs() []hypermedia.ObservableSpec {
	return []hypermedia.ObservableSpec{
		{Property: "entity", Kind: hypermedia.KindEntity},
	}
}

var transforms = map[string]hypermedia.Transform{
	"upper": mapString(strings.ToUpper),
	"lower": mapString(strings.ToLower),
	"trim":  mapString(strings.TrimSpace),
	"title": mapString(cases.Title(language.Und).String),
	"len":   length,
	"json":  toJSON,
}

// Transform returns the named transform.
func Transform(name string) (hypermedia.Transform, bool) {
	t, ok := transforms[strings.ToLower(name)]
	return t, ok
}

// TransformNames lists the available transforms.
func TransformNames() []string {
	return []string{"json", "len", "lower", "title", "trim", "upper"}
}

// mapString applies fn to string values and passes anything else through.
func mapString(fn func(string) string) hypermedia.Transform {
	return func(v any) any {
		if s, ok := v.(string); ok {
			return fn(s)
		}

		return v
	}
}

// length counts strings (in runes), slices and maps. Other values, and
// nil, count as zero.
func length(v any) any {
	if s, ok := v.(string); ok {
		return len([]rune(s))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}

	return 0
}

// toJSON renders the value as compact JSON. Unencodable values render as
// an empty string.
func toJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(data)
}
