// Package siren models Siren hypermedia entities and decodes them from
// JSON. Decoding is lenient: malformed links, actions or sub-entities are
// skipped rather than failing the whole document, so a partially broken
// response still yields every facet that could be read.
package siren

import (
	"net/url"
	"slices"
	"strings"
)

// MediaType is the registered Siren content type.
const MediaType = "application/vnd.siren+json"

// Entity is a decoded Siren entity. Sub-entities reuse the same type: an
// embedded link carries only Rel, Href, Class and Type, while an embedded
// representation carries the full set of fields.
type Entity struct {
	Class      []string       `json:"class,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Entities   []*Entity      `json:"entities,omitempty"`
	Actions    []*Action      `json:"actions,omitempty"`
	Links      []*Link        `json:"links,omitempty"`
	Rel        []string       `json:"rel,omitempty"`
	Href       string         `json:"href,omitempty"`
	Title      string         `json:"title,omitempty"`
	Type       string         `json:"type,omitempty"`
}

// Link is a navigational link.
type Link struct {
	Rel   []string `json:"rel"`
	Href  string   `json:"href"`
	Class []string `json:"class,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  string   `json:"type,omitempty"`
}

// Action is a named state transition exposed by an entity.
type Action struct {
	Name   string   `json:"name"`
	Method string   `json:"method,omitempty"`
	Href   string   `json:"href"`
	Type   string   `json:"type,omitempty"`
	Title  string   `json:"title,omitempty"`
	Class  []string `json:"class,omitempty"`
	Fields []Field  `json:"fields,omitempty"`
}

// Field is an input declared by an action.
type Field struct {
	Name  string   `json:"name"`
	Type  string   `json:"type,omitempty"`
	Title string   `json:"title,omitempty"`
	Value any      `json:"value,omitempty"`
	Class []string `json:"class,omitempty"`
}

// IsLink reports whether the entity is an embedded link (a reference to a
// remote entity) rather than a fetched or embedded representation.
func (e *Entity) IsLink() bool {
	return e != nil && e.Href != ""
}

// HasClass reports whether the entity lists class c.
func (e *Entity) HasClass(c string) bool {
	return e != nil && slices.Contains(e.Class, c)
}

// Property returns a top-level property value.
func (e *Entity) Property(name string) (any, bool) {
	if e == nil || e.Properties == nil {
		return nil, false
	}

	v, ok := e.Properties[name]

	return v, ok
}

// HasLinkByRel reports whether any link carries rel.
func (e *Entity) HasLinkByRel(rel string) bool {
	return e.LinkByRel(rel) != nil
}

// LinkByRel returns the first link carrying rel, or nil.
func (e *Entity) LinkByRel(rel string) *Link {
	if e == nil {
		return nil
	}

	for _, l := range e.Links {
		if slices.Contains(l.Rel, rel) {
			return l
		}
	}

	return nil
}

// SelfHref returns the href of the "self" link, or "".
func (e *Entity) SelfHref() string {
	if l := e.LinkByRel("self"); l != nil {
		return l.Href
	}

	return ""
}

// ID returns the identifying href of an entity: the href of an embedded
// link, otherwise the self link.
func (e *Entity) ID() string {
	if e == nil {
		return ""
	}

	if e.Href != "" {
		return e.Href
	}

	return e.SelfHref()
}

// HasSubEntityByRel reports whether any sub-entity carries rel.
func (e *Entity) HasSubEntityByRel(rel string) bool {
	return e.SubEntityByRel(rel) != nil
}

// SubEntityByRel returns the first sub-entity carrying rel, or nil.
func (e *Entity) SubEntityByRel(rel string) *Entity {
	if e == nil {
		return nil
	}

	for _, sub := range e.Entities {
		if slices.Contains(sub.Rel, rel) {
			return sub
		}
	}

	return nil
}

// SubEntitiesByRel returns every sub-entity carrying rel, in document order.
func (e *Entity) SubEntitiesByRel(rel string) []*Entity {
	if e == nil {
		return nil
	}

	var out []*Entity

	for _, sub := range e.Entities {
		if slices.Contains(sub.Rel, rel) {
			out = append(out, sub)
		}
	}

	return out
}

// HasActionByName reports whether the entity exposes the named action.
func (e *Entity) HasActionByName(name string) bool {
	return e.ActionByName(name) != nil
}

// ActionByName returns the named action, or nil.
func (e *Entity) ActionByName(name string) *Action {
	if e == nil {
		return nil
	}

	for _, a := range e.Actions {
		if a.Name == name {
			return a
		}
	}

	return nil
}

// HasField reports whether the action declares the named field.
func (a *Action) HasField(name string) bool {
	return a.FieldByName(name) != nil
}

// FieldByName returns the named field, or nil.
func (a *Action) FieldByName(name string) *Field {
	if a == nil {
		return nil
	}

	for i := range a.Fields {
		if a.Fields[i].Name == name {
			return &a.Fields[i]
		}
	}

	return nil
}

// ResolveRefs rewrites every relative href in the entity tree against
// base. Absolute hrefs and unparseable hrefs are left untouched.
func (e *Entity) ResolveRefs(base *url.URL) {
	if e == nil || base == nil {
		return
	}

	e.Href = ResolveHref(base, e.Href)

	for _, l := range e.Links {
		l.Href = ResolveHref(base, l.Href)
	}

	for _, a := range e.Actions {
		a.Href = ResolveHref(base, a.Href)
	}

	for _, sub := range e.Entities {
		sub.ResolveRefs(base)
	}
}

// ResolveHref resolves href against base. Absolute and unparseable hrefs
// are returned unchanged.
func ResolveHref(base *url.URL, href string) string {
	if href == "" || strings.Contains(href, "://") {
		return href
	}

	ref, err := url.Parse(href)
	if err != nil {
		return href
	}

	return base.ResolveReference(ref).String()
}
