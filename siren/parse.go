package siren

import (
	"errors"

	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidJSON is returned when the document is not valid JSON.
	ErrInvalidJSON = errors.New("siren: invalid JSON")

	// ErrNotObject is returned when the document root is not an object.
	ErrNotObject = errors.New("siren: entity must be a JSON object")
)

// Parse decodes a Siren document. Only structural problems with the root
// are errors; individual links, actions or sub-entities that cannot be
// read are dropped.
func Parse(data []byte) (*Entity, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrNotObject
	}

	return parseEntity(root), nil
}

func parseEntity(r gjson.Result) *Entity {
	e := &Entity{
		Class: stringList(r.Get("class")),
		Rel:   stringList(r.Get("rel")),
		Href:  r.Get("href").String(),
		Title: r.Get("title").String(),
		Type:  r.Get("type").String(),
	}

	if props := r.Get("properties"); props.IsObject() {
		if m, ok := props.Value().(map[string]any); ok {
			e.Properties = m
		}
	}

	r.Get("links").ForEach(func(_, v gjson.Result) bool {
		if l := parseLink(v); l != nil {
			e.Links = append(e.Links, l)
		}

		return true
	})

	r.Get("actions").ForEach(func(_, v gjson.Result) bool {
		if a := parseAction(v); a != nil {
			e.Actions = append(e.Actions, a)
		}

		return true
	})

	r.Get("entities").ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}

		sub := parseEntity(v)
		// Sub-entities without a rel cannot be addressed.
		if len(sub.Rel) > 0 {
			e.Entities = append(e.Entities, sub)
		}

		return true
	})

	return e
}

func parseLink(r gjson.Result) *Link {
	if !r.IsObject() {
		return nil
	}

	href := r.Get("href").String()
	rel := stringList(r.Get("rel"))

	if href == "" || len(rel) == 0 {
		return nil
	}

	return &Link{
		Rel:   rel,
		Href:  href,
		Class: stringList(r.Get("class")),
		Title: r.Get("title").String(),
		Type:  r.Get("type").String(),
	}
}

func parseAction(r gjson.Result) *Action {
	if !r.IsObject() {
		return nil
	}

	name := r.Get("name").String()
	href := r.Get("href").String()

	if name == "" || href == "" {
		return nil
	}

	a := &Action{
		Name:   name,
		Method: r.Get("method").String(),
		Href:   href,
		Type:   r.Get("type").String(),
		Title:  r.Get("title").String(),
		Class:  stringList(r.Get("class")),
	}

	r.Get("fields").ForEach(func(_, v gjson.Result) bool {
		fname := v.Get("name").String()
		if !v.IsObject() || fname == "" {
			return true
		}

		f := Field{
			Name:  fname,
			Type:  v.Get("type").String(),
			Title: v.Get("title").String(),
			Class: stringList(v.Get("class")),
		}

		if val := v.Get("value"); val.Exists() {
			f.Value = val.Value()
		}

		a.Fields = append(a.Fields, f)

		return true
	})

	return a
}

// stringList reads an array of strings. A bare string is accepted as a
// single-element list since some servers emit rel and class that way.
func stringList(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}

	if r.Type == gjson.String {
		return []string{r.Str}
	}

	if !r.IsArray() {
		return nil
	}

	var out []string

	for _, v := range r.Array() {
		if v.Type == gjson.String && v.Str != "" {
			out = append(out, v.Str)
		}
	}

	return out
}
