package siren

import (
	"slices"
	"strings"

	"github.com/tomnomnom/linkheader"
)

// HeaderLink is one entry of an HTTP Link header (RFC 5988).
type HeaderLink struct {
	Href   string
	Rel    []string
	Params map[string]string
}

// HasRel reports whether the entry carries rel. Relation types compare
// case-insensitively.
func (l HeaderLink) HasRel(rel string) bool {
	return slices.ContainsFunc(l.Rel, func(r string) bool { return strings.EqualFold(r, rel) })
}

// ParseLinkHeader parses one or more Link header values. Entries without a
// <uri-reference> are skipped. A rel parameter holding several
// space-separated relation types is split.
func ParseLinkHeader(values ...string) []HeaderLink {
	parsed := linkheader.ParseMultiple(values)
	out := make([]HeaderLink, 0, len(parsed))

	for _, l := range parsed {
		out = append(out, HeaderLink{
			Href:   l.URL,
			Rel:    strings.Fields(l.Rel),
			Params: l.Params,
		})
	}

	return out
}

// LinksWithRel returns the hrefs of every entry carrying rel, in order,
// without duplicates.
func LinksWithRel(links []HeaderLink, rel string) []string {
	var hrefs []string

	for _, l := range links {
		if l.HasRel(rel) && !slices.Contains(hrefs, l.Href) {
			hrefs = append(hrefs, l.Href)
		}
	}

	return hrefs
}
