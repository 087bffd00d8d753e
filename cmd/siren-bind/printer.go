package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/alexjbarnes/siren-bind/hypermedia"
	"github.com/alexjbarnes/siren-bind/siren"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// printer is an observer that writes a line diff of every value change.
// SetProperty runs under the client's graph lock, so it only formats and
// writes.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]string
	dmp  *diffmatchpatch.DiffMatchPatch
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:    w,
		last: make(map[string]string),
		dmp:  diffmatchpatch.New(),
	}
}

// SetProperty implements hypermedia.Observer.
func (p *printer) SetProperty(name string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text := render(value)

	prev, seen := p.last[name]
	if seen && prev == text {
		return
	}

	p.last[name] = text

	if !seen {
		fmt.Fprintf(p.w, "[%s]\n", name)
		for _, line := range splitLines(text) {
			fmt.Fprintf(p.w, "  %s\n", line)
		}

		return
	}

	fmt.Fprintf(p.w, "[%s] changed\n", name)
	p.writeDiff(prev, text)
}

// writeDiff prints a line-level diff with +/- markers.
func (p *printer) writeDiff(before, after string) {
	a, b, lines := p.dmp.DiffLinesToChars(before+"\n", after+"\n")
	diffs := p.dmp.DiffCharsToLines(p.dmp.DiffMain(a, b, false), lines)

	for _, d := range diffs {
		marker := " "

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			marker = "+"
		case diffmatchpatch.DiffDelete:
			marker = "-"
		}

		for _, line := range splitLines(strings.TrimSuffix(d.Text, "\n")) {
			fmt.Fprintf(p.w, "%s %s\n", marker, line)
		}
	}
}

// render formats a facet value as stable, indented text.
func render(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case *hypermedia.State:
		if v == nil {
			return "null"
		}

		return "entity " + v.EntityID() + "\n" + render(v.Entity())
	case *hypermedia.Action:
		return fmt.Sprintf("action %s %s %s%s", v.Name, v.Method, v.Href, renderFields(v.Fields))
	case *hypermedia.SummonAction:
		return fmt.Sprintf("summon %s %s %s%s", v.Name, v.Method, v.Href, renderFields(v.Fields))
	case *hypermedia.EntityCollection:
		return render(v.Items)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}

	return string(data)
}

func renderFields(fields []siren.Field) string {
	if len(fields) == 0 {
		return ""
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}

	return " " + string(data)
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

// properties returns the names of every property printed so far.
func (p *printer) properties() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.last))
	for n := range p.last {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
