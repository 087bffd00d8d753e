package hypermedia

import (
	"maps"
	"slices"
	"sync"
)

// Observer receives facet values. Observers are compared by identity, so
// implementations must be comparable (pointer receivers are the norm).
//
// SetProperty is called while the client holds its graph lock; it must not
// call back into the Client or its States synchronously.
type Observer interface {
	SetProperty(name string, value any)
}

// PropertyBag is a ready-made Observer that stores the latest value of
// every property it is bound to.
type PropertyBag struct {
	mu       sync.RWMutex
	values   map[string]any
	onChange func(name string, value any)
}

// NewPropertyBag creates an empty bag. onChange, if non-nil, is invoked
// after every update.
func NewPropertyBag(onChange func(name string, value any)) *PropertyBag {
	return &PropertyBag{values: make(map[string]any), onChange: onChange}
}

// SetProperty implements Observer.
func (b *PropertyBag) SetProperty(name string, value any) {
	b.mu.Lock()
	b.values[name] = value
	b.mu.Unlock()

	if b.onChange != nil {
		b.onChange(name, value)
	}
}

// Get returns the last value set for name.
func (b *PropertyBag) Get(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.values[name]

	return v, ok
}

// Values returns a snapshot of every property.
func (b *PropertyBag) Values() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return maps.Clone(b.values)
}

// holders is the set of sources keeping a binding alive. The nil source
// stands for a direct AddObservables call; any other source is the facet
// that forwarded a route.
type holders map[*facetBase]struct{}

func newHolders(src *facetBase) holders {
	return holders{src: {}}
}

func (h holders) add(src *facetBase) {
	h[src] = struct{}{}
}

type binding struct {
	property  string
	transform Transform
	holders   holders
}

// observerRegistry maps observers to the property they want a facet's
// value written to. The first registration of an observer wins; later
// registrations with a different property only add a holder.
type observerRegistry struct {
	order    []Observer
	bindings map[Observer]*binding
}

// add binds o on behalf of src and reports whether the binding is new.
func (r *observerRegistry) add(o Observer, property string, transform Transform, src *facetBase) bool {
	if r.bindings == nil {
		r.bindings = make(map[Observer]*binding)
	}

	if b, ok := r.bindings[o]; ok {
		b.holders.add(src)
		return false
	}

	r.bindings[o] = &binding{property: property, transform: transform, holders: newHolders(src)}
	r.order = append(r.order, o)

	return true
}

// release drops src's hold on o and unbinds o once nobody holds it.
func (r *observerRegistry) release(o Observer, src *facetBase) {
	b, ok := r.bindings[o]
	if !ok {
		return
	}

	delete(b.holders, src)

	if len(b.holders) == 0 {
		r.remove(o)
	}
}

// remove unbinds o regardless of holders.
func (r *observerRegistry) remove(o Observer) {
	if _, ok := r.bindings[o]; !ok {
		return
	}

	delete(r.bindings, o)
	r.order = slices.DeleteFunc(r.order, func(x Observer) bool { return x == o })
}

func (r *observerRegistry) len() int {
	return len(r.order)
}

// merge adds every binding from other. Existing registrations keep their
// property and gain other's holders.
func (r *observerRegistry) merge(other *observerRegistry) {
	for _, o := range other.order {
		ob := other.bindings[o]

		if cur, ok := r.bindings[o]; ok {
			maps.Copy(cur.holders, ob.holders)
			continue
		}

		for src := range ob.holders {
			r.add(o, ob.property, ob.transform, src)
		}
	}
}

func (r *observerRegistry) notifyAll(value any) {
	for _, o := range r.order {
		r.notify(o, value)
	}
}

// notify writes value to a single observer. Observers get a private deep
// copy unless a transform is bound, in which case the transform decides.
func (r *observerRegistry) notify(o Observer, value any) {
	b, ok := r.bindings[o]
	if !ok {
		return
	}

	if b.transform != nil {
		o.SetProperty(b.property, b.transform(value))
		return
	}

	o.SetProperty(b.property, Clone(value))
}
