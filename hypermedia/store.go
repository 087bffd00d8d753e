package hypermedia

import (
	"fmt"
	"sync"

	"github.com/alexjbarnes/siren-bind/token"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Store deduplicates States by (token cache key, lowercased entity id) and
// reference counts them. A State is dropped when its count reaches zero.
type Store struct {
	mu         sync.Mutex
	partitions map[string]map[string]*storeEntry
}

type storeEntry struct {
	state *State
	refs  int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{partitions: make(map[string]map[string]*storeEntry)}
}

// NormalizeID returns the store key form of an entity id. A Caser holds
// state, so one is built per call.
func NormalizeID(entityID string) string {
	return cases.Lower(language.Und).String(entityID)
}

// Get returns the stored State for the pair.
func (s *Store) Get(entityID string, tok *token.Token) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(entityID, tok)
	if e == nil {
		return nil, false
	}

	return e.state, true
}

// Has reports whether a State is stored for the pair.
func (s *Store) Has(entityID string, tok *token.Token) bool {
	_, ok := s.Get(entityID, tok)
	return ok
}

// Refs returns the reference count for the pair, zero when absent.
func (s *Store) Refs(entityID string, tok *token.Token) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.entry(entityID, tok); e != nil {
		return e.refs
	}

	return 0
}

// Add takes a reference on st, inserting it on first add. Adding a
// different State for a pair that is already stored is an error.
func (s *Store) Add(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := st.token.CacheKey()

	part, ok := s.partitions[key]
	if !ok {
		part = make(map[string]*storeEntry)
		s.partitions[key] = part
	}

	id := NormalizeID(st.entityID)
	if e, ok := part[id]; ok {
		if e.state != st {
			return fmt.Errorf("store: a different state is already registered for %s", st.entityID)
		}

		e.refs++

		return nil
	}

	part[id] = &storeEntry{state: st, refs: 1}

	return nil
}

// Remove drops one reference on st and reports whether the entry was
// deleted. Removing an unknown State is a no-op.
func (s *Store) Remove(st *State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := st.token.CacheKey()

	part, ok := s.partitions[key]
	if !ok {
		return false
	}

	id := NormalizeID(st.entityID)

	e, ok := part[id]
	if !ok || e.state != st {
		return false
	}

	e.refs--
	if e.refs > 0 {
		return false
	}

	delete(part, id)

	if len(part) == 0 {
		delete(s.partitions, key)
	}

	return true
}

// Len returns the number of stored States across all partitions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, part := range s.partitions {
		n += len(part)
	}

	return n
}

// Clear drops every State.
func (s *Store) Clear() {
	s.mu.Lock()
	s.partitions = make(map[string]map[string]*storeEntry)
	s.mu.Unlock()
}

// getOrAdd returns the stored State for the pair, taking a reference, or
// stores and returns the one built by create.
func (s *Store) getOrAdd(entityID string, tok *token.Token, create func() *State) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.entry(entityID, tok); e != nil {
		e.refs++
		return e.state
	}

	st := create()

	key := tok.CacheKey()

	part, ok := s.partitions[key]
	if !ok {
		part = make(map[string]*storeEntry)
		s.partitions[key] = part
	}

	part[NormalizeID(entityID)] = &storeEntry{state: st, refs: 1}

	return st
}

func (s *Store) entry(entityID string, tok *token.Token) *storeEntry {
	part, ok := s.partitions[tok.CacheKey()]
	if !ok {
		return nil
	}

	return part[NormalizeID(entityID)]
}
