package mcp

import (
	"fmt"
	"sync"
)

// RecordRef locates a record by entity type and id.
type RecordRef struct {
	Entity string
	ID     string
}

// Session hands out short refs (R1, R2...) for records an agent has seen,
// so follow-up calls need not repeat long ULIDs. The counter is shared by
// all entity types.
type Session struct {
	mu      sync.Mutex
	refs    map[string]RecordRef
	reverse map[RecordRef]string
	counter int
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		refs:    make(map[string]RecordRef),
		reverse: make(map[RecordRef]string),
	}
}

// Track returns the ref for a record, assigning the next one on first sight.
func (s *Session) Track(entity, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := RecordRef{Entity: entity, ID: id}
	if ref, ok := s.reverse[key]; ok {
		return ref
	}

	s.counter++
	ref := fmt.Sprintf("R%d", s.counter)
	s.refs[ref] = key
	s.reverse[key] = ref
	return ref
}

// Resolve converts a ref back to its record.
func (s *Session) Resolve(ref string) (RecordRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refs[ref]
	return r, ok
}

// Len returns the number of tracked records.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Clear forgets every ref and restarts the counter.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]RecordRef)
	s.reverse = make(map[RecordRef]string)
	s.counter = 0
}
