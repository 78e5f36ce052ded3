package assets

import (
	"context"
	"sync"
)

// Scope owns the handles of one mounted view. Every handle placed in a scope is released
// exactly once: when a newer handle takes its slot, or when the scope closes.
type Scope struct {
	resolver *Resolver

	mu          sync.Mutex
	slots       map[string]*Handle
	generations map[string]uint64
	closed      bool
}

// NewScope returns an open scope backed by resolver.
func NewScope(resolver *Resolver) *Scope {
	return &Scope{
		resolver:    resolver,
		slots:       make(map[string]*Handle),
		generations: make(map[string]uint64),
	}
}

// Set stores handle under slot and releases the handle it supersedes. On a closed scope the
// handle is released immediately and Set reports false.
func (s *Scope) Set(slot string, handle *Handle) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle.Release()
		return false
	}
	previous := s.slots[slot]
	s.slots[slot] = handle
	s.generations[slot]++
	s.mu.Unlock()
	if previous != nil && previous != handle {
		previous.Release()
	}
	return true
}

// Get returns the handle currently held in slot.
func (s *Scope) Get(slot string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.slots[slot]
	return handle, ok
}

// ResolvePrimary resolves the primary image of imagesEndpoint into slot. A resolution that
// completes after the scope closed, or after a newer resolution for the same slot was started,
// is released instead of stored.
func (s *Scope) ResolvePrimary(ctx context.Context, slot, imagesEndpoint string) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrReleased
	}
	s.generations[slot]++
	generation := s.generations[slot]
	s.mu.Unlock()

	handle, err := s.resolver.ResolvePrimary(ctx, imagesEndpoint)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed || s.generations[slot] != generation {
		s.mu.Unlock()
		handle.Release()
		return nil, ErrReleased
	}
	previous := s.slots[slot]
	s.slots[slot] = handle
	s.mu.Unlock()
	if previous != nil {
		previous.Release()
	}
	return handle, nil
}

// Close releases every handle in the scope. It is safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.slots))
	for _, handle := range s.slots {
		handles = append(handles, handle)
	}
	s.slots = make(map[string]*Handle)
	s.mu.Unlock()
	for _, handle := range handles {
		handle.Release()
	}
}

// Len counts the handles currently held.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
