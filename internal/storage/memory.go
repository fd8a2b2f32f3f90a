package storage

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryScope is an in-process storage scope. Every context opened on the
// same scope sees the same keys, like tabs sharing one browser profile.
type MemoryScope struct {
	mu       sync.Mutex
	values   map[string][]byte
	contexts map[*MemorySubstrate]struct{}
}

func NewMemoryScope() *MemoryScope {
	return &MemoryScope{
		values:   map[string][]byte{},
		contexts: map[*MemorySubstrate]struct{}{},
	}
}

// Open attaches a new context to the scope.
func (s *MemoryScope) Open() *MemorySubstrate {
	sub := &MemorySubstrate{scope: s}
	s.mu.Lock()
	s.contexts[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// peersLocked returns every open context other than origin.
func (s *MemoryScope) peersLocked(origin *MemorySubstrate) []*MemorySubstrate {
	peers := make([]*MemorySubstrate, 0, len(s.contexts))
	for sub := range s.contexts {
		if sub != origin {
			peers = append(peers, sub)
		}
	}
	return peers
}

type MemorySubstrate struct {
	scope    *MemoryScope
	watchers watcherSet
	closed   bool
}

func (m *MemorySubstrate) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.scope.mu.Lock()
	defer m.scope.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	value, ok := m.scope.values[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

func (m *MemorySubstrate) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.scope.mu.Lock()
	if m.closed {
		m.scope.mu.Unlock()
		return ErrClosed
	}
	if current, ok := m.scope.values[key]; ok && bytes.Equal(current, value) {
		m.scope.mu.Unlock()
		return nil
	}
	m.scope.values[key] = cloneBytes(value)
	peers := m.scope.peersLocked(m)
	m.scope.mu.Unlock()

	for _, peer := range peers {
		peer.watchers.emit(Change{Key: key, Value: cloneBytes(value)})
	}
	return nil
}

func (m *MemorySubstrate) Remove(_ context.Context, key string) error {
	m.scope.mu.Lock()
	if m.closed {
		m.scope.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.scope.values[key]; !ok {
		m.scope.mu.Unlock()
		return nil
	}
	delete(m.scope.values, key)
	peers := m.scope.peersLocked(m)
	m.scope.mu.Unlock()

	for _, peer := range peers {
		peer.watchers.emit(Change{Key: key, Removed: true})
	}
	return nil
}

func (m *MemorySubstrate) Keys(_ context.Context, prefix string) ([]string, error) {
	m.scope.mu.Lock()
	defer m.scope.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.scope.values))
	for key := range m.scope.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemorySubstrate) Watch(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	id, _ := m.watchers.add(fn)
	var once sync.Once
	return func() {
		once.Do(func() { m.watchers.remove(id) })
	}
}

func (m *MemorySubstrate) Close() error {
	m.scope.mu.Lock()
	defer m.scope.mu.Unlock()
	m.closed = true
	delete(m.scope.contexts, m)
	return nil
}
