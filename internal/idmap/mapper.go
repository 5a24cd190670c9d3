// Package idmap correlates internal order ids with the ids the settlement
// ledger knows them by.
package idmap

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

type binding struct {
	external string
	refs     int  // trades still awaiting settlement
	released bool // order reached a terminal status
}

// Mapper is a bounded table of internal to external order ids. A binding is
// evicted once its order is released and no unsettled trade references it.
type Mapper struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*binding
}

// New returns a mapper holding at most capacity bindings. A capacity of zero
// or less means unbounded.
func New(capacity int) *Mapper {
	return &Mapper{capacity: capacity, entries: make(map[string]*binding)}
}

// Bind records the external id for an order. Re-binding the same pair is a
// no-op.
func (m *Mapper) Bind(internalID, externalID string) error {
	if internalID == "" || externalID == "" {
		return domain.Validationf("bind requires both ids")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.entries[internalID]; ok {
		if b.external != externalID {
			return fmt.Errorf("idmap: bind %s: %w", internalID, domain.ErrAlreadyExists)
		}
		return nil
	}
	if m.capacity > 0 && len(m.entries) >= m.capacity {
		return fmt.Errorf("idmap: bind %s: %w", internalID, domain.ErrMapperFull)
	}
	m.entries[internalID] = &binding{external: externalID}
	return nil
}

// Lookup returns the external id bound to an order.
func (m *Mapper) Lookup(internalID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[internalID]
	if !ok {
		return "", false
	}
	return b.external, true
}

// Retain pins a binding for one trade awaiting settlement.
func (m *Mapper) Retain(internalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.entries[internalID]; ok {
		b.refs++
	}
}

// Done drops a pin taken by Retain once its trade is settled or failed.
func (m *Mapper) Done(internalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[internalID]
	if !ok || b.refs == 0 {
		return
	}
	b.refs--
	m.evictLocked(internalID, b)
}

// Release marks the order terminal. It must be called once per order and
// reports false on any later call or for an unknown id.
func (m *Mapper) Release(internalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[internalID]
	if !ok || b.released {
		return false
	}
	b.released = true
	m.evictLocked(internalID, b)
	return true
}

func (m *Mapper) evictLocked(id string, b *binding) {
	if b.released && b.refs == 0 {
		delete(m.entries, id)
	}
}

// Resolve translates both sides of a trade.
func (m *Mapper) Resolve(makerID, takerID string) (maker, taker string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.entries[makerID]
	if !ok {
		return "", "", fmt.Errorf("idmap: maker %s: %w", makerID, domain.ErrMappingMiss)
	}
	tb, ok := m.entries[takerID]
	if !ok {
		return "", "", fmt.Errorf("idmap: taker %s: %w", takerID, domain.ErrMappingMiss)
	}
	return mb.external, tb.external, nil
}

// Len returns the number of live bindings.
func (m *Mapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
