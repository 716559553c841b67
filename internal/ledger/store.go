package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists ledger entries. Implementations must make Insert atomic
// and reject any entry that does not extend the entity's current head
// (wrong seq or wrong PrevHash) with ErrConcurrentAppend.
type Store interface {
	// Head returns the last entry of an entity's chain, or nil if the
	// chain is empty.
	Head(ctx context.Context, entityID string) (*Entry, error)

	// Insert appends e to its entity's chain.
	Insert(ctx context.Context, e Entry) error

	// Range returns entries with from <= seq <= to in sequence order.
	Range(ctx context.Context, entityID string, from, to uint64) ([]Entry, error)

	// Entities lists every entity that has at least one entry.
	Entities(ctx context.Context) ([]string, error)

	Close() error
}

// MemoryStore is an in-memory Store. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Entry)}
}

// Head implements Store.
func (m *MemoryStore) Head(_ context.Context, entityID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[entityID]
	if len(chain) == 0 {
		return nil, nil
	}
	last := chain[len(chain)-1]
	return &last, nil
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[e.EntityID]
	if e.Seq != uint64(len(chain)) {
		return fmt.Errorf("%w: entity %s expects seq %d, got %d", ErrConcurrentAppend, e.EntityID, len(chain), e.Seq)
	}
	prev := GenesisHash
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	if e.PrevHash != prev {
		return fmt.Errorf("%w: entity %s seq %d does not link to head", ErrConcurrentAppend, e.EntityID, e.Seq)
	}

	m.chains[e.EntityID] = append(chain, e)
	return nil
}

// Range implements Store. The returned slice is a copy.
func (m *MemoryStore) Range(_ context.Context, entityID string, from, to uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[entityID]
	var out []Entry
	for _, e := range chain {
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

// Entities implements Store.
func (m *MemoryStore) Entities(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.chains))
	for id := range m.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
