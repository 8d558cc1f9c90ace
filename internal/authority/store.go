package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/die-net/veil/internal/encoder"
)

type entry struct {
	key       encoder.Key
	allocated bool
}

// Store is an in-memory Service. It also answers Lookup for the relay
// server, which needs the key behind an identifier presented by a tunnel.
type Store struct {
	mu      sync.Mutex
	keys    map[uuid.UUID]*entry
	free    []uuid.UUID
	pending int // lazily generated keys not minted yet
	newKey  func() encoder.Key
}

// StoreStats is a point-in-time view of a Store.
type StoreStats struct {
	Total     int
	Allocated int
	Free      int
	Pending   int
}

func NewStore() *Store {
	return &Store{
		keys:   make(map[uuid.UUID]*entry),
		newKey: encoder.NewKey,
	}
}

func (s *Store) Generate(_ context.Context, count int, lazy bool) error {
	if count <= 0 || count > MaxBatch {
		return fmt.Errorf("authority: generate count %d out of range", count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if lazy {
		s.pending += count
		return nil
	}
	for i := 0; i < count; i++ {
		s.mintLocked()
	}
	return nil
}

func (s *Store) mintLocked() uuid.UUID {
	for {
		k := s.newKey()
		if _, dup := s.keys[k.ID]; dup {
			continue
		}
		s.keys[k.ID] = &entry{key: k}
		s.free = append(s.free, k.ID)
		return k.ID
	}
}

func (s *Store) Allocate(_ context.Context, n int) ([]encoder.Key, error) {
	if n <= 0 || n > MaxBatch {
		return nil, fmt.Errorf("authority: allocate count %d out of range", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.free) < n && s.pending > 0 {
		s.mintLocked()
		s.pending--
	}

	if len(s.free) == 0 {
		return nil, ErrExhausted
	}
	n = min(n, len(s.free))

	keys := make([]encoder.Key, 0, n)
	for _, id := range s.free[len(s.free)-n:] {
		e := s.keys[id]
		e.allocated = true
		keys = append(keys, e.key)
	}
	s.free = s.free[:len(s.free)-n]

	return keys, nil
}

func (s *Store) Deallocate(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unknown int
	for _, id := range ids {
		e, ok := s.keys[id]
		if !ok || !e.allocated {
			unknown++
			continue
		}
		e.allocated = false
		s.free = append(s.free, id)
	}
	if unknown > 0 {
		return fmt.Errorf("%w: %d of %d ids", ErrUnknownKey, unknown, len(ids))
	}
	return nil
}

// Lookup returns the key for id if it is currently allocated.
func (s *Store) Lookup(id uuid.UUID) (encoder.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[id]
	if !ok || !e.allocated {
		return encoder.Key{}, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	return e.key, nil
}

func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StoreStats{
		Total:     len(s.keys),
		Allocated: len(s.keys) - len(s.free),
		Free:      len(s.free),
		Pending:   s.pending,
	}
}
