package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/protocol"
)

// MemoryStore keeps records in process memory. It implements the full
// versioning contract and is shared between coordinators in tests to
// simulate restarts and hand-offs.
type MemoryStore struct {
	mu     sync.RWMutex
	rounds map[uint64]*protocol.Round
	latest uint64
	models map[string]aggregator.Model
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds: make(map[uint64]*protocol.Round),
		models: make(map[string]aggregator.Model),
	}
}

// Save stores a copy of r if its version matches the stored one.
func (s *MemoryStore) Save(ctx context.Context, r *protocol.Round) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("nil round")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored uint64
	if cur, ok := s.rounds[r.ID]; ok {
		stored = cur.Version
	}
	if stored != r.Version {
		return conflict(r, stored)
	}

	r.Version++
	r.UpdatedAt = time.Now().UTC()
	s.rounds[r.ID] = r.Clone()
	s.latest = max(s.latest, r.ID)
	return nil
}

// Load returns a copy of round roundID, or nil if it was never saved.
func (s *MemoryStore) Load(ctx context.Context, roundID uint64) (*protocol.Round, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rounds[roundID].Clone(), nil
}

// Latest returns a copy of the round with the highest id, or nil.
func (s *MemoryStore) Latest(ctx context.Context) (*protocol.Round, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rounds[s.latest].Clone(), nil
}

// SaveModel stores a copy of m under ref.
func (s *MemoryStore) SaveModel(ctx context.Context, ref string, m aggregator.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[ref] = m.Clone()
	return nil
}

// LoadModel returns a copy of the model stored under ref.
func (s *MemoryStore) LoadModel(ctx context.Context, ref string) (aggregator.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, ref)
	}
	return m.Clone(), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
