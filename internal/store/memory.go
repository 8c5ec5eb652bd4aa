package store

import (
	"context"
	"sync"

	"github.com/atmx/portfolio-engine/internal/model"
)

// MemoryStore implements Store in memory. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	snapshot *model.Snapshot
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return nil, ErrNotFound
	}
	return s.snapshot.Clone(), nil
}

func (s *MemoryStore) Commit(ctx context.Context, snap model.Snapshot, entries []model.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store copies to avoid external mutation.
	s.snapshot = snap.Clone()
	s.ledger = append(s.ledger, entries...)
	return nil
}

func (s *MemoryStore) Entries(_ context.Context, chainID int64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterEntries(s.ledger, chainID), nil
}

func (s *MemoryStore) MaxChainID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maxChainID(s.ledger), nil
}

func filterEntries(all []model.LedgerEntry, chainID int64) []model.LedgerEntry {
	result := []model.LedgerEntry{}
	for _, e := range all {
		if chainID == 0 || e.ChainID == chainID {
			result = append(result, e)
		}
	}
	return result
}

func maxChainID(entries []model.LedgerEntry) int64 {
	var highest int64
	for _, e := range entries {
		if e.ChainID > highest {
			highest = e.ChainID
		}
	}
	return highest
}
