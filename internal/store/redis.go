package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of the snapshot. Commits go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	key     string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, portfolioID string, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		key:     snapshotKey(portfolioID),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, snap model.Snapshot, entries []model.LedgerEntry) error {
	if err := s.primary.Commit(ctx, snap, entries); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		slog.Warn("snapshot cache invalidation failed", "key", s.key, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, s.key, data, s.ttl)
	}
	return snap, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Entries(ctx context.Context, chainID int64) ([]model.LedgerEntry, error) {
	return s.primary.Entries(ctx, chainID)
}

func (s *CachedStore) MaxChainID(ctx context.Context) (int64, error) {
	return s.primary.MaxChainID(ctx)
}

func snapshotKey(id string) string { return fmt.Sprintf("portfolio:%s:snapshot", id) }
