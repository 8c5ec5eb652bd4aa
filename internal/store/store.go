// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// snapshot cache), JSON+CSV files (single-user back-testing), and in-memory
// (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrNotFound is returned by LoadSnapshot when nothing has been saved yet.
var ErrNotFound = errors.New("store: snapshot not found")

// Store persists the portfolio snapshot and the append-only transaction
// ledger.
type Store interface {
	// LoadSnapshot returns the last committed snapshot or ErrNotFound.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// Commit replaces the snapshot and appends entries as one unit.
	Commit(ctx context.Context, snap model.Snapshot, entries []model.LedgerEntry) error

	// Entries returns ledger rows in commit order. chainID 0 means all.
	Entries(ctx context.Context, chainID int64) ([]model.LedgerEntry, error)

	// MaxChainID returns the highest chain id ever logged, 0 if none.
	MaxChainID(ctx context.Context) (int64, error)
}
