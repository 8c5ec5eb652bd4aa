package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// schema is applied by EnsureSchema. Holdings live in a JSONB column since
// they are always read and replaced as a whole.
const schema = `
CREATE TABLE IF NOT EXISTS portfolio_snapshots (
	portfolio_id  TEXT PRIMARY KEY,
	cash          NUMERIC NOT NULL,
	realized_pnl  NUMERIC NOT NULL,
	next_chain_id BIGINT NOT NULL,
	holdings      JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id                 BIGSERIAL PRIMARY KEY,
	portfolio_id       TEXT NOT NULL,
	transaction_id     TEXT NOT NULL,
	timestamp          TIMESTAMPTZ NOT NULL,
	kind               TEXT NOT NULL,
	chainid            BIGINT NOT NULL,
	roll_count         INTEGER NOT NULL,
	symbol             TEXT NOT NULL,
	quantity           NUMERIC NOT NULL,
	price              NUMERIC NOT NULL,
	average_open_price NUMERIC NOT NULL,
	asset_type         TEXT NOT NULL,
	underlying_symbol  TEXT NOT NULL,
	multiplier         NUMERIC NOT NULL,
	order_type         TEXT NOT NULL,
	expires_at         TIMESTAMPTZ,
	strike_price       NUMERIC NOT NULL,
	realized_pnl       NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_chain_idx ON ledger_entries (portfolio_id, chainid);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// One database can hold several portfolios, keyed by portfolio id.
type PostgresStore struct {
	pool        *pgxpool.Pool
	portfolioID string
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, portfolioID string) *PostgresStore {
	return &PostgresStore{pool: pool, portfolioID: portfolioID}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var cash, realized string
	var holdings []byte

	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT, realized_pnl::TEXT, next_chain_id, holdings, updated_at
		 FROM portfolio_snapshots WHERE portfolio_id = $1`, s.portfolioID).
		Scan(&cash, &realized, &snap.NextChainID, &holdings, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", s.portfolioID, err)
	}

	snap.Cash, _ = decimal.NewFromString(cash)
	snap.RealizedPnL, _ = decimal.NewFromString(realized)
	if err := json.Unmarshal(holdings, &snap.Holdings); err != nil {
		return nil, fmt.Errorf("decode holdings %s: %w", s.portfolioID, err)
	}
	return &snap, nil
}

// Commit upserts the snapshot and inserts the ledger rows in one database
// transaction.
func (s *PostgresStore) Commit(ctx context.Context, snap model.Snapshot, entries []model.LedgerEntry) error {
	holdings, err := json.Marshal(snap.Holdings)
	if err != nil {
		return fmt.Errorf("encode holdings: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO portfolio_snapshots (portfolio_id, cash, realized_pnl, next_chain_id, holdings, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6)
		 ON CONFLICT (portfolio_id) DO UPDATE
		 SET cash = EXCLUDED.cash, realized_pnl = EXCLUDED.realized_pnl,
		     next_chain_id = EXCLUDED.next_chain_id, holdings = EXCLUDED.holdings,
		     updated_at = EXCLUDED.updated_at`,
		s.portfolioID, snap.Cash.String(), snap.RealizedPnL.String(),
		snap.NextChainID, holdings, snap.UpdatedAt,
	)
	for _, e := range entries {
		var expiry *time.Time
		if !e.Expiry.IsZero() {
			expiry = &e.Expiry
		}
		batch.Queue(
			`INSERT INTO ledger_entries (portfolio_id, transaction_id, timestamp, kind, chainid, roll_count,
			                             symbol, quantity, price, average_open_price, asset_type,
			                             underlying_symbol, multiplier, order_type, expires_at,
			                             strike_price, realized_pnl)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11,
			         $12, $13::NUMERIC, $14, $15, $16::NUMERIC, $17::NUMERIC)`,
			s.portfolioID, e.TransactionID, e.Timestamp, string(e.Kind), e.ChainID, e.RollCount,
			e.Symbol, e.Quantity.String(), e.Price.String(), e.AverageOpenPrice.String(), string(e.AssetType),
			e.UnderlyingSymbol, e.Multiplier.String(), string(e.OrderType), expiry,
			e.Strike.String(), e.RealizedPnL.String(),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("commit %s: %w", s.portfolioID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Entries(ctx context.Context, chainID int64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, timestamp, kind, chainid, roll_count, symbol,
		        quantity::TEXT, price::TEXT, average_open_price::TEXT, asset_type,
		        underlying_symbol, multiplier::TEXT, order_type, expires_at,
		        strike_price::TEXT, realized_pnl::TEXT
		 FROM ledger_entries
		 WHERE portfolio_id = $1 AND ($2::BIGINT = 0 OR chainid = $2::BIGINT)
		 ORDER BY id`, s.portfolioID, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) MaxChainID(ctx context.Context) (int64, error) {
	var highest int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(chainid), 0) FROM ledger_entries WHERE portfolio_id = $1`,
		s.portfolioID).Scan(&highest)
	return highest, err
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	entries := []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		var kind, assetType, orderType string
		var qtyS, priceS, avgS, multS, strikeS, pnlS string
		var expiry *time.Time

		if err := rows.Scan(&e.TransactionID, &e.Timestamp, &kind, &e.ChainID, &e.RollCount, &e.Symbol,
			&qtyS, &priceS, &avgS, &assetType,
			&e.UnderlyingSymbol, &multS, &orderType, &expiry,
			&strikeS, &pnlS); err != nil {
			return nil, err
		}

		e.Kind = model.LedgerKind(kind)
		e.AssetType = model.AssetType(assetType)
		e.OrderType = model.OrderType(orderType)
		if expiry != nil {
			e.Expiry = *expiry
		}
		e.Quantity, _ = decimal.NewFromString(qtyS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.AverageOpenPrice, _ = decimal.NewFromString(avgS)
		e.Multiplier, _ = decimal.NewFromString(multS)
		e.Strike, _ = decimal.NewFromString(strikeS)
		e.RealizedPnL, _ = decimal.NewFromString(pnlS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
