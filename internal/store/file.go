package store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	ErrUnknownColumn  = errors.New("store: unknown ledger column")
	ErrColumnMismatch = errors.New("store: ledger header does not match configured columns")
)

// DefaultColumns is the full ledger column set, in file order.
var DefaultColumns = []string{
	"timestamp", "transaction_id", "kind", "chainid", "roll_count",
	"symbol", "quantity", "price", "average_open_price", "asset_type",
	"underlying_symbol", "multiplier", "order_type", "expires_at",
	"strike_price", "realized_pnl",
}

// csvRow is the gocsv shape of one ledger row. Every field is text so a
// projected file with missing columns still unmarshals.
type csvRow struct {
	Timestamp        string `csv:"timestamp"`
	TransactionID    string `csv:"transaction_id"`
	Kind             string `csv:"kind"`
	ChainID          string `csv:"chainid"`
	RollCount        string `csv:"roll_count"`
	Symbol           string `csv:"symbol"`
	Quantity         string `csv:"quantity"`
	Price            string `csv:"price"`
	AverageOpenPrice string `csv:"average_open_price"`
	AssetType        string `csv:"asset_type"`
	UnderlyingSymbol string `csv:"underlying_symbol"`
	Multiplier       string `csv:"multiplier"`
	OrderType        string `csv:"order_type"`
	Expiry           string `csv:"expires_at"`
	Strike           string `csv:"strike_price"`
	RealizedPnL      string `csv:"realized_pnl"`
}

// FileStore keeps the snapshot as a JSON document and the ledger as an
// appendable CSV file with a configurable column set.
type FileStore struct {
	mu           sync.Mutex
	snapshotPath string
	ledgerPath   string
	columns      []string
}

// NewFileStore creates a file-backed store. A nil columns slice selects
// DefaultColumns.
func NewFileStore(snapshotPath, ledgerPath string, columns []string) (*FileStore, error) {
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if !slices.Contains(DefaultColumns, c) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, c)
		}
		if seen[c] {
			return nil, fmt.Errorf("%w: %q listed twice", ErrUnknownColumn, c)
		}
		seen[c] = true
	}
	return &FileStore{
		snapshotPath: snapshotPath,
		ledgerPath:   ledgerPath,
		columns:      slices.Clone(columns),
	}, nil
}

// Columns returns the configured ledger columns.
func (s *FileStore) Columns() []string { return slices.Clone(s.columns) }

func (s *FileStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.snapshotPath, err)
	}
	return &snap, nil
}

// Commit appends the ledger rows, then atomically replaces the snapshot.
// If the snapshot cannot be written the ledger is truncated back.
func (s *FileStore) Commit(ctx context.Context, snap model.Snapshot, entries []model.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevSize, err := s.appendEntries(entries)
	if err != nil {
		return err
	}
	if err := s.writeSnapshot(snap); err != nil {
		if len(entries) > 0 {
			if terr := os.Truncate(s.ledgerPath, prevSize); terr != nil {
				return errors.Join(err, fmt.Errorf("roll back ledger: %w", terr))
			}
		}
		return err
	}
	return nil
}

func (s *FileStore) Entries(_ context.Context, chainID int64) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readEntries()
	if err != nil {
		return nil, err
	}
	return filterEntries(all, chainID), nil
}

func (s *FileStore) MaxChainID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readEntries()
	if err != nil {
		return 0, err
	}
	return maxChainID(all), nil
}

// --- Ledger ---

// appendEntries writes entries projected onto the configured columns and
// returns the ledger size before the write.
func (s *FileStore) appendEntries(entries []model.LedgerEntry) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(s.ledgerPath), 0o755); err != nil {
		return 0, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(s.ledgerPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat ledger: %w", err)
	}
	size := info.Size()
	if len(entries) == 0 {
		return size, nil
	}

	if size > 0 {
		header, err := csv.NewReader(f).Read()
		if err != nil {
			return size, fmt.Errorf("read ledger header: %w", err)
		}
		if !slices.Equal(header, s.columns) {
			return size, fmt.Errorf("%w: file has %v", ErrColumnMismatch, header)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return size, fmt.Errorf("seek ledger: %w", err)
	}

	rows := make([]*csvRow, len(entries))
	for i, e := range entries {
		rows[i] = toRow(e)
	}
	full, err := gocsv.MarshalString(&rows)
	if err != nil {
		return size, fmt.Errorf("marshal ledger rows: %w", err)
	}
	records, err := csv.NewReader(strings.NewReader(full)).ReadAll()
	if err != nil {
		return size, fmt.Errorf("project ledger rows: %w", err)
	}

	idx := make([]int, len(s.columns))
	for i, col := range s.columns {
		idx[i] = slices.Index(records[0], col)
	}

	w := csv.NewWriter(f)
	if size == 0 {
		w.Write(s.columns)
	}
	for _, rec := range records[1:] {
		out := make([]string, len(idx))
		for i, j := range idx {
			out[i] = rec[j]
		}
		w.Write(out)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return size, fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return size, fmt.Errorf("sync ledger: %w", err)
	}
	return size, nil
}

func (s *FileStore) readEntries() ([]model.LedgerEntry, error) {
	f, err := os.Open(s.ledgerPath)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.LedgerEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return nil, fmt.Errorf("stat ledger: %w", err)
	} else if info.Size() == 0 {
		return []model.LedgerEntry{}, nil
	}

	var rows []*csvRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", s.ledgerPath, err)
	}

	entries := make([]model.LedgerEntry, 0, len(rows))
	for i, r := range rows {
		e, err := fromRow(r)
		if err != nil {
			return nil, fmt.Errorf("ledger row %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// --- Snapshot ---

func (s *FileStore) writeSnapshot(snap model.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.snapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// --- Row conversion ---

func toRow(e model.LedgerEntry) *csvRow {
	r := &csvRow{
		Timestamp:        e.Timestamp.UTC().Format(time.RFC3339Nano),
		TransactionID:    e.TransactionID,
		Kind:             string(e.Kind),
		ChainID:          strconv.FormatInt(e.ChainID, 10),
		RollCount:        strconv.Itoa(e.RollCount),
		Symbol:           e.Symbol,
		Quantity:         e.Quantity.String(),
		Price:            e.Price.String(),
		AverageOpenPrice: e.AverageOpenPrice.String(),
		AssetType:        string(e.AssetType),
		UnderlyingSymbol: e.UnderlyingSymbol,
		Multiplier:       e.Multiplier.String(),
		OrderType:        string(e.OrderType),
		RealizedPnL:      e.RealizedPnL.String(),
	}
	if !e.Expiry.IsZero() {
		r.Expiry = e.Expiry.UTC().Format(time.RFC3339)
		r.Strike = e.Strike.String()
	}
	return r
}

func fromRow(r *csvRow) (model.LedgerEntry, error) {
	e := model.LedgerEntry{
		TransactionID:    r.TransactionID,
		Kind:             model.LedgerKind(r.Kind),
		Symbol:           r.Symbol,
		AssetType:        model.AssetType(r.AssetType),
		UnderlyingSymbol: r.UnderlyingSymbol,
		OrderType:        model.OrderType(r.OrderType),
	}

	var err error
	if e.Timestamp, err = parseTime(r.Timestamp, time.RFC3339Nano); err != nil {
		return e, fmt.Errorf("timestamp: %w", err)
	}
	if e.Expiry, err = parseTime(r.Expiry, time.RFC3339); err != nil {
		return e, fmt.Errorf("expires_at: %w", err)
	}
	if r.ChainID != "" {
		if e.ChainID, err = strconv.ParseInt(r.ChainID, 10, 64); err != nil {
			return e, fmt.Errorf("chainid: %w", err)
		}
	}
	if r.RollCount != "" {
		if e.RollCount, err = strconv.Atoi(r.RollCount); err != nil {
			return e, fmt.Errorf("roll_count: %w", err)
		}
	}

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"quantity", r.Quantity, &e.Quantity},
		{"price", r.Price, &e.Price},
		{"average_open_price", r.AverageOpenPrice, &e.AverageOpenPrice},
		{"multiplier", r.Multiplier, &e.Multiplier},
		{"strike_price", r.Strike, &e.Strike},
		{"realized_pnl", r.RealizedPnL, &e.RealizedPnL},
	}
	for _, f := range decimals {
		if f.raw == "" {
			continue
		}
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return e, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return e, nil
}

func parseTime(raw, layout string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(layout, raw)
}
