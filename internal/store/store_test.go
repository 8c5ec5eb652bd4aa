package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func sampleSnapshot() model.Snapshot {
	xyz := model.NewStock("XYZ", d(240), d(80))
	xyz.AverageOpenPrice = d(90)
	xyz.ChainID = 1
	return model.Snapshot{
		Cash:        d(478400),
		Holdings:    []model.Asset{xyz},
		NextChainID: 2,
		UpdatedAt:   time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sampleEntries() []model.LedgerEntry {
	ts := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	call, _ := model.NewOption("XYZ   250411C00110000", d(-1), d(2.5))
	call.ChainID = 2
	call.OrderType = model.SellToOpen
	tx := &model.Transaction{ID: "tx-2", Timestamp: ts}
	return []model.LedgerEntry{
		{TransactionID: "tx-1", Timestamp: ts, Kind: model.KindOpen, ChainID: 1, Symbol: "XYZ",
			Quantity: d(120), Price: d(100), AverageOpenPrice: d(100), AssetType: model.AssetStock,
			UnderlyingSymbol: "XYZ", Multiplier: d(1), OrderType: model.BuyToOpen},
		model.NewLedgerEntry(tx, model.KindOpen, call, d(2.5), decimal.Zero),
	}
}

// --- MemoryStore ---

func TestMemoryStore_NotFoundBeforeCommit(t *testing.T) {
	ms := NewMemoryStore()
	if _, err := ms.LoadSnapshot(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CommitAndQuery(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	snap := sampleSnapshot()
	if err := ms.Commit(ctx, snap, sampleEntries()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	snap.Holdings[0].Quantity = d(1)

	got, err := ms.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Holdings[0].Quantity.Equal(d(240)) {
		t.Errorf("store shares holdings with caller: %s", got.Holdings[0].Quantity)
	}

	chain2, _ := ms.Entries(ctx, 2)
	if len(chain2) != 1 || chain2[0].Symbol != "XYZ   250411C00110000" {
		t.Errorf("expected one chain-2 entry, got %+v", chain2)
	}
	all, _ := ms.Entries(ctx, 0)
	if len(all) != 2 {
		t.Errorf("expected 2 entries, got %d", len(all))
	}
	if max, _ := ms.MaxChainID(ctx); max != 2 {
		t.Errorf("expected max chain 2, got %d", max)
	}
}

// --- FileStore ---

func newFileStore(t *testing.T, columns []string) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "portfolio.json"), filepath.Join(dir, "ledger.csv"), columns)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return fs, dir
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, _ := newFileStore(t, nil)

	if _, err := fs.LoadSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := fs.Commit(ctx, sampleSnapshot(), sampleEntries()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, err := fs.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.Cash.Equal(d(478400)) || snap.NextChainID != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Holdings) != 1 || !snap.Holdings[0].AverageOpenPrice.Equal(d(90)) {
		t.Errorf("unexpected holdings: %+v", snap.Holdings)
	}

	entries, err := fs.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	opt := entries[1]
	if !opt.Strike.Equal(d(110)) || opt.Expiry.IsZero() || opt.OrderType != model.SellToOpen {
		t.Errorf("option row did not round trip: %+v", opt)
	}
	if !opt.Multiplier.Equal(d(100)) || !opt.Quantity.Equal(d(-1)) {
		t.Errorf("option quantity/multiplier lost: %+v", opt)
	}
}

func TestFileStore_AppendsWithSingleHeader(t *testing.T) {
	ctx := context.Background()
	fs, dir := newFileStore(t, nil)

	for i := 0; i < 3; i++ {
		if err := fs.Commit(ctx, sampleSnapshot(), sampleEntries()); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "ledger.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(raw), "transaction_id"); n != 1 {
		t.Errorf("expected a single header line, found %d", n)
	}
	entries, _ := fs.Entries(ctx, 1)
	if len(entries) != 3 {
		t.Errorf("expected 3 chain-1 rows, got %d", len(entries))
	}
	if max, _ := fs.MaxChainID(ctx); max != 2 {
		t.Errorf("expected max chain 2, got %d", max)
	}
}

func TestFileStore_ColumnProjection(t *testing.T) {
	ctx := context.Background()
	cols := []string{"chainid", "symbol", "quantity", "price"}
	fs, dir := newFileStore(t, cols)

	if err := fs.Commit(ctx, sampleSnapshot(), sampleEntries()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(dir, "ledger.csv"))
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if lines[0] != "chainid,symbol,quantity,price" {
		t.Errorf("unexpected header %q", lines[0])
	}
	if lines[1] != "1,XYZ,120,100" {
		t.Errorf("unexpected first row %q", lines[1])
	}

	entries, err := fs.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("entries from projected file: %v", err)
	}
	if len(entries) != 2 || entries[0].Symbol != "XYZ" || !entries[0].Multiplier.IsZero() {
		t.Errorf("expected projected rows with omitted fields zeroed, got %+v", entries)
	}
}

func TestFileStore_RejectsUnknownColumn(t *testing.T) {
	_, err := NewFileStore("a.json", "b.csv", []string{"symbol", "colour"})
	if !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestFileStore_HeaderMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ledger := filepath.Join(dir, "ledger.csv")
	if err := os.WriteFile(ledger, []byte("symbol,quantity\nXYZ,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs, err := NewFileStore(filepath.Join(dir, "p.json"), ledger, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = fs.Commit(ctx, sampleSnapshot(), sampleEntries())
	if !errors.Is(err, ErrColumnMismatch) {
		t.Fatalf("expected ErrColumnMismatch, got %v", err)
	}
	if _, err := fs.LoadSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot written despite failed commit: %v", err)
	}
}

func TestFileStore_EmptyCommitWritesSnapshotOnly(t *testing.T) {
	ctx := context.Background()
	fs, dir := newFileStore(t, nil)

	if err := fs.Commit(ctx, sampleSnapshot(), nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	entries, err := fs.Entries(ctx, 0)
	if err != nil || len(entries) != 0 {
		t.Errorf("expected no entries, got %v (%v)", entries, err)
	}
	info, err := os.Stat(filepath.Join(dir, "ledger.csv"))
	if err != nil || info.Size() != 0 {
		t.Errorf("expected empty ledger file, got %v (%v)", info, err)
	}
}
