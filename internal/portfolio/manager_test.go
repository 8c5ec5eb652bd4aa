package portfolio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/broker"
	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/correlation"
	"github.com/atmx/portfolio-engine/internal/holding"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

const (
	call110 = "XYZ   250411C00110000"
	call115 = "XYZ   250418C00115000"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithInitialCash(d(500000)),
	}
	m, err := New(context.Background(), ms, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, ms
}

func leg(t *testing.T, symbol string, qty, price float64) model.Asset {
	t.Helper()
	a, err := model.NewLeg(symbol, d(qty), d(price))
	if err != nil {
		t.Fatalf("leg %s: %v", symbol, err)
	}
	return a
}

func txn(legs ...model.Asset) *model.Transaction {
	return &model.Transaction{Legs: legs}
}

func mustHolding(t *testing.T, m *Manager, symbol string) model.Asset {
	t.Helper()
	found, err := m.FindHoldings(holding.FieldSymbol, symbol, false, nil)
	if err != nil || len(found) != 1 {
		t.Fatalf("expected one %s holding, got %v (%v)", symbol, found, err)
	}
	return found[0]
}

// --- Worked example ---

func TestScenario_OpenThenAutoAdd(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if !m.ApplyOpen(ctx, txn(leg(t, "XYZ", 120, 100))) {
		t.Fatalf("open failed: %v", m.LastError())
	}
	if got := m.Cash().StringFixed(2); got != "488000.00" {
		t.Errorf("expected cash 488000.00 after open, got %s", got)
	}

	if !m.ApplyAuto(ctx, txn(leg(t, "XYZ", 120, 80))) {
		t.Fatalf("auto failed: %v", m.LastError())
	}
	if got := m.Cash().StringFixed(2); got != "478400.00" {
		t.Errorf("expected cash 478400.00, got %s", got)
	}

	pos := mustHolding(t, m, "XYZ")
	if !pos.Quantity.Equal(d(240)) || !pos.AverageOpenPrice.Equal(d(90)) {
		t.Errorf("expected 240 @ 90, got %s @ %s", pos.Quantity, pos.AverageOpenPrice)
	}

	pnl, err := m.CalculatePnL(valuation.Prices{"XYZ": d(110)})
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if !pnl.Equal(d(4800)) {
		t.Errorf("expected PnL 4800, got %s", pnl)
	}
}

func TestMargin_LongStock(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if _, err := m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 42, 95))); err != nil {
		t.Fatal(err)
	}

	total, err := m.CalculateTotalMargin(valuation.Prices{"XYZ": d(100)})
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	if got := total.StringFixed(2); got != "2100.00" {
		t.Errorf("expected 2100.00, got %s", got)
	}

	reqs, err := m.MarginRequirements(valuation.Prices{"XYZ": d(100)})
	if err != nil || !reqs["XYZ"].Equal(d(2100)) {
		t.Errorf("expected XYZ requirement 2100, got %v (%v)", reqs, err)
	}
}

func TestValuation_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100), leg(t, call110, -1, 2.5)))

	prices := valuation.Prices{"XYZ": d(104), call110: d(3)}
	first, err1 := m.CalculatePnL(prices)
	second, err2 := m.CalculatePnL(prices)
	if err1 != nil || err2 != nil || !first.Equal(second) {
		t.Errorf("pnl not idempotent: %s (%v) vs %s (%v)", first, err1, second, err2)
	}

	m1, err1 := m.CalculateTotalMargin(prices)
	m2, err2 := m.CalculateTotalMargin(prices)
	if err1 != nil || err2 != nil || !m1.Equal(m2) {
		t.Errorf("margin not idempotent: %s (%v) vs %s (%v)", m1, err1, m2, err2)
	}
}

func TestCalculatePnL_MissingPriceNamesSymbol(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100), leg(t, "ABC", 5, 20)))

	_, err := m.CalculatePnL(valuation.Prices{"XYZ": d(101)})
	if !errors.Is(err, valuation.ErrMissingPrice) {
		t.Fatalf("expected ErrMissingPrice, got %v", err)
	}
	var mp *valuation.MissingPriceError
	if !errors.As(err, &mp) || mp.Symbol != "ABC" {
		t.Errorf("expected missing symbol ABC, got %v", err)
	}
}

// --- Classification ---

func TestExecuteOpen_RejectsReductions(t *testing.T) {
	ctx := context.Background()
	m, ms := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))

	tests := []struct {
		name string
		qty  float64
		want error
	}{
		{"partial close", -5, ErrValidation},
		{"full close", -10, ErrValidation},
		{"reversal", -15, ErrReversalRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ExecuteOpen(ctx, txn(leg(t, "XYZ", tt.qty, 100)))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if pos := mustHolding(t, m, "XYZ"); !pos.Quantity.Equal(d(10)) {
		t.Errorf("position changed by rejected opens: %s", pos.Quantity)
	}
	if entries, _ := ms.Entries(ctx, 0); len(entries) != 1 {
		t.Errorf("expected only the opening ledger row, got %d", len(entries))
	}
}

func TestExecuteOpen_StampsOrderTypes(t *testing.T) {
	m, _ := newTestManager(t)

	rcpt, err := m.ExecuteOpen(context.Background(), txn(leg(t, "XYZ", 100, 50), leg(t, call110, -1, 2)))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Legs[0].OrderType != model.BuyToOpen || rcpt.Legs[1].OrderType != model.SellToOpen {
		t.Errorf("unexpected order types: %s, %s", rcpt.Legs[0].OrderType, rcpt.Legs[1].OrderType)
	}
	if !rcpt.CashDelta.Equal(d(-4800)) {
		t.Errorf("expected cash delta -4800, got %s", rcpt.CashDelta)
	}
	if !rcpt.NewChain || rcpt.Transaction.ChainID != 1 {
		t.Errorf("expected new chain 1, got %d (new=%v)", rcpt.Transaction.ChainID, rcpt.NewChain)
	}
}

func TestExecuteClose(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		qty  float64
		want error
	}{
		{"no holding", 0, ErrValidation},
		{"adds instead", 5, ErrValidation},
		{"over-close", -15, ErrReversalRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			symbol := "XYZ"
			if tt.qty == 0 {
				symbol, tt.qty = "ABC", -1
			}
			m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))
			cash := m.Cash()

			_, err := m.ExecuteClose(ctx, txn(leg(t, symbol, tt.qty, 100)))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !m.Cash().Equal(cash) {
				t.Errorf("cash changed on failed close: %s", m.Cash())
			}
		})
	}
}

func TestExecuteClose_PartialThenFull(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))

	rcpt, err := m.ExecuteClose(ctx, txn(leg(t, "XYZ", -4, 110)))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Legs[0].OrderType != model.SellToClose {
		t.Errorf("expected Sell to Close, got %s", rcpt.Legs[0].OrderType)
	}
	if !rcpt.RealizedPnL.Equal(d(40)) {
		t.Errorf("expected realized 40, got %s", rcpt.RealizedPnL)
	}
	if pos := mustHolding(t, m, "XYZ"); !pos.AverageOpenPrice.Equal(d(100)) {
		t.Errorf("partial close moved the average: %s", pos.AverageOpenPrice)
	}

	if _, err := m.ExecuteClose(ctx, txn(leg(t, "XYZ", -6, 90))); err != nil {
		t.Fatal(err)
	}
	if len(m.Holdings()) != 0 {
		t.Errorf("expected book empty after full close, got %v", m.Holdings())
	}
	if !m.RealizedPnL().Equal(d(-20)) {
		t.Errorf("expected cumulative realized -20, got %s", m.RealizedPnL())
	}
}

func TestOpenThenClose_NetsCash(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if !m.ApplyOpen(ctx, txn(leg(t, call110, -3, 2.5))) {
		t.Fatal(m.LastError())
	}
	if !m.ApplyClose(ctx, txn(leg(t, call110, 3, 2.5))) {
		t.Fatal(m.LastError())
	}
	if !m.Cash().Equal(d(500000)) {
		t.Errorf("expected cash back to 500000, got %s", m.Cash())
	}
	if len(m.Holdings()) != 0 {
		t.Errorf("expected no holdings, got %d", len(m.Holdings()))
	}
}

func TestExecuteAuto_OverCloseReverses(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteAuto(ctx, txn(leg(t, "XYZ", 10, 100)))

	rcpt, err := m.ExecuteAuto(ctx, txn(leg(t, "XYZ", -15, 110)))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Legs[0].Outcome != holding.Reversal.String() || rcpt.Legs[0].OrderType != model.SellToClose {
		t.Errorf("expected reversal / Sell to Close, got %s / %s", rcpt.Legs[0].Outcome, rcpt.Legs[0].OrderType)
	}
	if !rcpt.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized 100, got %s", rcpt.RealizedPnL)
	}

	pos := mustHolding(t, m, "XYZ")
	if !pos.Quantity.Equal(d(-5)) || !pos.AverageOpenPrice.Equal(d(110)) {
		t.Errorf("expected -5 @ 110, got %s @ %s", pos.Quantity, pos.AverageOpenPrice)
	}
	if pos.ChainID != 1 || pos.RollCount != 1 {
		t.Errorf("expected chain 1 roll 1 after reversal, got %d/%d", pos.ChainID, pos.RollCount)
	}
}

func TestExecuteAuto_LegsSeeEachOther(t *testing.T) {
	m, _ := newTestManager(t)

	rcpt, err := m.ExecuteAuto(context.Background(), txn(leg(t, "XYZ", 10, 100), leg(t, "XYZ", -10, 105)))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Legs[1].Outcome != holding.FullClose.String() {
		t.Errorf("second leg should close the first, got %s", rcpt.Legs[1].Outcome)
	}
	if len(m.Holdings()) != 0 || !m.Cash().Equal(d(500050)) {
		t.Errorf("expected flat book and cash 500050, got %d holdings, cash %s", len(m.Holdings()), m.Cash())
	}
}

// --- Chains ---

func TestChain_PropagationAndNonReuse(t *testing.T) {
	ctx := context.Background()
	m, ms := newTestManager(t)

	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))
	first := mustHolding(t, m, "XYZ").ChainID

	m.ExecuteClose(ctx, txn(leg(t, "XYZ", -4, 100)))
	if got := mustHolding(t, m, "XYZ").ChainID; got != first {
		t.Errorf("partial close changed chain %d → %d", first, got)
	}

	m.ExecuteClose(ctx, txn(leg(t, "XYZ", -6, 100)))
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 1, 100)))
	if got := mustHolding(t, m, "XYZ").ChainID; got == first {
		t.Errorf("reopened symbol reused retired chain %d", first)
	}

	history, err := m.ChainHistory(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("expected 3 rows in retired chain, got %d", len(history))
	}
	if all, _ := ms.Entries(ctx, 0); len(all) != 4 {
		t.Errorf("expected 4 ledger rows, got %d", len(all))
	}
}

func TestRoll_KeepsChainAndIncrementsRollCount(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, call110, -1, 2.5)))

	rcpt, err := m.ExecuteRoll(ctx, txn(leg(t, call110, 1, 1), leg(t, call115, -1, 2)))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Transaction.ChainID != 1 || rcpt.Transaction.RollCount != 1 || rcpt.NewChain {
		t.Errorf("expected chain 1 roll 1, got %d/%d (new=%v)",
			rcpt.Transaction.ChainID, rcpt.Transaction.RollCount, rcpt.NewChain)
	}
	if rcpt.Legs[0].OrderType != model.BuyToClose || rcpt.Legs[1].OrderType != model.SellToOpen {
		t.Errorf("unexpected order types %s, %s", rcpt.Legs[0].OrderType, rcpt.Legs[1].OrderType)
	}

	pos := mustHolding(t, m, call115)
	if pos.ChainID != 1 || pos.RollCount != 1 {
		t.Errorf("rolled position on chain %d roll %d", pos.ChainID, pos.RollCount)
	}
	if !m.Cash().Equal(d(500350)) {
		t.Errorf("expected cash 500350, got %s", m.Cash())
	}

	// Roll again: count keeps climbing on the same chain.
	rcpt, err = m.ExecuteRoll(ctx, txn(leg(t, call115, 1, 1), leg(t, call110, -1, 1.5)))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Transaction.ChainID != 1 || rcpt.Transaction.RollCount != 2 {
		t.Errorf("expected chain 1 roll 2, got %d/%d", rcpt.Transaction.ChainID, rcpt.Transaction.RollCount)
	}
}

func TestRoll_OverCloseReverses(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))

	if _, err := m.ExecuteRoll(ctx, txn(leg(t, "XYZ", -15, 100))); err != nil {
		t.Fatalf("roll should allow reversal, got %v", err)
	}
	if pos := mustHolding(t, m, "XYZ"); !pos.Quantity.Equal(d(-5)) {
		t.Errorf("expected -5, got %s", pos.Quantity)
	}
}

func TestRoll_MissingHolding(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.ExecuteRoll(context.Background(), txn(leg(t, call115, -1, 2)))
	if !errors.Is(err, ErrMissingHoldingForRoll) {
		t.Errorf("expected ErrMissingHoldingForRoll, got %v", err)
	}
	if m.ApplyRoll(context.Background(), txn(leg(t, call115, -1, 2))) {
		t.Error("ApplyRoll reported success")
	}
	if !errors.Is(m.LastError(), ErrMissingHoldingForRoll) {
		t.Errorf("LastError not recorded: %v", m.LastError())
	}
}

// Multi-chain rolls resolve to the lowest chain id. This is the chosen
// default; WithChainPolicy overrides it.
func TestRoll_MultiChainTieBreakDefaultsToLowest(t *testing.T) {
	tests := []struct {
		name   string
		policy chain.Policy
		want   int64
	}{
		{"default lowest", nil, 1},
		{"highest policy", chain.HighestChainID, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, _ := newTestManager(t, WithChainPolicy(tt.policy))
			m.ExecuteOpen(ctx, txn(leg(t, "AAA", 10, 10)))
			m.ExecuteOpen(ctx, txn(leg(t, "BBB", 10, 10)))

			rcpt, err := m.ExecuteRoll(ctx, txn(
				leg(t, "BBB", -5, 11),
				leg(t, "AAA", -5, 12),
				leg(t, "CCC", 1, 5),
			))
			if err != nil {
				t.Fatal(err)
			}
			if rcpt.Transaction.ChainID != tt.want {
				t.Errorf("expected chain %d, got %d", tt.want, rcpt.Transaction.ChainID)
			}
			for _, h := range m.Holdings() {
				if h.ChainID != tt.want || h.RollCount != 1 {
					t.Errorf("%s on chain %d roll %d, want chain %d roll 1", h.Symbol, h.ChainID, h.RollCount, tt.want)
				}
			}
		})
	}
}

func TestRequestedChain(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 100, 50)))

	tx := txn(leg(t, call110, -1, 2))
	tx.ChainID = 1
	if _, err := m.ExecuteOpen(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if got := mustHolding(t, m, call110).ChainID; got != 1 {
		t.Errorf("expected covered call on chain 1, got %d", got)
	}

	tx = txn(leg(t, "ABC", 1, 1))
	tx.ChainID = 99
	if _, err := m.ExecuteOpen(ctx, tx); !errors.Is(err, ErrValidation) {
		t.Errorf("expected unknown chain to fail validation, got %v", err)
	}
}

func TestLegChainIDsIgnored(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	first := leg(t, "XYZ", 10, 100)
	first.ChainID, first.RollCount = 99, 4
	rcpt, err := m.ExecuteOpen(ctx, txn(first, leg(t, "XYZ", 5, 100)))
	if err != nil {
		t.Fatal(err)
	}
	if !rcpt.NewChain || rcpt.Transaction.ChainID != 1 || rcpt.Transaction.RollCount != 0 {
		t.Errorf("expected fresh chain 1 roll 0, got chain %d roll %d new=%v",
			rcpt.Transaction.ChainID, rcpt.Transaction.RollCount, rcpt.NewChain)
	}
	if got := mustHolding(t, m, "XYZ"); got.ChainID != 1 || got.RollCount != 0 {
		t.Errorf("expected XYZ on chain 1 roll 0, got %d/%d", got.ChainID, got.RollCount)
	}

	m.ExecuteOpen(ctx, txn(leg(t, "ABC", 1, 10)))
	if got := mustHolding(t, m, "ABC").ChainID; got != 2 {
		t.Errorf("expected ABC on chain 2, got %d", got)
	}
}

func TestRequestedChain_CheckedWhenLegsMatch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))
	m.ExecuteOpen(ctx, txn(leg(t, "ABC", 10, 10)))
	m.ExecuteClose(ctx, txn(leg(t, "ABC", -10, 10)))

	tx := txn(leg(t, "XYZ", 5, 100))
	tx.ChainID = 2
	if _, err := m.ExecuteOpen(ctx, tx); !errors.Is(err, ErrValidation) {
		t.Errorf("expected retired chain to fail validation, got %v", err)
	}
	if got := mustHolding(t, m, "XYZ").Quantity; !got.Equal(d(10)) {
		t.Errorf("rejected transaction changed XYZ to %s", got)
	}
}

func TestMultiLegFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	m, ms := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))

	if _, err := m.ExecuteOpen(ctx, txn(leg(t, "ABC", 5, 10), leg(t, "XYZ", -3, 100))); err == nil {
		t.Fatal("expected open with a reducing leg to fail")
	}
	if n := len(m.Holdings()); n != 1 {
		t.Errorf("expected 1 holding, got %d", n)
	}
	if !m.Cash().Equal(d(499000)) {
		t.Errorf("expected cash 499000, got %s", m.Cash())
	}
	if entries, _ := ms.Entries(ctx, 0); len(entries) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(entries))
	}
}

func TestUpdateCash_NeverOverdrawsWithoutFundsCheck(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, WithInitialCash(d(1000)))

	if _, err := m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 20, 100))); err != nil {
		t.Fatalf("trade without funds check: %v", err)
	}
	if !m.Cash().Equal(d(-1000)) {
		t.Fatalf("expected cash -1000, got %s", m.Cash())
	}
	if _, err := m.UpdateCash(ctx, d(-1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected withdrawal rejected, got %v", err)
	}
	if _, err := m.UpdateCash(ctx, d(1500)); err != nil {
		t.Errorf("deposit: %v", err)
	}
}

func TestNew_ResumesChainCounter(t *testing.T) {
	ctx := context.Background()
	m, ms := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))
	m.ExecuteClose(ctx, txn(leg(t, "XYZ", -10, 100)))
	m.ExecuteOpen(ctx, txn(leg(t, "ABC", 1, 10)))

	reloaded, err := New(ctx, ms, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Cash().Equal(m.Cash()) {
		t.Errorf("cash not restored: %s vs %s", reloaded.Cash(), m.Cash())
	}
	if got := mustHolding(t, reloaded, "ABC").ChainID; got != 2 {
		t.Errorf("expected ABC on chain 2, got %d", got)
	}

	reloaded.ExecuteOpen(ctx, txn(leg(t, "XYZ", 1, 100)))
	if got := mustHolding(t, reloaded, "XYZ").ChainID; got != 3 {
		t.Errorf("expected fresh chain 3 after reload, got %d", got)
	}
}

// --- Checks ---

func TestValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tx   *model.Transaction
	}{
		{"nil", nil},
		{"no legs", txn()},
		{"zero quantity", txn(model.NewStock("XYZ", decimal.Zero, d(1)))},
		{"negative price", txn(model.NewStock("XYZ", d(1), d(-1)))},
		{"cash leg", txn(model.NewCash(d(100)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ExecuteAuto(ctx, tt.tx); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestFundsCheck(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, WithInitialCash(d(1000)), WithFundsCheck(true))

	_, err := m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 20, 100)))
	if !errors.Is(err, ErrInsufficientFunds) || !errors.Is(err, ErrValidation) {
		t.Errorf("expected insufficient funds validation error, got %v", err)
	}

	// Selling to open brings cash in and is never blocked.
	if _, err := m.ExecuteOpen(ctx, txn(leg(t, call110, -10, 2))); err != nil {
		t.Errorf("credit trade rejected: %v", err)
	}
}

func TestPositionLimits(t *testing.T) {
	ctx := context.Background()
	limiter := correlation.NewPositionLimiter(d(100), d(250), nil)
	m, _ := newTestManager(t, WithLimiter(limiter))

	_, err := m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 150, 10)))
	if !errors.Is(err, ErrValidation) || !errors.Is(err, correlation.ErrPerSymbolLimitExceeded) {
		t.Errorf("expected per-symbol breach, got %v", err)
	}

	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 100, 10)))
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ   250411P00100000", -1, 1)))

	// 100 shares + 100 put exposure + 100 call exposure > 250.
	_, err = m.ExecuteOpen(ctx, txn(leg(t, call110, -1, 1)))
	if !errors.Is(err, correlation.ErrCorrelatedLimitExceeded) {
		t.Errorf("expected correlated breach, got %v", err)
	}

	// Reducing is always allowed.
	if _, err := m.ExecuteClose(ctx, txn(leg(t, "XYZ", -50, 10))); err != nil {
		t.Errorf("reduction blocked: %v", err)
	}
}

// --- Cash ---

func TestUpdateCash(t *testing.T) {
	ctx := context.Background()
	m, ms := newTestManager(t, WithInitialCash(decimal.Zero))

	cash, err := m.UpdateCash(ctx, d(1000))
	if err != nil || !cash.Equal(d(1000)) {
		t.Fatalf("deposit: %s, %v", cash, err)
	}
	if _, err := m.UpdateCash(ctx, d(-1500)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected overdraft rejected, got %v", err)
	}
	if _, err := m.UpdateCash(ctx, decimal.Zero); !errors.Is(err, ErrValidation) {
		t.Errorf("expected zero delta rejected, got %v", err)
	}
	if cash, _ := m.UpdateCash(ctx, d(-400)); !cash.Equal(d(600)) {
		t.Errorf("expected 600 after withdrawal, got %s", cash)
	}

	entries, _ := ms.Entries(ctx, 0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 cash rows, got %d", len(entries))
	}
	if entries[1].Symbol != model.CashSymbol || entries[1].ChainID != 0 || !entries[1].Quantity.Equal(d(-400)) {
		t.Errorf("unexpected cash row %+v", entries[1])
	}
}

// --- Broker ---

type quoteOnly struct{}

func (quoteOnly) Name() string { return "quote-only" }

func TestNew_MissingCapability(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		op   string
	}{
		{"execution", WithExecution(quoteOnly{}), "ExecuteTransaction"},
		{"holdings", WithBrokerHoldings(quoteOnly{}), "FetchHoldings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), store.NewMemoryStore(), tt.opt)
			if !errors.Is(err, broker.ErrAdapterFailure) || !errors.Is(err, broker.ErrCapabilityMissing) {
				t.Fatalf("expected missing capability adapter failure, got %v", err)
			}
			var ae *broker.AdapterError
			if !errors.As(err, &ae) || ae.Adapter != "quote-only" || ae.Op != tt.op {
				t.Errorf("expected quote-only.%s, got %v", tt.op, err)
			}
		})
	}
}

func TestBrokerFailure_LeavesNoState(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimulator()
	m, ms := newTestManager(t, WithExecution(sim))
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))
	before := m.Snapshot()

	sim.Fail("market closed")
	_, err := m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100), leg(t, "ABC", 5, 20)))
	if !errors.Is(err, broker.ErrAdapterFailure) {
		t.Fatalf("expected adapter failure, got %v", err)
	}
	var ae *broker.AdapterError
	if !errors.As(err, &ae) || ae.Adapter != "simulator" || ae.Message != "market closed" {
		t.Errorf("adapter error lost its origin: %v", err)
	}

	after := m.Snapshot()
	if !after.Cash.Equal(before.Cash) || len(after.Holdings) != 1 || after.NextChainID != before.NextChainID {
		t.Errorf("state changed by rejected transaction: %+v", after)
	}
	if entries, _ := ms.Entries(ctx, 0); len(entries) != 1 {
		t.Errorf("ledger changed by rejected transaction: %d rows", len(entries))
	}

	sim.Recover()
	if !m.ApplyOpen(ctx, txn(leg(t, "ABC", 5, 20))) {
		t.Errorf("open after recover failed: %v", m.LastError())
	}
	if got := mustHolding(t, m, "ABC").ChainID; got != 2 {
		t.Errorf("failed transaction consumed a chain id: ABC on %d", got)
	}
}

func TestBrokerFillPricesReplaceLegPrices(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSimulator(broker.WithSlippage(d(100)))
	m, _ := newTestManager(t, WithExecution(sim))

	rcpt, err := m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 10, 100)))
	if err != nil {
		t.Fatal(err)
	}
	if !rcpt.Legs[0].Price.Equal(d(101)) {
		t.Errorf("expected fill 101, got %s", rcpt.Legs[0].Price)
	}
	if !m.Cash().Equal(d(498990)) {
		t.Errorf("expected cash 498990, got %s", m.Cash())
	}
	if rcpt.Meta[broker.OrderIDKey] == "" {
		t.Error("expected broker order id in receipt meta")
	}
	if orders := sim.Orders(); len(orders) != 1 || orders[0].Legs[0].OrderType != model.BuyToOpen {
		t.Errorf("broker should see classified legs, got %+v", orders)
	}
}

func TestNew_SeedsFromBrokerHoldings(t *testing.T) {
	ctx := context.Background()
	seed := []model.Asset{
		leg(t, "XYZ", 100, 50),
		leg(t, call110, -1, 2),
	}
	seed[0].AverageOpenPrice = d(50)
	seed[1].AverageOpenPrice = d(2)
	sim := broker.NewSimulator(broker.WithHoldings(seed))

	m, _ := newTestManager(t, WithBrokerHoldings(sim))
	holdings := m.Holdings()
	if len(holdings) != 2 {
		t.Fatalf("expected 2 seeded holdings, got %d", len(holdings))
	}
	if holdings[0].ChainID == 0 || holdings[0].ChainID == holdings[1].ChainID {
		t.Errorf("seeded holdings need distinct chains, got %d and %d", holdings[0].ChainID, holdings[1].ChainID)
	}

	if _, err := m.ExecuteClose(ctx, txn(leg(t, call110, 1, 1))); err != nil {
		t.Errorf("close of seeded holding failed: %v", err)
	}
}

// --- Queries ---

func TestFindHoldings(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 100, 50), leg(t, call110, -1, 2)))
	m.ExecuteOpen(ctx, txn(leg(t, "ABC", 10, 10)))

	opts, err := m.FindHoldings(holding.FieldAssetType, "S", true, nil)
	if err != nil || len(opts) != 1 || opts[0].Symbol != call110 {
		t.Errorf("expected the call only, got %v (%v)", opts, err)
	}

	xyz, _ := m.FindHoldings(holding.FieldUnderlying, "XYZ", false, nil)
	chain1, _ := m.FindHoldings(holding.FieldChainID, "1", false, xyz)
	if len(chain1) != 2 {
		t.Errorf("expected 2 XYZ holdings on chain 1, got %d", len(chain1))
	}

	none, err := m.FindHoldings(holding.FieldSymbol, "QQQ", false, nil)
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil result, got %v (%v)", none, err)
	}

	if _, err := m.FindHoldings("colour", "red", false, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected unknown field rejected, got %v", err)
	}
}

func TestListenerReceivesEvents(t *testing.T) {
	ctx := context.Background()
	var got []Event
	m, _ := newTestManager(t, WithListener(func(ev Event) { got = append(got, ev) }))

	m.UpdateCash(ctx, d(100))
	m.ExecuteOpen(ctx, txn(leg(t, "XYZ", 1, 10)))
	m.ExecuteClose(ctx, txn(leg(t, "ABC", -1, 10))) // rejected, no event

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventCashUpdated || !got[0].Delta.Equal(d(100)) {
		t.Errorf("unexpected first event %+v", got[0])
	}
	if got[1].Type != EventTransactionExecuted || got[1].Receipt == nil {
		t.Errorf("unexpected second event %+v", got[1])
	}
}
