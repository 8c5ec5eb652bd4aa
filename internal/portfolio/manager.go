// Package portfolio implements the portfolio manager: it classifies
// transaction legs against the holding book, keeps cash and chain lineage
// in step, and commits each transaction atomically.
//
// All monetary values use shopspring/decimal, never float64.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/broker"
	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/correlation"
	"github.com/atmx/portfolio-engine/internal/holding"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

var (
	// ErrValidation is returned when a leg's direction does not fit the
	// requested operation, or the transaction is otherwise malformed.
	ErrValidation = errors.New("portfolio: validation failed")

	// ErrReversalRejected is returned when an open or close would flip a
	// position's sign.
	ErrReversalRejected = errors.New("portfolio: reversal rejected")

	// ErrMissingHoldingForRoll is returned when no roll leg matches a holding.
	ErrMissingHoldingForRoll = errors.New("portfolio: roll matches no holding")

	// ErrInsufficientFunds is a validation failure: the cost exceeds cash.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient cash", ErrValidation)
)

// Event types published to listeners.
const (
	EventTransactionExecuted = "transaction_executed"
	EventCashUpdated         = "cash_updated"
)

// Event is published after a successful commit.
type Event struct {
	Type    string
	Receipt *Receipt        // set for transaction_executed
	Delta   decimal.Decimal // set for cash_updated
	Cash    decimal.Decimal
}

// LegResult is what one leg did.
type LegResult struct {
	Symbol      string          `json:"symbol"`
	Outcome     string          `json:"outcome"`
	OrderType   model.OrderType `json:"order_type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Position    *model.Asset    `json:"position,omitempty"` // nil when closed
}

// Receipt describes a committed transaction.
type Receipt struct {
	Kind        model.LedgerKind   `json:"kind"`
	Transaction *model.Transaction `json:"transaction"`
	Legs        []LegResult        `json:"legs"`
	NewChain    bool               `json:"new_chain"`
	CashDelta   decimal.Decimal    `json:"cash_delta"`
	RealizedPnL decimal.Decimal    `json:"realized_pnl"`
	Cash        decimal.Decimal    `json:"cash"`
	Meta        map[string]string  `json:"meta,omitempty"`
}

// Manager owns one portfolio: holdings, cash, and chain lineage. Every
// call is serialised by a single mutex; the broker call happens under it.
type Manager struct {
	mu sync.Mutex

	store    store.Store
	log      *slog.Logger
	book     *holding.Book
	chains   *chain.Tracker
	cash     decimal.Decimal
	realized decimal.Decimal
	lastErr  error

	initialCash decimal.Decimal
	checkFunds  bool
	limiter     *correlation.PositionLimiter
	margin      *valuation.MarginCalculator
	policy      chain.Policy
	execAdapter broker.Adapter
	seedAdapter broker.Adapter
	executor    broker.TransactionExecutor
	listeners   []func(Event)
	now         func() time.Time
}

// New loads the portfolio from st. Requested broker capabilities are
// checked here; a missing one is an AdapterFailure.
func New(ctx context.Context, st store.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  st,
		log:    slog.Default(),
		margin: valuation.NewMarginCalculator(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	var fetcher broker.HoldingsFetcher
	if m.seedAdapter != nil {
		f, err := broker.RequireFetcher(m.seedAdapter)
		if err != nil {
			return nil, err
		}
		fetcher = f
	}
	if m.execAdapter != nil {
		e, err := broker.RequireExecutor(m.execAdapter)
		if err != nil {
			return nil, err
		}
		m.executor = e
	}

	snap, err := st.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		snap = &model.Snapshot{Cash: m.initialCash}
	case err != nil:
		return nil, fmt.Errorf("portfolio: load snapshot: %w", err)
	}

	floor, err := st.MaxChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: max chain id: %w", err)
	}
	if snap.NextChainID-1 > floor {
		floor = snap.NextChainID - 1
	}

	holdings := snap.Holdings
	if fetcher != nil {
		holdings, err = broker.Fetch(ctx, fetcher)
		if err != nil {
			return nil, err
		}
	}

	m.chains = chain.NewTracker(m.policy)
	book, err := holding.FromHoldings(m.chains.Seed(holdings, floor))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	m.book = book
	m.cash = snap.Cash
	m.realized = snap.RealizedPnL

	m.log.Info("portfolio loaded",
		"cash", m.cash.String(),
		"holdings", m.book.Len(),
		"open_chains", m.chains.OpenChains(),
		"next_chain", m.chains.Next(),
	)
	m.observeState()
	return m, nil
}

// --- Transactions ---

// ExecuteOpen requires every leg to open or add to a position.
func (m *Manager) ExecuteOpen(ctx context.Context, tx *model.Transaction) (*Receipt, error) {
	return m.execute(ctx, model.KindOpen, tx)
}

// ExecuteClose requires every leg to reduce or fully close a position.
func (m *Manager) ExecuteClose(ctx context.Context, tx *model.Transaction) (*Receipt, error) {
	return m.execute(ctx, model.KindClose, tx)
}

// ExecuteRoll requires at least one leg to match a holding and increments
// the chain's roll count.
func (m *Manager) ExecuteRoll(ctx context.Context, tx *model.Transaction) (*Receipt, error) {
	return m.execute(ctx, model.KindRoll, tx)
}

// ExecuteAuto applies each leg's natural outcome.
func (m *Manager) ExecuteAuto(ctx context.Context, tx *model.Transaction) (*Receipt, error) {
	return m.execute(ctx, model.KindAuto, tx)
}

// Execute dispatches on kind.
func (m *Manager) Execute(ctx context.Context, kind model.LedgerKind, tx *model.Transaction) (*Receipt, error) {
	switch kind {
	case model.KindOpen, model.KindClose, model.KindRoll, model.KindAuto:
		return m.execute(ctx, kind, tx)
	}
	return nil, fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, kind)
}

// ApplyOpen is ExecuteOpen reporting success; see LastError.
func (m *Manager) ApplyOpen(ctx context.Context, tx *model.Transaction) bool {
	_, err := m.ExecuteOpen(ctx, tx)
	return m.record(err)
}

// ApplyClose is ExecuteClose reporting success; see LastError.
func (m *Manager) ApplyClose(ctx context.Context, tx *model.Transaction) bool {
	_, err := m.ExecuteClose(ctx, tx)
	return m.record(err)
}

// ApplyRoll is ExecuteRoll reporting success; see LastError.
func (m *Manager) ApplyRoll(ctx context.Context, tx *model.Transaction) bool {
	_, err := m.ExecuteRoll(ctx, tx)
	return m.record(err)
}

// ApplyAuto is ExecuteAuto reporting success; see LastError.
func (m *Manager) ApplyAuto(ctx context.Context, tx *model.Transaction) bool {
	_, err := m.ExecuteAuto(ctx, tx)
	return m.record(err)
}

// LastError returns the failure recorded by the most recent Apply call,
// or nil if it succeeded.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) record(err error) bool {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	return err == nil
}

func (m *Manager) execute(ctx context.Context, kind model.LedgerKind, in *model.Transaction) (rcpt *Receipt, err error) {
	start := time.Now()
	defer func() {
		metrics.TransactionsTotal.WithLabelValues(string(kind), resultLabel(err)).Inc()
		metrics.TransactionLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	if in == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrValidation)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := in.Clone()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = m.now().UTC()
	}

	p, err := m.plan(kind, tx, true)
	if err != nil {
		m.log.Warn("transaction rejected", "id", tx.ID, "kind", kind, "err", err)
		return nil, err
	}

	var meta map[string]string
	if m.executor != nil {
		res, err := broker.Execute(ctx, m.executor, *p.tx)
		if err != nil {
			var ae *broker.AdapterError
			if errors.As(err, &ae) {
				metrics.AdapterFailures.WithLabelValues(ae.Adapter, ae.Op).Inc()
			}
			m.log.Error("broker rejected transaction", "id", tx.ID, "kind", kind, "err", err)
			return nil, err
		}
		meta = res.Meta
		if repriced := fill(tx, res.Prices); repriced {
			// The broker has filled; the local mirror follows its prices
			// without re-running the pre-trade checks.
			if p, err = m.plan(kind, tx, false); err != nil {
				return nil, err
			}
		}
	}

	snap := model.Snapshot{
		Cash:        p.cash,
		Holdings:    p.book.Holdings(),
		NextChainID: p.chains.Next(),
		RealizedPnL: m.realized.Add(p.realized),
		UpdatedAt:   p.tx.Timestamp,
	}
	if err := m.store.Commit(ctx, snap, p.entries); err != nil {
		m.log.Error("commit failed", "id", tx.ID, "kind", kind, "err", err)
		return nil, fmt.Errorf("portfolio: commit: %w", err)
	}

	m.book, m.chains = p.book, p.chains
	m.cash, m.realized = p.cash, snap.RealizedPnL

	rcpt = p.receipt(kind)
	rcpt.Meta = meta

	for _, leg := range rcpt.Legs {
		metrics.LegOutcomes.WithLabelValues(leg.Outcome).Inc()
	}
	m.observeState()

	m.log.Info("transaction executed",
		"id", p.tx.ID,
		"kind", kind,
		"legs", len(p.tx.Legs),
		"chain", p.tx.ChainID,
		"roll_count", p.tx.RollCount,
		"cash_delta", rcpt.CashDelta.String(),
		"realized_pnl", p.realized.String(),
		"cash", m.cash.String(),
	)
	m.publish(Event{Type: EventTransactionExecuted, Receipt: rcpt, Cash: m.cash})
	return rcpt, nil
}

// staged is a transaction planned against clones of the book and tracker.
type staged struct {
	tx       *model.Transaction
	book     *holding.Book
	chains   *chain.Tracker
	results  []holding.Result
	entries  []model.LedgerEntry
	fresh    bool
	cash     decimal.Decimal
	delta    decimal.Decimal
	realized decimal.Decimal
}

// plan classifies and applies every leg in order, resolves the chain, and
// prices the cash change. With verify, funds and position limits are
// checked too. Nothing on m is modified.
func (m *Manager) plan(kind model.LedgerKind, in *model.Transaction, verify bool) (*staged, error) {
	tx := in.Clone()
	p := &staged{
		tx:      tx,
		book:    m.book.Clone(),
		chains:  m.chains.Clone(),
		results: make([]holding.Result, len(tx.Legs)),
	}

	if kind == model.KindRoll && !m.matchesAny(tx) {
		return nil, fmt.Errorf("%w: %v", ErrMissingHoldingForRoll, tx.Symbols())
	}

	var matched []int64
	var reduces, opens bool
	for i := range tx.Legs {
		leg := &tx.Legs[i]
		if held, ok := p.book.Get(leg.Symbol); ok && held.ChainID > 0 {
			matched = append(matched, held.ChainID)
		}

		outcome := p.book.Preview(*leg)
		if err := allowed(kind, outcome); err != nil {
			return nil, fmt.Errorf("%w: leg %d %s: %s", err, i, leg.Symbol, outcome)
		}
		reduces = reduces || outcome.Reduces()
		opens = opens || outcome.Opens()

		if outcome.Opens() && !outcome.Reduces() {
			leg.OrderType = model.OpeningOrder(leg.Quantity)
		} else {
			leg.OrderType = model.ClosingOrder(leg.Quantity)
		}

		// Lineage comes from the tracker, never from the caller's leg.
		leg.ChainID, leg.RollCount = 0, 0
		res, err := p.book.Apply(*leg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		p.results[i] = res
		p.realized = p.realized.Add(res.RealizedPnL)
	}

	id, fresh, err := p.chains.Resolve(matched, tx.ChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	p.fresh = fresh

	rolls := p.chains.RollCount(id)
	for _, cid := range matched {
		rolls = max(rolls, p.chains.RollCount(cid))
	}
	if kind == model.KindRoll || (kind == model.KindAuto && reduces && opens) {
		rolls++
	}
	tx.ChainID, tx.RollCount = id, rolls

	for _, sym := range tx.Symbols() {
		if p.book.SetChain(sym, id, rolls) {
			p.chains.Bind(sym, id, rolls)
		} else {
			p.chains.Release(sym)
		}
	}
	p.chains.Prune(id)

	p.delta = tx.Cost().Neg()
	p.cash = m.cash.Add(p.delta)

	if verify {
		if err := m.verify(tx); err != nil {
			return nil, err
		}
	}

	p.entries = make([]model.LedgerEntry, len(tx.Legs))
	for i := range tx.Legs {
		leg := &tx.Legs[i]
		leg.ChainID, leg.RollCount = id, rolls
		avg := decimal.Zero
		if pos := p.results[i].Position; pos != nil {
			avg = pos.AverageOpenPrice
		}
		p.entries[i] = model.NewLedgerEntry(tx, kind, *leg, avg, p.results[i].RealizedPnL)
	}
	return p, nil
}

func (m *Manager) verify(tx *model.Transaction) error {
	if m.checkFunds {
		if cost := tx.Cost(); cost.IsPositive() && cost.GreaterThan(m.cash) {
			return fmt.Errorf("%w: cost %s, cash %s", ErrInsufficientFunds, cost, m.cash)
		}
	}
	if m.limiter != nil {
		if err := m.limiter.CheckLegs(tx.Legs, m.book.Holdings()); err != nil {
			metrics.PositionLimitRejections.Inc()
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return nil
}

func (m *Manager) matchesAny(tx *model.Transaction) bool {
	for _, leg := range tx.Legs {
		if _, ok := m.book.Get(leg.Symbol); ok {
			return true
		}
	}
	return false
}

func (p *staged) receipt(kind model.LedgerKind) *Receipt {
	r := &Receipt{
		Kind:        kind,
		Transaction: p.tx.Clone(),
		Legs:        make([]LegResult, len(p.tx.Legs)),
		NewChain:    p.fresh,
		CashDelta:   p.delta,
		RealizedPnL: p.realized,
		Cash:        p.cash,
	}
	for i, leg := range p.tx.Legs {
		lr := LegResult{
			Symbol:      leg.Symbol,
			Outcome:     p.results[i].Outcome.String(),
			OrderType:   leg.OrderType,
			Quantity:    leg.Quantity,
			Price:       leg.Price,
			RealizedPnL: p.results[i].RealizedPnL,
		}
		if pos, ok := p.book.Get(leg.Symbol); ok {
			lr.Position = &pos
		}
		r.Legs[i] = lr
	}
	return r
}

// allowed reports whether kind accepts a leg with outcome.
func allowed(kind model.LedgerKind, outcome holding.Outcome) error {
	switch kind {
	case model.KindOpen:
		switch outcome {
		case holding.Open, holding.Add:
			return nil
		case holding.Reversal:
			return ErrReversalRejected
		}
		return fmt.Errorf("%w: open would reduce an existing position", ErrValidation)
	case model.KindClose:
		switch outcome {
		case holding.PartialClose, holding.FullClose:
			return nil
		case holding.Reversal:
			return ErrReversalRejected
		case holding.Open:
			return fmt.Errorf("%w: no holding to close", ErrValidation)
		}
		return fmt.Errorf("%w: close would add to the position", ErrValidation)
	}
	return nil
}

// fill replaces leg prices with broker fill prices and reports whether any
// changed.
func fill(tx *model.Transaction, prices map[string]decimal.Decimal) bool {
	changed := false
	for i := range tx.Legs {
		px, ok := prices[tx.Legs[i].Symbol]
		if ok && !px.Equal(tx.Legs[i].Price) {
			tx.Legs[i].Price = px
			changed = true
		}
	}
	return changed
}

// --- Cash ---

// UpdateCash deposits (positive) or withdraws (negative) delta and returns
// the new balance. Zero and overdrafts are validation failures. A withdrawal
// never overdraws, even when WithFundsCheck is off and trades have already
// driven cash below zero.
func (m *Manager) UpdateCash(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: cash delta must be non-zero", ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cash.Add(delta)
	if next.IsNegative() {
		return m.cash, fmt.Errorf("%w: withdraw %s, cash %s", ErrInsufficientFunds, delta.Neg(), m.cash)
	}

	tx := &model.Transaction{ID: uuid.New().String(), Timestamp: m.now().UTC()}
	leg := model.NewCash(delta)
	entry := model.NewLedgerEntry(tx, model.KindCash, leg, leg.AverageOpenPrice, decimal.Zero)

	snap := model.Snapshot{
		Cash:        next,
		Holdings:    m.book.Holdings(),
		NextChainID: m.chains.Next(),
		RealizedPnL: m.realized,
		UpdatedAt:   tx.Timestamp,
	}
	if err := m.store.Commit(ctx, snap, []model.LedgerEntry{entry}); err != nil {
		return m.cash, fmt.Errorf("portfolio: commit: %w", err)
	}
	m.cash = next

	metrics.CashBalance.Set(m.cash.InexactFloat64())
	m.log.Info("cash updated", "id", tx.ID, "delta", delta.String(), "cash", m.cash.String())
	m.publish(Event{Type: EventCashUpdated, Delta: delta, Cash: m.cash})
	return m.cash, nil
}

// --- Queries ---

// FindHoldings filters holdings by field. A nil within searches the live
// book; otherwise only within is searched.
func (m *Manager) FindHoldings(field holding.Field, value string, exclude bool, within []model.Asset) ([]model.Asset, error) {
	if within == nil {
		within = m.Holdings()
	}
	out, err := holding.Filter(within, field, value, exclude)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return out, nil
}

// Holdings returns copies of the live positions sorted by symbol.
func (m *Manager) Holdings() []model.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.Holdings()
}

// Cash returns the cash balance.
func (m *Manager) Cash() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// RealizedPnL returns the realized PnL accumulated since the portfolio was
// created.
func (m *Manager) RealizedPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized
}

// Snapshot returns the current state in its persisted shape.
func (m *Manager) Snapshot() model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Snapshot{
		Cash:        m.cash,
		Holdings:    m.book.Holdings(),
		NextChainID: m.chains.Next(),
		RealizedPnL: m.realized,
		UpdatedAt:   m.now().UTC(),
	}
}

// ChainHistory returns the ledger rows of a chain, including retired ones.
func (m *Manager) ChainHistory(ctx context.Context, chainID int64) ([]model.LedgerEntry, error) {
	if chainID <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", ErrValidation)
	}
	return m.store.Entries(ctx, chainID)
}

// --- Valuation ---

// CalculatePnL returns the unrealized PnL of the live holdings.
func (m *Manager) CalculatePnL(prices valuation.Prices) (decimal.Decimal, error) {
	pnl, err := valuation.CalculatePnL(m.Holdings(), prices)
	if err != nil {
		metrics.ValuationErrors.WithLabelValues("pnl").Inc()
		return decimal.Zero, err
	}
	return pnl, nil
}

// Valuation returns the per-position valuation report.
func (m *Manager) Valuation(prices valuation.Prices) (*valuation.Report, error) {
	m.mu.Lock()
	holdings, cash := m.book.Holdings(), m.cash
	m.mu.Unlock()

	report, err := valuation.Value(holdings, cash, prices)
	if err != nil {
		metrics.ValuationErrors.WithLabelValues("value").Inc()
		return nil, err
	}
	return report, nil
}

// CalculateTotalMargin returns the margin requirement of all holdings.
func (m *Manager) CalculateTotalMargin(prices valuation.Prices) (decimal.Decimal, error) {
	total, err := m.margin.Total(m.marginEnv(prices))
	if err != nil {
		metrics.ValuationErrors.WithLabelValues("margin").Inc()
		return decimal.Zero, err
	}
	return total, nil
}

// MarginRequirements returns the margin requirement per holding symbol.
func (m *Manager) MarginRequirements(prices valuation.Prices) (map[string]decimal.Decimal, error) {
	reqs, err := m.margin.Requirements(m.marginEnv(prices))
	if err != nil {
		metrics.ValuationErrors.WithLabelValues("margin").Inc()
		return nil, err
	}
	return reqs, nil
}

func (m *Manager) marginEnv(prices valuation.Prices) valuation.Env {
	m.mu.Lock()
	defer m.mu.Unlock()
	return valuation.Env{Prices: prices, Cash: m.cash, Holdings: m.book.Holdings()}
}

// --- Internals ---

func (m *Manager) publish(ev Event) {
	for _, fn := range m.listeners {
		fn(ev)
	}
}

func (m *Manager) observeState() {
	metrics.CashBalance.Set(m.cash.InexactFloat64())
	metrics.OpenPositions.Set(float64(m.book.Len()))
	metrics.OpenChains.Set(float64(m.chains.OpenChains()))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReversalRejected):
		return "reversal_rejected"
	case errors.Is(err, ErrMissingHoldingForRoll):
		return "missing_holding"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, broker.ErrAdapterFailure):
		return "adapter_failure"
	}
	return "error"
}
