package portfolio

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/broker"
	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/correlation"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithInitialCash sets the cash balance used when the store has no snapshot.
func WithInitialCash(cash decimal.Decimal) Option {
	return func(m *Manager) { m.initialCash = cash }
}

// WithFundsCheck rejects transactions whose cost exceeds the cash balance.
func WithFundsCheck(enabled bool) Option {
	return func(m *Manager) { m.checkFunds = enabled }
}

// WithLimiter enforces position limits on every transaction.
func WithLimiter(l *correlation.PositionLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithChainPolicy sets the multi-chain tie-break. Defaults to
// chain.LowestChainID.
func WithChainPolicy(p chain.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithMargin replaces the default margin calculator.
func WithMargin(c *valuation.MarginCalculator) Option {
	return func(m *Manager) { m.margin = c }
}

// WithExecution routes every transaction through a's executor before it is
// committed. New fails if a cannot execute transactions.
func WithExecution(a broker.Adapter) Option {
	return func(m *Manager) { m.execAdapter = a }
}

// WithBrokerHoldings seeds the book from a's holdings instead of the
// persisted snapshot. New fails if a cannot fetch holdings.
func WithBrokerHoldings(a broker.Adapter) Option {
	return func(m *Manager) { m.seedAdapter = a }
}

// WithListener registers a callback for committed events.
func WithListener(fn func(Event)) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, fn) }
}

// WithClock overrides time.Now for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}
