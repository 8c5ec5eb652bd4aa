package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// OrderIDKey is the Meta key carrying the simulated order id.
const OrderIDKey = "order_id"

var tenThousand = decimal.NewFromInt(10000)

// Simulator is an in-process brokerage for back-testing. It fills every
// leg at its limit price moved against the trader by SlippageBps.
type Simulator struct {
	mu          sync.Mutex
	holdings    []model.Asset
	slippageBps decimal.Decimal
	failure     string
	orders      []model.Transaction
}

// SimOption customises a Simulator.
type SimOption func(*Simulator)

// WithSlippage sets adverse slippage in basis points.
func WithSlippage(bps decimal.Decimal) SimOption {
	return func(s *Simulator) { s.slippageBps = bps }
}

// WithHoldings sets the holdings reported by FetchHoldings.
func WithHoldings(holdings []model.Asset) SimOption {
	return func(s *Simulator) {
		s.holdings = make([]model.Asset, len(holdings))
		for i, h := range holdings {
			s.holdings[i] = h.Clone()
		}
	}
}

// NewSimulator creates a simulator with no slippage and no holdings.
func NewSimulator(opts ...SimOption) *Simulator {
	s := &Simulator{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) Name() string { return "simulator" }

// FetchHoldings returns copies of the configured holdings.
func (s *Simulator) FetchHoldings(_ context.Context) ([]model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Asset, len(s.holdings))
	for i, h := range s.holdings {
		out[i] = h.Clone()
	}
	return out, nil
}

// ExecuteTransaction fills tx or, when a failure is armed, rejects it with
// the armed message.
func (s *Simulator) ExecuteTransaction(ctx context.Context, tx model.Transaction) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != "" {
		return Failed(s.failure), nil
	}

	prices := make(map[string]decimal.Decimal, len(tx.Legs))
	for _, leg := range tx.Legs {
		prices[leg.Symbol] = s.fillPrice(leg)
	}
	s.orders = append(s.orders, *tx.Clone())

	return Result{
		Success: true,
		Prices:  prices,
		Meta:    map[string]string{OrderIDKey: "SIM-" + uuid.New().String()},
	}, nil
}

// Fail arms a rejection for every following order until Recover.
func (s *Simulator) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = msg
}

// Recover clears an armed rejection.
func (s *Simulator) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = ""
}

// Orders returns the transactions filled so far.
func (s *Simulator) Orders() []model.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Transaction(nil), s.orders...)
}

// fillPrice moves buys up and sells down by the slippage.
func (s *Simulator) fillPrice(leg model.Asset) decimal.Decimal {
	if s.slippageBps.IsZero() {
		return leg.Price
	}
	adj := leg.Price.Mul(s.slippageBps).Div(tenThousand)
	if leg.Quantity.IsNegative() {
		adj = adj.Neg()
	}
	return decimal.Max(decimal.Zero, leg.Price.Add(adj)).Round(4)
}
