package valuation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var ErrNoMarginRule = errors.New("valuation: no margin rule for asset type")

// Default margin rates.
var (
	// EquityMarginRate is the Regulation T initial margin on stock.
	EquityMarginRate = decimal.NewFromFloat(0.5)
	// NakedOptionRate is the share of the underlying value held against a
	// naked short option, before out-of-the-money relief.
	NakedOptionRate = decimal.NewFromFloat(0.20)
	// NakedOptionFloorRate is the minimum share of the underlying (calls)
	// or strike (puts) held against a naked short option.
	NakedOptionFloorRate = decimal.NewFromFloat(0.10)
)

// Env is what a margin rule may consult besides the holding itself.
type Env struct {
	Prices   Prices
	Cash     decimal.Decimal
	Holdings []model.Asset
}

// Holding returns the holding for symbol.
func (e Env) Holding(symbol string) (model.Asset, bool) {
	for _, h := range e.Holdings {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return model.Asset{}, false
}

// Rule computes the margin requirement of one holding at price.
type Rule func(pos model.Asset, price decimal.Decimal, env Env) (decimal.Decimal, error)

// MarginCalculator aggregates per-asset-type rules.
type MarginCalculator struct {
	rules map[model.AssetType]Rule
}

// MarginOption customises a MarginCalculator.
type MarginOption func(*MarginCalculator)

// WithRule replaces the rule for one asset type.
func WithRule(t model.AssetType, r Rule) MarginOption {
	return func(c *MarginCalculator) { c.rules[t] = r }
}

// NewMarginCalculator creates a calculator with the default rules.
func NewMarginCalculator(opts ...MarginOption) *MarginCalculator {
	c := &MarginCalculator{rules: map[model.AssetType]Rule{
		model.AssetStock: EquityRule,
		model.AssetCall:  OptionRule,
		model.AssetPut:   OptionRule,
		model.AssetCash:  ZeroRule,
	}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Requirement returns the margin for one holding at price.
func (c *MarginCalculator) Requirement(pos model.Asset, price decimal.Decimal, env Env) (decimal.Decimal, error) {
	rule, ok := c.rules[pos.Type]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s (%s)", ErrNoMarginRule, pos.Type, pos.Symbol)
	}
	return rule(pos, price, env)
}

// Requirements returns the margin per holding symbol.
func (c *MarginCalculator) Requirements(env Env) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(env.Holdings))
	for _, h := range env.Holdings {
		price, err := env.Prices.Lookup(h.Symbol)
		if err != nil {
			return nil, err
		}
		req, err := c.Requirement(h, price, env)
		if err != nil {
			return nil, err
		}
		out[h.Symbol] = req
	}
	return out, nil
}

// Total sums the requirement over every holding.
func (c *MarginCalculator) Total(env Env) (decimal.Decimal, error) {
	reqs, err := c.Requirements(env)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range reqs {
		total = total.Add(r)
	}
	return total, nil
}

// ZeroRule requires no margin.
func ZeroRule(model.Asset, decimal.Decimal, Env) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// EquityRule is 50% of |quantity| * price * multiplier, long or short.
func EquityRule(pos model.Asset, price decimal.Decimal, _ Env) (decimal.Decimal, error) {
	return EquityMarginRate.Mul(pos.Quantity.Abs()).Mul(price).Mul(pos.Multiplier), nil
}

// OptionRule charges nothing for long options, covered calls, or
// cash-secured puts. A naked short option requires
//
//	(premium + max(20% of underlying - OTM amount, 10% of underlying or strike)) * multiplier * contracts
//
// using the underlying price from env.
func OptionRule(pos model.Asset, price decimal.Decimal, env Env) (decimal.Decimal, error) {
	if !pos.Quantity.IsNegative() {
		return decimal.Zero, nil
	}
	if pos.Option == nil {
		return decimal.Zero, fmt.Errorf("%w: %s has no contract details", ErrNoMarginRule, pos.Symbol)
	}

	contracts := pos.Quantity.Abs()
	strike := pos.Option.Strike
	shares := contracts.Mul(pos.Multiplier)

	switch pos.Type {
	case model.AssetCall:
		if u, ok := env.Holding(pos.UnderlyingSymbol); ok && u.Quantity.GreaterThanOrEqual(shares) {
			return decimal.Zero, nil
		}
	case model.AssetPut:
		if env.Cash.GreaterThanOrEqual(strike.Mul(shares)) {
			return decimal.Zero, nil
		}
	}

	underlying, err := env.Prices.Lookup(pos.UnderlyingSymbol)
	if err != nil {
		return decimal.Zero, err
	}

	var otm, floor decimal.Decimal
	if pos.Type == model.AssetCall {
		otm = decimal.Max(decimal.Zero, strike.Sub(underlying))
		floor = NakedOptionFloorRate.Mul(underlying)
	} else {
		otm = decimal.Max(decimal.Zero, underlying.Sub(strike))
		floor = NakedOptionFloorRate.Mul(strike)
	}
	base := decimal.Max(NakedOptionRate.Mul(underlying).Sub(otm), floor)
	return price.Add(base).Mul(shares), nil
}
