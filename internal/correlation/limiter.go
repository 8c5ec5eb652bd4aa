// Package correlation implements position limits that account for
// correlation between instruments on the same underlying.
//
// A trader short puts and long stock on XYZ carries one risk, not two.
// Exposure is measured in underlying units (quantity * multiplier) and
// limited both per symbol and in aggregate across every symbol sharing a
// correlation group, which by default is the underlying ticker.
package correlation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/contract"
	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a leg would push a single
	// symbol's exposure beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("correlation: per-symbol position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a leg would push the
	// aggregate exposure across correlated symbols beyond the correlated
	// maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// GroupFunc maps a symbol to its correlation group.
type GroupFunc func(symbol string) string

// PositionLimiter enforces exposure limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum absolute exposure in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across
	// all symbols in the same group.
	MaxCorrelated decimal.Decimal

	// Group assigns symbols to correlation groups.
	Group GroupFunc
}

// NewPositionLimiter creates a limiter with the given per-symbol and
// correlated exposure limits. A nil group correlates by underlying.
func NewPositionLimiter(maxPerSymbol, maxCorrelated decimal.Decimal, group GroupFunc) *PositionLimiter {
	if group == nil {
		group = contract.Underlying
	}
	return &PositionLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
		Group:         group,
	}
}

// CheckLimit validates whether a change in exposure respects the limits.
//
// Parameters:
//   - symbol: the instrument being traded
//   - exposureDelta: signed change in exposure (quantity * multiplier)
//   - existing: map of symbol → current signed exposure
//
// A change that does not increase the symbol's absolute exposure is always
// allowed.
func (l *PositionLimiter) CheckLimit(
	symbol string,
	exposureDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	current := existing[symbol]
	next := current.Add(exposureDelta)

	if next.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	// 1. Per-symbol limit.
	if l.MaxPerSymbol.IsPositive() && next.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across the symbol's group.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	group := l.Group(symbol)
	total := next.Abs()
	for other, exposure := range existing {
		if other == symbol {
			continue // already counted via next above
		}
		if l.Group(other) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// Exposures returns signed exposure per holding symbol.
func Exposures(holdings []model.Asset) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		out[h.Symbol] = out[h.Symbol].Add(h.Exposure())
	}
	return out
}

// CheckLegs checks every leg in order, each against the exposure left by
// the legs before it.
func (l *PositionLimiter) CheckLegs(legs []model.Asset, holdings []model.Asset) error {
	exposures := Exposures(holdings)
	for _, leg := range legs {
		delta := leg.Exposure()
		if err := l.CheckLimit(leg.Symbol, delta, exposures); err != nil {
			return fmt.Errorf("%w: %s", err, leg.Symbol)
		}
		exposures[leg.Symbol] = exposures[leg.Symbol].Add(delta)
	}
	return nil
}
