// Package valuation derives profit/loss and margin requirements from
// holdings and a caller-supplied price map. It never mutates holdings.
package valuation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrMissingPrice is matched by every MissingPriceError.
var ErrMissingPrice = errors.New("valuation: missing price")

// MissingPriceError names the symbol absent from the price map.
type MissingPriceError struct {
	Symbol string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("valuation: missing price for %q", e.Symbol)
}

func (e *MissingPriceError) Is(target error) bool { return target == ErrMissingPrice }

// Prices maps symbol to current price.
type Prices map[string]decimal.Decimal

// Lookup returns the price for symbol or a MissingPriceError.
func (p Prices) Lookup(symbol string) (decimal.Decimal, error) {
	price, ok := p[symbol]
	if !ok {
		return decimal.Zero, &MissingPriceError{Symbol: symbol}
	}
	return price, nil
}

// Unrealized is quantity * (price - average open price) * multiplier.
func Unrealized(pos model.Asset, price decimal.Decimal) decimal.Decimal {
	return pos.Quantity.Mul(price.Sub(pos.AverageOpenPrice)).Mul(pos.Multiplier)
}

// CalculatePnL sums unrealized PnL over holdings. Cash rows carry no PnL.
func CalculatePnL(holdings []model.Asset, prices Prices) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, h := range holdings {
		if h.Type == model.AssetCash {
			continue
		}
		price, err := prices.Lookup(h.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(Unrealized(h, price))
	}
	return total, nil
}

// PositionValue is one row of a valuation report.
type PositionValue struct {
	Symbol           string          `json:"symbol"`
	Type             model.AssetType `json:"asset_type"`
	Quantity         decimal.Decimal `json:"quantity"`
	AverageOpenPrice decimal.Decimal `json:"average_open_price"`
	Price            decimal.Decimal `json:"price"`
	Multiplier       decimal.Decimal `json:"multiplier"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
}

// Report values every holding.
type Report struct {
	Positions     []PositionValue `json:"positions"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"` // cash + market value
}

// Value builds a per-position report. It fails on the first missing price.
func Value(holdings []model.Asset, cash decimal.Decimal, prices Prices) (*Report, error) {
	r := &Report{Positions: make([]PositionValue, 0, len(holdings)), Cash: cash}
	for _, h := range holdings {
		if h.Type == model.AssetCash {
			continue
		}
		price, err := prices.Lookup(h.Symbol)
		if err != nil {
			return nil, err
		}
		pv := PositionValue{
			Symbol:           h.Symbol,
			Type:             h.Type,
			Quantity:         h.Quantity,
			AverageOpenPrice: h.AverageOpenPrice,
			Price:            price,
			Multiplier:       h.Multiplier,
			MarketValue:      h.Quantity.Mul(price).Mul(h.Multiplier),
			UnrealizedPnL:    Unrealized(h, price),
		}
		r.Positions = append(r.Positions, pv)
		r.MarketValue = r.MarketValue.Add(pv.MarketValue)
		r.UnrealizedPnL = r.UnrealizedPnL.Add(pv.UnrealizedPnL)
	}
	r.Equity = cash.Add(r.MarketValue)
	return r, nil
}
