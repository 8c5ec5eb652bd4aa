package holding

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var ErrUnknownField = errors.New("holding: unknown field")

// Field names a searchable holding attribute. Values match the ledger
// column names.
type Field string

const (
	FieldSymbol     Field = "symbol"
	FieldUnderlying Field = "underlying_symbol"
	FieldAssetType  Field = "asset_type"
	FieldOrderType  Field = "order_type"
	FieldChainID    Field = "chainid"
	FieldRollCount  Field = "roll_count"
	FieldStrike     Field = "strike_price"
)

var fields = []Field{
	FieldSymbol, FieldUnderlying, FieldAssetType, FieldOrderType,
	FieldChainID, FieldRollCount, FieldStrike,
}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range fields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// Filter returns the assets whose field equals value, or, with exclude,
// those whose field differs. Numeric fields compare numerically.
func Filter(assets []model.Asset, field Field, value string, exclude bool) ([]model.Asset, error) {
	match, err := matcher(field, value)
	if err != nil {
		return nil, err
	}
	out := []model.Asset{}
	for _, a := range assets {
		if match(a) != exclude {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func matcher(field Field, value string) (func(model.Asset) bool, error) {
	switch field {
	case FieldSymbol:
		return func(a model.Asset) bool { return a.Symbol == value }, nil
	case FieldUnderlying:
		return func(a model.Asset) bool { return a.UnderlyingSymbol == value }, nil
	case FieldAssetType:
		return func(a model.Asset) bool { return string(a.Type) == value }, nil
	case FieldOrderType:
		return func(a model.Asset) bool { return string(a.OrderType) == value }, nil
	case FieldChainID:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("holding: chainid %q: %w", value, err)
		}
		return func(a model.Asset) bool { return a.ChainID == id }, nil
	case FieldRollCount:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("holding: roll_count %q: %w", value, err)
		}
		return func(a model.Asset) bool { return a.RollCount == n }, nil
	case FieldStrike:
		strike, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("holding: strike_price %q: %w", value, err)
		}
		return func(a model.Asset) bool { return a.Option != nil && a.Option.Strike.Equal(strike) }, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
}
