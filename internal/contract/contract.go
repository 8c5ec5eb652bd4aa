// Package contract handles OCC option symbol parsing and formatting.
//
// An OCC symbol is 21 characters: a 6-character space-padded underlying,
// the expiry as YYMMDD, the right (C or P), and the strike multiplied by
// 1000 as 8 zero-padded digits.
//
//	SPY   250411C00440000 → SPY call, 2025-04-11, strike 440.000
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Option rights.
const (
	RightCall = "C"
	RightPut  = "P"
)

// StandardMultiplier is the share count controlled by one equity option.
var StandardMultiplier = decimal.NewFromInt(100)

// MinOptionSymbolLen is the length above which a symbol is treated as an
// option contract rather than a ticker.
const MinOptionSymbolLen = 12

// symbolRegex matches: {underlying padded to 6}{YYMMDD}{C|P}{strike*1000, 8 digits}
// Example: SPY   250411C00440000
var symbolRegex = regexp.MustCompile(
	`^([A-Z0-9. ]{6})(\d{6})([CP])(\d{8})$`,
)

// Options expire at market close; 16:15 ET is taken as 20:15 UTC.
const expiryHour, expiryMinute = 20, 15

var thousand = decimal.NewFromInt(1000)

var (
	ErrInvalidSymbol = errors.New("contract: invalid option symbol")
	ErrInvalidRight  = errors.New("contract: right must be C or P")
	ErrInvalidStrike = errors.New("contract: strike must be positive")
)

// Option is a parsed OCC option symbol.
type Option struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Expiry     time.Time       `json:"expiry"`
	Right      string          `json:"right"`
	Strike     decimal.Decimal `json:"strike"`
}

// IsCall reports whether the contract is a call.
func (o *Option) IsCall() bool { return o.Right == RightCall }

// DaysToExpiration returns whole days from asOf until expiry, floored at 0.
func (o *Option) DaysToExpiration(asOf time.Time) int {
	days := int(o.Expiry.Sub(asOf).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// IsOptionSymbol reports whether symbol looks like an option contract.
func IsOptionSymbol(symbol string) bool {
	return len(symbol) > MinOptionSymbolLen
}

// Parse parses and validates an OCC option symbol.
func Parse(symbol string) (*Option, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected UUUUUUYYMMDD{C|P}SSSSSSSS)",
			ErrInvalidSymbol, symbol)
	}

	underlying := strings.TrimSpace(matches[1])
	if underlying == "" {
		return nil, fmt.Errorf("%w: %q has no underlying", ErrInvalidSymbol, symbol)
	}

	date, err := time.Parse("060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, matches[2])
	}
	expiry := time.Date(date.Year(), date.Month(), date.Day(), expiryHour, expiryMinute, 0, 0, time.UTC)

	raw, err := decimal.NewFromString(matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, matches[4])
	}
	strike := raw.Div(thousand)
	if !strike.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrike, symbol)
	}

	return &Option{
		Symbol:     symbol,
		Underlying: underlying,
		Expiry:     expiry,
		Right:      matches[3],
		Strike:     strike,
	}, nil
}

// Format builds the OCC symbol for the given contract terms.
func Format(underlying string, expiry time.Time, right string, strike decimal.Decimal) (string, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" || len(underlying) > 6 {
		return "", fmt.Errorf("%w: underlying %q must be 1-6 characters", ErrInvalidSymbol, underlying)
	}
	if right != RightCall && right != RightPut {
		return "", fmt.Errorf("%w: got %q", ErrInvalidRight, right)
	}
	if !strike.IsPositive() {
		return "", ErrInvalidStrike
	}

	scaled := strike.Mul(thousand).Round(0).IntPart()
	if scaled > 99999999 {
		return "", fmt.Errorf("%w: strike %s too large", ErrInvalidSymbol, strike)
	}
	return fmt.Sprintf("%-6s%s%s%08d", underlying, expiry.Format("060102"), right, scaled), nil
}

// Underlying returns the underlying ticker of an option symbol, or the
// symbol itself when it is not an option.
func Underlying(symbol string) string {
	if !IsOptionSymbol(symbol) {
		return symbol
	}
	if o, err := Parse(symbol); err == nil {
		return o.Underlying
	}
	return strings.TrimSpace(symbol[:6])
}
