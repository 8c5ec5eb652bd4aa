// Package model defines the core domain types shared across the portfolio engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/contract"
)

// CashSymbol identifies the cash balance in ledger rows.
const CashSymbol = "_CASH"

// AssetType is the closed set of instrument kinds.
type AssetType string

const (
	AssetStock AssetType = "S"
	AssetCall  AssetType = "C"
	AssetPut   AssetType = "P"
	AssetCash  AssetType = "M"
)

// IsOption reports whether t is a call or a put.
func (t AssetType) IsOption() bool { return t == AssetCall || t == AssetPut }

// Valid reports whether t is one of the known asset types.
func (t AssetType) Valid() bool {
	switch t {
	case AssetStock, AssetCall, AssetPut, AssetCash:
		return true
	}
	return false
}

// OrderType is the closed set of order actions. The zero value means the
// leg has not been classified yet.
type OrderType string

const (
	OrderUnset  OrderType = ""
	BuyToOpen   OrderType = "Buy to Open"
	SellToOpen  OrderType = "Sell to Open"
	BuyToClose  OrderType = "Buy to Close"
	SellToClose OrderType = "Sell to Close"
)

// Valid reports whether o is a known order type (unset included).
func (o OrderType) Valid() bool {
	switch o {
	case OrderUnset, BuyToOpen, SellToOpen, BuyToClose, SellToClose:
		return true
	}
	return false
}

// OpeningOrder returns the opening order type for a signed quantity.
func OpeningOrder(qty decimal.Decimal) OrderType {
	if qty.IsNegative() {
		return SellToOpen
	}
	return BuyToOpen
}

// ClosingOrder returns the closing order type for a signed quantity.
func ClosingOrder(qty decimal.Decimal) OrderType {
	if qty.IsNegative() {
		return SellToClose
	}
	return BuyToClose
}

var (
	ErrInvalidAsset       = errors.New("model: invalid asset")
	ErrInvalidTransaction = errors.New("model: invalid transaction")
)

// OptionDetails holds the option-only fields of an Asset. Greeks are
// informational and zero when unknown.
type OptionDetails struct {
	Expiry    time.Time       `json:"expires_at"`
	Strike    decimal.Decimal `json:"strike_price"`
	Delta     decimal.Decimal `json:"delta"`
	Gamma     decimal.Decimal `json:"gamma"`
	Theta     decimal.Decimal `json:"theta"`
	QuoteDate time.Time       `json:"quote_date,omitempty"`
}

// Asset is one leg of a transaction or one live holding. Option is set
// if and only if Type is AssetCall or AssetPut.
type Asset struct {
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"` // signed: +long, -short
	Price            decimal.Decimal `json:"price"`    // execution or last price
	AverageOpenPrice decimal.Decimal `json:"average_open_price"`
	Type             AssetType       `json:"asset_type"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	Multiplier       decimal.Decimal `json:"multiplier"`
	Option           *OptionDetails  `json:"option,omitempty"`
	OrderType        OrderType       `json:"order_type"`
	ChainID          int64           `json:"chainid"`
	RollCount        int             `json:"roll_count"`
}

// NewStock builds a stock leg.
func NewStock(symbol string, qty, price decimal.Decimal) Asset {
	return Asset{
		Symbol:           symbol,
		Quantity:         qty,
		Price:            price,
		Type:             AssetStock,
		UnderlyingSymbol: symbol,
		Multiplier:       decimal.NewFromInt(1),
	}
}

// NewOption builds an option leg from an OCC symbol.
func NewOption(symbol string, qty, price decimal.Decimal) (Asset, error) {
	o, err := contract.Parse(symbol)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %w", ErrInvalidAsset, err)
	}
	typ := AssetPut
	if o.IsCall() {
		typ = AssetCall
	}
	return Asset{
		Symbol:           symbol,
		Quantity:         qty,
		Price:            price,
		Type:             typ,
		UnderlyingSymbol: o.Underlying,
		Multiplier:       contract.StandardMultiplier,
		Option: &OptionDetails{
			Expiry: o.Expiry,
			Strike: o.Strike,
		},
	}, nil
}

// NewLeg builds a stock or option leg depending on the symbol's shape.
func NewLeg(symbol string, qty, price decimal.Decimal) (Asset, error) {
	if contract.IsOptionSymbol(symbol) {
		return NewOption(symbol, qty, price)
	}
	return NewStock(symbol, qty, price), nil
}

// NewCash builds the cash leg recorded for deposits and withdrawals.
func NewCash(amount decimal.Decimal) Asset {
	one := decimal.NewFromInt(1)
	return Asset{
		Symbol:           CashSymbol,
		Quantity:         amount,
		Price:            one,
		AverageOpenPrice: one,
		Type:             AssetCash,
		UnderlyingSymbol: CashSymbol,
		Multiplier:       one,
	}
}

// CashValue is quantity * price * multiplier. A positive value is a cash
// outflow for a buy.
func (a Asset) CashValue() decimal.Decimal {
	return a.Quantity.Mul(a.Price).Mul(a.Multiplier)
}

// Exposure is quantity * multiplier.
func (a Asset) Exposure() decimal.Decimal {
	return a.Quantity.Mul(a.Multiplier)
}

// Strike returns the option strike, or zero for non-options.
func (a Asset) Strike() decimal.Decimal {
	if a.Option == nil {
		return decimal.Zero
	}
	return a.Option.Strike
}

// Expiry returns the option expiry, or the zero time for non-options.
func (a Asset) Expiry() time.Time {
	if a.Option == nil {
		return time.Time{}
	}
	return a.Option.Expiry
}

// Clone returns a deep copy.
func (a Asset) Clone() Asset {
	if a.Option != nil {
		opt := *a.Option
		a.Option = &opt
	}
	return a
}

// Validate checks the structural invariants of a leg or holding.
func (a Asset) Validate() error {
	switch {
	case a.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidAsset)
	case a.Quantity.IsZero():
		return fmt.Errorf("%w: %s quantity must be non-zero", ErrInvalidAsset, a.Symbol)
	case a.Price.IsNegative():
		return fmt.Errorf("%w: %s price must not be negative", ErrInvalidAsset, a.Symbol)
	case a.Multiplier.LessThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: %s multiplier must be >= 1", ErrInvalidAsset, a.Symbol)
	case !a.Type.Valid():
		return fmt.Errorf("%w: %s unknown asset type %q", ErrInvalidAsset, a.Symbol, a.Type)
	case !a.OrderType.Valid():
		return fmt.Errorf("%w: %s unknown order type %q", ErrInvalidAsset, a.Symbol, a.OrderType)
	case a.Type.IsOption() && a.Option == nil:
		return fmt.Errorf("%w: %s option without contract details", ErrInvalidAsset, a.Symbol)
	case !a.Type.IsOption() && a.Option != nil:
		return fmt.Errorf("%w: %s carries option details but is type %s", ErrInvalidAsset, a.Symbol, a.Type)
	}
	return nil
}

// Transaction is an ordered group of legs executed together.
type Transaction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Legs      []Asset   `json:"legs"`
	ChainID   int64     `json:"chainid,omitempty"` // optional at construction
	RollCount int       `json:"roll_count"`
}

// Validate checks that the transaction has legs and every leg is valid.
// Cash moves through deposits and withdrawals, not transactions.
func (t *Transaction) Validate() error {
	if len(t.Legs) == 0 {
		return fmt.Errorf("%w: at least one leg is required", ErrInvalidTransaction)
	}
	if t.ChainID < 0 {
		return fmt.Errorf("%w: negative chain id %d", ErrInvalidTransaction, t.ChainID)
	}
	for i, leg := range t.Legs {
		if err := leg.Validate(); err != nil {
			return fmt.Errorf("%w: leg %d: %w", ErrInvalidTransaction, i, err)
		}
		if leg.Type == AssetCash {
			return fmt.Errorf("%w: leg %d: cash legs are not tradable", ErrInvalidTransaction, i)
		}
	}
	return nil
}

// Cost is the sum of the legs' cash values. Cash changes by -Cost.
func (t *Transaction) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range t.Legs {
		total = total.Add(leg.CashValue())
	}
	return total
}

// Symbols returns the distinct leg symbols in leg order.
func (t *Transaction) Symbols() []string {
	var out []string
	for _, leg := range t.Legs {
		if !slices.Contains(out, leg.Symbol) {
			out = append(out, leg.Symbol)
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Legs = make([]Asset, len(t.Legs))
	for i, leg := range t.Legs {
		c.Legs[i] = leg.Clone()
	}
	return &c
}

// Snapshot is the persisted portfolio state.
type Snapshot struct {
	Cash        decimal.Decimal `json:"cash"`
	Holdings    []Asset         `json:"holdings"`
	NextChainID int64           `json:"next_chainid"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Holdings = make([]Asset, len(s.Holdings))
	for i, h := range s.Holdings {
		c.Holdings[i] = h.Clone()
	}
	return &c
}

// LedgerKind names the operation that produced a ledger row.
type LedgerKind string

const (
	KindOpen  LedgerKind = "open"
	KindClose LedgerKind = "close"
	KindRoll  LedgerKind = "roll"
	KindAuto  LedgerKind = "auto"
	KindCash  LedgerKind = "cash"
)

// LedgerEntry is an immutable record of one executed leg.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	TransactionID    string          `json:"transaction_id" db:"transaction_id"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
	Kind             LedgerKind      `json:"kind" db:"kind"`
	ChainID          int64           `json:"chainid" db:"chainid"`
	RollCount        int             `json:"roll_count" db:"roll_count"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	Price            decimal.Decimal `json:"price" db:"price"`
	AverageOpenPrice decimal.Decimal `json:"average_open_price" db:"average_open_price"` // position average after the leg
	AssetType        AssetType       `json:"asset_type" db:"asset_type"`
	UnderlyingSymbol string          `json:"underlying_symbol" db:"underlying_symbol"`
	Multiplier       decimal.Decimal `json:"multiplier" db:"multiplier"`
	OrderType        OrderType       `json:"order_type" db:"order_type"`
	Expiry           time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	Strike           decimal.Decimal `json:"strike_price" db:"strike_price"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
}

// NewLedgerEntry records leg as executed within tx.
func NewLedgerEntry(tx *Transaction, kind LedgerKind, leg Asset, avg, realized decimal.Decimal) LedgerEntry {
	return LedgerEntry{
		TransactionID:    tx.ID,
		Timestamp:        tx.Timestamp,
		Kind:             kind,
		ChainID:          leg.ChainID,
		RollCount:        leg.RollCount,
		Symbol:           leg.Symbol,
		Quantity:         leg.Quantity,
		Price:            leg.Price,
		AverageOpenPrice: avg,
		AssetType:        leg.Type,
		UnderlyingSymbol: leg.UnderlyingSymbol,
		Multiplier:       leg.Multiplier,
		OrderType:        leg.OrderType,
		Expiry:           leg.Expiry(),
		Strike:           leg.Strike(),
		RealizedPnL:      realized,
	}
}
