// Package holding implements the holding book: at most one signed position
// per symbol, merged, reduced, or reversed by incoming legs at a
// quantity-weighted average cost.
package holding

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	ErrDuplicateSymbol = errors.New("holding: duplicate symbol")
	ErrZeroQuantity    = errors.New("holding: zero quantity")
)

// Outcome is the effect a leg has on the position it is matched against.
type Outcome uint8

const (
	Open Outcome = iota + 1
	Add
	PartialClose
	FullClose
	Reversal
)

func (o Outcome) String() string {
	switch o {
	case Open:
		return "open"
	case Add:
		return "add"
	case PartialClose:
		return "partial_close"
	case FullClose:
		return "full_close"
	case Reversal:
		return "reversal"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Reduces reports whether the outcome closes some existing quantity.
func (o Outcome) Reduces() bool {
	return o == PartialClose || o == FullClose || o == Reversal
}

// Opens reports whether the outcome leaves newly opened quantity.
func (o Outcome) Opens() bool {
	return o == Open || o == Add || o == Reversal
}

// Classify returns the outcome of applying a leg of legQty to a position
// currently holding heldQty (zero when there is none). A zero leg against a
// live position changes nothing and is reported as Add.
func Classify(heldQty, legQty decimal.Decimal) Outcome {
	if heldQty.IsZero() {
		return Open
	}
	if legQty.IsZero() || heldQty.Sign() == legQty.Sign() {
		return Add
	}
	remaining := heldQty.Add(legQty)
	switch {
	case remaining.IsZero():
		return FullClose
	case remaining.Sign() == heldQty.Sign():
		return PartialClose
	default:
		return Reversal
	}
}

// Result describes what one Apply did.
type Result struct {
	Outcome  Outcome
	Position *model.Asset // nil when the position was fully closed
	Previous *model.Asset // nil when there was no position

	// RealizedQuantity is the closed amount, signed like the old position.
	RealizedQuantity decimal.Decimal
	RealizedPrice    decimal.Decimal
	RealizedPnL      decimal.Decimal
}

// Book maps symbols to live positions. Not safe for concurrent use; the
// portfolio manager serialises access.
type Book struct {
	positions map[string]*model.Asset
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*model.Asset)}
}

// FromHoldings seeds a book. Symbols must be unique and quantities non-zero.
func FromHoldings(holdings []model.Asset) (*Book, error) {
	b := NewBook()
	for _, h := range holdings {
		if _, ok := b.positions[h.Symbol]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, h.Symbol)
		}
		if h.Quantity.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrZeroQuantity, h.Symbol)
		}
		pos := h.Clone()
		b.positions[h.Symbol] = &pos
	}
	return b, nil
}

// Get returns a copy of the position for symbol.
func (b *Book) Get(symbol string) (model.Asset, bool) {
	pos, ok := b.positions[symbol]
	if !ok {
		return model.Asset{}, false
	}
	return pos.Clone(), true
}

// Len returns the number of live positions.
func (b *Book) Len() int { return len(b.positions) }

// Preview classifies leg against the book without changing it.
func (b *Book) Preview(leg model.Asset) Outcome {
	held := decimal.Zero
	if pos, ok := b.positions[leg.Symbol]; ok {
		held = pos.Quantity
	}
	return Classify(held, leg.Quantity)
}

// Apply merges leg into the position for its symbol.
//
// Position metadata (type, multiplier, option details, underlying, last
// price, order type) follows the leg. Chain id and roll count carry over
// from the existing position; a fresh position takes them from the leg.
func (b *Book) Apply(leg model.Asset) (Result, error) {
	if leg.Quantity.IsZero() {
		return Result{}, fmt.Errorf("%w: %s", ErrZeroQuantity, leg.Symbol)
	}

	existing, ok := b.positions[leg.Symbol]
	if !ok {
		pos := leg.Clone()
		pos.AverageOpenPrice = leg.Price
		b.positions[leg.Symbol] = &pos
		return Result{Outcome: Open, Position: clonePtr(&pos)}, nil
	}

	prev := existing.Clone()
	res := Result{
		Outcome:  Classify(prev.Quantity, leg.Quantity),
		Previous: &prev,
	}

	switch res.Outcome {
	case Add:
		newQty := prev.Quantity.Add(leg.Quantity)
		avg := prev.Quantity.Mul(prev.AverageOpenPrice).
			Add(leg.Quantity.Mul(leg.Price)).
			Div(newQty)
		pos := merged(prev, leg, newQty, avg)
		b.positions[leg.Symbol] = &pos
		res.Position = clonePtr(&pos)

	case PartialClose:
		closed := leg.Quantity.Neg()
		res.realize(prev, closed, leg.Price)
		pos := merged(prev, leg, prev.Quantity.Add(leg.Quantity), prev.AverageOpenPrice)
		b.positions[leg.Symbol] = &pos
		res.Position = clonePtr(&pos)

	case FullClose:
		res.realize(prev, prev.Quantity, leg.Price)
		delete(b.positions, leg.Symbol)

	case Reversal:
		res.realize(prev, prev.Quantity, leg.Price)
		pos := merged(prev, leg, prev.Quantity.Add(leg.Quantity), leg.Price)
		b.positions[leg.Symbol] = &pos
		res.Position = clonePtr(&pos)
	}

	return res, nil
}

// SetChain stamps the chain id and roll count on a live position.
func (b *Book) SetChain(symbol string, chainID int64, rollCount int) bool {
	pos, ok := b.positions[symbol]
	if !ok {
		return false
	}
	pos.ChainID = chainID
	pos.RollCount = rollCount
	return true
}

// Clone returns an independent copy of the book.
func (b *Book) Clone() *Book {
	c := &Book{positions: make(map[string]*model.Asset, len(b.positions))}
	for sym, pos := range b.positions {
		c.positions[sym] = clonePtr(pos)
	}
	return c
}

// Holdings returns copies of all positions sorted by symbol.
func (b *Book) Holdings() []model.Asset {
	out := make([]model.Asset, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Find filters the book's holdings. See Filter.
func (b *Book) Find(field Field, value string, exclude bool) ([]model.Asset, error) {
	return Filter(b.Holdings(), field, value, exclude)
}

func (r *Result) realize(prev model.Asset, qty, price decimal.Decimal) {
	r.RealizedQuantity = qty
	r.RealizedPrice = price
	r.RealizedPnL = qty.Mul(price.Sub(prev.AverageOpenPrice)).Mul(prev.Multiplier)
}

func merged(prev, leg model.Asset, qty, avg decimal.Decimal) model.Asset {
	pos := leg.Clone()
	pos.Quantity = qty
	pos.AverageOpenPrice = avg
	pos.ChainID = prev.ChainID
	pos.RollCount = prev.RollCount
	return pos
}

func clonePtr(a *model.Asset) *model.Asset {
	c := a.Clone()
	return &c
}
