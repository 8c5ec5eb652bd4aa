// Package chain tracks transaction lineage. A chain starts when a leg opens
// a symbol with no open lineage, is inherited by every later leg touching
// that symbol, and is retired once its last position closes. Chain ids are
// assigned from a monotonically increasing counter and never reused.
package chain

import (
	"errors"
	"fmt"
	"slices"

	"github.com/atmx/portfolio-engine/internal/model"
)

var ErrUnknownChain = errors.New("chain: unknown or retired chain id")

// Policy picks the winning chain when a transaction touches several.
// candidates is never empty and is sorted ascending.
type Policy func(candidates []int64) int64

// LowestChainID picks the earliest-assigned chain.
func LowestChainID(candidates []int64) int64 { return candidates[0] }

// HighestChainID picks the most recently assigned chain.
func HighestChainID(candidates []int64) int64 { return candidates[len(candidates)-1] }

// Tracker owns the chain counter and the symbol → open chain mapping.
// Not safe for concurrent use.
type Tracker struct {
	policy Policy
	next   int64
	open   map[string]int64
	rolls  map[int64]int
}

// NewTracker creates a tracker whose first chain is 1. A nil policy means
// LowestChainID.
func NewTracker(policy Policy) *Tracker {
	if policy == nil {
		policy = LowestChainID
	}
	return &Tracker{
		policy: policy,
		next:   1,
		open:   make(map[string]int64),
		rolls:  make(map[int64]int),
	}
}

// Seed binds existing holdings and raises the counter above floor and every
// seen chain id. Holdings without a chain id get a new chain each. The
// returned slice carries the stamped chain ids.
func (t *Tracker) Seed(holdings []model.Asset, floor int64) []model.Asset {
	if floor >= t.next {
		t.next = floor + 1
	}
	for _, h := range holdings {
		if h.ChainID >= t.next {
			t.next = h.ChainID + 1
		}
	}

	out := make([]model.Asset, len(holdings))
	for i, h := range holdings {
		h = h.Clone()
		if h.ChainID <= 0 {
			h.ChainID = t.NewChain()
		}
		t.Bind(h.Symbol, h.ChainID, h.RollCount)
		out[i] = h
	}
	return out
}

// Next returns the id the next new chain will receive.
func (t *Tracker) Next() int64 { return t.next }

// Lookup returns the open chain for symbol.
func (t *Tracker) Lookup(symbol string) (int64, bool) {
	id, ok := t.open[symbol]
	return id, ok
}

// IsOpen reports whether any symbol is still bound to id.
func (t *Tracker) IsOpen(id int64) bool {
	_, ok := t.rolls[id]
	return ok
}

// RollCount returns the roll count of an open chain.
func (t *Tracker) RollCount(id int64) int { return t.rolls[id] }

// NewChain allocates a fresh chain id.
func (t *Tracker) NewChain() int64 {
	id := t.next
	t.next++
	t.rolls[id] = 0
	return id
}

// Bind attaches symbol to chain id, moving it off any previous chain.
func (t *Tracker) Bind(symbol string, id int64, rollCount int) {
	if old, ok := t.open[symbol]; ok && old != id {
		t.Release(symbol)
	}
	t.open[symbol] = id
	if cur, ok := t.rolls[id]; !ok || rollCount > cur {
		t.rolls[id] = rollCount
	}
}

// Release detaches symbol from its chain. A chain left with no symbols is
// retired.
func (t *Tracker) Release(symbol string) {
	id, ok := t.open[symbol]
	if !ok {
		return
	}
	delete(t.open, symbol)
	for _, other := range t.open {
		if other == id {
			return
		}
	}
	delete(t.rolls, id)
}

// Prune retires id if no symbol is bound to it.
func (t *Tracker) Prune(id int64) {
	for _, cid := range t.open {
		if cid == id {
			return
		}
	}
	delete(t.rolls, id)
}

// OpenChains returns the number of chains not yet retired.
func (t *Tracker) OpenChains() int { return len(t.rolls) }

// Symbols returns the symbols bound to chain id, sorted.
func (t *Tracker) Symbols(id int64) []string {
	var out []string
	for sym, cid := range t.open {
		if cid == id {
			out = append(out, sym)
		}
	}
	slices.Sort(out)
	return out
}

// Resolve picks the chain a transaction belongs to. matched are the chains
// of the positions its legs touched; requested is the caller-supplied id
// (0 for none) and must be an open chain whenever it is set. Matched chains
// take precedence over requested; with no matches, requested is used or a
// new chain is allocated. Resolve allocates only when it returns fresh=true.
func (t *Tracker) Resolve(matched []int64, requested int64) (id int64, fresh bool, err error) {
	if requested > 0 && !t.IsOpen(requested) {
		return 0, false, fmt.Errorf("%w: %d", ErrUnknownChain, requested)
	}

	candidates := slices.Clone(matched)
	slices.Sort(candidates)
	candidates = slices.Compact(candidates)

	if len(candidates) > 0 {
		return t.policy(candidates), false, nil
	}
	if requested > 0 {
		return requested, false, nil
	}
	return t.NewChain(), true, nil
}

// Clone returns an independent copy sharing the policy.
func (t *Tracker) Clone() *Tracker {
	c := &Tracker{
		policy: t.policy,
		next:   t.next,
		open:   make(map[string]int64, len(t.open)),
		rolls:  make(map[int64]int, len(t.rolls)),
	}
	for k, v := range t.open {
		c.open[k] = v
	}
	for k, v := range t.rolls {
		c.rolls[k] = v
	}
	return c
}
