// Package broker defines the brokerage adapter boundary. An adapter may
// fetch current holdings, execute transactions, or both; each capability
// is a separate interface so a missing one is detected at setup.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrorKey is the Meta key carrying an adapter's failure message.
const ErrorKey = "error"

var (
	// ErrAdapterFailure is matched by every AdapterError.
	ErrAdapterFailure = errors.New("broker: adapter failure")

	// ErrCapabilityMissing is returned at setup when an adapter lacks a
	// requested capability.
	ErrCapabilityMissing = errors.New("broker: capability not implemented")
)

// AdapterError identifies the adapter and call that failed.
type AdapterError struct {
	Adapter string
	Op      string
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("broker: %s.%s: %s", e.Adapter, e.Op, msg)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func (e *AdapterError) Is(target error) bool { return target == ErrAdapterFailure }

// Adapter is the minimal brokerage adapter.
type Adapter interface {
	Name() string
}

// HoldingsFetcher can report the account's current holdings.
type HoldingsFetcher interface {
	Adapter
	FetchHoldings(ctx context.Context) ([]model.Asset, error)
}

// TransactionExecutor can execute a transaction.
type TransactionExecutor interface {
	Adapter
	ExecuteTransaction(ctx context.Context, tx model.Transaction) (Result, error)
}

// Result is an adapter's answer to ExecuteTransaction.
type Result struct {
	Success bool                       `json:"success"`
	Prices  map[string]decimal.Decimal `json:"prices,omitempty"` // fill price per symbol
	Meta    map[string]string          `json:"meta,omitempty"`
}

// Failed builds a failed result carrying msg under ErrorKey.
func Failed(msg string) Result {
	return Result{Meta: map[string]string{ErrorKey: msg}}
}

// Message returns the failure message, if any.
func (r Result) Message() string { return r.Meta[ErrorKey] }

// unwrapper is implemented by adapters that decorate another adapter.
type unwrapper interface {
	Unwrap() Adapter
}

// RequireFetcher returns a's holdings capability, looking through
// decorators, or ErrCapabilityMissing.
func RequireFetcher(a Adapter) (HoldingsFetcher, error) {
	for a != nil {
		if f, ok := a.(HoldingsFetcher); ok {
			return f, nil
		}
		u, ok := a.(unwrapper)
		if !ok {
			break
		}
		a = u.Unwrap()
	}
	return nil, capabilityError(a, "FetchHoldings")
}

// RequireExecutor returns a's execution capability or ErrCapabilityMissing.
func RequireExecutor(a Adapter) (TransactionExecutor, error) {
	if e, ok := a.(TransactionExecutor); ok {
		return e, nil
	}
	return nil, capabilityError(a, "ExecuteTransaction")
}

func capabilityError(a Adapter, op string) error {
	name := "<nil>"
	if a != nil {
		name = a.Name()
	}
	return &AdapterError{Adapter: name, Op: op, Message: "capability not implemented", Err: ErrCapabilityMissing}
}

// Fetch calls f and wraps any failure in an AdapterError.
func Fetch(ctx context.Context, f HoldingsFetcher) ([]model.Asset, error) {
	holdings, err := f.FetchHoldings(ctx)
	if err != nil {
		return nil, wrap(f, "FetchHoldings", err)
	}
	return holdings, nil
}

// Execute calls e and turns both transport errors and unsuccessful results
// into an AdapterError.
func Execute(ctx context.Context, e TransactionExecutor, tx model.Transaction) (Result, error) {
	res, err := e.ExecuteTransaction(ctx, tx)
	if err != nil {
		return Result{}, wrap(e, "ExecuteTransaction", err)
	}
	if !res.Success {
		msg := res.Message()
		if msg == "" {
			msg = "transaction rejected"
		}
		return res, &AdapterError{Adapter: e.Name(), Op: "ExecuteTransaction", Message: msg}
	}
	return res, nil
}

func wrap(a Adapter, op string, err error) error {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	return &AdapterError{Adapter: a.Name(), Op: op, Err: err}
}
