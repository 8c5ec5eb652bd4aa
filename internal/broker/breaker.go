package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
)

// BreakerSettings configures Breaker. Zero values take gobreaker defaults,
// except FailureRatio (0.5) and MinRequests (5).
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// Breaker guards an executor with a circuit breaker. Only transport errors
// count as failures; a rejected order is a normal answer.
type Breaker struct {
	next TransactionExecutor
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next TransactionExecutor, st BreakerSettings) *Breaker {
	ratio := st.FailureRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	minReq := st.MinRequests
	if minReq == 0 {
		minReq = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: st.MaxRequests,
		Interval:    st.Interval,
		Timeout:     st.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= minReq && float64(c.TotalFailures)/float64(c.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("broker circuit breaker state changed",
				"adapter", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Name() string { return b.next.Name() }

// Unwrap returns the guarded adapter.
func (b *Breaker) Unwrap() Adapter { return b.next }

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// ExecuteTransaction forwards to the guarded executor unless the breaker
// is open.
func (b *Breaker) ExecuteTransaction(ctx context.Context, tx model.Transaction) (Result, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.ExecuteTransaction(ctx, tx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, &AdapterError{Adapter: b.Name(), Op: "ExecuteTransaction", Message: "circuit open", Err: err}
		}
		return Result{}, err
	}
	return out.(Result), nil
}
