// Package engine is the transactional core of the valuation service. It
// wires the pure settlement, execution, position and timeline packages to a
// store.Store: every write is a read-then-write transaction on the entity
// rows it touches, retried with backoff when it loses a race.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/valuation-engine/internal/execution"
	"github.com/atmx/valuation-engine/internal/metrics"
	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/settlement"
	"github.com/atmx/valuation-engine/internal/store"
)

const maxRetryDelay = time.Second

// Config holds the engine's business parameters.
type Config struct {
	TransferRate      decimal.Decimal
	TransferBasis     settlement.Basis
	MinMarketCap      money.Amount
	DefaultSharePrice money.Amount
	MaxOrderSize      int64
	MaxRetries        int
	RetryBaseDelay    time.Duration
	Currency          string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TransferRate:      settlement.DefaultTransferRate,
		TransferBasis:     settlement.BasisLoserCap,
		MinMarketCap:      100,
		DefaultSharePrice: 2000,
		MaxOrderSize:      execution.DefaultMaxOrderSize,
		MaxRetries:        5,
		RetryBaseDelay:    10 * time.Millisecond,
		Currency:          "USD",
	}
}

// Engine applies trades and match results to entity valuations and answers
// valuation queries. Safe for concurrent use.
type Engine struct {
	store  store.Store
	cfg    Config
	limits *execution.Limits
	now    func() time.Time
	log    *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an engine over st.
func New(st store.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		cfg:    cfg,
		limits: execution.NewLimits(cfg.MaxOrderSize),
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) settlementParams() settlement.Params {
	return settlement.Params{
		TransferRate:      e.cfg.TransferRate,
		Basis:             e.cfg.TransferBasis,
		MinMarketCap:      e.cfg.MinMarketCap,
		DefaultSharePrice: e.cfg.DefaultSharePrice,
	}
}

// runTx runs fn in a store transaction, retrying lost races with
// exponential backoff and jitter. Exhaustion surfaces the last
// ErrConcurrencyConflict.
func (e *Engine) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	delay := e.cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		err := e.store.RunInTx(ctx, fn)
		if err == nil || !errors.Is(err, model.ErrConcurrencyConflict) {
			return err
		}
		if attempt > e.cfg.MaxRetries {
			metrics.TxConflicts.WithLabelValues(op).Inc()
			e.log.Warn("transaction retries exhausted", "op", op, "attempts", attempt, "error", err)
			return fmt.Errorf("%s after %d attempts: %w", op, attempt, err)
		}

		metrics.TxRetries.WithLabelValues(op).Inc()
		e.log.Debug("retrying transaction", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

// jitter returns a duration in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func observe(op string, start time.Time) {
	metrics.OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// reason labels a rejection for metrics.
func reason(err error) string {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, model.ErrOverdraft):
		return "overdraft"
	case errors.Is(err, model.ErrInsufficientCapital):
		return "insufficient_capital"
	case errors.Is(err, model.ErrMissingValuation):
		return "missing_valuation"
	case errors.Is(err, model.ErrEntityNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrEntityExists):
		return "conflict"
	}
	return "other"
}

func (e *Engine) reject(op string, err error) error {
	if model.IsRejection(err) {
		metrics.Rejections.WithLabelValues(op, reason(err)).Inc()
	}
	return err
}
