package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/valuation-engine/internal/metrics"
	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/store"
	"github.com/atmx/valuation-engine/internal/valuation"
)

// InitRequest seeds a new entity.
type InitRequest struct {
	EntityID          string
	Name              string
	MarketCap         money.Amount
	SharesOutstanding int64
	EventDate         time.Time // zero means now
}

// ResetRequest re-seeds an entity's ledger.
type ResetRequest struct {
	MarketCap         money.Amount
	SharesOutstanding int64
	Reason            string
}

func validateSeed(cap money.Amount, shares int64) error {
	if cap.IsNegative() {
		return model.Invalid("market_cap_cents", "must not be negative")
	}
	if shares < 1 {
		return model.Invalid("shares_outstanding", "must be at least 1")
	}
	return nil
}

func (e *Engine) seedEvent(entity *model.Entity, date time.Time, description string) *model.LedgerEvent {
	price := valuation.SharePrice(entity.MarketCap, entity.SharesOutstanding, e.cfg.DefaultSharePrice)
	return &model.LedgerEvent{
		EntityID:         entity.ID,
		EventType:        model.EventInitialState,
		EventDate:        date,
		MarketCapBefore:  money.Zero,
		MarketCapAfter:   entity.MarketCap,
		SharePriceBefore: price,
		SharePriceAfter:  price,
		Description:      description,
	}
}

// InitializeEntity creates an entity and its initial_state event in one
// transaction.
func (e *Engine) InitializeEntity(ctx context.Context, req InitRequest) (model.Entity, error) {
	defer observe("initialize", time.Now())

	if req.EntityID == "" {
		return model.Entity{}, model.Invalid("entity_id", "is required")
	}
	if err := validateSeed(req.MarketCap, req.SharesOutstanding); err != nil {
		return model.Entity{}, err
	}
	now := e.now()
	date := req.EventDate
	if date.IsZero() {
		date = now
	}
	if date.After(now) {
		return model.Entity{}, model.Invalid("event_date", "is in the future")
	}

	var created model.Entity
	err := e.runTx(ctx, "initialize", func(ctx context.Context, tx store.Tx) error {
		entity := &model.Entity{
			ID:                req.EntityID,
			Name:              req.Name,
			SharesOutstanding: req.SharesOutstanding,
			MarketCap:         req.MarketCap,
		}
		if err := tx.CreateEntity(ctx, entity); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, e.seedEvent(entity, date, "Initial valuation")); err != nil {
			return err
		}
		created = *entity
		return nil
	})
	if err != nil {
		return model.Entity{}, e.reject("initialize", err)
	}

	metrics.Entities.Inc()
	e.log.Info("entity initialized",
		"entity", created.ID,
		"market_cap", created.MarketCap.String(),
		"shares", created.SharesOutstanding,
	)
	return created, nil
}

// ResetEntity truncates an entity's ledger and re-seeds it. It is the only
// operation that may change SharesOutstanding.
func (e *Engine) ResetEntity(ctx context.Context, entityID string, req ResetRequest) (model.Entity, error) {
	defer observe("reset", time.Now())

	if err := validateSeed(req.MarketCap, req.SharesOutstanding); err != nil {
		return model.Entity{}, err
	}
	description := "Administrative reset"
	if req.Reason != "" {
		description = fmt.Sprintf("Administrative reset: %s", req.Reason)
	}

	var reset model.Entity
	var previous money.Amount
	err := e.runTx(ctx, "reset", func(ctx context.Context, tx store.Tx) error {
		entity, err := tx.GetEntityForUpdate(ctx, entityID)
		if err != nil {
			return err
		}
		previous = entity.MarketCap
		if err := tx.TruncateLedger(ctx, entityID); err != nil {
			return err
		}
		entity.MarketCap = req.MarketCap
		entity.SharesOutstanding = req.SharesOutstanding
		if err := tx.UpdateEntity(ctx, entity); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, e.seedEvent(entity, e.now(), description)); err != nil {
			return err
		}
		reset = *entity
		return nil
	})
	if err != nil {
		return model.Entity{}, e.reject("reset", err)
	}

	e.log.Warn("entity reset",
		"entity", entityID,
		"previous_market_cap", previous.String(),
		"market_cap", reset.MarketCap.String(),
		"shares", reset.SharesOutstanding,
		"reason", req.Reason,
	)
	return reset, nil
}
