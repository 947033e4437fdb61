package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/valuation-engine/internal/execution"
	"github.com/atmx/valuation-engine/internal/metrics"
	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/store"
	"github.com/atmx/valuation-engine/internal/valuation"
)

// TradeRequest is an order that has passed the intake's own checks.
type TradeRequest struct {
	OrderID       string // generated when empty
	HolderID      string
	EntityID      string
	Side          model.Side
	Quantity      int64
	PricePerShare money.Amount // zero means the current share price
}

// TradeResult is a committed trade. Duplicate is set when the order id was
// already recorded; Event is then the original event.
type TradeResult struct {
	Event     model.LedgerEvent `json:"event"`
	Valuation valuation.Metrics `json:"valuation"`
	Duplicate bool              `json:"duplicate"`
}

// ExecuteTrade applies a buy or sell to the entity's market cap and appends
// the trade event, atomically.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	defer observe("trade", time.Now())

	if req.EntityID == "" {
		return TradeResult{}, e.reject("trade", model.Invalid("entity_id", "is required"))
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}

	var res TradeResult
	err := e.runTx(ctx, "trade", func(ctx context.Context, tx store.Tx) error {
		res = TradeResult{}
		entity, err := tx.GetEntityForUpdate(ctx, req.EntityID)
		if err != nil {
			return err
		}

		prior, err := tx.FindEvent(ctx, req.EntityID, req.OrderID)
		if err != nil {
			return err
		}
		if prior != nil {
			if !prior.EventType.IsTrade() || prior.HolderID != req.HolderID {
				return fmt.Errorf("order %s: %w", req.OrderID, model.ErrConflict)
			}
			res.Event = *prior
			res.Valuation = valuation.ComputeShareMetrics(entity.MarketCap, entity.SharesOutstanding, e.cfg.DefaultSharePrice)
			res.Duplicate = true
			return nil
		}

		held, err := tx.HolderQuantity(ctx, req.HolderID, req.EntityID)
		if err != nil {
			return err
		}
		price := req.PricePerShare
		if price.IsZero() {
			price = valuation.SharePrice(entity.MarketCap, entity.SharesOutstanding, e.cfg.DefaultSharePrice)
		}

		ev, err := execution.Execute(*entity, held, execution.Order{
			OrderID:       req.OrderID,
			HolderID:      req.HolderID,
			Side:          req.Side,
			Quantity:      req.Quantity,
			PricePerShare: price,
			ExecutedAt:    e.now(),
		}, execution.Params{Limits: e.limits, DefaultSharePrice: e.cfg.DefaultSharePrice})
		if err != nil {
			return err
		}

		if _, err := tx.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		entity.MarketCap = ev.MarketCapAfter
		if err := tx.UpdateEntity(ctx, entity); err != nil {
			return err
		}

		res.Event = ev
		res.Valuation = valuation.ComputeShareMetrics(entity.MarketCap, entity.SharesOutstanding, e.cfg.DefaultSharePrice)
		return nil
	})
	if err != nil {
		return TradeResult{}, e.reject("trade", err)
	}

	if res.Duplicate {
		e.log.Info("duplicate order ignored", "order_id", req.OrderID, "entity", req.EntityID)
		return res, nil
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.TradeVolume.WithLabelValues(string(req.Side)).Add(float64(req.Quantity))
	e.log.Info("trade executed",
		"order_id", req.OrderID,
		"event_id", res.Event.ID,
		"holder", req.HolderID,
		"entity", req.EntityID,
		"side", req.Side,
		"qty", req.Quantity,
		"amount", res.Event.TradeAmount.String(),
		"market_cap_after", res.Event.MarketCapAfter.String(),
		"share_price_after", res.Event.SharePriceAfter.String(),
	)
	return res, nil
}
