package engine

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/position"
	"github.com/atmx/valuation-engine/internal/store"
	"github.com/atmx/valuation-engine/internal/timeline"
	"github.com/atmx/valuation-engine/internal/valuation"
)

var tradeTypes = []model.EventType{model.EventSharePurchase, model.EventShareSale}

// EntitySummary is an entity snapshot with its share price.
type EntitySummary struct {
	model.Entity
	SharePrice money.Amount `json:"share_price_cents"`
}

// ListEntities returns every entity with its current share price.
func (e *Engine) ListEntities(ctx context.Context) ([]EntitySummary, error) {
	entities, err := e.store.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EntitySummary, len(entities))
	for i, ent := range entities {
		out[i] = EntitySummary{
			Entity:     ent,
			SharePrice: valuation.SharePrice(ent.MarketCap, ent.SharesOutstanding, e.cfg.DefaultSharePrice),
		}
	}
	return out, nil
}

// GetCurrentValuation returns the entity's market cap, share price and its
// change since initial_state.
func (e *Engine) GetCurrentValuation(ctx context.Context, entityID string) (model.Valuation, error) {
	defer observe("valuation", time.Now())

	ent, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return model.Valuation{}, err
	}
	seed, err := e.initialState(ctx, entityID)
	if err != nil {
		return model.Valuation{}, err
	}

	m := valuation.ComputeShareMetrics(ent.MarketCap, ent.SharesOutstanding, e.cfg.DefaultSharePrice)
	return model.Valuation{
		EntityID:          ent.ID,
		Name:              ent.Name,
		MarketCap:         m.MarketCap,
		SharesOutstanding: m.SharesOutstanding,
		SharePrice:        m.SharePrice,
		InitialMarketCap:  seed.MarketCapAfter,
		ChangePercent:     money.PercentChange(seed.MarketCapAfter, ent.MarketCap),
		MarketCapDisplay:  m.MarketCap.Display(e.cfg.Currency),
		SharePriceDisplay: m.SharePrice.Display(e.cfg.Currency),
		AsOf:              ent.UpdatedAt,
	}, nil
}

func (e *Engine) initialState(ctx context.Context, entityID string) (model.LedgerEvent, error) {
	for ev, err := range e.store.QueryEvents(ctx, store.EventQuery{
		EntityID: entityID,
		Types:    []model.EventType{model.EventInitialState},
	}) {
		if err != nil {
			return model.LedgerEvent{}, err
		}
		return ev, nil
	}
	return model.LedgerEvent{}, fmt.Errorf("entity %s: %w", entityID, model.ErrMissingValuation)
}

// GetTimeline returns the entity's deduplicated price history up to now.
func (e *Engine) GetTimeline(ctx context.Context, entityID string) (iter.Seq[model.PricePoint], error) {
	defer observe("timeline", time.Now())

	ent, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	events, err := store.Collect(e.store.QueryEvents(ctx, store.EventQuery{EntityID: entityID}))
	if err != nil {
		return nil, err
	}
	return timeline.Reconstruct(events, timeline.Options{
		Now:               e.now(),
		SharesOutstanding: ent.SharesOutstanding,
		DefaultSharePrice: e.cfg.DefaultSharePrice,
	}), nil
}

// GetTransactionsByHolderAndEntity returns the holder's visible trades in
// the entity, oldest first.
func (e *Engine) GetTransactionsByHolderAndEntity(ctx context.Context, holderID, entityID string) (iter.Seq[model.LedgerEvent], error) {
	trades, err := e.holderTrades(ctx, holderID, entityID)
	if err != nil {
		return nil, err
	}
	return slices.Values(trades), nil
}

func (e *Engine) holderTrades(ctx context.Context, holderID, entityID string) ([]model.LedgerEvent, error) {
	if holderID == "" {
		return nil, model.Invalid("holder_id", "is required")
	}
	events, err := store.Collect(e.store.QueryEvents(ctx, store.EventQuery{
		EntityID: entityID,
		HolderID: holderID,
		Types:    tradeTypes,
	}))
	if err != nil {
		return nil, err
	}
	return timeline.Prepare(events, e.now()), nil
}

// GetPosition returns the holder's position in the entity marked at the
// current share price.
func (e *Engine) GetPosition(ctx context.Context, holderID, entityID string) (model.Position, error) {
	defer observe("position", time.Now())

	ent, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return model.Position{}, err
	}
	return e.position(ctx, holderID, ent)
}

func (e *Engine) position(ctx context.Context, holderID string, ent *model.Entity) (model.Position, error) {
	trades, err := e.holderTrades(ctx, holderID, ent.ID)
	if err != nil {
		return model.Position{}, err
	}
	price := valuation.SharePrice(ent.MarketCap, ent.SharesOutstanding, e.cfg.DefaultSharePrice)
	return position.Aggregate(holderID, ent.ID, trades, price)
}

// GetPortfolio aggregates the holder's positions across every entity they
// have traded.
func (e *Engine) GetPortfolio(ctx context.Context, holderID string) (model.Portfolio, error) {
	defer observe("portfolio", time.Now())

	if holderID == "" {
		return model.Portfolio{}, model.Invalid("holder_id", "is required")
	}
	ids, err := e.store.HolderEntities(ctx, holderID)
	if err != nil {
		return model.Portfolio{}, err
	}
	positions := make([]model.Position, 0, len(ids))
	for _, id := range ids {
		ent, err := e.store.GetEntity(ctx, id)
		if err != nil {
			return model.Portfolio{}, err
		}
		p, err := e.position(ctx, holderID, ent)
		if err != nil {
			return model.Portfolio{}, err
		}
		positions = append(positions, p)
	}
	return position.Summarize(holderID, positions), nil
}

// Reconcile replays the entity's full ledger and compares it with the
// cached snapshot. Drift is reported, never corrected.
func (e *Engine) Reconcile(ctx context.Context, entityID string) (valuation.Report, error) {
	defer observe("reconcile", time.Now())

	ent, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return valuation.Report{}, err
	}
	events, err := store.Collect(e.store.QueryEvents(ctx, store.EventQuery{EntityID: entityID}))
	if err != nil {
		return valuation.Report{}, err
	}
	report, err := valuation.Reconcile(*ent, timeline.Dedupe(events))
	if err != nil {
		return valuation.Report{}, fmt.Errorf("reconcile %s: %w", entityID, err)
	}
	if !report.Consistent {
		e.log.Warn("valuation drift detected",
			"entity", entityID,
			"cached", report.CachedCap.String(),
			"replayed", report.ReplayedCap.String(),
			"chain_breaks", len(report.ChainBreaks),
		)
	}
	return report, nil
}
