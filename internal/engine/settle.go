package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/valuation-engine/internal/metrics"
	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/settlement"
	"github.com/atmx/valuation-engine/internal/store"
)

// MatchRequest is a concluded match reported by the fixture source.
type MatchRequest struct {
	MatchID      string
	HomeEntityID string
	AwayEntityID string
	Outcome      model.Outcome
	PlayedAt     time.Time // zero means now
}

// SettlementResult holds both sides of a settled match. Duplicate is set
// when the match had already been settled; the events are then the
// originals.
type SettlementResult struct {
	MatchID   string            `json:"match_id"`
	Home      model.LedgerEvent `json:"home"`
	Away      model.LedgerEvent `json:"away"`
	Transfer  money.Amount      `json:"transfer_cents"`
	Duplicate bool              `json:"duplicate"`
}

// SettleMatch applies a match outcome to both teams in one transaction.
// Settling the same match again returns the original result.
func (e *Engine) SettleMatch(ctx context.Context, req MatchRequest) (SettlementResult, error) {
	defer observe("settle", time.Now())

	if req.HomeEntityID == "" || req.AwayEntityID == "" {
		return SettlementResult{}, e.reject("settle", model.Invalid("entity_id", "home and away are required"))
	}
	now := e.now()
	playedAt := req.PlayedAt
	if playedAt.IsZero() {
		playedAt = now
	}
	if playedAt.After(now) {
		return SettlementResult{}, e.reject("settle", model.Invalid("played_at", "is in the future"))
	}

	var res SettlementResult
	err := e.runTx(ctx, "settle", func(ctx context.Context, tx store.Tx) error {
		res = SettlementResult{MatchID: req.MatchID}
		home, away, err := lockPair(ctx, tx, req.HomeEntityID, req.AwayEntityID)
		if err != nil {
			return err
		}

		if req.MatchID != "" {
			dup, err := findSettled(ctx, tx, req)
			if err != nil {
				return err
			}
			if dup != nil {
				res = *dup
				return nil
			}
		}

		if err := checkPlayedAfterSeed(ctx, tx, playedAt, home, away); err != nil {
			return err
		}

		out, err := settlement.Settle(settlement.Match{
			MatchID:  req.MatchID,
			Home:     home,
			Away:     away,
			Outcome:  req.Outcome,
			PlayedAt: playedAt,
		}, e.settlementParams())
		if err != nil {
			return err
		}

		for _, side := range []struct {
			entity *model.Entity
			event  *model.LedgerEvent
		}{{home, &out.Home}, {away, &out.Away}} {
			if _, err := tx.AppendEvent(ctx, side.event); err != nil {
				return err
			}
			side.entity.MarketCap = side.event.MarketCapAfter
			if err := tx.UpdateEntity(ctx, side.entity); err != nil {
				return err
			}
		}

		res.Home, res.Away, res.Transfer = out.Home, out.Away, out.Transfer
		return nil
	})
	if err != nil {
		return SettlementResult{}, e.reject("settle", err)
	}

	if res.Duplicate {
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		e.log.Info("match already settled", "match_id", req.MatchID)
		return res, nil
	}

	metrics.SettlementsTotal.WithLabelValues(string(req.Outcome)).Inc()
	e.log.Info("match settled",
		"match_id", req.MatchID,
		"home", req.HomeEntityID,
		"away", req.AwayEntityID,
		"outcome", req.Outcome,
		"transfer", res.Transfer.String(),
		"home_market_cap_after", res.Home.MarketCapAfter.String(),
		"away_market_cap_after", res.Away.MarketCapAfter.String(),
	)
	return res, nil
}

// lockPair locks both entities in id order so two settlements over the
// same pair cannot deadlock. An entity without a row has no valuation.
func lockPair(ctx context.Context, tx store.Tx, homeID, awayID string) (home, away *model.Entity, err error) {
	first, second := homeID, awayID
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]*model.Entity, 2)
	for _, id := range []string{first, second} {
		if _, ok := locked[id]; ok {
			continue
		}
		ent, err := tx.GetEntityForUpdate(ctx, id)
		if errors.Is(err, model.ErrEntityNotFound) {
			return nil, nil, fmt.Errorf("entity %s: %w", id, model.ErrMissingValuation)
		}
		if err != nil {
			return nil, nil, err
		}
		locked[id] = ent
	}
	home, away = locked[homeID], locked[awayID]
	if homeID == awayID {
		c := *home
		away = &c
	}
	return home, away, nil
}

// checkPlayedAfterSeed rejects a match dated before either side's
// initial_state, which would fall outside every reconstructed timeline.
func checkPlayedAfterSeed(ctx context.Context, tx store.Tx, playedAt time.Time, entities ...*model.Entity) error {
	for _, ent := range entities {
		seed, err := tx.InitialState(ctx, ent.ID)
		if err != nil {
			return err
		}
		if seed == nil {
			return fmt.Errorf("entity %s: %w", ent.ID, model.ErrMissingValuation)
		}
		if playedAt.Before(seed.EventDate) {
			return model.Invalid("played_at", fmt.Sprintf("precedes the valuation of %s dated %s",
				ent.ID, seed.EventDate.Format(time.RFC3339)))
		}
	}
	return nil
}

// findSettled returns the recorded result when the match was settled
// before. A match recorded for only one side, or recorded with the trigger
// of a trade, is a conflict.
func findSettled(ctx context.Context, tx store.Tx, req MatchRequest) (*SettlementResult, error) {
	home, err := tx.FindEvent(ctx, req.HomeEntityID, req.MatchID)
	if err != nil {
		return nil, err
	}
	away, err := tx.FindEvent(ctx, req.AwayEntityID, req.MatchID)
	if err != nil {
		return nil, err
	}
	switch {
	case home == nil && away == nil:
		return nil, nil
	case home == nil || away == nil || !home.EventType.IsMatch() || !away.EventType.IsMatch():
		return nil, fmt.Errorf("match %s: %w", req.MatchID, model.ErrConflict)
	}
	return &SettlementResult{
		MatchID:   req.MatchID,
		Home:      *home,
		Away:      *away,
		Transfer:  home.PriceImpact().Abs(),
		Duplicate: true,
	}, nil
}
