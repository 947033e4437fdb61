// Package position reduces a holder's trade events into a position.
//
// Realized and unrealized profit are not tracked separately: sale proceeds
// reduce NetInvested, so
//
//	unrealizedPnL = quantity * currentSharePrice - netInvested
//
// already folds in gains realized by partial sells.
package position

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
)

// Aggregate computes a holder's position in one entity from their trade
// events, marked at sharePrice. Non-trade events are ignored.
func Aggregate(holderID, entityID string, trades []model.LedgerEvent, sharePrice money.Amount) (model.Position, error) {
	p := model.Position{
		HolderID:    holderID,
		EntityID:    entityID,
		SharePrice:  sharePrice,
		AverageCost: decimal.Zero,
		PnLPercent:  decimal.Zero,
	}
	for _, e := range trades {
		if !e.EventType.IsTrade() {
			continue
		}
		p.Quantity += e.Quantity
		p.NetInvested = p.NetInvested.Add(e.TradeAmount)
	}

	if p.Quantity != 0 {
		p.AverageCost = p.NetInvested.Ratio(p.Quantity)
	}
	value, err := sharePrice.Mul(p.Quantity)
	if err != nil {
		return model.Position{}, fmt.Errorf("position %s/%s: %w", holderID, entityID, err)
	}
	p.CurrentValue = value
	p.UnrealizedPnL = value.Sub(p.NetInvested)
	if p.NetInvested.IsPositive() {
		p.PnLPercent = money.PercentChange(p.NetInvested, value)
	}
	return p, nil
}

// Quantity returns the net shares held according to trades.
func Quantity(trades []model.LedgerEvent) int64 {
	var q int64
	for _, e := range trades {
		if e.EventType.IsTrade() {
			q += e.Quantity
		}
	}
	return q
}

// Summarize totals a holder's positions into a portfolio. Positions with no
// shares and nothing invested are dropped.
func Summarize(holderID string, positions []model.Position) model.Portfolio {
	pf := model.Portfolio{HolderID: holderID, Positions: []model.Position{}}
	for _, p := range positions {
		if p.Quantity == 0 && p.NetInvested.IsZero() {
			continue
		}
		pf.Positions = append(pf.Positions, p)
		pf.TotalNetInvested = pf.TotalNetInvested.Add(p.NetInvested)
		pf.TotalValue = pf.TotalValue.Add(p.CurrentValue)
		pf.TotalPnL = pf.TotalPnL.Add(p.UnrealizedPnL)
	}
	return pf
}
