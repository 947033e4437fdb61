// Package execution applies buy and sell orders to a team's valuation.
//
// Shares are claims on a fixed-denominator pool: a buy injects its trade
// amount into the team's market cap and a sell withdraws it, while
// SharesOutstanding never changes. Buying therefore raises the share price
// for every holder of the team, not only the buyer.
package execution

import (
	"fmt"
	"time"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/valuation"
)

// Order is a validated buy or sell request for one team.
type Order struct {
	OrderID       string
	HolderID      string
	Side          model.Side
	Quantity      int64
	PricePerShare money.Amount
	ExecutedAt    time.Time
}

// Params configures order execution.
type Params struct {
	Limits            *Limits
	DefaultSharePrice money.Amount
}

// Execute computes the ledger event for o against the entity's current
// snapshot. held is the holder's current net quantity in the entity.
func Execute(entity model.Entity, held int64, o Order, p Params) (model.LedgerEvent, error) {
	if o.OrderID == "" {
		return model.LedgerEvent{}, model.Invalid("order_id", "is required")
	}
	if o.HolderID == "" {
		return model.LedgerEvent{}, model.Invalid("holder_id", "is required")
	}
	if !o.PricePerShare.IsPositive() {
		return model.LedgerEvent{}, model.Invalid("price_per_share", "must be positive")
	}
	if err := p.Limits.Check(o.Side, o.Quantity, held); err != nil {
		return model.LedgerEvent{}, err
	}

	amount, err := o.PricePerShare.Mul(o.Quantity)
	if err != nil {
		return model.LedgerEvent{}, model.Invalid("quantity", err.Error())
	}

	e := model.LedgerEvent{
		EntityID:         entity.ID,
		TriggerEventID:   o.OrderID,
		HolderID:         o.HolderID,
		EventDate:        o.ExecutedAt,
		MarketCapBefore:  entity.MarketCap,
		SharePriceBefore: valuation.SharePrice(entity.MarketCap, entity.SharesOutstanding, p.DefaultSharePrice),
	}

	switch o.Side {
	case model.SideBuy:
		e.EventType = model.EventSharePurchase
		e.Quantity = o.Quantity
		e.TradeAmount = amount
		e.Description = fmt.Sprintf("Bought %d shares at %s", o.Quantity, o.PricePerShare)
	case model.SideSell:
		if entity.MarketCap.Sub(amount).IsNegative() {
			return model.LedgerEvent{}, fmt.Errorf("%w: selling %s from a market cap of %s",
				model.ErrInsufficientCapital, amount, entity.MarketCap)
		}
		e.EventType = model.EventShareSale
		e.Quantity = -o.Quantity
		e.TradeAmount = amount.Neg()
		e.Description = fmt.Sprintf("Sold %d shares at %s", o.Quantity, o.PricePerShare)
	}

	after, err := entity.MarketCap.AddChecked(e.TradeAmount)
	if err != nil {
		return model.LedgerEvent{}, model.Invalid("quantity", "market cap would exceed the representable range")
	}
	e.MarketCapAfter = after
	e.SharePriceAfter = valuation.SharePrice(e.MarketCapAfter, entity.SharesOutstanding, p.DefaultSharePrice)
	return e, nil
}
