// Package model defines the core domain types shared across the valuation
// engine. All monetary values use money.Amount (integer cents), never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/valuation-engine/internal/money"
)

// EventType classifies a ledger event.
type EventType string

const (
	EventInitialState  EventType = "initial_state"
	EventSharePurchase EventType = "share_purchase"
	EventShareSale     EventType = "share_sale"
	EventMatchWin      EventType = "match_win"
	EventMatchLoss     EventType = "match_loss"
	EventMatchDraw     EventType = "match_draw"
)

// IsTrade reports whether t records a share purchase or sale.
func (t EventType) IsTrade() bool {
	return t == EventSharePurchase || t == EventShareSale
}

// IsMatch reports whether t records a match outcome.
func (t EventType) IsMatch() bool {
	return t == EventMatchWin || t == EventMatchLoss || t == EventMatchDraw
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventInitialState || t.IsTrade() || t.IsMatch()
}

// Outcome is the result of a concluded match from the home side's view.
type Outcome string

const (
	OutcomeHomeWin Outcome = "home_win"
	OutcomeAwayWin Outcome = "away_win"
	OutcomeDraw    Outcome = "draw"
)

// Side is the direction of a share order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Entity is a tradable team. MarketCap and SharesOutstanding form a cached
// snapshot that must always be re-derivable by replaying the ledger.
type Entity struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	SharesOutstanding int64        `json:"shares_outstanding"`
	MarketCap         money.Amount `json:"market_cap_cents"`
	Version           int64        `json:"version"` // bumped on every snapshot write
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// LedgerEvent is an immutable record of one valuation-affecting occurrence.
// Once appended, events are never modified; only an administrative reset
// removes them.
type LedgerEvent struct {
	ID               int64        `json:"id"`
	EntityID         string       `json:"entity_id"`
	EventType        EventType    `json:"event_type"`
	TriggerEventID   string       `json:"trigger_event_id,omitempty"` // match or order id
	HolderID         string       `json:"holder_id,omitempty"`        // trades only
	EventDate        time.Time    `json:"event_date"`
	MarketCapBefore  money.Amount `json:"market_cap_before_cents"`
	MarketCapAfter   money.Amount `json:"market_cap_after_cents"`
	SharePriceBefore money.Amount `json:"share_price_before_cents"`
	SharePriceAfter  money.Amount `json:"share_price_after_cents"`
	Quantity         int64        `json:"quantity"`           // signed: +purchase, -sale
	TradeAmount      money.Amount `json:"trade_amount_cents"` // signed: +purchase, -sale
	Description      string       `json:"description"`
	CreatedAt        time.Time    `json:"created_at"`
}

// PriceImpact returns the change in market cap caused by the event.
func (e LedgerEvent) PriceImpact() money.Amount {
	return e.MarketCapAfter.Sub(e.MarketCapBefore)
}

// Position is a holder's net quantity and cost basis in one entity. It is
// always derived from trade events, never stored as a balance.
type Position struct {
	HolderID      string          `json:"holder_id"`
	EntityID      string          `json:"entity_id"`
	Quantity      int64           `json:"quantity"`
	NetInvested   money.Amount    `json:"net_invested_cents"`
	AverageCost   decimal.Decimal `json:"average_cost_cents"` // sub-cent precision
	SharePrice    money.Amount    `json:"share_price_cents"`
	CurrentValue  money.Amount    `json:"current_value_cents"`
	UnrealizedPnL money.Amount    `json:"unrealized_pnl_cents"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
}

// Portfolio aggregates a holder's positions across entities.
type Portfolio struct {
	HolderID         string       `json:"holder_id"`
	Positions        []Position   `json:"positions"`
	TotalNetInvested money.Amount `json:"total_net_invested_cents"`
	TotalValue       money.Amount `json:"total_value_cents"`
	TotalPnL         money.Amount `json:"total_pnl_cents"`
}

// PricePoint is one step of an entity's valuation timeline.
type PricePoint struct {
	EventID        int64        `json:"event_id"`
	EventType      EventType    `json:"event_type"`
	TriggerEventID string       `json:"trigger_event_id,omitempty"`
	Date           time.Time    `json:"date"`
	MarketCap      money.Amount `json:"market_cap_cents"`
	SharePrice     money.Amount `json:"share_price_cents"`
	PriceImpact    money.Amount `json:"price_impact_cents"`
	Description    string       `json:"description"`
}

// Valuation is the current point-in-time valuation of an entity.
type Valuation struct {
	EntityID          string          `json:"entity_id"`
	Name              string          `json:"name"`
	MarketCap         money.Amount    `json:"market_cap_cents"`
	SharesOutstanding int64           `json:"shares_outstanding"`
	SharePrice        money.Amount    `json:"share_price_cents"`
	InitialMarketCap  money.Amount    `json:"initial_market_cap_cents"`
	ChangePercent     decimal.Decimal `json:"change_percent"`
	MarketCapDisplay  string          `json:"market_cap_display"`
	SharePriceDisplay string          `json:"share_price_display"`
	AsOf              time.Time       `json:"as_of"`
}
