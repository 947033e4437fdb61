package execution

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
)

var now = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func entity(capCents, shares int64) model.Entity {
	return model.Entity{ID: "che", MarketCap: money.Cents(capCents), SharesOutstanding: shares}
}

func order(side model.Side, qty, price int64) Order {
	return Order{
		OrderID:       "o-1",
		HolderID:      "alice",
		Side:          side,
		Quantity:      qty,
		PricePerShare: money.Cents(price),
		ExecutedAt:    now,
	}
}

func params() Params {
	return Params{Limits: NewLimits(100), DefaultSharePrice: 2000}
}

// Buying 2 shares at 500 into 10000 cents / 5 shares lifts the cap to 11000
// and the price to 2200.
func TestExecute_Buy(t *testing.T) {
	e, err := Execute(entity(10000, 5), 0, order(model.SideBuy, 2, 500), params())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if e.EventType != model.EventSharePurchase {
		t.Errorf("type = %s", e.EventType)
	}
	if e.MarketCapBefore != 10000 || e.MarketCapAfter != 11000 {
		t.Errorf("cap %d -> %d", e.MarketCapBefore, e.MarketCapAfter)
	}
	if e.SharePriceBefore != 2000 || e.SharePriceAfter != 2200 {
		t.Errorf("price %d -> %d", e.SharePriceBefore, e.SharePriceAfter)
	}
	if e.Quantity != 2 || e.TradeAmount != 1000 {
		t.Errorf("quantity=%d amount=%d", e.Quantity, e.TradeAmount)
	}
	if e.TriggerEventID != "o-1" || e.HolderID != "alice" || !e.EventDate.Equal(now) {
		t.Errorf("unexpected identity fields %+v", e)
	}
}

func TestExecute_Sell(t *testing.T) {
	e, err := Execute(entity(11000, 5), 2, order(model.SideSell, 1, 2200), params())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if e.EventType != model.EventShareSale || e.Quantity != -1 || e.TradeAmount != -2200 {
		t.Errorf("unexpected sale %+v", e)
	}
	if e.MarketCapAfter != 8800 || e.SharePriceAfter != 1760 {
		t.Errorf("cap=%d price=%d", e.MarketCapAfter, e.SharePriceAfter)
	}
}

func TestExecute_SellOverdraft(t *testing.T) {
	_, err := Execute(entity(11000, 5), 1, order(model.SideSell, 2, 100), params())
	if !errors.Is(err, model.ErrOverdraft) {
		t.Errorf("expected ErrOverdraft, got %v", err)
	}
}

func TestExecute_SellInsufficientCapital(t *testing.T) {
	_, err := Execute(entity(500, 5), 3, order(model.SideSell, 3, 200), params())
	if !errors.Is(err, model.ErrInsufficientCapital) {
		t.Errorf("expected ErrInsufficientCapital, got %v", err)
	}

	// draining to exactly zero is allowed
	e, err := Execute(entity(600, 5), 3, order(model.SideSell, 3, 200), params())
	if err != nil || e.MarketCapAfter != 0 {
		t.Errorf("expected cap 0, got %d (%v)", e.MarketCapAfter, err)
	}
}

// Each buy fits in int64 on its own, but the second would wrap the market
// cap negative.
func TestExecute_BuyOverflowingMarketCap(t *testing.T) {
	p := Params{Limits: NewLimits(1000), DefaultSharePrice: 2000}
	first, err := Execute(entity(10000, 5), 0, order(model.SideBuy, 1000, 5e15), p)
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}

	ent := entity(first.MarketCapAfter.Int64(), 5)
	_, err = Execute(ent, 1000, order(model.SideBuy, 1000, 5e15), p)
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if ve.Field != "quantity" {
		t.Errorf("field = %q, want quantity", ve.Field)
	}
}

func TestExecute_Validation(t *testing.T) {
	cases := []struct {
		name  string
		o     Order
		field string
	}{
		{"zero quantity", order(model.SideBuy, 0, 500), "quantity"},
		{"negative quantity", order(model.SideBuy, -3, 500), "quantity"},
		{"over max size", order(model.SideBuy, 101, 500), "quantity"},
		{"bad side", order("hold", 1, 500), "side"},
		{"zero price", order(model.SideBuy, 1, 0), "price_per_share"},
		{"missing order", Order{HolderID: "a", Side: model.SideBuy, Quantity: 1, PricePerShare: 1}, "order_id"},
		{"missing holder", Order{OrderID: "o", Side: model.SideBuy, Quantity: 1, PricePerShare: 1}, "holder_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Execute(entity(10000, 5), 10, tc.o, params())
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tc.field {
				t.Errorf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestLimits_NilUsesDefault(t *testing.T) {
	var l *Limits
	if err := l.Check(model.SideBuy, DefaultMaxOrderSize, 0); err != nil {
		t.Errorf("expected default limit to accept %d, got %v", DefaultMaxOrderSize, err)
	}
	if err := l.Check(model.SideBuy, DefaultMaxOrderSize+1, 0); err == nil {
		t.Error("expected rejection above default limit")
	}
}

func TestNewLimits_InvalidFallsBack(t *testing.T) {
	if l := NewLimits(0); l.MaxOrderSize != DefaultMaxOrderSize {
		t.Errorf("got %d", l.MaxOrderSize)
	}
}

func TestProperty_NAVConsistency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capBefore := rapid.Int64Range(0, 1_000_000_000).Draw(t, "cap")
		shares := rapid.Int64Range(1, 100_000).Draw(t, "shares")
		qty := rapid.Int64Range(1, 100).Draw(t, "qty")
		price := rapid.Int64Range(1, 1_000_000).Draw(t, "price")

		e, err := Execute(entity(capBefore, shares), 0, order(model.SideBuy, qty, price), params())
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if int64(e.MarketCapAfter) != capBefore+qty*price {
			t.Fatalf("cap after %d, want %d", e.MarketCapAfter, capBefore+qty*price)
		}
		if e.SharePriceAfter != e.MarketCapAfter.DivInt(shares) {
			t.Fatalf("price after %d, want %d", e.SharePriceAfter, e.MarketCapAfter.DivInt(shares))
		}
	})
}
