// Package valuation holds the pure share-price and replay functions used by
// settlement, trade execution and reconciliation. Nothing here performs I/O.
package valuation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
)

// ErrMultipleInitialStates is returned by Replay when a ledger carries more
// than one initial_state row.
var ErrMultipleInitialStates = errors.New("valuation: multiple initial_state events")

// Metrics is the share-level view of an entity's market cap.
type Metrics struct {
	MarketCap         money.Amount `json:"market_cap_cents"`
	SharesOutstanding int64        `json:"shares_outstanding"`
	SharePrice        money.Amount `json:"share_price_cents"`
}

// ComputeShareMetrics returns marketCap / sharesOutstanding rounded to whole
// cents, or defaultPrice when sharesOutstanding is not positive.
func ComputeShareMetrics(marketCap money.Amount, sharesOutstanding int64, defaultPrice money.Amount) Metrics {
	m := Metrics{MarketCap: marketCap, SharesOutstanding: sharesOutstanding, SharePrice: defaultPrice}
	if sharesOutstanding > 0 {
		m.SharePrice = marketCap.DivInt(sharesOutstanding)
	}
	return m
}

// SharePrice is shorthand for ComputeShareMetrics(...).SharePrice.
func SharePrice(marketCap money.Amount, sharesOutstanding int64, defaultPrice money.Amount) money.Amount {
	return ComputeShareMetrics(marketCap, sharesOutstanding, defaultPrice).SharePrice
}

// SortByEventDate orders events by (EventDate, ID) in place.
func SortByEventDate(events []model.LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.Before(b.EventDate)
		}
		return a.ID < b.ID
	})
}

// Replay recomputes an entity's market cap from its ledger: the
// initial_state cap plus every later event's price impact, in event-date
// order. Callers dedupe the ledger first.
func Replay(events []model.LedgerEvent) (initial, final money.Amount, err error) {
	sorted := make([]model.LedgerEvent, len(events))
	copy(sorted, events)
	SortByEventDate(sorted)

	seeded := false
	for _, e := range sorted {
		if e.EventType == model.EventInitialState {
			if seeded {
				return 0, 0, fmt.Errorf("%w: entity %s", ErrMultipleInitialStates, e.EntityID)
			}
			seeded = true
			initial = e.MarketCapAfter
			final = final.Add(initial)
			continue
		}
		final = final.Add(e.PriceImpact())
	}
	if !seeded {
		return 0, 0, model.ErrMissingValuation
	}
	return initial, final, nil
}

// ChainBreaks returns the ids of events, taken in commit (id) order, whose
// MarketCapBefore does not equal the previous event's MarketCapAfter. A
// non-empty result means a write was applied against a stale snapshot.
func ChainBreaks(events []model.LedgerEvent) []int64 {
	sorted := make([]model.LedgerEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var breaks []int64
	for i := 1; i < len(sorted); i++ {
		if sorted[i].MarketCapBefore != sorted[i-1].MarketCapAfter {
			breaks = append(breaks, sorted[i].ID)
		}
	}
	return breaks
}

// Report is the outcome of reconciling a cached snapshot against its ledger.
type Report struct {
	EntityID      string       `json:"entity_id"`
	CachedCap     money.Amount `json:"cached_market_cap_cents"`
	ReplayedCap   money.Amount `json:"replayed_market_cap_cents"`
	InitialCap    money.Amount `json:"initial_market_cap_cents"`
	Drift         money.Amount `json:"drift_cents"`
	EventsApplied int          `json:"events_applied"`
	ChainBreaks   []int64      `json:"chain_breaks,omitempty"`
	Consistent    bool         `json:"consistent"`
}

// Reconcile replays events and compares the result with the cached entity.
func Reconcile(entity model.Entity, events []model.LedgerEvent) (Report, error) {
	initial, replayed, err := Replay(events)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		EntityID:      entity.ID,
		CachedCap:     entity.MarketCap,
		ReplayedCap:   replayed,
		InitialCap:    initial,
		Drift:         entity.MarketCap.Sub(replayed),
		EventsApplied: len(events),
		ChainBreaks:   ChainBreaks(events),
	}
	r.Consistent = r.Drift.IsZero() && len(r.ChainBreaks) == 0
	return r, nil
}
