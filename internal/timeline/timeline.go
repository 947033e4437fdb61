// Package timeline turns raw ledger rows into the ordered, deduplicated view
// used for charts, queries and replay.
//
// Settlement may be re-invoked after a partial failure, and a store is not
// required to enforce (entity, trigger) uniqueness itself, so readers
// collapse duplicates here: per (entity, trigger) only the most recently
// created row survives, ties broken by the highest id. Rows dated after
// "now" are hidden until their date passes.
package timeline

import (
	"iter"
	"slices"
	"time"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/valuation"
)

type key struct {
	entity  string
	trigger string
}

// Dedupe returns events with duplicate (entity, trigger) rows collapsed.
// Rows without a trigger are always kept. Input order is preserved for the
// surviving rows.
func Dedupe(events []model.LedgerEvent) []model.LedgerEvent {
	winner := make(map[key]int, len(events))
	for i, e := range events {
		if e.TriggerEventID == "" {
			continue
		}
		k := key{e.EntityID, e.TriggerEventID}
		j, seen := winner[k]
		if !seen || newer(e, events[j]) {
			winner[k] = i
		}
	}

	out := make([]model.LedgerEvent, 0, len(events))
	for i, e := range events {
		if e.TriggerEventID != "" && winner[key{e.EntityID, e.TriggerEventID}] != i {
			continue
		}
		out = append(out, e)
	}
	return out
}

func newer(a, b model.LedgerEvent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Visible drops events dated after now.
func Visible(events []model.LedgerEvent, now time.Time) []model.LedgerEvent {
	out := make([]model.LedgerEvent, 0, len(events))
	for _, e := range events {
		if !e.EventDate.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// Prepare dedupes, hides future rows and sorts by (eventDate, id).
func Prepare(events []model.LedgerEvent, now time.Time) []model.LedgerEvent {
	out := Visible(Dedupe(events), now)
	valuation.SortByEventDate(out)
	return out
}

// Options parameterize Reconstruct.
type Options struct {
	Now               time.Time
	SharesOutstanding int64
	DefaultSharePrice money.Amount
}

// Reconstruct returns an entity's price history: the initial_state point
// followed by every visible match and trade event in event-date order. The
// market cap at each point is the running replay total, so rows committed
// out of event-time order still chart consistently. The sequence is finite
// and may be ranged over any number of times. It is empty when the ledger
// has no initial_state.
func Reconstruct(events []model.LedgerEvent, opts Options) iter.Seq[model.PricePoint] {
	prepared := Prepare(events, opts.Now)
	start := slices.IndexFunc(prepared, func(e model.LedgerEvent) bool {
		return e.EventType == model.EventInitialState
	})

	var points []model.PricePoint
	if start >= 0 {
		points = make([]model.PricePoint, 0, len(prepared)-start)
		var running money.Amount
		for _, e := range prepared[start:] {
			impact := e.PriceImpact()
			if e.EventType == model.EventInitialState {
				if len(points) > 0 {
					break // a second seed belongs to a reset ledger
				}
				running, impact = e.MarketCapAfter, money.Zero
			} else {
				running = running.Add(impact)
			}
			points = append(points, model.PricePoint{
				EventID:        e.ID,
				EventType:      e.EventType,
				TriggerEventID: e.TriggerEventID,
				Date:           e.EventDate,
				MarketCap:      running,
				SharePrice:     valuation.SharePrice(running, opts.SharesOutstanding, opts.DefaultSharePrice),
				PriceImpact:    impact,
				Description:    e.Description,
			})
		}
	}

	return slices.Values(points)
}
