// Package store defines the persistence interface for the valuation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// snapshot cache), and in-memory (for testing and development).
//
// The ledger is append-only. Entity rows hold a market cap snapshot that the
// engine rewrites inside the same transaction as every append, so the
// snapshot can always be re-derived by replaying the ledger.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/atmx/valuation-engine/internal/model"
)

// Order selects the direction of an event query.
type Order int

const (
	Ascending Order = iota
	Descending
)

// EventQuery selects ledger events for one entity. Zero From/To leave that
// side of the range open; both bounds are inclusive on EventDate. Results
// are ordered by (EventDate, ID).
type EventQuery struct {
	EntityID string
	HolderID string            // optional; trades carry a holder
	Types    []model.EventType // empty selects every type
	From     time.Time
	To       time.Time
	Order    Order
}

// Matches reports whether e satisfies the query filters.
func (q EventQuery) Matches(e model.LedgerEvent) bool {
	if e.EntityID != q.EntityID {
		return false
	}
	if q.HolderID != "" && e.HolderID != q.HolderID {
		return false
	}
	if !q.From.IsZero() && e.EventDate.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.EventDate.After(q.To) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if e.EventType == t {
			return true
		}
	}
	return false
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache of entity snapshots.
type Store interface {
	// RunInTx runs fn inside one serializable transaction. Writes made
	// through tx become visible only if fn returns nil and the commit
	// succeeds; otherwise nothing is persisted. Lost races surface as
	// model.ErrConcurrencyConflict. fn must not call back into the Store.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetEntity returns the committed entity snapshot.
	GetEntity(ctx context.Context, id string) (*model.Entity, error)

	// ListEntities returns every entity ordered by id.
	ListEntities(ctx context.Context) ([]model.Entity, error)

	// QueryEvents returns a lazy, finite sequence of committed events. The
	// query runs when the sequence is ranged over; an error is yielded as
	// the final element.
	QueryEvents(ctx context.Context, q EventQuery) iter.Seq2[model.LedgerEvent, error]

	// HolderEntities returns the ids of every entity the holder has traded.
	HolderEntities(ctx context.Context, holderID string) ([]string, error)
}

// Tx is the write side of the store, valid only inside RunInTx.
type Tx interface {
	// GetEntityForUpdate reads an entity and locks it until the
	// transaction ends.
	GetEntityForUpdate(ctx context.Context, id string) (*model.Entity, error)

	// CreateEntity inserts a new entity at version 1. Fails with
	// model.ErrEntityExists.
	CreateEntity(ctx context.Context, e *model.Entity) error

	// UpdateEntity writes the snapshot if the stored version still equals
	// e.Version, then bumps e.Version. A stale version fails with
	// model.ErrConcurrencyConflict.
	UpdateEntity(ctx context.Context, e *model.Entity) error

	// AppendEvent assigns an id and creation time and appends the event.
	// A second non-trade event for the same (entity, trigger) fails with
	// model.ErrConflict.
	AppendEvent(ctx context.Context, e *model.LedgerEvent) (int64, error)

	// FindEvent returns the newest event recorded for (entity, trigger),
	// or nil when there is none.
	FindEvent(ctx context.Context, entityID, triggerEventID string) (*model.LedgerEvent, error)

	// InitialState returns the entity's earliest initial_state event as
	// seen by the transaction, or nil when there is none.
	InitialState(ctx context.Context, entityID string) (*model.LedgerEvent, error)

	// HolderQuantity returns the holder's net shares in the entity.
	HolderQuantity(ctx context.Context, holderID, entityID string) (int64, error)

	// TruncateLedger removes every event of the entity. Used only by
	// administrative resets.
	TruncateLedger(ctx context.Context, entityID string) error
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[model.LedgerEvent, error]) ([]model.LedgerEvent, error) {
	var events []model.LedgerEvent
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// uniqueTrigger reports whether (entity, trigger) uniqueness applies to e.
func uniqueTrigger(e *model.LedgerEvent) bool {
	return e.TriggerEventID != "" && !e.EventType.IsTrade()
}
