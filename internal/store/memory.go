package store

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/atmx/valuation-engine/internal/model"
)

const btreeDegree = 32

type triggerKey struct {
	entity  string
	trigger string
}

// MemoryStore implements Store with in-memory maps and one B-tree per
// entity ordered by (EventDate, ID). Used for testing and development. Not
// suitable for production (no persistence).
//
// Transactions take the store-wide write lock for their whole duration, so
// they are fully serialized. Writes are staged and applied only on commit.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*model.Entity
	ledgers  map[string]*btree.BTreeG[model.LedgerEvent]
	triggers map[triggerKey]model.LedgerEvent // newest event per trigger
	holders  map[string]map[string]int64      // holder -> entity -> net quantity
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*model.Entity),
		ledgers:  make(map[string]*btree.BTreeG[model.LedgerEvent]),
		triggers: make(map[triggerKey]model.LedgerEvent),
		holders:  make(map[string]map[string]int64),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func eventLess(a, b model.LedgerEvent) bool {
	if !a.EventDate.Equal(b.EventDate) {
		return a.EventDate.Before(b.EventDate)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, entities: make(map[string]*model.Entity), truncated: make(map[string]bool)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	// a cancelled caller must not see its writes land
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, model.ErrEntityNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) ListEntities(_ context.Context) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entities := make([]model.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, *e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return entities, nil
}

// QueryEvents snapshots the matching events under the read lock; the
// returned sequence replays that snapshot.
func (s *MemoryStore) QueryEvents(ctx context.Context, q EventQuery) iter.Seq2[model.LedgerEvent, error] {
	return func(yield func(model.LedgerEvent, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(model.LedgerEvent{}, err)
			return
		}
		for _, e := range s.scan(q) {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) scan(q EventQuery) []model.LedgerEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.ledgers[q.EntityID]
	if !ok {
		return nil
	}
	var out []model.LedgerEvent
	collect := func(e model.LedgerEvent) bool {
		if q.Matches(e) {
			out = append(out, e)
		}
		return true
	}

	if q.Order == Descending {
		if q.To.IsZero() {
			tree.Descend(collect)
		} else {
			tree.DescendLessOrEqual(model.LedgerEvent{EventDate: q.To, ID: math.MaxInt64}, collect)
		}
		return out
	}
	if q.From.IsZero() {
		tree.Ascend(collect)
	} else {
		tree.AscendGreaterOrEqual(model.LedgerEvent{EventDate: q.From, ID: math.MinInt64}, collect)
	}
	return out
}

func (s *MemoryStore) HolderEntities(_ context.Context, holderID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.holders[holderID]))
	for id := range s.holders[holderID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// memTx stages writes against a MemoryStore whose write lock is held.
type memTx struct {
	s         *MemoryStore
	entities  map[string]*model.Entity
	events    []model.LedgerEvent
	truncated map[string]bool
}

func (tx *memTx) entity(id string) (*model.Entity, bool) {
	if e, ok := tx.entities[id]; ok {
		return e, true
	}
	e, ok := tx.s.entities[id]
	return e, ok
}

func (tx *memTx) GetEntityForUpdate(_ context.Context, id string) (*model.Entity, error) {
	e, ok := tx.entity(id)
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, model.ErrEntityNotFound)
	}
	copy := *e
	return &copy, nil
}

func (tx *memTx) CreateEntity(_ context.Context, e *model.Entity) error {
	if _, ok := tx.entity(e.ID); ok {
		return fmt.Errorf("entity %s: %w", e.ID, model.ErrEntityExists)
	}
	now := tx.s.now()
	e.Version = 1
	e.CreatedAt, e.UpdatedAt = now, now
	copy := *e
	tx.entities[e.ID] = &copy
	return nil
}

func (tx *memTx) UpdateEntity(_ context.Context, e *model.Entity) error {
	cur, ok := tx.entity(e.ID)
	if !ok {
		return fmt.Errorf("entity %s: %w", e.ID, model.ErrEntityNotFound)
	}
	if cur.Version != e.Version {
		return fmt.Errorf("entity %s at version %d, have %d: %w", e.ID, cur.Version, e.Version, model.ErrConcurrencyConflict)
	}
	e.Version++
	e.CreatedAt = cur.CreatedAt
	e.UpdatedAt = tx.s.now()
	copy := *e
	tx.entities[e.ID] = &copy
	return nil
}

func (tx *memTx) AppendEvent(ctx context.Context, e *model.LedgerEvent) (int64, error) {
	if _, ok := tx.entity(e.EntityID); !ok {
		return 0, fmt.Errorf("append to %s: %w", e.EntityID, model.ErrEntityNotFound)
	}
	if uniqueTrigger(e) {
		existing, err := tx.FindEvent(ctx, e.EntityID, e.TriggerEventID)
		if err != nil {
			return 0, err
		}
		if existing != nil && !existing.EventType.IsTrade() {
			return 0, fmt.Errorf("%s/%s: %w", e.EntityID, e.TriggerEventID, model.ErrConflict)
		}
	}
	e.ID = tx.s.nextID + int64(len(tx.events)) + 1
	e.CreatedAt = tx.s.now()
	tx.events = append(tx.events, *e)
	return e.ID, nil
}

func (tx *memTx) FindEvent(_ context.Context, entityID, triggerEventID string) (*model.LedgerEvent, error) {
	for i := len(tx.events) - 1; i >= 0; i-- {
		if tx.events[i].EntityID == entityID && tx.events[i].TriggerEventID == triggerEventID {
			e := tx.events[i]
			return &e, nil
		}
	}
	if tx.truncated[entityID] {
		return nil, nil
	}
	e, ok := tx.s.triggers[triggerKey{entityID, triggerEventID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (tx *memTx) InitialState(_ context.Context, entityID string) (*model.LedgerEvent, error) {
	var seed *model.LedgerEvent
	for i := range tx.events {
		e := tx.events[i]
		if e.EntityID == entityID && e.EventType == model.EventInitialState && (seed == nil || eventLess(e, *seed)) {
			seed = &e
		}
	}
	if tx.truncated[entityID] {
		return seed, nil
	}
	if tree, ok := tx.s.ledgers[entityID]; ok {
		tree.Ascend(func(e model.LedgerEvent) bool {
			if e.EventType != model.EventInitialState {
				return true
			}
			if seed == nil || eventLess(e, *seed) {
				seed = &e
			}
			return false
		})
	}
	return seed, nil
}

func (tx *memTx) HolderQuantity(_ context.Context, holderID, entityID string) (int64, error) {
	var q int64
	if !tx.truncated[entityID] {
		q = tx.s.holders[holderID][entityID]
	}
	for _, e := range tx.events {
		if e.EntityID == entityID && e.HolderID == holderID && e.EventType.IsTrade() {
			q += e.Quantity
		}
	}
	return q, nil
}

func (tx *memTx) TruncateLedger(_ context.Context, entityID string) error {
	tx.truncated[entityID] = true
	tx.events = slices.DeleteFunc(tx.events, func(e model.LedgerEvent) bool { return e.EntityID == entityID })
	return nil
}

func (tx *memTx) commit() {
	s := tx.s
	for id := range tx.truncated {
		delete(s.ledgers, id)
		for k := range s.triggers {
			if k.entity == id {
				delete(s.triggers, k)
			}
		}
		for _, held := range s.holders {
			delete(held, id)
		}
	}
	for id, e := range tx.entities {
		s.entities[id] = e
	}
	for _, e := range tx.events {
		tree, ok := s.ledgers[e.EntityID]
		if !ok {
			tree = btree.NewG[model.LedgerEvent](btreeDegree, eventLess)
			s.ledgers[e.EntityID] = tree
		}
		tree.ReplaceOrInsert(e)
		if e.TriggerEventID != "" {
			s.triggers[triggerKey{e.EntityID, e.TriggerEventID}] = e
		}
		if e.EventType.IsTrade() {
			held, ok := s.holders[e.HolderID]
			if !ok {
				held = make(map[string]int64)
				s.holders[e.HolderID] = held
			}
			held[e.EntityID] += e.Quantity
		}
		if e.ID > s.nextID {
			s.nextID = e.ID
		}
	}
}
