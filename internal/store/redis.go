package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/valuation-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of entity snapshots. Writes go to the primary store inside its
// transaction; after a successful commit every entity the transaction wrote
// is refreshed in the cache. Ledger reads are never cached. Redis failures
// degrade to primary reads.
//
// Cache writes are versioned: a snapshot never replaces a cached one with
// the same or a higher version, so a reader that loaded a row just before a
// commit cannot reinstate the old snapshot.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// putIfNewer sets KEYS[1] to ARGV[1] unless the cached JSON carries a
// version >= ARGV[2]. ARGV[3] is the TTL in milliseconds.
var putIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and type(doc) == 'table' and tonumber(doc.version) and tonumber(doc.version) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched map[string]*model.Entity
	err := s.primary.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		touched = make(map[string]*model.Entity) // the primary may re-run fn
		return fn(ctx, &trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}

	// committed; refresh even if the caller has gone away
	ctx = context.WithoutCancel(ctx)
	for id, e := range touched {
		if e == nil {
			s.rdb.Del(ctx, entityKey(id))
			continue
		}
		s.put(ctx, e)
	}
	return nil
}

// put caches e unless a snapshot at least as new is already cached.
func (s *CachedStore) put(ctx context.Context, e *model.Entity) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	ttl := max(s.ttl.Milliseconds(), 1)
	putIfNewer.Run(ctx, s.rdb, []string{entityKey(e.ID)}, data, e.Version, ttl)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	data, err := s.rdb.Get(ctx, entityKey(id)).Bytes()
	if err == nil {
		var e model.Entity
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	// Cache miss: read from primary.
	e, err := s.primary.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, e)
	return e, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	return s.primary.ListEntities(ctx)
}

func (s *CachedStore) QueryEvents(ctx context.Context, q EventQuery) iter.Seq2[model.LedgerEvent, error] {
	return s.primary.QueryEvents(ctx, q)
}

func (s *CachedStore) HolderEntities(ctx context.Context, holderID string) ([]string, error) {
	return s.primary.HolderEntities(ctx, holderID)
}

// trackingTx records the snapshot each written entity ends the transaction
// with. A nil snapshot marks an entity to evict.
type trackingTx struct {
	Tx
	touched map[string]*model.Entity
}

func (t *trackingTx) record(e *model.Entity) {
	c := *e
	t.touched[e.ID] = &c
}

func (t *trackingTx) CreateEntity(ctx context.Context, e *model.Entity) error {
	if err := t.Tx.CreateEntity(ctx, e); err != nil {
		return err
	}
	t.record(e)
	return nil
}

func (t *trackingTx) UpdateEntity(ctx context.Context, e *model.Entity) error {
	if err := t.Tx.UpdateEntity(ctx, e); err != nil {
		return err
	}
	t.record(e)
	return nil
}

func (t *trackingTx) TruncateLedger(ctx context.Context, entityID string) error {
	if err := t.Tx.TruncateLedger(ctx, entityID); err != nil {
		return err
	}
	if _, ok := t.touched[entityID]; !ok {
		t.touched[entityID] = nil
	}
	return nil
}

func entityKey(id string) string { return fmt.Sprintf("entity:%s", id) }
