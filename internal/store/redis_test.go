package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
)

// unreachableRedis points at a closed port so every command fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedStore_DegradesToPrimary(t *testing.T) {
	primary := NewMemoryStore()
	s := NewCachedStore(primary, unreachableRedis(t), time.Minute)
	seed(t, s, "liv", 10000)

	e, err := s.GetEntity(context.Background(), "liv")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(10000), e.MarketCap)

	_, err = s.GetEntity(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
}

func TestCachedStore_TracksWrittenSnapshots(t *testing.T) {
	primary := NewMemoryStore()
	seed(t, primary, "liv", 10000)
	seed(t, primary, "ars", 10000)

	touched := make(map[string]*model.Entity)
	err := primary.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		tt := &trackingTx{Tx: tx, touched: touched}
		e, err := tt.GetEntityForUpdate(ctx, "liv")
		if err != nil {
			return err
		}
		e.MarketCap = 12000
		if err := tt.UpdateEntity(ctx, e); err != nil {
			return err
		}
		e.MarketCap = 99 // later edits to the caller's copy are not recorded
		return tt.TruncateLedger(ctx, "ars")
	})
	require.NoError(t, err)

	require.Contains(t, touched, "liv")
	assert.Equal(t, int64(2), touched["liv"].Version)
	assert.Equal(t, money.Cents(12000), touched["liv"].MarketCap)
	require.Contains(t, touched, "ars")
	assert.Nil(t, touched["ars"])
	assert.Equal(t, "entity:liv", entityKey("liv"))
}

func TestCachedStore_FailedWriteNotTracked(t *testing.T) {
	primary := NewMemoryStore()
	seed(t, primary, "liv", 10000)

	touched := make(map[string]*model.Entity)
	err := primary.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		tt := &trackingTx{Tx: tx, touched: touched}
		return tt.UpdateEntity(ctx, &model.Entity{ID: "liv", Version: 7})
	})
	require.ErrorIs(t, err, model.ErrConcurrencyConflict)
	assert.Empty(t, touched)
}

// liveRedis connects to REDIS_URL or skips the test.
func liveRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestCachedStore_StaleSnapshotCannotOverwrite(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()
	id := fmt.Sprintf("cache-race-%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(context.Background(), entityKey(id)) })

	primary := NewMemoryStore()
	seed(t, primary, id, 10000)
	s := NewCachedStore(primary, rdb, time.Minute)

	// a reader loads version 1 before the write below commits
	stale, err := primary.GetEntity(ctx, id)
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.GetEntityForUpdate(ctx, id)
		if err != nil {
			return err
		}
		e.MarketCap = 15000
		return tx.UpdateEntity(ctx, e)
	})
	require.NoError(t, err)

	// the reader now populates the cache with what it read
	s.put(ctx, stale)

	got, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, money.Cents(15000), got.MarketCap)
}
