package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
)

func TestBuildEventQuery(t *testing.T) {
	sql, args := buildEventQuery(EventQuery{EntityID: "liv"})
	assert.Contains(t, sql, "WHERE entity_id = $1 ORDER BY event_date, id")
	assert.Equal(t, []any{"liv"}, args)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	sql, args = buildEventQuery(EventQuery{
		EntityID: "liv",
		HolderID: "alice",
		Types:    []model.EventType{model.EventSharePurchase, model.EventShareSale},
		From:     from,
		To:       to,
		Order:    Descending,
	})
	assert.Contains(t, sql, "AND holder_id = $2 AND event_type = ANY($3) AND event_date >= $4 AND event_date <= $5")
	assert.Contains(t, sql, "ORDER BY event_date DESC, id DESC")
	assert.Equal(t, []any{"liv", "alice", []string{"share_purchase", "share_sale"}, from, to}, args)
}

func TestMapError(t *testing.T) {
	wrap := func(code string) error {
		return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, Message: "m"})
	}

	assert.ErrorIs(t, mapError(wrap(codeSerializationFailure)), model.ErrConcurrencyConflict)
	assert.ErrorIs(t, mapError(wrap(codeDeadlockDetected)), model.ErrConcurrencyConflict)
	assert.ErrorIs(t, mapError(wrap(codeUniqueViolation)), model.ErrConflict)
	assert.True(t, model.IsRetryable(mapError(wrap(codeSerializationFailure))))

	other := wrap("23503")
	assert.Equal(t, other, mapError(other))

	plain := errors.New("plain")
	assert.Equal(t, plain, mapError(plain))
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	if p := nullIfEmpty("m-1"); assert.NotNil(t, p) {
		assert.Equal(t, "m-1", *p)
	}
}

// livePostgres connects to DATABASE_URL and removes the listed entities'
// rows when the test ends.
func livePostgres(t *testing.T, ids ...string) *PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM ledger_events WHERE entity_id = ANY($1)`, ids)
		pool.Exec(ctx, `DELETE FROM entities WHERE id = ANY($1)`, ids)
		pool.Close()
	})

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPostgresStore_ConcurrentIncrementsSerialize(t *testing.T) {
	id := uniqueID("pg-inc")
	s := livePostgres(t, id)
	seed(t, s, id, 10000)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			holder := fmt.Sprintf("h-%d", i)
			for attempt := 0; attempt < 100; attempt++ {
				err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
					e, err := tx.GetEntityForUpdate(ctx, id)
					if err != nil {
						return err
					}
					before := e.MarketCap
					e.MarketCap += money.Cents(100)
					if _, err := tx.AppendEvent(ctx, &model.LedgerEvent{
						EntityID:        id,
						EventType:       model.EventSharePurchase,
						TriggerEventID:  holder,
						HolderID:        holder,
						EventDate:       day0.Add(time.Hour),
						MarketCapBefore: before,
						MarketCapAfter:  e.MarketCap,
						Quantity:        1,
						TradeAmount:     money.Cents(100),
					}); err != nil {
						return err
					}
					return tx.UpdateEntity(ctx, e)
				})
				if model.IsRetryable(err) {
					time.Sleep(time.Duration(attempt+1) * time.Millisecond)
					continue
				}
				assert.NoError(t, err)
				return
			}
			t.Errorf("%s: retries exhausted", holder)
		}()
	}
	wg.Wait()

	e, err := s.GetEntity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(10000+workers*100), e.MarketCap)
	assert.Equal(t, int64(1+workers), e.Version)

	var caps []money.Amount
	for ev, err := range s.QueryEvents(context.Background(), EventQuery{EntityID: id, Types: []model.EventType{model.EventSharePurchase}}) {
		require.NoError(t, err)
		caps = append(caps, ev.MarketCapAfter)
	}
	require.Len(t, caps, workers)
	// each committed trade saw the previous one's cap
	for i, c := range caps {
		assert.Equal(t, money.Cents(10000+int64(i+1)*100), c)
	}
}

func TestPostgresStore_VersionAndTriggerGuards(t *testing.T) {
	id := uniqueID("pg-guard")
	s := livePostgres(t, id)
	seed(t, s, id, 10000)
	ctx := context.Background()

	stale, err := s.GetEntity(ctx, id)
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.GetEntityForUpdate(ctx, id)
		if err != nil {
			return err
		}
		e.MarketCap = money.Cents(11000)
		return tx.UpdateEntity(ctx, e)
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		stale.MarketCap = money.Cents(9000)
		return tx.UpdateEntity(ctx, stale)
	})
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)

	win := model.LedgerEvent{EntityID: id, EventType: model.EventMatchWin, TriggerEventID: "m-1", EventDate: day0.Add(time.Hour)}
	appendEvent(t, s, win)
	err = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AppendEvent(ctx, &win)
		return err
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	err = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		seedEvent, err := tx.InitialState(ctx, id)
		require.NoError(t, err)
		if assert.NotNil(t, seedEvent) {
			assert.True(t, seedEvent.EventDate.Equal(day0))
		}
		missing, err := tx.InitialState(ctx, id+"-none")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)

	e, err := s.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(11000), e.MarketCap)
	assert.Equal(t, int64(2), e.Version)
}
