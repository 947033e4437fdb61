package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
)

//go:embed schema.sql
var schema string

// PostgreSQL error codes the store classifies.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

const eventColumns = `id, entity_id, event_type, trigger_event_id, holder_id, event_date,
	market_cap_before, market_cap_after, share_price_before, share_price_after,
	quantity, trade_amount, description, created_at`

const entityColumns = `id, name, shares_outstanding, market_cap, version, created_at, updated_at`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as BIGINT cents. Transactions run at
// SERIALIZABLE isolation and lock the entity row they modify.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapError(fmt.Errorf("begin: %w", err))
	}
	// no-op once committed
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	return scanEntity(row, id)
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows, "")
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func (s *PostgresStore) QueryEvents(ctx context.Context, q EventQuery) iter.Seq2[model.LedgerEvent, error] {
	return func(yield func(model.LedgerEvent, error) bool) {
		sql, args := buildEventQuery(q)
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			yield(model.LedgerEvent{}, fmt.Errorf("query events %s: %w", q.EntityID, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				yield(model.LedgerEvent{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.LedgerEvent{}, err)
		}
	}
}

func (s *PostgresStore) HolderEntities(ctx context.Context, holderID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT entity_id FROM ledger_events
		 WHERE holder_id = $1 AND event_type IN ('share_purchase', 'share_sale')
		 ORDER BY entity_id`, holderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildEventQuery renders q as a SELECT over ledger_events.
func buildEventQuery(q EventQuery) (string, []any) {
	var b strings.Builder
	args := []any{q.EntityID}
	b.WriteString(`SELECT ` + eventColumns + ` FROM ledger_events WHERE entity_id = $1`)

	if q.HolderID != "" {
		args = append(args, q.HolderID)
		fmt.Fprintf(&b, ` AND holder_id = $%d`, len(args))
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		fmt.Fprintf(&b, ` AND event_type = ANY($%d)`, len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		fmt.Fprintf(&b, ` AND event_date >= $%d`, len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		fmt.Fprintf(&b, ` AND event_date <= $%d`, len(args))
	}
	if q.Order == Descending {
		b.WriteString(` ORDER BY event_date DESC, id DESC`)
	} else {
		b.WriteString(` ORDER BY event_date, id`)
	}
	return b.String(), args
}

// mapError translates PostgreSQL failures into the model's sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s", model.ErrConcurrencyConflict, pgErr.Message)
	case codeUniqueViolation:
		if errors.Is(err, model.ErrEntityExists) || errors.Is(err, model.ErrConflict) {
			return err
		}
		return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetEntityForUpdate(ctx context.Context, id string) (*model.Entity, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1 FOR UPDATE`, id)
	return scanEntity(row, id)
}

func (t *pgTx) CreateEntity(ctx context.Context, e *model.Entity) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO entities (id, name, shares_outstanding, market_cap, version)
		 VALUES ($1, $2, $3, $4, 1)
		 RETURNING version, created_at, updated_at`,
		e.ID, e.Name, e.SharesOutstanding, e.MarketCap.Int64(),
	).Scan(&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("entity %s: %w", e.ID, model.ErrEntityExists)
	}
	if err != nil {
		return fmt.Errorf("create entity %s: %w", e.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateEntity(ctx context.Context, e *model.Entity) error {
	err := t.tx.QueryRow(ctx,
		`UPDATE entities
		 SET name = $2, shares_outstanding = $3, market_cap = $4,
		     version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $5
		 RETURNING version, updated_at`,
		e.ID, e.Name, e.SharesOutstanding, e.MarketCap.Int64(), e.Version,
	).Scan(&e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("entity %s at version %d: %w", e.ID, e.Version, model.ErrConcurrencyConflict)
	}
	if err != nil {
		return fmt.Errorf("update entity %s: %w", e.ID, err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *model.LedgerEvent) (int64, error) {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_events (entity_id, event_type, trigger_event_id, holder_id, event_date,
		     market_cap_before, market_cap_after, share_price_before, share_price_after,
		     quantity, trade_amount, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		e.EntityID, string(e.EventType), nullIfEmpty(e.TriggerEventID), nullIfEmpty(e.HolderID), e.EventDate,
		e.MarketCapBefore.Int64(), e.MarketCapAfter.Int64(),
		e.SharePriceBefore.Int64(), e.SharePriceAfter.Int64(),
		e.Quantity, e.TradeAmount.Int64(), e.Description,
	).Scan(&e.ID, &e.CreatedAt)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%s/%s: %w", e.EntityID, e.TriggerEventID, model.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", e.EntityID, err)
	}
	return e.ID, nil
}

func (t *pgTx) FindEvent(ctx context.Context, entityID, triggerEventID string) (*model.LedgerEvent, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE entity_id = $1 AND trigger_event_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, entityID, triggerEventID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) InitialState(ctx context.Context, entityID string) (*model.LedgerEvent, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE entity_id = $1 AND event_type = 'initial_state'
		 ORDER BY event_date, id LIMIT 1`, entityID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("initial state %s: %w", entityID, err)
	}
	return &e, nil
}

func (t *pgTx) HolderQuantity(ctx context.Context, holderID, entityID string) (int64, error) {
	var q int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM ledger_events
		 WHERE holder_id = $1 AND entity_id = $2
		   AND event_type IN ('share_purchase', 'share_sale')`, holderID, entityID).Scan(&q)
	if err != nil {
		return 0, fmt.Errorf("holder quantity %s/%s: %w", holderID, entityID, err)
	}
	return q, nil
}

func (t *pgTx) TruncateLedger(ctx context.Context, entityID string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM ledger_events WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("truncate ledger %s: %w", entityID, err)
	}
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, id string) (*model.Entity, error) {
	var e model.Entity
	var marketCap int64
	err := row.Scan(&e.ID, &e.Name, &e.SharesOutstanding, &marketCap, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, model.ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity %s: %w", id, err)
	}
	e.MarketCap = money.Cents(marketCap)
	return &e, nil
}

func scanEvent(row rowScanner) (model.LedgerEvent, error) {
	var e model.LedgerEvent
	var eventType string
	var trigger, holder *string
	var capBefore, capAfter, priceBefore, priceAfter, amount int64

	if err := row.Scan(&e.ID, &e.EntityID, &eventType, &trigger, &holder, &e.EventDate,
		&capBefore, &capAfter, &priceBefore, &priceAfter,
		&e.Quantity, &amount, &e.Description, &e.CreatedAt); err != nil {
		return model.LedgerEvent{}, err
	}

	e.EventType = model.EventType(eventType)
	if trigger != nil {
		e.TriggerEventID = *trigger
	}
	if holder != nil {
		e.HolderID = *holder
	}
	e.MarketCapBefore = money.Cents(capBefore)
	e.MarketCapAfter = money.Cents(capAfter)
	e.SharePriceBefore = money.Cents(priceBefore)
	e.SharePriceAfter = money.Cents(priceAfter)
	e.TradeAmount = money.Cents(amount)
	return e, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
