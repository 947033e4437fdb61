package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/valuation-engine/internal/api"
	"github.com/atmx/valuation-engine/internal/engine"
	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/store"
	"github.com/atmx/valuation-engine/internal/valuation"
)

// newTestEnv creates a router over an engine backed by st.
func newTestEnv(t *testing.T, st store.Store, mutate ...func(*engine.Config)) chi.Router {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.RetryBaseDelay = 0
	for _, m := range mutate {
		m(&cfg)
	}
	svc := api.NewService(engine.New(st, cfg))

	r := chi.NewRouter()
	svc.Routes(r)
	return r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), "body: %s", w.Body.String())
	return v
}

func errMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, w)["error"]
}

func createEntity(t *testing.T, router http.Handler, id string, capCents, shares int64) {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/entities", api.CreateEntityRequest{
		EntityID:          id,
		Name:              id + " FC",
		MarketCap:         money.Cents(capCents),
		SharesOutstanding: shares,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// --- Entity administration ---

func TestCreateEntity(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)

	w := do(t, router, http.MethodGet, "/api/v1/entities/che", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeBody[model.Valuation](t, w)
	assert.Equal(t, money.Cents(10000), v.MarketCap)
	assert.Equal(t, money.Cents(2000), v.SharePrice)
	assert.Equal(t, "$20.00", v.SharePriceDisplay)

	w = do(t, router, http.MethodGet, "/api/v1/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]engine.EntitySummary](t, w), 1)
}

func TestCreateEntity_Duplicate(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)

	w := do(t, router, http.MethodPost, "/api/v1/entities", api.CreateEntityRequest{
		EntityID: "che", MarketCap: 5000, SharesOutstanding: 5,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateEntity_Validation(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())

	cases := map[string]struct {
		body  any
		field string
	}{
		"missing id":     {api.CreateEntityRequest{MarketCap: 100, SharesOutstanding: 1}, "entity_id"},
		"zero shares":    {api.CreateEntityRequest{EntityID: "x", MarketCap: 100}, "shares_outstanding"},
		"negative cap":   {api.CreateEntityRequest{EntityID: "x", MarketCap: -1, SharesOutstanding: 1}, "market_cap_cents"},
		"malformed json": {"not an object", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/entities", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errMessage(t, w), tc.field)
		})
	}
}

func TestGetValuation_NotFound(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	w := do(t, router, http.MethodGet, "/api/v1/entities/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEntities_EmptyIsArray(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	w := do(t, router, http.MethodGet, "/api/v1/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

// --- Orders ---

func TestPlaceOrder_Buy(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)

	order := api.OrderRequest{
		OrderID: "o-1", HolderID: "alice", EntityID: "che",
		Side: model.SideBuy, Quantity: 2, PricePerShare: 500,
	}
	w := do(t, router, http.MethodPost, "/api/v1/orders", order)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[engine.TradeResult](t, w)
	assert.Equal(t, money.Cents(11000), res.Event.MarketCapAfter)
	assert.Equal(t, money.Cents(2200), res.Event.SharePriceAfter)
	assert.False(t, res.Duplicate)

	// replaying the order id returns the original trade
	w = do(t, router, http.MethodPost, "/api/v1/orders", order)
	require.Equal(t, http.StatusOK, w.Code)
	replay := decodeBody[engine.TradeResult](t, w)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, res.Event.ID, replay.Event.ID)

	w = do(t, router, http.MethodGet, "/api/v1/holders/alice/entities/che/position", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pos := decodeBody[model.Position](t, w)
	assert.Equal(t, int64(2), pos.Quantity)
	assert.Equal(t, money.Cents(4400), pos.CurrentValue)

	w = do(t, router, http.MethodGet, "/api/v1/holders/alice/entities/che/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.LedgerEvent](t, w), 1)
}

func TestPlaceOrder_Overdraft(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)

	w := do(t, router, http.MethodPost, "/api/v1/orders", api.OrderRequest{
		HolderID: "alice", EntityID: "che", Side: model.SideSell, Quantity: 1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPlaceOrder_Validation(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)

	cases := map[string]api.OrderRequest{
		"bad side":      {HolderID: "alice", EntityID: "che", Side: "hold", Quantity: 1},
		"zero quantity": {HolderID: "alice", EntityID: "che", Side: model.SideBuy},
		"no holder":     {EntityID: "che", Side: model.SideBuy, Quantity: 1},
		"negative price": {
			HolderID: "alice", EntityID: "che", Side: model.SideBuy, Quantity: 1, PricePerShare: -5,
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/orders", req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestPlaceOrder_UnknownEntity(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	w := do(t, router, http.MethodPost, "/api/v1/orders", api.OrderRequest{
		HolderID: "alice", EntityID: "ghost", Side: model.SideBuy, Quantity: 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Match results ---

func TestSettleMatch(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)
	createEntity(t, router, "liv", 20000, 5)

	match := api.MatchResultRequest{
		MatchID: "m-1", HomeEntityID: "che", AwayEntityID: "liv", Outcome: model.OutcomeHomeWin,
	}
	w := do(t, router, http.MethodPost, "/api/v1/matches", match)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[engine.SettlementResult](t, w)
	assert.Equal(t, money.Cents(2000), res.Transfer)
	assert.Equal(t, money.Cents(12000), res.Home.MarketCapAfter)
	assert.Equal(t, money.Cents(18000), res.Away.MarketCapAfter)

	w = do(t, router, http.MethodPost, "/api/v1/matches", match)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[engine.SettlementResult](t, w).Duplicate)

	w = do(t, router, http.MethodGet, "/api/v1/entities/che/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	points := decodeBody[[]model.PricePoint](t, w)
	require.Len(t, points, 2)
	assert.Equal(t, money.Cents(2400), points[1].SharePrice)
	assert.Equal(t, money.Cents(2000), points[1].PriceImpact)
}

func TestSettleMatch_MissingValuation(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)

	w := do(t, router, http.MethodPost, "/api/v1/matches", api.MatchResultRequest{
		MatchID: "m-1", HomeEntityID: "che", AwayEntityID: "ghost", Outcome: model.OutcomeDraw,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettleMatch_SameTeam(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	w := do(t, router, http.MethodPost, "/api/v1/matches", api.MatchResultRequest{
		MatchID: "m-1", HomeEntityID: "che", AwayEntityID: "che", Outcome: model.OutcomeDraw,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errMessage(t, w), "away_entity_id")
}

// --- Holder queries and maintenance ---

func TestGetPortfolio(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)
	createEntity(t, router, "liv", 20000, 10)

	for _, o := range []api.OrderRequest{
		{HolderID: "alice", EntityID: "che", Side: model.SideBuy, Quantity: 1, PricePerShare: 2000},
		{HolderID: "alice", EntityID: "liv", Side: model.SideBuy, Quantity: 1, PricePerShare: 2000},
	} {
		w := do(t, router, http.MethodPost, "/api/v1/orders", o)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := do(t, router, http.MethodGet, "/api/v1/holders/alice/portfolio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pf := decodeBody[model.Portfolio](t, w)
	assert.Len(t, pf.Positions, 2)
	assert.Equal(t, money.Cents(4000), pf.TotalNetInvested)
}

func TestResetAndReconcile(t *testing.T) {
	router := newTestEnv(t, store.NewMemoryStore())
	createEntity(t, router, "che", 10000, 5)
	w := do(t, router, http.MethodPost, "/api/v1/orders", api.OrderRequest{
		HolderID: "alice", EntityID: "che", Side: model.SideBuy, Quantity: 1, PricePerShare: 1000,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/entities/che/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeBody[valuation.Report](t, w)
	assert.True(t, report.Consistent)
	assert.Equal(t, money.Cents(11000), report.ReplayedCap)

	w = do(t, router, http.MethodPost, "/api/v1/entities/che/reset", api.ResetEntityRequest{
		MarketCap: 50000, SharesOutstanding: 10, Reason: "season start",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ent := decodeBody[model.Entity](t, w)
	assert.Equal(t, money.Cents(50000), ent.MarketCap)
	assert.Equal(t, int64(10), ent.SharesOutstanding)

	w = do(t, router, http.MethodGet, "/api/v1/entities/che/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.PricePoint](t, w), 1)
}

// --- Store failures ---

// racingStore loses every race.
type racingStore struct{ store.Store }

func (racingStore) RunInTx(context.Context, func(context.Context, store.Tx) error) error {
	return model.ErrConcurrencyConflict
}

// brokenStore fails every transaction with an opaque error.
type brokenStore struct{ store.Store }

func (brokenStore) RunInTx(context.Context, func(context.Context, store.Tx) error) error {
	return errors.New("dial tcp 10.0.0.7:5432: connection refused")
}

func TestPlaceOrder_RetryableIs503(t *testing.T) {
	router := newTestEnv(t, racingStore{store.NewMemoryStore()}, func(c *engine.Config) { c.MaxRetries = 0 })

	w := do(t, router, http.MethodPost, "/api/v1/orders", api.OrderRequest{
		HolderID: "alice", EntityID: "che", Side: model.SideBuy, Quantity: 1,
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestPlaceOrder_InternalErrorIsSanitized(t *testing.T) {
	router := newTestEnv(t, brokenStore{store.NewMemoryStore()})

	w := do(t, router, http.MethodPost, "/api/v1/orders", api.OrderRequest{
		HolderID: "alice", EntityID: "che", Side: model.SideBuy, Quantity: 1,
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", errMessage(t, w))
}
