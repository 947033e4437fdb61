package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/valuation-engine/internal/engine"
	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
)

// --- Request types ---

// CreateEntityRequest is the JSON body for POST /entities.
type CreateEntityRequest struct {
	EntityID          string       `json:"entity_id" validate:"required,max=64"`
	Name              string       `json:"name" validate:"max=128"`
	MarketCap         money.Amount `json:"market_cap_cents" validate:"gte=0"`
	SharesOutstanding int64        `json:"shares_outstanding" validate:"gt=0"`
	EventDate         *time.Time   `json:"event_date,omitempty"`
}

// ResetEntityRequest is the JSON body for POST /entities/{entityID}/reset.
type ResetEntityRequest struct {
	MarketCap         money.Amount `json:"market_cap_cents" validate:"gte=0"`
	SharesOutstanding int64        `json:"shares_outstanding" validate:"gt=0"`
	Reason            string       `json:"reason" validate:"max=256"`
}

// OrderRequest is the JSON body for POST /orders. PricePerShare may be
// omitted to trade at the current share price.
type OrderRequest struct {
	OrderID       string       `json:"order_id" validate:"max=64"`
	HolderID      string       `json:"holder_id" validate:"required,max=64"`
	EntityID      string       `json:"entity_id" validate:"required"`
	Side          model.Side   `json:"side" validate:"required,oneof=buy sell"`
	Quantity      int64        `json:"quantity" validate:"gt=0"`
	PricePerShare money.Amount `json:"price_per_share_cents" validate:"gte=0"`
}

// MatchResultRequest is the JSON body for POST /matches.
type MatchResultRequest struct {
	MatchID      string        `json:"match_id" validate:"required,max=64"`
	HomeEntityID string        `json:"home_entity_id" validate:"required"`
	AwayEntityID string        `json:"away_entity_id" validate:"required,nefield=HomeEntityID"`
	Outcome      model.Outcome `json:"outcome" validate:"required,oneof=home_win away_win draw"`
	PlayedAt     *time.Time    `json:"played_at,omitempty"`
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// --- Entity handlers ---

// CreateEntity handles POST /api/v1/entities
func (s *Service) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req CreateEntityRequest
	if err := s.decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	entity, err := s.engine.InitializeEntity(r.Context(), engine.InitRequest{
		EntityID:          req.EntityID,
		Name:              req.Name,
		MarketCap:         req.MarketCap,
		SharesOutstanding: req.SharesOutstanding,
		EventDate:         timeOrZero(req.EventDate),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

// ListEntities handles GET /api/v1/entities
func (s *Service) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.engine.ListEntities(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if entities == nil {
		entities = []engine.EntitySummary{}
	}
	writeJSON(w, http.StatusOK, entities)
}

// GetValuation handles GET /api/v1/entities/{entityID}
func (s *Service) GetValuation(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetCurrentValuation(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetTimeline handles GET /api/v1/entities/{entityID}/timeline
func (s *Service) GetTimeline(w http.ResponseWriter, r *http.Request) {
	seq, err := s.engine.GetTimeline(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collect(seq))
}

// ResetEntity handles POST /api/v1/entities/{entityID}/reset
func (s *Service) ResetEntity(w http.ResponseWriter, r *http.Request) {
	var req ResetEntityRequest
	if err := s.decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	entity, err := s.engine.ResetEntity(r.Context(), chi.URLParam(r, "entityID"), engine.ResetRequest{
		MarketCap:         req.MarketCap,
		SharesOutstanding: req.SharesOutstanding,
		Reason:            req.Reason,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// Reconcile handles GET /api/v1/entities/{entityID}/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Reconcile(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Inbound triggers ---

// PlaceOrder handles POST /api/v1/orders. A replayed order id answers 200
// with the original trade.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := s.decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	res, err := s.engine.ExecuteTrade(r.Context(), engine.TradeRequest{
		OrderID:       req.OrderID,
		HolderID:      req.HolderID,
		EntityID:      req.EntityID,
		Side:          req.Side,
		Quantity:      req.Quantity,
		PricePerShare: req.PricePerShare,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// SettleMatch handles POST /api/v1/matches. A replayed match id answers 200
// with the original settlement.
func (s *Service) SettleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchResultRequest
	if err := s.decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	res, err := s.engine.SettleMatch(r.Context(), engine.MatchRequest{
		MatchID:      req.MatchID,
		HomeEntityID: req.HomeEntityID,
		AwayEntityID: req.AwayEntityID,
		Outcome:      req.Outcome,
		PlayedAt:     timeOrZero(req.PlayedAt),
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Holder queries ---

// GetPortfolio handles GET /api/v1/holders/{holderID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.engine.GetPortfolio(r.Context(), chi.URLParam(r, "holderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetPosition handles GET /api/v1/holders/{holderID}/entities/{entityID}/position
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPosition(r.Context(), chi.URLParam(r, "holderID"), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTransactions handles GET /api/v1/holders/{holderID}/entities/{entityID}/transactions
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	seq, err := s.engine.GetTransactionsByHolderAndEntity(r.Context(), chi.URLParam(r, "holderID"), chi.URLParam(r, "entityID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collect(seq))
}
