// Package api exposes the valuation engine over HTTP: order intake, match
// results from the fixture source, entity administration and the read-side
// query API.
//
// All monetary values are integer cents; fields carry a _cents suffix.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atmx/valuation-engine/internal/engine"
	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/valuation"
)

// Engine is the subset of *engine.Engine the handlers use.
type Engine interface {
	InitializeEntity(ctx context.Context, req engine.InitRequest) (model.Entity, error)
	ResetEntity(ctx context.Context, entityID string, req engine.ResetRequest) (model.Entity, error)
	ListEntities(ctx context.Context) ([]engine.EntitySummary, error)
	ExecuteTrade(ctx context.Context, req engine.TradeRequest) (engine.TradeResult, error)
	SettleMatch(ctx context.Context, req engine.MatchRequest) (engine.SettlementResult, error)
	GetCurrentValuation(ctx context.Context, entityID string) (model.Valuation, error)
	GetTimeline(ctx context.Context, entityID string) (iter.Seq[model.PricePoint], error)
	GetPosition(ctx context.Context, holderID, entityID string) (model.Position, error)
	GetTransactionsByHolderAndEntity(ctx context.Context, holderID, entityID string) (iter.Seq[model.LedgerEvent], error)
	GetPortfolio(ctx context.Context, holderID string) (model.Portfolio, error)
	Reconcile(ctx context.Context, entityID string) (valuation.Report, error)
}

// Service holds the HTTP handlers.
type Service struct {
	engine   Engine
	validate *validator.Validate
}

// NewService creates the HTTP service over eng.
func NewService(eng Engine) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json field names in validation errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{engine: eng, validate: v}
}

// Routes registers the /api/v1 routes on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// Entity administration and valuation queries.
		r.Get("/entities", s.ListEntities)
		r.Post("/entities", s.CreateEntity)
		r.Get("/entities/{entityID}", s.GetValuation)
		r.Get("/entities/{entityID}/timeline", s.GetTimeline)
		r.Post("/entities/{entityID}/reset", s.ResetEntity)
		r.Get("/entities/{entityID}/reconcile", s.Reconcile)

		// Inbound triggers.
		r.Post("/orders", s.PlaceOrder)
		r.Post("/matches", s.SettleMatch)

		// Holder queries.
		r.Get("/holders/{holderID}/portfolio", s.GetPortfolio)
		r.Get("/holders/{holderID}/entities/{entityID}/position", s.GetPosition)
		r.Get("/holders/{holderID}/entities/{entityID}/transactions", s.GetTransactions)
	})
}

// decode reads a JSON body into dst and validates it.
func (s *Service) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.Invalid("", "invalid request body")
	}
	return s.check(dst)
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return model.Invalid(fe.Field(), describeTag(fe))
	}
	return err
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt", "gte", "lt", "lte", "max", "min":
		return "must be " + fe.Tag() + " " + fe.Param()
	case "nefield":
		return "must differ from " + fe.Param()
	}
	return "failed " + fe.Tag() + " check"
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOverdraft), errors.Is(err, model.ErrInsufficientCapital):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrEntityExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrEntityNotFound), errors.Is(err, model.ErrMissingValuation):
		return http.StatusNotFound
	case model.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeErr writes err with its mapped status. Retryable failures carry a
// Retry-After header.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		message = "temporarily unavailable, retry"
	case http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		message = "internal error"
	}
	writeError(w, message, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// collect drains seq into a non-nil slice so it encodes as [].
func collect[T any](seq iter.Seq[T]) []T {
	out := []T{}
	for v := range seq {
		out = append(out, v)
	}
	return out
}
