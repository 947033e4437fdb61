package execution

import (
	"fmt"

	"github.com/atmx/valuation-engine/internal/model"
)

// DefaultMaxOrderSize bounds a single order when no limit is configured.
const DefaultMaxOrderSize int64 = 1000

// Limits enforces per-order quantity rules:
//   - every order: 1 <= quantity <= MaxOrderSize
//   - sells: quantity <= the holder's current position
type Limits struct {
	// MaxOrderSize is the largest quantity accepted in one order.
	MaxOrderSize int64
}

// NewLimits creates limits with the given maximum order size.
func NewLimits(maxOrderSize int64) *Limits {
	if maxOrderSize < 1 {
		maxOrderSize = DefaultMaxOrderSize
	}
	return &Limits{MaxOrderSize: maxOrderSize}
}

// Check validates an order's side and quantity against held, the holder's
// current net position. A nil *Limits uses DefaultMaxOrderSize.
func (l *Limits) Check(side model.Side, quantity, held int64) error {
	max := DefaultMaxOrderSize
	if l != nil {
		max = l.MaxOrderSize
	}

	if side != model.SideBuy && side != model.SideSell {
		return model.Invalid("side", fmt.Sprintf("must be buy or sell, got %q", side))
	}
	if quantity < 1 {
		return model.Invalid("quantity", "must be at least 1")
	}
	if quantity > max {
		return model.Invalid("quantity", fmt.Sprintf("exceeds maximum order size of %d", max))
	}
	if side == model.SideSell && quantity > held {
		return fmt.Errorf("%w: selling %d with %d held", model.ErrOverdraft, quantity, held)
	}
	return nil
}
