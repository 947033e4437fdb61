// Package settlement computes the zero-sum value transfer between two teams
// when a match concludes.
//
// The loser gives up TransferRate of a pre-match market cap (its own by
// default, see Basis) and the winner gains exactly that amount, so the pair's
// combined market cap is unchanged. A draw moves nothing. Settle is pure: it builds the two ledger
// events and leaves persisting them (atomically) to the caller.
package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/valuation-engine/internal/model"
	"github.com/atmx/valuation-engine/internal/money"
	"github.com/atmx/valuation-engine/internal/valuation"
)

// DefaultTransferRate is the share of the loser's market cap moved to the
// winner.
var DefaultTransferRate = decimal.New(1, -1)

// Basis selects whose pre-match market cap the transfer rate applies to.
type Basis string

const (
	// BasisLoserCap moves rate * loser's cap. Default.
	BasisLoserCap Basis = "loser"
	// BasisWinnerCap moves rate * winner's cap, still capped by the loser's
	// headroom above MinMarketCap.
	BasisWinnerCap Basis = "winner"
)

// Params configures a settlement.
type Params struct {
	TransferRate      decimal.Decimal
	Basis             Basis
	MinMarketCap      money.Amount // floor; no loser drops below this
	DefaultSharePrice money.Amount
}

// Match is a concluded match with both participants' pre-match snapshots.
// A nil snapshot means the team has no valuation.
type Match struct {
	MatchID  string
	Home     *model.Entity
	Away     *model.Entity
	Outcome  model.Outcome
	PlayedAt time.Time
}

// Result holds the two events to append. Transfer is the amount moved from
// loser to winner (zero for a draw).
type Result struct {
	Home     model.LedgerEvent
	Away     model.LedgerEvent
	Transfer money.Amount
}

// Settle computes both sides of a match settlement.
func Settle(m Match, p Params) (Result, error) {
	if err := validate(m, p); err != nil {
		return Result{}, err
	}

	var homeImpact, awayImpact, transfer money.Amount
	homeType, awayType := model.EventMatchDraw, model.EventMatchDraw

	switch m.Outcome {
	case model.OutcomeHomeWin:
		transfer = Transfer(m.Home.MarketCap, m.Away.MarketCap, p)
		homeImpact, awayImpact = transfer, transfer.Neg()
		homeType, awayType = model.EventMatchWin, model.EventMatchLoss
	case model.OutcomeAwayWin:
		transfer = Transfer(m.Away.MarketCap, m.Home.MarketCap, p)
		homeImpact, awayImpact = transfer.Neg(), transfer
		homeType, awayType = model.EventMatchLoss, model.EventMatchWin
	}

	if _, err := m.Home.MarketCap.AddChecked(homeImpact); err != nil {
		return Result{}, model.Invalid("outcome", "winner market cap would exceed the representable range")
	}
	if _, err := m.Away.MarketCap.AddChecked(awayImpact); err != nil {
		return Result{}, model.Invalid("outcome", "winner market cap would exceed the representable range")
	}

	return Result{
		Home:     buildEvent(m, m.Home, m.Away, homeType, homeImpact, p),
		Away:     buildEvent(m, m.Away, m.Home, awayType, awayImpact, p),
		Transfer: transfer,
	}, nil
}

// Transfer returns basis cap * rate in whole cents, capped so the loser keeps
// at least p.MinMarketCap. Never negative.
func Transfer(winnerCap, loserCap money.Amount, p Params) money.Amount {
	basis := loserCap
	if p.Basis == BasisWinnerCap {
		basis = winnerCap
	}
	t := basis.MulRatio(p.TransferRate)
	headroom := money.Max(loserCap.Sub(p.MinMarketCap), money.Zero)
	if t > headroom {
		t = headroom
	}
	return money.Max(t, money.Zero)
}

func validate(m Match, p Params) error {
	if m.MatchID == "" {
		return model.Invalid("match_id", "is required")
	}
	switch m.Outcome {
	case model.OutcomeHomeWin, model.OutcomeAwayWin, model.OutcomeDraw:
	default:
		return model.Invalid("outcome", fmt.Sprintf("unknown outcome %q", m.Outcome))
	}
	if m.Home == nil || m.Away == nil {
		return fmt.Errorf("settle match %s: %w", m.MatchID, model.ErrMissingValuation)
	}
	if m.Home.ID == m.Away.ID {
		return model.Invalid("away_entity_id", "a team cannot play itself")
	}
	if p.TransferRate.IsNegative() || p.TransferRate.GreaterThan(decimal.NewFromInt(1)) {
		return model.Invalid("transfer_rate", "must be within [0, 1]")
	}
	switch p.Basis {
	case "", BasisLoserCap, BasisWinnerCap:
	default:
		return model.Invalid("transfer_basis", fmt.Sprintf("unknown basis %q", p.Basis))
	}
	return nil
}

func buildEvent(m Match, self, opp *model.Entity, typ model.EventType, impact money.Amount, p Params) model.LedgerEvent {
	after := self.MarketCap.Add(impact)
	return model.LedgerEvent{
		EntityID:         self.ID,
		EventType:        typ,
		TriggerEventID:   m.MatchID,
		EventDate:        m.PlayedAt,
		MarketCapBefore:  self.MarketCap,
		MarketCapAfter:   after,
		SharePriceBefore: valuation.SharePrice(self.MarketCap, self.SharesOutstanding, p.DefaultSharePrice),
		SharePriceAfter:  valuation.SharePrice(after, self.SharesOutstanding, p.DefaultSharePrice),
		Description:      describe(typ, opp, impact),
	}
}

func describe(typ model.EventType, opp *model.Entity, impact money.Amount) string {
	name := opp.Name
	if name == "" {
		name = opp.ID
	}
	switch typ {
	case model.EventMatchWin:
		return fmt.Sprintf("Won against %s (+%s)", name, impact)
	case model.EventMatchLoss:
		return fmt.Sprintf("Lost against %s (%s)", name, impact)
	default:
		return "Drew with " + name
	}
}
