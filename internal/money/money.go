// Package money implements the fixed-precision monetary type used by every
// valuation, settlement and trade computation.
//
// Amounts are int64 minor units (cents). Ratio arithmetic goes through
// shopspring/decimal and is rounded back to whole cents at a single, explicit
// point; nothing in this package produces or consumes float64.
package money

import (
	"errors"
	"fmt"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places between major and minor units.
const MinorUnits = 2

// RatioScale is the number of decimal places Ratio keeps past the magnitude
// of its divisor.
const RatioScale int32 = 8

var (
	// ErrPrecision is returned when an input has more than MinorUnits decimals.
	ErrPrecision = errors.New("money: at most 2 decimal places allowed")

	// ErrOverflow is returned when a result does not fit in int64 cents.
	ErrOverflow = errors.New("money: amount overflows int64 minor units")

	hundred = decimal.NewFromInt(100)
)

// Amount is a monetary value in minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// Cents returns an Amount of c minor units.
func Cents(c int64) Amount { return Amount(c) }

func (a Amount) Int64() int64        { return int64(a) }
func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }
func (a Amount) Neg() Amount         { return -a }
func (a Amount) IsZero() bool        { return a == 0 }
func (a Amount) IsPositive() bool    { return a > 0 }
func (a Amount) IsNegative() bool    { return a < 0 }

// Abs returns the absolute value of a.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Mul multiplies a by an integer quantity, failing on int64 overflow.
func (a Amount) Mul(q int64) (Amount, error) {
	if a == 0 || q == 0 {
		return Zero, nil
	}
	p := int64(a) * q
	if p/q != int64(a) {
		return Zero, fmt.Errorf("%w: %d * %d", ErrOverflow, a, q)
	}
	return Amount(p), nil
}

// AddChecked returns a+b, failing on int64 overflow.
func (a Amount) AddChecked(b Amount) (Amount, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return Zero, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return sum, nil
}

// MulRatio multiplies a by r and rounds half away from zero to whole cents.
func (a Amount) MulRatio(r decimal.Decimal) Amount {
	return Amount(a.Decimal().Mul(r).Round(0).IntPart())
}

// DivInt divides a by n and rounds half away from zero to whole cents.
// n must be non-zero.
func (a Amount) DivInt(n int64) Amount {
	return Amount(a.Decimal().DivRound(decimal.NewFromInt(n), 0).IntPart())
}

// Ratio returns a / n in minor units. The scale grows with the digits of n,
// so Ratio(n) * n rounds back to a for every n.
func (a Amount) Ratio(n int64) decimal.Decimal {
	d := decimal.NewFromInt(n)
	digits := int32(len(d.Abs().String()))
	return a.Decimal().DivRound(d, RatioScale+digits)
}

// Decimal returns a in minor units as an exact decimal.
func (a Amount) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(a)) }

// Major returns a in major units (e.g. dollars) as an exact decimal.
func (a Amount) Major() decimal.Decimal { return a.Decimal().Shift(-MinorUnits) }

// FromMajor converts a major-unit decimal into an Amount, rejecting inputs
// carrying sub-cent precision.
func FromMajor(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(MinorUnits)
	if !shifted.IsInteger() {
		return Zero, fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	if shifted.Abs().GreaterThan(decimal.NewFromInt(1 << 62)) {
		return Zero, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Amount(shifted.IntPart()), nil
}

// Parse parses a major-unit string such as "125.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromMajor(d)
}

// String renders a in major units with exactly two decimals.
func (a Amount) String() string { return a.Major().StringFixed(MinorUnits) }

// Display formats a for people using the given ISO 4217 currency code.
func (a Amount) Display(currency string) string {
	if gomoney.GetCurrency(currency) == nil {
		return a.String() + " " + currency
	}
	return gomoney.New(int64(a), currency).Display()
}

// PercentEpsilon is the magnitude below which a percentage change is shown
// as exactly zero.
var PercentEpsilon = decimal.New(1, -2)

// PercentChange returns (to-from)/from as a percentage rounded to four
// decimals, normalized to zero below PercentEpsilon. A zero base yields zero.
func PercentChange(from, to Amount) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	pct := to.Sub(from).Decimal().Mul(hundred).DivRound(from.Decimal(), 4)
	return NormalizePercent(pct)
}

// NormalizePercent maps |p| < PercentEpsilon to exactly zero.
func NormalizePercent(p decimal.Decimal) decimal.Decimal {
	if p.Abs().LessThan(PercentEpsilon) {
		return decimal.Zero
	}
	return p
}
