package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MicroCents is the ledger's base monetary unit: one millionth of a US cent.
// All balances and amounts are held as MicroCents; decimals only appear when
// parsing configuration and when presenting values to callers.
type MicroCents int64

const (
	// MicroCentsPerCent is the single conversion factor between the ledger
	// unit and cents.
	MicroCentsPerCent MicroCents = 1_000_000

	// MicroCentsPerDollar is 100 cents worth of micro-cents.
	MicroCentsPerDollar MicroCents = 100 * MicroCentsPerCent

	// MicroCentsPerMinorUnit converts payment provider amounts. USD minor
	// units are cents.
	MicroCentsPerMinorUnit = MicroCentsPerCent
)

// ErrOverflow is returned when an arithmetic operation leaves the int64 range.
var ErrOverflow = errors.New("money: arithmetic overflow")

var microCentsPerDollarDec = decimal.NewFromInt(int64(MicroCentsPerDollar))

// Dollars returns n whole dollars. It is meant for constants and tests.
func Dollars(n int64) MicroCents {
	return MicroCents(n) * MicroCentsPerDollar
}

// Cents returns n whole cents.
func Cents(n int64) MicroCents {
	return MicroCents(n) * MicroCentsPerCent
}

// Add returns a+b or ErrOverflow.
func Add(a, b MicroCents) (MicroCents, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b or ErrOverflow.
func Sub(a, b MicroCents) (MicroCents, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// Mul returns a*n or ErrOverflow.
func Mul(a MicroCents, n int64) (MicroCents, error) {
	if a == 0 || n == 0 {
		return 0, nil
	}
	result := int64(a) * n
	if result/n != int64(a) || (int64(a) == -1 && n == math.MinInt64) || (n == -1 && int64(a) == math.MinInt64) {
		return 0, ErrOverflow
	}
	return MicroCents(result), nil
}

// MulDivFloor returns floor(a*num/den) for non-negative a and num and a
// positive den.
func MulDivFloor(a MicroCents, num, den int64) (MicroCents, error) {
	if a < 0 || num < 0 || den <= 0 {
		return 0, fmt.Errorf("money: MulDivFloor requires non-negative operands")
	}
	product, err := Mul(a, num)
	if err != nil {
		return 0, err
	}
	return product / MicroCents(den), nil
}

// Min returns the smaller of a and b.
func Min(a, b MicroCents) MicroCents {
	if a < b {
		return a
	}
	return b
}

// FromMinorUnits converts a payment provider amount in USD cents.
func FromMinorUnits(units int64) (MicroCents, error) {
	return Mul(MicroCentsPerMinorUnit, units)
}

// ParseDollars parses a dollar amount such as "2.00" or "0.00002".
// Values finer than one micro-cent are rejected rather than rounded.
func ParseDollars(s string) (MicroCents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	scaled := d.Mul(microCentsPerDollarDec)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("money: %q is finer than one micro-cent", s)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, ErrOverflow
	}
	return MicroCents(scaled.IntPart()), nil
}

// ToCents is the presentation boundary: it renders micro-cents as an exact
// decimal number of cents.
func ToCents(m MicroCents) decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// ToDollars renders micro-cents as an exact decimal number of dollars.
func ToDollars(m MicroCents) decimal.Decimal {
	return decimal.New(int64(m), -8)
}

func (m MicroCents) String() string {
	return "$" + ToDollars(m).String()
}
