package value

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// IOUValue is an issued-asset amount carrying 16 significant digits.
type IOUValue struct {
	v decimal.Decimal
}

// ZeroIOU is the canonical zero issued amount.
var ZeroIOU = IOUValue{}

// NewIOU parses an issued amount, canonicalizing to 16 significant digits.
func NewIOU(s string) (IOUValue, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return IOUValue{}, fmt.Errorf("parse issued value %q: %w", s, err)
	}
	return canonIOU(d), nil
}

// MustIOU is NewIOU for values known to be well formed.
func MustIOU(s string) IOUValue {
	v, err := NewIOU(s)
	if err != nil {
		invariant("%v", err)
	}
	return v
}

// canonIOU keeps 16 significant digits, rounding half away from zero.
func canonIOU(d decimal.Decimal) IOUValue {
	if d.IsZero() {
		return IOUValue{}
	}
	excess := d.NumDigits() - 16
	if excess > 0 {
		d = d.Round(-(d.Exponent() + int32(excess)))
	}
	return IOUValue{v: trimZeros(d)}
}

func (x IOUValue) dec() decimal.Decimal { return x.v }
func (x IOUValue) native() bool         { return false }

func (x IOUValue) Add(o Value) Value {
	sameKind(x, o)
	return canonIOU(x.v.Add(o.dec()))
}

func (x IOUValue) Subtract(o Value) Value {
	sameKind(x, o)
	return canonIOU(x.v.Sub(o.dec()))
}

func (x IOUValue) Multiply(o Value) Value {
	return canonIOU(x.v.Mul(rescaled(o)))
}

func (x IOUValue) Divide(o Value) Value {
	if o.IsZero() {
		invariant("divide by zero")
	}
	return canonIOU(x.v.DivRound(rescaled(o), divDecimalPlaces))
}

func (x IOUValue) Negate() Value {
	return canonIOU(x.v.Neg())
}

func (x IOUValue) Invert() Value {
	if x.v.IsZero() {
		invariant("divide by zero")
	}
	return canonIOU(decimal.New(1, 0).DivRound(x.v, divDecimalPlaces))
}

func (x IOUValue) Abs() Value {
	return canonIOU(x.v.Abs())
}

func (x IOUValue) ComparedTo(o Value) int {
	sameKind(x, o)
	return x.v.Cmp(o.dec())
}

func (x IOUValue) Equals(o Value) bool {
	return !o.native() && x.v.Equal(o.dec())
}

func (x IOUValue) IsZero() bool     { return x.v.IsZero() }
func (x IOUValue) IsNegative() bool { return x.v.IsNegative() }
func (x IOUValue) String() string   { return x.v.String() }
