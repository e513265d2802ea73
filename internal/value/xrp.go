package value

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// XRPValue is a native amount denominated in drops. Results are truncated to
// 6 decimal places toward zero.
type XRPValue struct {
	v decimal.Decimal
}

// ZeroXRP is the canonical zero native amount.
var ZeroXRP = XRPValue{}

// NewXRP parses a native amount. More than 6 decimal places of precision is
// rejected: that is the signature of an issued amount cast to a native one.
func NewXRP(s string) (XRPValue, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return XRPValue{}, fmt.Errorf("parse native value %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(6)) {
		return XRPValue{}, fmt.Errorf("native value %q has more than 6 decimal places", s)
	}
	return XRPValue{v: trimZeros(d)}, nil
}

// MustXRP is NewXRP for values known to be well formed.
func MustXRP(s string) XRPValue {
	x, err := NewXRP(s)
	if err != nil {
		invariant("%v", err)
	}
	return x
}

func canonXRP(d decimal.Decimal) XRPValue {
	return XRPValue{v: trimZeros(d.Truncate(6))}
}

func (x XRPValue) dec() decimal.Decimal { return x.v }
func (x XRPValue) native() bool         { return true }

func (x XRPValue) Add(o Value) Value {
	sameKind(x, o)
	return canonXRP(x.v.Add(o.dec()))
}

func (x XRPValue) Subtract(o Value) Value {
	sameKind(x, o)
	return canonXRP(x.v.Sub(o.dec()))
}

func (x XRPValue) Multiply(o Value) Value {
	return canonXRP(x.v.Mul(rescaled(o)))
}

func (x XRPValue) Divide(o Value) Value {
	if o.IsZero() {
		invariant("divide by zero")
	}
	return canonXRP(x.v.DivRound(rescaled(o), divDecimalPlaces))
}

func (x XRPValue) Negate() Value {
	return canonXRP(x.v.Neg())
}

func (x XRPValue) Invert() Value {
	if x.v.IsZero() {
		invariant("divide by zero")
	}
	return canonXRP(decimal.New(1, 0).DivRound(x.v, divDecimalPlaces))
}

func (x XRPValue) Abs() Value {
	return canonXRP(x.v.Abs())
}

func (x XRPValue) ComparedTo(o Value) int {
	sameKind(x, o)
	return x.v.Cmp(o.dec())
}

func (x XRPValue) Equals(o Value) bool {
	return o.native() && x.v.Equal(o.dec())
}

func (x XRPValue) IsZero() bool     { return x.v.IsZero() }
func (x XRPValue) IsNegative() bool { return x.v.IsNegative() }
func (x XRPValue) String() string   { return x.v.String() }
