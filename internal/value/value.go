// Package value implements the two decimal variants used for order book
// accounting: XRPValue for native drops amounts and IOUValue for issued-asset
// amounts. Every arithmetic operation returns a freshly canonicalized value;
// XRPValue results are truncated to 6 decimal places toward zero, IOUValue
// results keep 16 significant digits rounded half away from zero.
package value

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// divDecimalPlaces is how far division is carried before canonicalization.
const divDecimalPlaces = 40

// xrpUnits is the drops-per-XRP scale applied to a native operand when it is
// combined with another value through Multiply or Divide.
var xrpUnits = decimal.New(1, 6)

// Value is an immutable decimal quantity. Add, Subtract, ComparedTo and
// Equals require both operands to be the same variant; mixing variants is a
// programming error and panics with *InvariantError. Multiply and Divide
// accept either variant and rescale a native argument by drops-per-XRP.
type Value interface {
	Add(Value) Value
	Subtract(Value) Value
	Multiply(Value) Value
	Divide(Value) Value
	Negate() Value
	Invert() Value
	Abs() Value
	ComparedTo(Value) int
	Equals(Value) bool
	IsZero() bool
	IsNegative() bool
	String() string

	dec() decimal.Decimal
	native() bool
}

// InvariantError reports an arithmetic contract violation: mixed variants,
// division by zero, or a non-finite result. These are unrecoverable; callers
// holding inconsistent state must not continue.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return e.Msg }

func invariant(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}

func sameKind(a, b Value) {
	if a.native() != b.native() {
		invariant("mixed value variants: %s and %s", kindName(a), kindName(b))
	}
}

func kindName(v Value) string {
	if v.native() {
		return "XRPValue"
	}
	return "IOUValue"
}

// trimZeros drops trailing zero digits from the coefficient so String output
// matches the reference arithmetic, which normalizes on every operation.
func trimZeros(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.New(0, 0)
	}
	coeff := new(big.Int).Set(d.Coefficient())
	exp := d.Exponent()
	ten := big.NewInt(10)
	rem := new(big.Int)
	for {
		q := new(big.Int)
		q.QuoRem(coeff, ten, rem)
		if rem.Sign() != 0 {
			break
		}
		coeff.Set(q)
		exp++
	}
	return decimal.NewFromBigInt(coeff, exp)
}

// Floor rounds v down to a whole number, keeping the variant.
func Floor(v Value) Value {
	if v.native() {
		return canonXRP(v.dec().Floor())
	}
	return canonIOU(v.dec().Floor())
}

// rescaled returns the operand to combine with a receiver in Multiply or
// Divide: a native argument is scaled up by drops-per-XRP first.
func rescaled(v Value) decimal.Decimal {
	if v.native() {
		return v.dec().Mul(xrpUnits)
	}
	return v.dec()
}
