package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places carried by a Decimal18.
const Precision = 18

var (
	// Zero is the additive identity.
	Zero = Decimal18{}

	// One is 1.0 in 18-decimal fixed point (1e18).
	One = NewFromUint64(1_000_000_000_000_000_000)

	// ScaleFactor is the renormalization step applied to P (1e9).
	ScaleFactor = NewFromUint64(1_000_000_000)
)

var ErrNegativeAmount = errors.New("decimal18: negative amount")

// ArithmeticError is the panic value raised by every checked Decimal18
// operation that would otherwise wrap or divide by zero.
type ArithmeticError struct {
	Op string
	A  Decimal18
	B  Decimal18
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("decimal18 %s: a=%s b=%s", e.Op, e.A, e.B)
}

// Decimal18 is an unsigned 256-bit fixed-point number with 18 decimals.
// The zero value is 0. Values are immutable; every method returns a new value.
type Decimal18 struct {
	v uint256.Int
}

func NewFromUint64(x uint64) Decimal18 {
	var d Decimal18
	d.v.SetUint64(x)
	return d
}

// FromUint256 wraps a raw 256-bit integer (already scaled by 1e18).
func FromUint256(x uint256.Int) Decimal18 {
	return Decimal18{v: x}
}

// FromRaw parses a base-10 integer string holding the already-scaled value.
func FromRaw(s string) (Decimal18, error) {
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return Zero, fmt.Errorf("parse raw %q: %w", s, err)
	}
	return Decimal18{v: *x}, nil
}

// MustFromRaw is FromRaw for constants and tests.
func MustFromRaw(s string) Decimal18 {
	d, err := FromRaw(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromBig converts a non-negative big.Int holding the scaled value.
func FromBig(b *big.Int) (Decimal18, error) {
	if b.Sign() < 0 {
		return Zero, ErrNegativeAmount
	}
	x, overflow := uint256.FromBig(b)
	if overflow {
		return Zero, fmt.Errorf("value %s exceeds 256 bits", b.String())
	}
	return Decimal18{v: *x}, nil
}

// Units returns n whole units (n * 1e18).
func Units(n uint64) Decimal18 {
	return NewFromUint64(n).Mul(One)
}

// ParseUnits parses a human decimal string such as "10000.5" into its
// 18-decimal representation. More than 18 fractional digits is an error.
func ParseUnits(s string) (Decimal18, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse units %q: %w", s, err)
	}
	if d.IsNegative() {
		return Zero, ErrNegativeAmount
	}

	shifted := d.Shift(Precision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Zero, fmt.Errorf("parse units %q: more than %d decimal places", s, Precision)
	}
	return FromBig(shifted.BigInt())
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string) Decimal18 {
	d, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return d
}

// UnitsString renders the value in whole units, e.g. "6666.66666666666666".
func (d Decimal18) UnitsString() string {
	return d.Decimal().String()
}

// Decimal returns the exact shopspring representation in whole units.
func (d Decimal18) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(d.v.ToBig(), -Precision)
}

// Float64 is a lossy conversion for metrics and logs only.
func (d Decimal18) Float64() float64 {
	return d.Decimal().InexactFloat64()
}

// String renders the raw scaled integer.
func (d Decimal18) String() string {
	return d.v.Dec()
}

func (d Decimal18) Uint256() uint256.Int {
	return d.v
}

func (d Decimal18) Bytes32() [32]byte {
	return d.v.Bytes32()
}

func (d Decimal18) IsZero() bool {
	return d.v.IsZero()
}

func (d Decimal18) Cmp(o Decimal18) int {
	return d.v.Cmp(&o.v)
}

func (d Decimal18) Eq(o Decimal18) bool  { return d.v.Eq(&o.v) }
func (d Decimal18) Lt(o Decimal18) bool  { return d.v.Lt(&o.v) }
func (d Decimal18) Gt(o Decimal18) bool  { return d.v.Gt(&o.v) }
func (d Decimal18) Lte(o Decimal18) bool { return !d.v.Gt(&o.v) }
func (d Decimal18) Gte(o Decimal18) bool { return !d.v.Lt(&o.v) }

func (d Decimal18) Min(o Decimal18) Decimal18 {
	if d.Lt(o) {
		return d
	}
	return o
}

// Add panics on overflow.
func (d Decimal18) Add(o Decimal18) Decimal18 {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&d.v, &o.v); overflow {
		panic(&ArithmeticError{Op: "add overflow", A: d, B: o})
	}
	return Decimal18{v: z}
}

// Sub panics when o > d.
func (d Decimal18) Sub(o Decimal18) Decimal18 {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&d.v, &o.v); underflow {
		panic(&ArithmeticError{Op: "sub underflow", A: d, B: o})
	}
	return Decimal18{v: z}
}

// Mul multiplies the raw integers (no rescale). Panics on overflow.
func (d Decimal18) Mul(o Decimal18) Decimal18 {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&d.v, &o.v); overflow {
		panic(&ArithmeticError{Op: "mul overflow", A: d, B: o})
	}
	return Decimal18{v: z}
}

// Div divides the raw integers (no rescale), truncating. Panics on o == 0.
func (d Decimal18) Div(o Decimal18) Decimal18 {
	if o.IsZero() {
		panic(&ArithmeticError{Op: "division by zero", A: d, B: o})
	}
	var z uint256.Int
	z.Div(&d.v, &o.v)
	return Decimal18{v: z}
}

// MarshalText encodes the raw integer; JSON renders it as a quoted string.
func (d Decimal18) MarshalText() ([]byte, error) {
	return []byte(d.v.Dec()), nil
}

func (d *Decimal18) UnmarshalText(text []byte) error {
	parsed, err := FromRaw(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
