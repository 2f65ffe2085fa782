package math

import (
	"strings"

	"github.com/holiman/uint256"
)

// MulDiv returns a*b/d truncated toward zero. The product is carried in
// 512 bits so only a quotient wider than 256 bits overflows.
func MulDiv(a, b, d Decimal18) Decimal18 {
	if d.IsZero() {
		panic(&ArithmeticError{Op: "muldiv by zero", A: a, B: b})
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		panic(&ArithmeticError{Op: "muldiv overflow", A: a, B: b})
	}
	return Decimal18{v: z}
}

// DecimalMul returns a*b/1e18, truncated.
func DecimalMul(a, b Decimal18) Decimal18 {
	return MulDiv(a, b, One)
}

// DivRem returns the truncated quotient and the remainder of a/b.
func DivRem(a, b Decimal18) (Decimal18, Decimal18) {
	if b.IsZero() {
		panic(&ArithmeticError{Op: "division by zero", A: a, B: b})
	}
	var q, r uint256.Int
	q.DivMod(&a.v, &b.v, &r)
	return Decimal18{v: q}, Decimal18{v: r}
}

// --- Signed balances ---
//
// Ledger balances are signed. They are stored as two's-complement uint256
// values so that credits and debits can wrap through zero while the global
// sum of every account still totals exactly 0.

// SignedAdd returns balance + amount in two's complement.
func SignedAdd(balance uint256.Int, amount Decimal18) uint256.Int {
	var z uint256.Int
	z.Add(&balance, &amount.v)
	return z
}

// SignedSub returns balance - amount in two's complement.
func SignedSub(balance uint256.Int, amount Decimal18) uint256.Int {
	var z uint256.Int
	z.Sub(&balance, &amount.v)
	return z
}

// IsNegative reports whether a two's-complement balance is below zero.
func IsNegative(balance uint256.Int) bool {
	return balance.Sign() < 0
}

// FormatSigned renders a two's-complement balance as a signed base-10 string,
// suitable for a NUMERIC column.
func FormatSigned(balance uint256.Int) string {
	if !IsNegative(balance) {
		return balance.Dec()
	}
	var abs uint256.Int
	abs.Neg(&balance)
	return "-" + abs.Dec()
}

// ParseSigned is the inverse of FormatSigned.
func ParseSigned(s string) (uint256.Int, error) {
	negative := strings.HasPrefix(s, "-")
	abs, err := uint256.FromDecimal(strings.TrimPrefix(s, "-"))
	if err != nil {
		return uint256.Int{}, err
	}
	if negative {
		abs.Neg(abs)
	}
	return *abs, nil
}

// AbsSigned returns |balance| as a Decimal18.
func AbsSigned(balance uint256.Int) Decimal18 {
	if !IsNegative(balance) {
		return Decimal18{v: balance}
	}
	var abs uint256.Int
	abs.Neg(&balance)
	return Decimal18{v: abs}
}
