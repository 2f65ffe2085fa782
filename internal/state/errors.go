package state

import (
	fpmath "StabilityLedger/internal/math"
	"errors"
	"fmt"
)

// Recoverable pool errors. None of them leave partial state behind.
var (
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("amount exceeds compounded deposit")
	ErrNoGainAvailable     = errors.New("depositor has no gain to claim")
	ErrNoDeposit           = errors.New("depositor has no deposit")
	ErrArithmetic          = errors.New("arithmetic overflow")
	ErrOffsetRejected      = errors.New("offset rejected")
)

// recoverArithmetic converts a checked-arithmetic panic raised while planning
// a pool operation into ErrArithmetic. Any other panic is re-raised.
func recoverArithmetic(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if ae, ok := r.(*fpmath.ArithmeticError); ok {
		*err = fmt.Errorf("%w: %v", ErrArithmetic, ae)
		return
	}
	panic(r)
}
