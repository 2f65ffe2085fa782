package state

import (
	fpmath "StabilityLedger/internal/math"
	"fmt"
)

// OffsetRates are the per-unit-staked figures for one offset, plus the
// error carries to store for the next one.
type OffsetRates struct {
	DebtLossPerUnit fpmath.Decimal18
	GainPerUnit     fpmath.Decimal18

	NextDebtLossError   fpmath.Decimal18
	NextCollateralError fpmath.Decimal18
}

// ComputeOffsetRates derives loss and gain per unit staked.
//
// Loss per unit rounds up so the pool never under-deducts; the surplus is
// carried and subtracted from the next numerator. Gain per unit rounds down
// and the remainder is added to the next numerator. Absorbing the whole pool
// yields exactly 1e18.
func ComputeOffsetRates(debt, coll, totalDeposits, lastDebtLossError, lastCollateralError fpmath.Decimal18) OffsetRates {
	var rates OffsetRates

	collNumerator := coll.Mul(fpmath.One).Add(lastCollateralError)
	rates.GainPerUnit, rates.NextCollateralError = fpmath.DivRem(collNumerator, totalDeposits)

	if debt.Eq(totalDeposits) {
		rates.DebtLossPerUnit = fpmath.One
		rates.NextDebtLossError = fpmath.Zero
		return rates
	}

	scaledDebt := debt.Mul(fpmath.One)
	if scaledDebt.Lte(lastDebtLossError) {
		// The carried surplus already covers this debt.
		rates.DebtLossPerUnit = fpmath.Zero
		rates.NextDebtLossError = lastDebtLossError.Sub(scaledDebt)
		return rates
	}

	lossNumerator := scaledDebt.Sub(lastDebtLossError)
	rates.DebtLossPerUnit = lossNumerator.Div(totalDeposits).Add(fpmath.NewFromUint64(1))
	rates.NextDebtLossError = rates.DebtLossPerUnit.Mul(totalDeposits).Sub(lossNumerator)
	return rates
}

// OffsetResult describes one applied offset.
type OffsetResult struct {
	DebtAbsorbed     fpmath.Decimal18
	CollateralAdded  fpmath.Decimal18
	DebtLossPerUnit  fpmath.Decimal18
	GainPerUnit      fpmath.Decimal18
	AppliedS         fpmath.Decimal18
	NewP             fpmath.Decimal18
	Epoch            uint64
	Scale            uint64
	EpochAdvanced    bool
	ScaleAdvanced    bool
	NewTotalDeposits fpmath.Decimal18
}

type offsetPlan struct {
	rates              OffsetRates
	transition         ledgerTransition
	newTotalDeposits   fpmath.Decimal18
	newTotalCollateral fpmath.Decimal18
}

func (p offsetPlan) result(debt, coll fpmath.Decimal18) OffsetResult {
	return OffsetResult{
		DebtAbsorbed:     debt,
		CollateralAdded:  coll,
		DebtLossPerUnit:  p.rates.DebtLossPerUnit,
		GainPerUnit:      p.rates.GainPerUnit,
		AppliedS:         p.transition.appliedS,
		NewP:             p.transition.newP,
		Epoch:            p.transition.newEpoch,
		Scale:            p.transition.newScale,
		EpochAdvanced:    p.transition.epochAdvanced,
		ScaleAdvanced:    p.transition.scaleAdvanced,
		NewTotalDeposits: p.newTotalDeposits,
	}
}

// planOffset computes every post-offset value without mutating the pool.
func planOffset(pool *PoolAccount, debt, coll fpmath.Decimal18) offsetPlan {
	l := pool.ledger
	rates := ComputeOffsetRates(debt, coll, pool.totalDeposits, l.lastDebtLossError, l.lastCollateralError)

	return offsetPlan{
		rates:              rates,
		transition:         l.planOffset(rates.DebtLossPerUnit, rates.GainPerUnit),
		newTotalDeposits:   pool.totalDeposits.Sub(debt),
		newTotalCollateral: pool.totalCollateral.Add(coll),
	}
}

// Offset cancels debt against the pool's deposits and credits the released
// collateral to depositors through S.
//
// Preconditions: 0 < debt <= totalDeposits. The liquidation caller clamps;
// a violation is a programming error and panics.
func Offset(pool *PoolAccount, debt, coll fpmath.Decimal18) OffsetResult {
	if debt.IsZero() {
		panic("FATAL: offset with zero debt")
	}
	if pool.totalDeposits.IsZero() {
		panic("FATAL: offset against an empty stability pool")
	}
	if debt.Gt(pool.totalDeposits) {
		panic(fmt.Sprintf("FATAL: offset debt %s exceeds total deposits %s", debt, pool.totalDeposits))
	}

	plan := planOffset(pool, debt, coll)

	pool.ledger.lastDebtLossError = plan.rates.NextDebtLossError
	pool.ledger.lastCollateralError = plan.rates.NextCollateralError
	pool.ledger.commit(plan.transition)
	pool.totalDeposits = plan.newTotalDeposits
	pool.totalCollateral = plan.newTotalCollateral

	return plan.result(debt, coll)
}
