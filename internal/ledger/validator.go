package ledger

import (
	fpmath "StabilityLedger/internal/math"
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// PoolTotals are the pool engine's own custody figures.
type PoolTotals struct {
	TotalDeposits   fpmath.Decimal18
	TotalCollateral fpmath.Decimal18
	TotalRewards    fpmath.Decimal18
}

// ValidatePoolCustody verifies that the custody accounts hold exactly what
// the pool engine believes it holds.
func (v *InvariantValidator) ValidatePoolCustody(totals PoolTotals) error {
	checks := []struct {
		key  AccountKey
		want fpmath.Decimal18
	}{
		{PoolDepositsAccount, totals.TotalDeposits},
		{PoolCollateralAccount, totals.TotalCollateral},
		{PoolRewardsAccount, totals.TotalRewards},
	}

	for _, c := range checks {
		got, err := v.tracker.GetCustodyBalance(c.key)
		if err != nil {
			return err
		}
		if !got.Eq(c.want) {
			return fmt.Errorf("%s balance %s does not match pool total %s",
				c.key.AccountPath(), got, c.want)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, fpmath.FormatSigned(total))
		}
	}

	return nil
}
