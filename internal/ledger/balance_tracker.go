package ledger

import (
	fpmath "StabilityLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are signed
// 256-bit values in two's complement; a debit increases a balance and a
// credit decreases it, so boundary accounts run negative.
type BalanceTracker struct {
	balances map[AccountKey]uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = fpmath.SignedAdd(bt.balances[j.DebitAccount], j.Amount)
	bt.balances[j.CreditAccount] = fpmath.SignedSub(bt.balances[j.CreditAccount], j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current signed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint256.Int {
	return bt.balances[key]
}

// SetBalance overwrites a balance. Used only when restoring from a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance uint256.Int) {
	if balance.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = balance
}

// GetCustodyBalance returns a custody account balance as an unsigned amount.
// A negative custody balance is an error.
func (bt *BalanceTracker) GetCustodyBalance(key AccountKey) (fpmath.Decimal18, error) {
	if err := bt.ValidateNonNegative(key); err != nil {
		return fpmath.Zero, err
	}
	return fpmath.FromUint256(bt.GetBalance(key)), nil
}

// GetUserBalance returns the signed balance of one of a depositor's accounts.
func (bt *BalanceTracker) GetUserBalance(userID uuid.UUID, subType AccountSubType, assetID AssetID) uint256.Int {
	return bt.GetBalance(NewUserAccountKey(userID, subType, assetID))
}

// UserAccounts returns every tracked account belonging to userID.
func (bt *BalanceTracker) UserAccounts(userID uuid.UUID) map[AccountKey]uint256.Int {
	out := make(map[AccountKey]uint256.Int)
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.EntityID == userID {
			out[key] = balance
		}
	}
	return out
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]uint256.Int {
	totals := make(map[AssetID]uint256.Int)

	for key, balance := range bt.balances {
		total := totals[key.AssetID]
		total.Add(&total, &balance)
		totals[key.AssetID] = total
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if fpmath.IsNegative(balance) {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), fpmath.FormatSigned(balance))
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint256.Int {
	snapshot := make(map[AccountKey]uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Len is the number of accounts with a non-zero history.
func (bt *BalanceTracker) Len() int {
	return len(bt.balances)
}
