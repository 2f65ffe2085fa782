package ledger

import (
	fpmath "StabilityLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDepositProvide JournalType = iota
	JournalTypeDepositWithdraw
	JournalTypeDebtOffset
	JournalTypeCollateralIn
	JournalTypeCollateralPayout
	JournalTypeCollateralReinvest
	JournalTypeRewardIssue
	JournalTypeRewardPayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDepositProvide:
		return "deposit_provide"
	case JournalTypeDepositWithdraw:
		return "deposit_withdraw"
	case JournalTypeDebtOffset:
		return "debt_offset"
	case JournalTypeCollateralIn:
		return "collateral_in"
	case JournalTypeCollateralPayout:
		return "collateral_payout"
	case JournalTypeCollateralReinvest:
		return "collateral_reinvest"
	case JournalTypeRewardIssue:
		return "reward_issue"
	case JournalTypeRewardPayout:
		return "reward_payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID        // Unique identifier
	BatchID       uuid.UUID        // Groups balanced entries
	EventRef      string           // Idempotency key of source event
	Sequence      int64            // Global event sequence
	DebitAccount  AccountKey       // Account receiving debit (balance increases)
	CreditAccount AccountKey       // Account receiving credit (balance decreases)
	AssetID       AssetID          // Asset being transferred
	Amount        fpmath.Decimal18 // Always positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Every entry moves one positive amount from its credit to its debit
// account, so each entry balances on its own and so does the batch.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		// Cross-asset entries would break per-asset zero-sum.
		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
