package query

import (
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidArgument is returned for requests the service refuses before
// touching the database.
var ErrInvalidArgument = errors.New("query: invalid argument")

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Amounts in responses are decimal unit strings ("12.5"), the same form the
// ingestion wire format accepts.

// DepositResponse is a depositor's position derived at query time from the
// projected principal, snapshot and pool ledger.
type DepositResponse struct {
	Depositor          uuid.UUID `json:"depositor"`
	Active             bool      `json:"active"`
	Principal          string    `json:"principal"`
	CompoundedDeposit  string    `json:"compounded_deposit"`
	CollateralGain     string    `json:"collateral_gain"`
	RewardGain         string    `json:"reward_gain"`
	SnapshotEpoch      uint64    `json:"snapshot_epoch"`
	SnapshotScale      uint64    `json:"snapshot_scale"`
	LastUpdateSequence int64     `json:"last_update_sequence"`
	AsOfSequence       int64     `json:"as_of_sequence"`
}

// PoolStateResponse is the projected pool singleton.
type PoolStateResponse struct {
	P               string `json:"p"`
	Epoch           uint64 `json:"epoch"`
	Scale           uint64 `json:"scale"`
	TotalDeposits   string `json:"total_deposits"`
	TotalCollateral string `json:"total_collateral"`
	TotalRewards    string `json:"total_rewards"`
	Depositors      int    `json:"depositors"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// AccountBalance is one projected ledger account. Balance may be negative
// for wallet and external accounts.
type AccountBalance struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// BalancesResponse lists a depositor's ledger accounts.
type BalancesResponse struct {
	Depositor    uuid.UUID        `json:"depositor"`
	Accounts     []AccountBalance `json:"accounts"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// JournalHistoryResponse is one page of journal entries, newest first.
// NextBefore is the cursor for the following page, or zero when done.
type JournalHistoryResponse struct {
	Entries      []JournalHistoryEntry `json:"entries"`
	NextBefore   int64                 `json:"next_before,omitempty"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// OffsetEntry is one recent liquidation offset.
type OffsetEntry struct {
	Sequence      int64     `json:"sequence"`
	LiquidationID uuid.UUID `json:"liquidation_id"`
	Borrower      uuid.UUID `json:"borrower"`
	Debt          string    `json:"debt"`
	Collateral    string    `json:"collateral"`
	P             string    `json:"p"`
	Epoch         uint64    `json:"epoch"`
	Scale         uint64    `json:"scale"`
	Timestamp     int64     `json:"timestamp"`
}

// OffsetsResponse lists recent offsets, newest first.
type OffsetsResponse struct {
	Offsets      []OffsetEntry `json:"offsets"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventsChecked    int64             `json:"events_checked"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	ReplayMismatch   *int64            `json:"replay_mismatch,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset whose projected balances do not sum
// to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
