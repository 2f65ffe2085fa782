package server

// Request and response messages of the stabilityledger.v1 services. IDs
// are UUID strings and amounts are decimal unit strings ("12.5"). An empty
// event id asks the server to generate one; clients that retry must send
// the id they used the first time.

// --- QueryService ---

type GetDepositRequest struct {
	Depositor string `json:"depositor"`
}

type GetPoolStateRequest struct{}

type GetBalancesRequest struct {
	Depositor string `json:"depositor"`
}

type ListJournalsRequest struct {
	Depositor      string `json:"depositor"`
	PageSize       int32  `json:"page_size"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListOffsetsRequest struct {
	Limit int32 `json:"limit"`
}

// --- IngestService ---

type ProvideDepositRequest struct {
	DepositID string `json:"deposit_id"`
	Depositor string `json:"depositor"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

type WithdrawDepositRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	Depositor    string `json:"depositor"`
	Amount       string `json:"amount"`
	Sequence     int64  `json:"sequence"`
}

type ClaimGainRequest struct {
	ClaimID   string `json:"claim_id"`
	Depositor string `json:"depositor"`
	Sequence  int64  `json:"sequence"`
	Reinvest  bool   `json:"reinvest"`
}

type OffsetLiquidationRequest struct {
	LiquidationID string `json:"liquidation_id"`
	Borrower      string `json:"borrower"`
	Debt          string `json:"debt"`
	Collateral    string `json:"collateral"`
	Sequence      int64  `json:"sequence"`
}

type IssueRewardRequest struct {
	IssuanceID string `json:"issuance_id"`
	Amount     string `json:"amount"`
	Sequence   int64  `json:"sequence"`
}

// SubmitResponse acknowledges an applied (or already applied) event.
type SubmitResponse struct {
	Accepted       bool   `json:"accepted"`
	IdempotencyKey string `json:"idempotency_key"`
}

// --- AdminService ---

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	SizeBytes int    `json:"size_bytes"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	SnapshotSequence int64 `json:"snapshot_sequence"`
	Replayed         int   `json:"replayed"`
	Watermark        int64 `json:"watermark"`
	Accounts         int   `json:"accounts"`
	Depositors       int   `json:"depositors"`
}

type VerifyIntegrityRequest struct {
	Replay bool `json:"replay"`
}

type GetEventLogInfoRequest struct{}

type GetEventLogInfoResponse struct {
	LastSequence           int64  `json:"last_sequence"`
	ProjectionWatermark    int64  `json:"projection_watermark"`
	LatestSnapshotSequence int64  `json:"latest_snapshot_sequence"`
	Uptime                 string `json:"uptime"`
}
