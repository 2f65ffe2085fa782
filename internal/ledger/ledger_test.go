package ledger_test

import (
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/ledger"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/state"
	"testing"
	"time"

	"github.com/google/uuid"
)

func depositJournal(userID uuid.UUID, amount fpmath.Decimal18) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.PoolDepositsAccount,
		CreditAccount: ledger.NewUserAccountKey(userID, ledger.SubTypeWallet, ledger.AssetXBRL),
		AssetID:       ledger.AssetXBRL,
		Amount:        amount,
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeWallet, ledger.AssetXBRL)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:XBRL"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	cases := map[string]ledger.AccountKey{
		"system:pool_deposits:XBRL":        ledger.PoolDepositsAccount,
		"system:pool_collateral:ETH":       ledger.PoolCollateralAccount,
		"system:pool_rewards:STBL":         ledger.PoolRewardsAccount,
		"system:debt_burned:XBRL":          ledger.DebtBurnedAccount,
		"external:liquidations:ETH":        ledger.LiquidationsAccount,
		"external:community_issuance:STBL": ledger.IssuanceAccount,
	}
	for want, key := range cases {
		if got := key.AccountPath(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	userID := uuid.New()
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(userID, ledger.SubTypeWallet, ledger.AssetETH),
		ledger.NewUserAccountKey(userID, ledger.SubTypeTrove, ledger.AssetETH),
		ledger.PoolDepositsAccount,
		ledger.IssuanceAccount,
	}
	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("round trip of %q produced %+v", key.AccountPath(), parsed)
		}
	}
}

func TestParseAccountPath_Rejects(t *testing.T) {
	bad := []string{
		"",
		"user:not-a-uuid:wallet:XBRL",
		"system:pool_deposits:DOGE",
		"system:insurance_fund:XBRL",
		"vault:pool_deposits:XBRL",
		"system:pool_deposits",
	}
	for _, path := range bad {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected %q to be rejected", path)
		}
	}
}

func TestGetAssetID(t *testing.T) {
	id, ok := ledger.GetAssetID("XBRL")
	if !ok || id != ledger.AssetXBRL {
		t.Fatalf("XBRL should map to %d, got %d (ok=%v)", ledger.AssetXBRL, id, ok)
	}
	if _, ok := ledger.GetAssetID("USDT"); ok {
		t.Error("USDT should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_SignedBalances(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	bt.ApplyJournal(depositJournal(userID, fpmath.Units(100)))

	pool := bt.GetBalance(ledger.PoolDepositsAccount)
	if got := fpmath.FormatSigned(pool); got != fpmath.Units(100).String() {
		t.Errorf("pool_deposits: got %s", got)
	}

	wallet := bt.GetUserBalance(userID, ledger.SubTypeWallet, ledger.AssetXBRL)
	if !fpmath.IsNegative(wallet) {
		t.Fatal("wallet should be negative after sending funds in")
	}
	if got := fpmath.FormatSigned(wallet); got != "-"+fpmath.Units(100).String() {
		t.Errorf("wallet: got %s", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	for i := 0; i < 5; i++ {
		bt.ApplyJournal(depositJournal(uuid.New(), fpmath.MustParseUnits("12.345")))
	}

	for aid, total := range bt.ComputeGlobalBalance() {
		if !total.IsZero() {
			t.Errorf("asset %d has non-zero global balance: %s", aid, fpmath.FormatSigned(total))
		}
	}
}

func TestBalanceTracker_SetBalanceAndSnapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	bt.ApplyJournal(depositJournal(userID, fpmath.Units(7)))

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot should hold 2 accounts, got %d", len(snap))
	}

	restored := ledger.NewBalanceTracker()
	for k, v := range snap {
		restored.SetBalance(k, v)
	}
	if restored.GetBalance(ledger.PoolDepositsAccount) != bt.GetBalance(ledger.PoolDepositsAccount) {
		t.Error("restored balance differs")
	}

	// Mutating the snapshot must not affect the tracker.
	for k := range snap {
		delete(snap, k)
	}
	if bt.Len() != 2 {
		t.Error("tracker should not be affected by snapshot mutation")
	}
}

func TestBalanceTracker_CustodyBalanceRejectsNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, ledger.AssetETH),
		CreditAccount: ledger.PoolCollateralAccount,
		AssetID:       ledger.AssetETH,
		Amount:        fpmath.Units(1),
	})

	if _, err := bt.GetCustodyBalance(ledger.PoolCollateralAccount); err == nil {
		t.Error("expected error for negative custody balance")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate(t *testing.T) {
	batchID := uuid.New()
	wallet := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, ledger.AssetXBRL)

	valid := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.PoolDepositsAccount,
		CreditAccount: wallet,
		AssetID:       ledger.AssetXBRL,
		Amount:        fpmath.Units(1),
	}

	zero := valid
	zero.Amount = fpmath.Zero

	mismatched := valid
	mismatched.BatchID = uuid.New()

	self := valid
	self.CreditAccount = self.DebitAccount

	crossAsset := valid
	crossAsset.CreditAccount = ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, ledger.AssetETH)

	cases := []struct {
		name    string
		entries []ledger.Journal
		wantErr bool
	}{
		{"empty", nil, true},
		{"zero amount", []ledger.Journal{zero}, true},
		{"mismatched batch id", []ledger.Journal{mismatched}, true},
		{"self transfer", []ledger.Journal{self}, true},
		{"cross asset", []ledger.Journal{crossAsset}, true},
		{"valid", []ledger.Journal{valid}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batch := &ledger.Batch{BatchID: batchID, Journals: tc.entries}
			err := batch.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_ProvideWithPendingGains(t *testing.T) {
	gen := ledger.NewJournalGenerator()
	depositor := uuid.New()
	evt := &event.DepositProvided{
		DepositID: uuid.New(),
		Depositor: depositor,
		Amount:    fpmath.Units(50),
		Meta:      event.Meta{Origin: event.OriginStream, Sequence: 1, Timestamp: time.Unix(1700000000, 0)},
	}
	res := state.GainsWithdrawal{
		Depositor:      depositor,
		Amount:         fpmath.Units(50),
		CollateralGain: fpmath.Units(2),
		RewardGain:     fpmath.Zero,
	}

	batch := gen.GenerateProvide(evt, 42, res)
	if err := batch.Validate(); err != nil {
		t.Fatalf("generated batch invalid: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("expected deposit + collateral payout, got %d journals", len(batch.Journals))
	}
	if batch.Sequence != 42 || batch.Journals[0].Sequence != 42 {
		t.Error("batch must carry the event's global sequence")
	}
	if batch.Journals[1].JournalType != ledger.JournalTypeCollateralPayout {
		t.Errorf("second journal: got %s", batch.Journals[1].JournalType)
	}

	// Deterministic IDs.
	again := gen.GenerateProvide(evt, 42, res)
	if again.BatchID != batch.BatchID || again.Journals[1].JournalID != batch.Journals[1].JournalID {
		t.Error("journal IDs must be deterministic per event")
	}
}

func TestGenerator_ReinvestGoesToTrove(t *testing.T) {
	gen := ledger.NewJournalGenerator()
	depositor := uuid.New()
	evt := &event.GainReinvested{ClaimID: uuid.New(), Depositor: depositor}
	res := state.GainsWithdrawal{
		Depositor:      depositor,
		CollateralGain: fpmath.Units(3),
		RewardGain:     fpmath.Units(1),
	}

	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(gen.GenerateReinvest(evt, 1, res)); err != nil {
		t.Fatal(err)
	}

	trove := bt.GetUserBalance(depositor, ledger.SubTypeTrove, ledger.AssetETH)
	if fpmath.FormatSigned(trove) != fpmath.Units(3).String() {
		t.Errorf("trove: got %s", fpmath.FormatSigned(trove))
	}
	wallet := bt.GetUserBalance(depositor, ledger.SubTypeWallet, ledger.AssetETH)
	if !wallet.IsZero() {
		t.Error("reinvested collateral must not reach the wallet")
	}
}

func TestGenerator_OffsetAndCustodyInvariant(t *testing.T) {
	gen := ledger.NewJournalGenerator()
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	pool := state.NewPoolAccount()
	depositor := uuid.New()

	provide := &event.DepositProvided{DepositID: uuid.New(), Depositor: depositor, Amount: fpmath.Units(1000)}
	res, err := pool.Provide(depositor, provide.Amount)
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(gen.GenerateProvide(provide, 1, res)); err != nil {
		t.Fatal(err)
	}

	offset := &event.LiquidationOffset{LiquidationID: uuid.New(), Debt: fpmath.Units(400), Collateral: fpmath.Units(4)}
	offRes := pool.Offset(offset.Debt, offset.Collateral)
	if err := bt.ApplyBatch(gen.GenerateOffset(offset, 2, offRes)); err != nil {
		t.Fatal(err)
	}

	issue := &event.RewardIssued{IssuanceID: uuid.New(), Amount: fpmath.Units(10)}
	rewardRes, err := pool.IssueReward(issue.Amount)
	if err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(gen.GenerateRewardIssue(issue, 3, rewardRes)); err != nil {
		t.Fatal(err)
	}

	totals := ledger.PoolTotals{
		TotalDeposits:   pool.TotalDeposits(),
		TotalCollateral: pool.TotalCollateral(),
		TotalRewards:    pool.TotalRewards(),
	}
	if err := v.ValidatePoolCustody(totals); err != nil {
		t.Errorf("custody mismatch: %v", err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}

	totals.TotalCollateral = fpmath.Units(5)
	if err := v.ValidatePoolCustody(totals); err == nil {
		t.Error("expected custody mismatch to be reported")
	}
}

func TestGenerator_RewardToEmptyPoolIsEmpty(t *testing.T) {
	gen := ledger.NewJournalGenerator()
	batch := gen.GenerateRewardIssue(&event.RewardIssued{IssuanceID: uuid.New(), Amount: fpmath.Units(1)}, 1,
		state.RewardResult{Amount: fpmath.Units(1), Issued: false})
	if len(batch.Journals) != 0 {
		t.Errorf("expected no journals, got %d", len(batch.Journals))
	}
}
