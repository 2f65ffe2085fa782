package core_test

import (
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/ledger"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/state"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
)

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore(opts ...core.Option) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(0, persistChan, projChan, nil, nil, opts...)
	return c, persistChan, projChan
}

func meta(seq int64) event.Meta {
	return event.Meta{
		Origin:    event.OriginStream,
		Sequence:  seq,
		Timestamp: time.UnixMicro(1_000_000 + seq*1000),
	}
}

func provide(who uuid.UUID, amount string, seq int64) *event.DepositProvided {
	return &event.DepositProvided{
		DepositID: uuid.New(),
		Depositor: who,
		Amount:    fpmath.MustParseUnits(amount),
		Meta:      meta(seq),
	}
}

func withdraw(who uuid.UUID, amount string, seq int64) *event.DepositWithdrawn {
	return &event.DepositWithdrawn{
		WithdrawalID: uuid.New(),
		Depositor:    who,
		Amount:       fpmath.MustParseUnits(amount),
		Meta:         meta(seq),
	}
}

func claim(who uuid.UUID, seq int64) *event.GainClaimed {
	return &event.GainClaimed{ClaimID: uuid.New(), Depositor: who, Meta: meta(seq)}
}

func reinvest(who uuid.UUID, seq int64) *event.GainReinvested {
	return &event.GainReinvested{ClaimID: uuid.New(), Depositor: who, Meta: meta(seq)}
}

func offset(debt, coll string, seq int64) *event.LiquidationOffset {
	return &event.LiquidationOffset{
		LiquidationID: uuid.New(),
		Borrower:      uuid.New(),
		Debt:          fpmath.MustParseUnits(debt),
		Collateral:    fpmath.MustParseUnits(coll),
		Meta:          meta(seq),
	}
}

func reward(amount string, seq int64) *event.RewardIssued {
	return &event.RewardIssued{
		IssuanceID: uuid.New(),
		Amount:     fpmath.MustParseUnits(amount),
		Meta:       meta(seq),
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func mustProcess(t *testing.T, c *core.DeterministicCore, evts ...event.Event) {
	t.Helper()
	for _, evt := range evts {
		require.NoError(t, c.ProcessEvent(evt), "event %s", evt.EventType())
	}
}

func balanceOf(c *core.DeterministicCore, key ledger.AccountKey) fpmath.Decimal18 {
	return fpmath.FromUint256(c.Balances().GetBalance(key))
}

// ============================================================================
// Test: Provide credits pool custody and emits one output on each channel
// ============================================================================

func TestDepositProvided_CreditsPool(t *testing.T) {
	c, persistCh, projCh := newTestCore()

	mustProcess(t, c, provide(alice, "100", 0))

	assert.True(t, c.Pool().TotalDeposits().Eq(fpmath.Units(100)))
	assert.True(t, balanceOf(c, ledger.PoolDepositsAccount).Eq(fpmath.Units(100)))

	wallet := c.Balances().GetUserBalance(alice, ledger.SubTypeWallet, ledger.AssetXBRL)
	assert.True(t, fpmath.IsNegative(wallet), "wallet should show the amount sent in")
	assert.True(t, fpmath.AbsSigned(wallet).Eq(fpmath.Units(100)))

	persisted := drainOutputs(persistCh)
	projected := drainOutputs(projCh)
	require.Len(t, persisted, 1)
	require.Len(t, projected, 1)

	out := persisted[0]
	require.NotNil(t, out.Pool)
	require.NotNil(t, out.Pool.Deposit)
	assert.True(t, out.Pool.Deposit.Principal.Eq(fpmath.Units(100)))
	assert.Equal(t, 1, out.Pool.Depositors)
	assert.Len(t, out.Batch.Journals, 1)
	assert.Equal(t, int64(1), c.GetSequence())
}

// ============================================================================
// Test: Envelope fields
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore()

	evt := provide(alice, "10", 0)
	mustProcess(t, c, evt)

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 1)
	env := outputs[0].Envelope

	assert.Equal(t, int64(0), env.Sequence)
	assert.Equal(t, evt.IdempotencyKey(), env.IdempotencyKey)
	assert.Equal(t, event.EventTypeDepositProvided, env.EventType)
	assert.Equal(t, "stream:depositor:"+alice.String(), env.PartitionKey)
	assert.Equal(t, evt.Timestamp, env.Timestamp)
	assert.Equal(t, core.GenesisHash(), env.PrevHash)
	assert.Equal(t, c.GetStateHash(), env.StateHash)
	assert.Same(t, evt, outputs[0].Event.(*event.DepositProvided))
}

// ============================================================================
// Test: Duplicate events are ignored
// ============================================================================

func TestIdempotency_DuplicateDeposit_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore()

	evt := provide(alice, "100", 0)
	mustProcess(t, c, evt)
	require.NoError(t, c.ProcessEvent(evt))

	assert.Len(t, drainOutputs(persistCh), 1)
	assert.True(t, c.Pool().TotalDeposits().Eq(fpmath.Units(100)))
	assert.Equal(t, int64(1), c.GetSequence())
}

// ============================================================================
// Test: Stream sequences are gap-free, API sequences only increase
// ============================================================================

func TestSequenceValidation_StreamGapDetected(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, provide(alice, "1", 0))
	err := c.ProcessEvent(provide(alice, "1", 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSequenceGap))

	// Other partitions are independent
	mustProcess(t, c, provide(bob, "1", 0))
}

func TestSequenceValidation_APIGapTolerated(t *testing.T) {
	c, _, _ := newTestCore()

	first := provide(alice, "1", 5)
	first.Origin = event.OriginAPI
	mustProcess(t, c, first)

	stale := provide(alice, "1", 3)
	stale.Origin = event.OriginAPI
	err := c.ProcessEvent(stale)
	assert.True(t, errors.Is(err, core.ErrOutOfOrder))

	next := provide(alice, "1", 9)
	next.Origin = event.OriginAPI
	mustProcess(t, c, next)

	assert.True(t, c.Pool().TotalDeposits().Eq(fpmath.Units(2)))
}

func TestInvalidOrigin_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	evt := provide(alice, "1", 0)
	evt.Origin = "carrier-pigeon"
	err := c.ProcessEvent(evt)
	assert.True(t, errors.Is(err, core.ErrInvalidOrigin))
}

// ============================================================================
// Test: Rejected pool operations leave no trace
// ============================================================================

func TestWithdrawMoreThanDeposit_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()

	mustProcess(t, c, provide(alice, "10", 0))
	hash := c.GetStateHash()

	err := c.ProcessEvent(withdraw(alice, "11", 1))
	assert.True(t, errors.Is(err, state.ErrInsufficientBalance))
	assert.Equal(t, int64(1), c.GetSequence())
	assert.Equal(t, hash, c.GetStateHash())
	assert.Len(t, drainOutputs(persistCh), 1)

	// The partition sequence was consumed by the rejected event
	mustProcess(t, c, withdraw(alice, "10", 2))
	assert.True(t, c.Pool().TotalDeposits().IsZero())
	_, open := c.Pool().Deposit(alice)
	assert.False(t, open)
}

func TestOffset_EmptyPool_Rejected(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persistCh := make(chan core.CoreOutput, 16)
	projCh := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(0, persistCh, projCh, nil, metrics)

	err := c.ProcessEvent(offset("10", "1", 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrOffsetRejected))
	assert.Equal(t, int64(0), c.GetSequence())
	assert.Empty(t, drainOutputs(persistCh))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OffsetsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.CoreEventsRejected.WithLabelValues("LiquidationOffset", "offset_rejected")))
}

func TestOffset_DebtAboveDeposits_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, provide(alice, "100", 0))
	err := c.ProcessEvent(offset("100.000000000000000001", "1", 0))
	assert.True(t, errors.Is(err, state.ErrOffsetRejected))
	assert.True(t, c.Pool().TotalDeposits().Eq(fpmath.Units(100)))
	assert.True(t, c.Pool().TotalCollateral().IsZero())
}

// ============================================================================
// Test: Offset distributes collateral, claim pays it out
// ============================================================================

func TestOffsetThenClaim_PaysCollateral(t *testing.T) {
	c, persistCh, _ := newTestCore()

	mustProcess(t, c,
		provide(alice, "100", 0),
		provide(bob, "100", 0),
		offset("50", "1", 0),
	)

	assert.True(t, c.Pool().TotalDeposits().Eq(fpmath.Units(150)))
	assert.True(t, balanceOf(c, ledger.PoolCollateralAccount).Eq(fpmath.Units(1)))
	assert.True(t, balanceOf(c, ledger.DebtBurnedAccount).Eq(fpmath.Units(50)))

	half := fpmath.MustParseUnits("0.5")
	assert.True(t, c.Pool().GetCollateralGain(alice).Eq(half))

	mustProcess(t, c, claim(alice, 1))

	paid := c.Balances().GetUserBalance(alice, ledger.SubTypeWallet, ledger.AssetETH)
	assert.True(t, fpmath.FromUint256(paid).Eq(half))
	assert.True(t, c.Pool().TotalCollateral().Eq(half))
	assert.True(t, c.Pool().GetCollateralGain(alice).IsZero())

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 4)
	offsetOut := outputs[2]
	require.Len(t, offsetOut.Pool.Sums, 1)
	assert.Equal(t, uint64(0), offsetOut.Pool.Sums[0].Epoch)
	assert.False(t, offsetOut.Pool.Sums[0].S.IsZero())
	assert.Len(t, offsetOut.Batch.Journals, 2)
}

func TestReinvest_MovesCollateralToTrove(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c,
		provide(alice, "100", 0),
		offset("10", "2", 0),
		reinvest(alice, 1),
	)

	trove := c.Balances().GetUserBalance(alice, ledger.SubTypeTrove, ledger.AssetETH)
	assert.True(t, fpmath.FromUint256(trove).Eq(fpmath.Units(2)))
	wallet := c.Balances().GetUserBalance(alice, ledger.SubTypeWallet, ledger.AssetETH)
	assert.True(t, wallet.IsZero())

	err := c.ProcessEvent(reinvest(alice, 2))
	assert.True(t, errors.Is(err, state.ErrNoGainAvailable))
}

func TestFullOffset_AdvancesEpoch(t *testing.T) {
	c, persistCh, _ := newTestCore()

	mustProcess(t, c,
		provide(alice, "100", 0),
		offset("100", "3", 0),
	)

	assert.Equal(t, uint64(1), c.Pool().Ledger().CurrentEpoch())
	assert.True(t, c.Pool().GetCompoundedDeposit(alice).IsZero())
	assert.True(t, c.Pool().GetCollateralGain(alice).Eq(fpmath.Units(3)))

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 2)
	assert.Len(t, outputs[1].Pool.Sums, 2, "old cell plus the new epoch's cell")
	assert.Equal(t, uint64(1), outputs[1].Pool.Epoch)

	mustProcess(t, c, claim(alice, 1))
	_, open := c.Pool().Deposit(alice)
	assert.False(t, open, "a wiped-out deposit closes on claim")
}

// ============================================================================
// Test: Events that change nothing still get an envelope
// ============================================================================

func TestZeroDebtOffset_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustProcess(t, c, provide(alice, "100", 0))
	drainOutputs(persistCh)

	err := c.ProcessEvent(offset("0", "5", 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrOffsetRejected))

	assert.Empty(t, drainOutputs(persistCh))
	assert.Equal(t, int64(1), c.GetSequence())
	assert.True(t, c.Pool().TotalCollateral().IsZero())
	assert.True(t, balanceOf(c, ledger.PoolCollateralAccount).IsZero())
}

func TestRewardIssued_EmptyPool_Skipped(t *testing.T) {
	c, persistCh, _ := newTestCore()

	mustProcess(t, c, reward("1000", 0))

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 1)
	assert.Empty(t, outputs[0].Batch.Journals)
	assert.True(t, c.Pool().TotalRewards().IsZero())
}

func TestRewardIssued_SplitsByStake(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c,
		provide(alice, "25", 0),
		provide(bob, "75", 0),
		reward("100", 0),
	)

	assert.True(t, c.Pool().GetRewardGain(alice).Eq(fpmath.Units(25)))
	assert.True(t, c.Pool().GetRewardGain(bob).Eq(fpmath.Units(75)))
	assert.True(t, balanceOf(c, ledger.PoolRewardsAccount).Eq(fpmath.Units(100)))
}

// ============================================================================
// Test: State hash chain
// ============================================================================

func scenario() []event.Event {
	return []event.Event{
		provide(alice, "100", 0),
		provide(bob, "300", 0),
		offset("40", "0.4", 0),
		reward("12", 0),
		claim(alice, 1),
		withdraw(bob, "50", 1),
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	evts := scenario()

	c1, out1, _ := newTestCore()
	c2, out2, _ := newTestCore()
	mustProcess(t, c1, evts...)
	mustProcess(t, c2, evts...)

	assert.Equal(t, c1.GetStateHash(), c2.GetStateHash())

	outputs := drainOutputs(out1)
	drainOutputs(out2)
	require.Len(t, outputs, len(evts))
	for i := 1; i < len(outputs); i++ {
		assert.Equal(t, outputs[i-1].Envelope.StateHash, outputs[i].Envelope.PrevHash)
	}
}

func TestStateHashChain_DiffersOnDifferentInput(t *testing.T) {
	c1, _, _ := newTestCore()
	c2, _, _ := newTestCore()

	mustProcess(t, c1, provide(alice, "100", 0))
	mustProcess(t, c2, provide(alice, "101", 0))

	assert.NotEqual(t, c1.GetStateHash(), c2.GetStateHash())
}

// ============================================================================
// Test: Replay reproduces the chain
// ============================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	live, persistCh, _ := newTestCore()
	mustProcess(t, live, provide(alice, "100", 0))
	// Rejected: consumes alice's partition sequence 1 but is never logged
	require.Error(t, live.ProcessEvent(withdraw(alice, "101", 1)))
	mustProcess(t, live,
		provide(bob, "300", 0),
		offset("40", "0.4", 0),
		reward("12", 0),
		claim(alice, 2),
		withdraw(bob, "50", 1),
	)

	logged := drainOutputs(persistCh)

	replayed, replayPersist, _ := newTestCore()
	for _, out := range logged {
		require.NoError(t, replayed.ReplayEnvelope(out.Envelope, out.Event))
	}

	assert.Equal(t, live.GetStateHash(), replayed.GetStateHash())
	assert.Equal(t, live.GetSequence(), replayed.GetSequence())
	assert.Empty(t, drainOutputs(replayPersist), "replay emits nothing")
}

func TestReplay_DetectsTamperedHash(t *testing.T) {
	live, persistCh, _ := newTestCore()
	mustProcess(t, live, provide(alice, "10", 0))
	logged := drainOutputs(persistCh)

	env := *logged[0].Envelope
	env.StateHash[0] ^= 0xff

	replayed, _, _ := newTestCore()
	err := replayed.ReplayEnvelope(&env, logged[0].Event)
	assert.True(t, errors.Is(err, core.ErrReplayHashMismatch))
}

func TestReplay_SequenceMismatch(t *testing.T) {
	live, persistCh, _ := newTestCore()
	mustProcess(t, live, provide(alice, "10", 0), provide(bob, "10", 0))
	logged := drainOutputs(persistCh)

	replayed, _, _ := newTestCore()
	err := replayed.ReplayEnvelope(logged[1].Envelope, logged[1].Event)
	assert.True(t, errors.Is(err, core.ErrReplaySequence))
}

// ============================================================================
// Test: Snapshot restore continues the same chain
// ============================================================================

func TestSnapshotRestore_ContinuesChain(t *testing.T) {
	evts := scenario()
	first := evts[0]

	original, _, _ := newTestCore()
	mustProcess(t, original, evts...)

	snap := original.CreateSnapshotState()
	assert.Equal(t, original.GetSequence()-1, snap.Sequence)

	restored, restoredPersist, _ := newTestCore()
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	assert.Equal(t, original.GetSequence(), restored.GetSequence())
	assert.Equal(t, original.GetStateHash(), restored.GetStateHash())

	// Recent keys were warmed into the LRU
	require.NoError(t, restored.ProcessEvent(first))
	assert.Empty(t, drainOutputs(restoredPersist))

	next := offset("30", "0.3", 1)
	mustProcess(t, original, next)
	mustProcess(t, restored, next)
	assert.Equal(t, original.GetStateHash(), restored.GetStateHash())
	assert.True(t, original.Pool().GetCompoundedDeposit(bob).Eq(restored.Pool().GetCompoundedDeposit(bob)))
}

func TestSnapshotRestore_RejectsInconsistentCustody(t *testing.T) {
	original, _, _ := newTestCore()
	mustProcess(t, original, provide(alice, "10", 0))

	snap := original.CreateSnapshotState()
	delete(snap.Balances, ledger.PoolDepositsAccount)

	restored, _, _ := newTestCore()
	assert.Error(t, restored.RestoreFromSnapshot(snap))
}

// ============================================================================
// Test: Projection channel drops on full, persistence never does
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 16)
	projCh := make(chan core.CoreOutput, 1)
	c := core.NewDeterministicCore(0, persistCh, projCh, nil, nil)

	mustProcess(t, c,
		provide(alice, "1", 0),
		provide(alice, "1", 1),
		provide(alice, "1", 2),
	)

	assert.Len(t, drainOutputs(persistCh), 3)
	assert.Len(t, drainOutputs(projCh), 1)
}

// ============================================================================
// Test: Periodic zero-sum check runs without tripping
// ============================================================================

func TestGlobalBalanceCheck_Interval(t *testing.T) {
	c, _, _ := newTestCore(core.WithGlobalCheckInterval(1))

	assert.NotPanics(t, func() {
		mustProcess(t, c, scenario()...)
	})
}
