package projection_test

import (
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/event"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/persistence"
	"StabilityLedger/internal/projection"
	"StabilityLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = testutil.UUID("alice")
	bob   = testutil.UUID("bob")
)

func meta(seq int64) event.Meta {
	return event.Meta{Origin: event.OriginStream, Sequence: seq, Timestamp: time.UnixMicro(1_700_000_000_000_000).UTC()}
}

func scenario() []event.Event {
	return []event.Event{
		&event.DepositProvided{DepositID: uuid.New(), Depositor: alice, Amount: fpmath.MustParseUnits("100"), Meta: meta(0)},
		&event.DepositProvided{DepositID: uuid.New(), Depositor: bob, Amount: fpmath.MustParseUnits("300"), Meta: meta(0)},
		&event.LiquidationOffset{
			LiquidationID: uuid.New(),
			Borrower:      uuid.New(),
			Debt:          fpmath.MustParseUnits("40"),
			Collateral:    fpmath.MustParseUnits("0.4"),
			Meta:          meta(0),
		},
		&event.RewardIssued{IssuanceID: uuid.New(), Amount: fpmath.MustParseUnits("12"), Meta: meta(0)},
	}
}

// closeAlice withdraws alice's whole compounded deposit, which closes her
// account.
func closeAlice(c *core.DeterministicCore) event.Event {
	return &event.DepositWithdrawn{
		WithdrawalID: uuid.New(),
		Depositor:    alice,
		Amount:       c.Pool().GetCompoundedDeposit(alice),
		Meta:         meta(1),
	}
}

func runCore(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(0, persistChan, make(chan core.CoreOutput, 64), nil, nil)

	var outs []core.CoreOutput
	for _, evt := range scenario() {
		require.NoError(t, c.ProcessEvent(evt))
		outs = append(outs, <-persistChan)
	}
	require.NoError(t, c.ProcessEvent(closeAlice(c)))
	outs = append(outs, <-persistChan)
	return c, outs
}

func feed(outs []core.CoreOutput) chan core.CoreOutput {
	ch := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		ch <- o
	}
	close(ch)
	return ch
}

func poolRow(t *testing.T, db *sql.DB) (p, deposits string, depositors int, lastSeq int64) {
	t.Helper()
	require.NoError(t, db.QueryRow(`
		SELECT p::text, total_deposits::text, depositors, last_sequence FROM projections.pool_state WHERE id = 1
	`).Scan(&p, &deposits, &depositors, &lastSeq))
	return
}

// ============================================================================
// Test: Live worker projects pool, deposits, sums and balances
// ============================================================================

func TestProjectionWorker_ProjectsPoolState(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	c, outs := runCore(t)
	history := projection.NewOffsetHistory(8)
	worker := projection.NewProjectionWorker(db, feed(outs), history, nil)
	require.NoError(t, worker.Run(context.Background()))

	p, deposits, depositors, lastSeq := poolRow(t, db)
	assert.Equal(t, c.Pool().Ledger().P().String(), p)
	assert.Equal(t, c.Pool().TotalDeposits().String(), deposits)
	assert.Equal(t, 1, depositors)
	assert.Equal(t, int64(4), lastSeq)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM projections.deposits WHERE depositor = $1`, alice.String()).Scan(&n))
	assert.Zero(t, n, "closed deposit removed")
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM projections.deposits WHERE depositor = $1`, bob.String()).Scan(&n))
	assert.Equal(t, 1, n)

	var s string
	require.NoError(t, db.QueryRow(`SELECT s::text FROM projections.epoch_scale_sums WHERE epoch = 0 AND scale = 0`).Scan(&s))
	assert.Equal(t, c.Pool().Ledger().SumAt(0, 0).String(), s)

	wm, err := projection.Watermark(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(4), wm)

	recent := history.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(2), recent[0].Sequence)
}

// ============================================================================
// Test: Rebuild repairs a projection that missed outputs
// ============================================================================

func TestRebuildProjections_RepairsDroppedOutputs(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c, outs := runCore(t)
	require.NoError(t, persistence.NewPersistenceWorker(db, feed(outs), 10, time.Millisecond, nil).Run(ctx))

	// Drop the offset on the way to the projection worker.
	partial := append(append([]core.CoreOutput{}, outs[:2]...), outs[3])
	require.NoError(t, projection.NewProjectionWorker(db, feed(partial), nil, nil).Run(ctx))

	res, err := projection.RebuildProjections(ctx, db, persistence.NewSnapshotManager(db))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.SnapshotSequence)
	assert.Equal(t, len(outs), res.Replayed)
	assert.Equal(t, int64(4), res.Watermark)
	assert.Equal(t, 1, res.Depositors)

	p, deposits, _, _ := poolRow(t, db)
	assert.Equal(t, c.Pool().Ledger().P().String(), p)
	assert.Equal(t, c.Pool().TotalDeposits().String(), deposits)
}

func TestRebuildProjections_StartsFromSnapshot(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persistChan := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(0, persistChan, make(chan core.CoreOutput, 64), nil, nil)
	evts := scenario()

	var outs []core.CoreOutput
	for _, evt := range evts[:3] {
		require.NoError(t, c.ProcessEvent(evt))
		outs = append(outs, <-persistChan)
	}
	snapMgr := persistence.NewSnapshotManager(db)
	_, err := snapMgr.SaveSnapshot(ctx, persistence.NewSnapshotData(c.CreateSnapshotState(), time.Now()))
	require.NoError(t, err)

	for _, evt := range append(evts[3:], closeAlice(c)) {
		require.NoError(t, c.ProcessEvent(evt))
		outs = append(outs, <-persistChan)
	}
	require.NoError(t, persistence.NewPersistenceWorker(db, feed(outs), 10, time.Millisecond, nil).Run(ctx))
	_, err = snapMgr.VerifyPending(ctx)
	require.NoError(t, err)

	res, err := projection.RebuildProjections(ctx, db, snapMgr)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.SnapshotSequence)
	assert.Equal(t, 2, res.Replayed)

	p, _, _, _ := poolRow(t, db)
	assert.Equal(t, c.Pool().Ledger().P().String(), p)
}
