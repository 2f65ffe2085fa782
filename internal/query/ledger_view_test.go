package query

import (
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

// viewOf rebuilds the pool's ledger the way loadLedger does from rows.
func viewOf(pool *state.PoolAccount) *projectedLedger {
	ls := pool.Ledger().Export()
	return newProjectedLedger(ls.P, ls.Epoch, ls.Scale, ls.Sums)
}

// ============================================================================
// Test: projected ledger derivations match the live pool
// ============================================================================

func TestProjectedLedger_MatchesPoolAcrossRescale(t *testing.T) {
	pool := state.NewPoolAccount()
	_, err := pool.Provide(alice, fpmath.MustParseUnits("10000"))
	require.NoError(t, err)
	pool.Offset(fpmath.MustFromRaw("9999999909999999990000"), fpmath.Zero)

	_, err = pool.Provide(bob, fpmath.MustParseUnits("10000"))
	require.NoError(t, err)
	res := pool.Offset(fpmath.MustFromRaw("9900000089100000009900"), fpmath.MustParseUnits("10"))
	require.True(t, res.ScaleAdvanced)

	_, err = pool.IssueReward(fpmath.MustParseUnits("7"))
	require.NoError(t, err)

	view := viewOf(pool)
	assert.Equal(t, pool.Ledger().P().String(), view.P().String())
	assert.Equal(t, uint64(1), view.CurrentScale())

	for _, who := range []uuid.UUID{alice, bob} {
		acct, ok := pool.Deposit(who)
		require.True(t, ok)

		compounded, coll, reward, err := derive(&acct, view)
		require.NoError(t, err)
		assert.Equal(t, pool.GetCompoundedDeposit(who).String(), compounded.String(), "compounded %s", who)
		assert.Equal(t, pool.GetCollateralGain(who).String(), coll.String(), "collateral %s", who)
		assert.Equal(t, pool.GetRewardGain(who).String(), reward.String(), "reward %s", who)
	}
}

func TestProjectedLedger_MissingCellsReadAsZero(t *testing.T) {
	view := newProjectedLedger(fpmath.One, 0, 0, nil)
	assert.True(t, view.SumAt(3, 4).IsZero())
	assert.True(t, view.RewardSumAt(0, 0).IsZero())
}

// ============================================================================
// Test: inconsistent rows surface as an error, not a panic
// ============================================================================

func TestDerive_InconsistentRows(t *testing.T) {
	acct := &state.DepositAccount{
		Depositor: alice,
		Principal: fpmath.MustParseUnits("1"),
		Snapshot: state.Snapshot{
			P: fpmath.One,
			S: fpmath.MustParseUnits("5"),
		},
	}
	// The snapshot's S is ahead of the projected sum row.
	view := newProjectedLedger(fpmath.One, 0, 0, nil)

	_, _, _, err := derive(acct, view)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProjectionInconsistent))
}

// ============================================================================
// Test: helpers
// ============================================================================

func TestSignedUnits(t *testing.T) {
	cases := map[string]string{
		"0":                      "0",
		"1500000000000000000":    "1.5",
		"-100000000000000000000": "-100",
		"-1":                     "-0.000000000000000001",
	}
	for in, want := range cases {
		got, err := signedUnits(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := signedUnits("abc")
	assert.Error(t, err)
}

func TestPageSize(t *testing.T) {
	n, err := pageSize(0)
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, n)

	n, err = pageSize(10_000)
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, n)

	_, err = pageSize(-1)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

// ============================================================================
// Test: reads are capped at what the pool holds
// ============================================================================

func TestProjectedLedger_PayableCapsAtPoolTotals(t *testing.T) {
	view := newProjectedLedger(fpmath.One, 1, 0, nil)
	view.pool = projectedPool{
		p:               fpmath.One,
		epoch:           1,
		totalDeposits:   fpmath.Units(10),
		totalCollateral: fpmath.MustFromRaw("669543504802166956661"),
	}

	compounded, collGain, rewardGain := view.payable(
		fpmath.Units(11),
		fpmath.MustFromRaw("669543504848973420081"),
		fpmath.Units(1),
	)
	assert.True(t, compounded.Eq(fpmath.Units(10)))
	assert.Equal(t, "669543504802166956661", collGain.String())
	assert.True(t, rewardGain.IsZero())

	// Figures inside the totals pass through untouched.
	compounded, collGain, _ = view.payable(fpmath.Units(3), fpmath.Units(2), fpmath.Zero)
	assert.True(t, compounded.Eq(fpmath.Units(3)))
	assert.True(t, collGain.Eq(fpmath.Units(2)))
}
