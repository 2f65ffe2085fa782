package query

import (
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
)

// projectedLedger is a state.LedgerView read from projections.pool_state and
// projections.epoch_scale_sums.
type projectedLedger struct {
	p     fpmath.Decimal18
	epoch uint64
	scale uint64
	sums  map[state.SumKey]state.SumEntry
	pool  projectedPool
}

var _ state.LedgerView = (*projectedLedger)(nil)

func (l *projectedLedger) P() fpmath.Decimal18   { return l.p }
func (l *projectedLedger) CurrentEpoch() uint64 { return l.epoch }
func (l *projectedLedger) CurrentScale() uint64 { return l.scale }

func (l *projectedLedger) SumAt(epoch, scale uint64) fpmath.Decimal18 {
	return l.sums[state.SumKey{Epoch: epoch, Scale: scale}].S
}

func (l *projectedLedger) RewardSumAt(epoch, scale uint64) fpmath.Decimal18 {
	return l.sums[state.SumKey{Epoch: epoch, Scale: scale}].G
}

// newProjectedLedger builds a view from exported ledger fields. A pool with
// no projection yet is the genesis ledger.
func newProjectedLedger(p fpmath.Decimal18, epoch, scale uint64, sums []state.SumEntry) *projectedLedger {
	l := &projectedLedger{
		p:     p,
		epoch: epoch,
		scale: scale,
		sums:  make(map[state.SumKey]state.SumEntry, len(sums)),
	}
	for _, s := range sums {
		l.sums[state.SumKey{Epoch: s.Epoch, Scale: s.Scale}] = s
	}
	return l
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadLedger reads the pool row and the sums a deposit snapshot at
// (epoch, scale) can reach. Derivations only read S and G at the snapshot
// cell and the next scale, so only those two rows are loaded.
func loadLedger(ctx context.Context, q queryer, epoch, scale uint64) (*projectedLedger, error) {
	pool, err := loadPool(ctx, q)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT epoch, scale, s, g FROM projections.epoch_scale_sums
		WHERE epoch = $1 AND scale IN ($2, $3)
	`, int64(epoch), int64(scale), int64(scale+1))
	if err != nil {
		return nil, fmt.Errorf("load sums: %w", err)
	}
	defer rows.Close()

	var sums []state.SumEntry
	for rows.Next() {
		var e, sc int64
		var s, g string
		if err := rows.Scan(&e, &sc, &s, &g); err != nil {
			return nil, err
		}
		entry := state.SumEntry{Epoch: uint64(e), Scale: uint64(sc)}
		if entry.S, err = fpmath.FromRaw(s); err != nil {
			return nil, fmt.Errorf("sum S(%d,%d): %w", e, sc, err)
		}
		if entry.G, err = fpmath.FromRaw(g); err != nil {
			return nil, fmt.Errorf("sum G(%d,%d): %w", e, sc, err)
		}
		sums = append(sums, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	l := newProjectedLedger(pool.p, pool.epoch, pool.scale, sums)
	l.pool = pool
	return l, nil
}

// payable caps derived figures at the projected pool totals, the same way a
// settlement in the core does.
func (l *projectedLedger) payable(compounded, collGain, rewardGain fpmath.Decimal18) (fpmath.Decimal18, fpmath.Decimal18, fpmath.Decimal18) {
	return compounded.Min(l.pool.totalDeposits),
		collGain.Min(l.pool.totalCollateral),
		rewardGain.Min(l.pool.totalRewards)
}

type projectedPool struct {
	p               fpmath.Decimal18
	epoch           uint64
	scale           uint64
	totalDeposits   fpmath.Decimal18
	totalCollateral fpmath.Decimal18
	totalRewards    fpmath.Decimal18
	depositors      int
}

func loadPool(ctx context.Context, q queryer) (projectedPool, error) {
	var p, deposits, collateral, rewards string
	var epoch, scale int64
	var depositors int
	err := q.QueryRowContext(ctx, `
		SELECT p, epoch, scale, total_deposits, total_collateral, total_rewards, depositors
		FROM projections.pool_state WHERE id = 1
	`).Scan(&p, &epoch, &scale, &deposits, &collateral, &rewards, &depositors)
	if err == sql.ErrNoRows {
		return projectedPool{p: fpmath.One}, nil
	}
	if err != nil {
		return projectedPool{}, fmt.Errorf("load pool: %w", err)
	}

	pool := projectedPool{epoch: uint64(epoch), scale: uint64(scale), depositors: depositors}
	for _, f := range []struct {
		dst *fpmath.Decimal18
		src string
	}{
		{&pool.p, p},
		{&pool.totalDeposits, deposits},
		{&pool.totalCollateral, collateral},
		{&pool.totalRewards, rewards},
	} {
		if *f.dst, err = fpmath.FromRaw(f.src); err != nil {
			return projectedPool{}, fmt.Errorf("pool row: %w", err)
		}
	}
	return pool, nil
}
