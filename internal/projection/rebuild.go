package projection

import (
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
)

const rebuildBatchSize = 1000

// RebuildResult summarizes a projection rebuild.
type RebuildResult struct {
	SnapshotSequence int64 // -1 when rebuilt from genesis
	Replayed         int
	Watermark        int64
	Accounts         int
	Depositors       int
}

// RebuildProjections restores a scratch core from the latest verified
// snapshot, replays the event log on top of it, and rewrites every
// projection table from the resulting state. The projected balances are
// then checked against the journal before the transaction commits.
func RebuildProjections(ctx context.Context, db *sql.DB, snapMgr *persistence.SnapshotManager) (RebuildResult, error) {
	logger := observability.NewLogger("projection-rebuild")
	res := RebuildResult{SnapshotSequence: -1}

	scratch := core.NewDeterministicCore(0, nil, nil, nil, nil)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, err
	}
	if snap != nil {
		cs, err := snap.CoreState()
		if err != nil {
			return res, err
		}
		if err := scratch.RestoreFromSnapshot(cs); err != nil {
			return res, err
		}
		res.SnapshotSequence = snap.Sequence
	}

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, scratch.GetSequence(), rebuildBatchSize)
		if err != nil {
			return res, fmt.Errorf("load events: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, evt, err := row.Envelope()
			if err != nil {
				return res, err
			}
			if err := scratch.ReplayEnvelope(env, evt); err != nil {
				return res, err
			}
			res.Replayed++
		}
	}
	res.Watermark = scratch.GetSequence() - 1

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		TRUNCATE projections.balances, projections.deposits, projections.pool_state,
		         projections.epoch_scale_sums, projections.watermark
	`); err != nil {
		return res, fmt.Errorf("truncate projections: %w", err)
	}

	if err := writeState(ctx, tx, scratch, res.Watermark, &res); err != nil {
		return res, err
	}

	mismatches, err := journalMismatches(ctx, tx, res.Watermark)
	if err != nil {
		return res, fmt.Errorf("journal check: %w", err)
	}
	if mismatches > 0 {
		return res, fmt.Errorf("journal check: %d projected balances disagree with the journal", mismatches)
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}

	logger.Info().
		Int64("snapshot_sequence", res.SnapshotSequence).
		Int("replayed", res.Replayed).
		Int64("watermark", res.Watermark).
		Msg("projection rebuild complete")
	return res, nil
}

func writeState(ctx context.Context, tx *sql.Tx, c *core.DeterministicCore, seq int64, res *RebuildResult) error {
	for key, bal := range c.Balances().Snapshot() {
		if err := upsertBalance(ctx, tx, key, bal, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
		res.Accounts++
	}

	pool := c.Pool().Export()
	if err := upsertPool(ctx, tx, poolRow{
		P:               pool.Ledger.P,
		Epoch:           pool.Ledger.Epoch,
		Scale:           pool.Ledger.Scale,
		TotalDeposits:   pool.TotalDeposits,
		TotalCollateral: pool.TotalCollateral,
		TotalRewards:    pool.TotalRewards,
		Depositors:      len(pool.Deposits),
	}, seq); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}

	for _, s := range pool.Ledger.Sums {
		if err := upsertSum(ctx, tx, s, seq); err != nil {
			return fmt.Errorf("sum projection: %w", err)
		}
	}
	for i := range pool.Deposits {
		if err := upsertDeposit(ctx, tx, &pool.Deposits[i], seq); err != nil {
			return fmt.Errorf("deposit projection: %w", err)
		}
	}
	res.Depositors = len(pool.Deposits)

	return setWatermark(ctx, tx, WorkerID, seq)
}

// journalMismatches counts accounts whose projected balance differs from
// the journal's net movement up to seq.
func journalMismatches(ctx context.Context, tx *sql.Tx, seq int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		WITH net AS (
			SELECT account, SUM(delta) AS balance FROM (
				SELECT debit_account AS account, amount AS delta
				FROM event_log.journal WHERE sequence <= $1
				UNION ALL
				SELECT credit_account AS account, -amount AS delta
				FROM event_log.journal WHERE sequence <= $1
			) moves
			GROUP BY account
		)
		SELECT COUNT(*)
		FROM projections.balances b
		FULL OUTER JOIN net ON net.account = b.account_path
		WHERE COALESCE(b.balance, 0) <> COALESCE(net.balance, 0)
	`, seq).Scan(&n)
	return n, err
}
