package projection

import (
	"StabilityLedger/internal/ledger"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/state"
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// WorkerID names the watermark row the live worker advances.
const WorkerID = "main"

// Every upsert below is guarded by last_sequence, so re-applying an older
// output never rolls a row back.

func upsertBalance(ctx context.Context, tx *sql.Tx, key ledger.AccountKey, balance uint256.Int, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_path) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
			WHERE projections.balances.last_sequence < EXCLUDED.last_sequence
	`, key.AccountPath(), uint16(key.AssetID), fpmath.FormatSigned(balance), seq)
	return err
}

type poolRow struct {
	P               fpmath.Decimal18
	Epoch           uint64
	Scale           uint64
	TotalDeposits   fpmath.Decimal18
	TotalCollateral fpmath.Decimal18
	TotalRewards    fpmath.Decimal18
	Depositors      int
}

func upsertPool(ctx context.Context, tx *sql.Tx, p poolRow, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_state
			(id, p, epoch, scale, total_deposits, total_collateral, total_rewards, depositors, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			p = EXCLUDED.p, epoch = EXCLUDED.epoch, scale = EXCLUDED.scale,
			total_deposits = EXCLUDED.total_deposits, total_collateral = EXCLUDED.total_collateral,
			total_rewards = EXCLUDED.total_rewards, depositors = EXCLUDED.depositors,
			last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
			WHERE projections.pool_state.last_sequence < EXCLUDED.last_sequence
	`, p.P.String(), int64(p.Epoch), int64(p.Scale), p.TotalDeposits.String(), p.TotalCollateral.String(),
		p.TotalRewards.String(), p.Depositors, seq)
	return err
}

func upsertSum(ctx context.Context, tx *sql.Tx, e state.SumEntry, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.epoch_scale_sums (epoch, scale, s, g, last_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (epoch, scale) DO UPDATE
			SET s = EXCLUDED.s, g = EXCLUDED.g, last_sequence = EXCLUDED.last_sequence
			WHERE projections.epoch_scale_sums.last_sequence < EXCLUDED.last_sequence
	`, int64(e.Epoch), int64(e.Scale), e.S.String(), e.G.String(), seq)
	return err
}

func upsertDeposit(ctx context.Context, tx *sql.Tx, d *state.DepositAccount, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.deposits
			(depositor, principal, snapshot_p, snapshot_s, snapshot_g, snapshot_epoch, snapshot_scale, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (depositor) DO UPDATE SET
			principal = EXCLUDED.principal, snapshot_p = EXCLUDED.snapshot_p,
			snapshot_s = EXCLUDED.snapshot_s, snapshot_g = EXCLUDED.snapshot_g,
			snapshot_epoch = EXCLUDED.snapshot_epoch, snapshot_scale = EXCLUDED.snapshot_scale,
			last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
			WHERE projections.deposits.last_sequence < EXCLUDED.last_sequence
	`, d.Depositor.String(), d.Principal.String(), d.Snapshot.P.String(), d.Snapshot.S.String(),
		d.Snapshot.G.String(), int64(d.Snapshot.Epoch), int64(d.Snapshot.Scale), seq)
	return err
}

func deleteDeposit(ctx context.Context, tx *sql.Tx, depositor uuid.UUID, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projections.deposits WHERE depositor = $1 AND last_sequence < $2
	`, depositor.String(), seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, workerID string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, workerID, seq)
	return err
}

// RowQueryer is satisfied by *sql.DB and *sql.Tx.
type RowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Watermark returns the last sequence the projections reflect, or -1.
func Watermark(ctx context.Context, q RowQueryer) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, WorkerID).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}
