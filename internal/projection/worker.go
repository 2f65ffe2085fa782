package projection

import (
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates projection tables from processed events.
// The core drops outputs when this worker's channel is full. Every row is
// written as an absolute value, so a dropped output only delays the rows it
// touched until the next output touching them, or until a rebuild.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	offsets   *OffsetHistory
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, offsets *OffsetHistory, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		offsets:   offsets,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		lastSeq:   -1,
	}
}

// Run applies outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).
					Msg("projection skipped outputs; untouched rows lag until rebuild")
				if pw.metrics != nil {
					pw.metrics.ProjectionDrops.WithLabelValues("worker").Add(float64(seq - pw.lastSeq - 1))
				}
			}

			start := time.Now()
			if err := pw.apply(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("pool").Observe(time.Since(start).Seconds())
			}

			pw.recordOffset(output)
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ApplyOutput(ctx, tx, output); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, WorkerID, output.Envelope.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// ApplyOutput writes every row a core output changed.
func ApplyOutput(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	for _, ab := range output.Balances {
		if err := upsertBalance(ctx, tx, ab.Key, ab.Balance, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	delta := output.Pool
	if delta == nil {
		return nil
	}

	if err := upsertPool(ctx, tx, poolRow{
		P:               delta.P,
		Epoch:           delta.Epoch,
		Scale:           delta.Scale,
		TotalDeposits:   delta.TotalDeposits,
		TotalCollateral: delta.TotalCollateral,
		TotalRewards:    delta.TotalRewards,
		Depositors:      delta.Depositors,
	}, seq); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}

	for _, s := range delta.Sums {
		if err := upsertSum(ctx, tx, s, seq); err != nil {
			return fmt.Errorf("sum projection: %w", err)
		}
	}

	switch {
	case delta.Deposit != nil:
		if err := upsertDeposit(ctx, tx, delta.Deposit, seq); err != nil {
			return fmt.Errorf("deposit projection: %w", err)
		}
	case delta.ClosedDepositor != nil:
		if err := deleteDeposit(ctx, tx, *delta.ClosedDepositor, seq); err != nil {
			return fmt.Errorf("deposit projection: %w", err)
		}
	}
	return nil
}

func (pw *ProjectionWorker) recordOffset(output core.CoreOutput) {
	if pw.offsets == nil || output.Pool == nil {
		return
	}
	lo, ok := output.Event.(*event.LiquidationOffset)
	if !ok || lo.Debt.IsZero() {
		return
	}
	pw.offsets.Add(OffsetHistoryEntry{
		Sequence:      output.Envelope.Sequence,
		LiquidationID: lo.LiquidationID,
		Borrower:      lo.Borrower,
		Debt:          lo.Debt,
		Collateral:    lo.Collateral,
		P:             output.Pool.P,
		Epoch:         output.Pool.Epoch,
		Scale:         output.Pool.Scale,
		Timestamp:     output.Envelope.Timestamp.UnixMicro(),
	})
}
