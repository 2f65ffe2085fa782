package query

import (
	"StabilityLedger/internal/ledger"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/projection"
	"StabilityLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrProjectionInconsistent means the projected rows a derivation read do
// not belong to one ledger state, e.g. after dropped projection updates.
// A later update or a rebuild resolves it.
var ErrProjectionInconsistent = errors.New("query: projection rows are inconsistent")

// QueryService provides read-only access to projection tables.
// All responses include as_of_sequence, the projection watermark the
// answer was read at.
type QueryService struct {
	db      *sql.DB
	offsets *projection.OffsetHistory
}

func NewQueryService(db *sql.DB, offsets *projection.OffsetHistory) *QueryService {
	return &QueryService{db: db, offsets: offsets}
}

// readTx opens a read-only snapshot so the watermark and every row read
// after it describe the same moment.
func (qs *QueryService) readTx(ctx context.Context) (*sql.Tx, error) {
	return qs.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

// GetDeposit returns the depositor's compounded deposit and pending gains.
// The values are derived with the same functions the core uses, over the
// projected ledger. A depositor without a deposit gets zeros.
func (qs *QueryService) GetDeposit(ctx context.Context, depositor uuid.UUID) (*DepositResponse, error) {
	tx, err := qs.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	asOfSeq, err := projection.Watermark(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &DepositResponse{
		Depositor:         depositor,
		Principal:         fpmath.Zero.UnitsString(),
		CompoundedDeposit: fpmath.Zero.UnitsString(),
		CollateralGain:    fpmath.Zero.UnitsString(),
		RewardGain:        fpmath.Zero.UnitsString(),
		AsOfSequence:      asOfSeq,
	}

	acct, lastSeq, err := loadDeposit(ctx, tx, depositor)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return resp, nil
	}

	view, err := loadLedger(ctx, tx, acct.Snapshot.Epoch, acct.Snapshot.Scale)
	if err != nil {
		return nil, err
	}

	compounded, collGain, rewardGain, err := derive(acct, view)
	if err != nil {
		return nil, err
	}
	compounded, collGain, rewardGain = view.payable(compounded, collGain, rewardGain)

	resp.Active = true
	resp.Principal = acct.Principal.UnitsString()
	resp.CompoundedDeposit = compounded.UnitsString()
	resp.CollateralGain = collGain.UnitsString()
	resp.RewardGain = rewardGain.UnitsString()
	resp.SnapshotEpoch = acct.Snapshot.Epoch
	resp.SnapshotScale = acct.Snapshot.Scale
	resp.LastUpdateSequence = lastSeq
	return resp, nil
}

func derive(acct *state.DepositAccount, view state.LedgerView) (compounded, collGain, rewardGain fpmath.Decimal18, err error) {
	defer func() {
		if r := recover(); r != nil {
			ae, ok := r.(*fpmath.ArithmeticError)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("%w: depositor %s: %v", ErrProjectionInconsistent, acct.Depositor, ae)
		}
	}()

	compounded = state.CompoundedBalance(acct.Principal, acct.Snapshot, view)
	collGain = state.CollateralGain(acct.Principal, acct.Snapshot, view)
	rewardGain = state.RewardGain(acct.Principal, acct.Snapshot, view)
	return compounded, collGain, rewardGain, nil
}

func loadDeposit(ctx context.Context, q queryer, depositor uuid.UUID) (*state.DepositAccount, int64, error) {
	var principal, snapP, snapS, snapG string
	var epoch, scale, lastSeq int64
	err := q.QueryRowContext(ctx, `
		SELECT principal, snapshot_p, snapshot_s, snapshot_g, snapshot_epoch, snapshot_scale, last_sequence
		FROM projections.deposits WHERE depositor = $1
	`, depositor.String()).Scan(&principal, &snapP, &snapS, &snapG, &epoch, &scale, &lastSeq)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load deposit: %w", err)
	}

	acct := &state.DepositAccount{
		Depositor: depositor,
		Snapshot:  state.Snapshot{Epoch: uint64(epoch), Scale: uint64(scale)},
	}
	for _, f := range []struct {
		dst *fpmath.Decimal18
		src string
	}{
		{&acct.Principal, principal},
		{&acct.Snapshot.P, snapP},
		{&acct.Snapshot.S, snapS},
		{&acct.Snapshot.G, snapG},
	} {
		if *f.dst, err = fpmath.FromRaw(f.src); err != nil {
			return nil, 0, fmt.Errorf("deposit row %s: %w", depositor, err)
		}
	}
	return acct, lastSeq, nil
}

// GetPoolState returns the projected pool singleton.
func (qs *QueryService) GetPoolState(ctx context.Context) (*PoolStateResponse, error) {
	tx, err := qs.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	asOfSeq, err := projection.Watermark(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	pool, err := loadPool(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &PoolStateResponse{
		P:               pool.p.UnitsString(),
		Epoch:           pool.epoch,
		Scale:           pool.scale,
		TotalDeposits:   pool.totalDeposits.UnitsString(),
		TotalCollateral: pool.totalCollateral.UnitsString(),
		TotalRewards:    pool.totalRewards.UnitsString(),
		Depositors:      pool.depositors,
		AsOfSequence:    asOfSeq,
	}, nil
}

// GetJournalHistory returns journal entries touching the depositor's
// accounts, newest first. beforeSequence is an exclusive cursor.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	depositor uuid.UUID,
	limit int,
	beforeSequence *int64,
) (*JournalHistoryResponse, error) {
	limit, err := pageSize(limit)
	if err != nil {
		return nil, err
	}

	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", depositor)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &JournalHistoryResponse{AsOfSequence: asOfSeq}
	for rows.Next() {
		var e JournalHistoryEntry
		var assetID uint16
		var amount string
		var journalType int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &assetID, &amount,
			&journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		amt, err := fpmath.FromRaw(amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", e.JournalID, err)
		}
		e.Amount = amt.UnitsString()
		e.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
		e.JournalType = ledger.JournalType(journalType).String()
		resp.Entries = append(resp.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Pages never split one event's entries. The extra row only shows
	// whether another page exists and whether the last batch is cut.
	if len(resp.Entries) > limit {
		extraSeq := resp.Entries[limit].Sequence
		resp.Entries = resp.Entries[:limit]
		cut := resp.Entries[limit-1].Sequence
		if extraSeq != cut {
			resp.NextBefore = cut
			return resp, nil
		}
		for len(resp.Entries) > 0 && resp.Entries[len(resp.Entries)-1].Sequence == cut {
			resp.Entries = resp.Entries[:len(resp.Entries)-1]
		}
		if len(resp.Entries) == 0 {
			// One batch larger than the page: return it whole.
			return qs.journalsAt(ctx, depositor, cut, asOfSeq)
		}
		resp.NextBefore = cut + 1
	}
	return resp, nil
}

// journalsAt returns every entry of the depositor at one sequence.
func (qs *QueryService) journalsAt(ctx context.Context, depositor uuid.UUID, seq, asOfSeq int64) (*JournalHistoryResponse, error) {
	next := seq + 1
	resp, err := qs.GetJournalHistory(ctx, depositor, maxPageSize, &next)
	if err != nil {
		return nil, err
	}
	kept := resp.Entries[:0]
	for _, e := range resp.Entries {
		if e.Sequence == seq {
			kept = append(kept, e)
		}
	}
	return &JournalHistoryResponse{Entries: kept, NextBefore: seq, AsOfSequence: asOfSeq}, nil
}

// GetRecentOffsets returns the most recent liquidation offsets seen by the
// projection worker since this process started.
func (qs *QueryService) GetRecentOffsets(ctx context.Context, limit int) (*OffsetsResponse, error) {
	limit, err := pageSize(limit)
	if err != nil {
		return nil, err
	}
	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &OffsetsResponse{Offsets: []OffsetEntry{}, AsOfSequence: asOfSeq}
	if qs.offsets == nil {
		return resp, nil
	}
	for _, o := range qs.offsets.Recent(limit) {
		resp.Offsets = append(resp.Offsets, OffsetEntry{
			Sequence:      o.Sequence,
			LiquidationID: o.LiquidationID,
			Borrower:      o.Borrower,
			Debt:          o.Debt.UnitsString(),
			Collateral:    o.Collateral.UnitsString(),
			P:             o.P.UnitsString(),
			Epoch:         o.Epoch,
			Scale:         o.Scale,
			Timestamp:     o.Timestamp,
		})
	}
	return resp, nil
}

func pageSize(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: negative limit %d", ErrInvalidArgument, limit)
	case limit == 0:
		return defaultPageSize, nil
	case limit > maxPageSize:
		return maxPageSize, nil
	}
	return limit, nil
}
