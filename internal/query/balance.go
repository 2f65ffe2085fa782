package query

import (
	"StabilityLedger/internal/ledger"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/projection"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetBalances returns every projected ledger account the depositor owns,
// ordered by account path.
func (qs *QueryService) GetBalances(ctx context.Context, depositor uuid.UUID) (*BalancesResponse, error) {
	tx, err := qs.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	asOfSeq, err := projection.Watermark(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, fmt.Sprintf("user:%s:%%", depositor))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{Depositor: depositor, Accounts: []AccountBalance{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var ab AccountBalance
		var assetID uint16
		var balance string
		if err := rows.Scan(&ab.AccountPath, &assetID, &balance, &ab.LastSequence); err != nil {
			return nil, err
		}
		if ab.Balance, err = signedUnits(balance); err != nil {
			return nil, fmt.Errorf("balance %s: %w", ab.AccountPath, err)
		}
		ab.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
		resp.Accounts = append(resp.Accounts, ab)
	}
	return resp, rows.Err()
}

// signedUnits renders a signed raw NUMERIC balance in units.
func signedUnits(raw string) (string, error) {
	v, err := fpmath.ParseSigned(raw)
	if err != nil {
		return "", err
	}
	abs := fpmath.AbsSigned(v).UnitsString()
	if fpmath.IsNegative(v) {
		return "-" + abs, nil
	}
	return abs, nil
}
