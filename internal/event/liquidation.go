package event

import (
	fpmath "StabilityLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
)

const (
	PartitionLiquidations = "liquidations"
	PartitionIssuance     = "issuance"
)

// LiquidationOffset cancels a liquidated trove's debt against the pool.
// Collateral is net of the liquidator's gas compensation.
type LiquidationOffset struct {
	LiquidationID uuid.UUID
	Borrower      uuid.UUID
	Debt          fpmath.Decimal18
	Collateral    fpmath.Decimal18
	Meta
}

func (l *LiquidationOffset) IdempotencyKey() string {
	return fmt.Sprintf("liquidation:%s", l.LiquidationID)
}

func (l *LiquidationOffset) EventType() EventType {
	return EventTypeLiquidationOffset
}

func (l *LiquidationOffset) PartitionKey() string {
	return l.partition(PartitionLiquidations)
}

// RewardIssued distributes newly issued reward tokens to current depositors.
type RewardIssued struct {
	IssuanceID uuid.UUID
	Amount     fpmath.Decimal18
	Meta
}

func (r *RewardIssued) IdempotencyKey() string {
	return fmt.Sprintf("issuance:%s", r.IssuanceID)
}

func (r *RewardIssued) EventType() EventType {
	return EventTypeRewardIssued
}

func (r *RewardIssued) PartitionKey() string {
	return r.partition(PartitionIssuance)
}
