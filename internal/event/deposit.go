package event

import (
	fpmath "StabilityLedger/internal/math"

	"github.com/google/uuid"
)

// DepositProvided adds stablecoin to a depositor's stake.
// Idempotency key: DepositID.
type DepositProvided struct {
	DepositID uuid.UUID
	Depositor uuid.UUID
	Amount    fpmath.Decimal18
	Meta
}

func (d *DepositProvided) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositProvided) EventType() EventType {
	return EventTypeDepositProvided
}

func (d *DepositProvided) PartitionKey() string {
	return d.partition(DepositorPartition(d.Depositor))
}

// DepositWithdrawn removes stablecoin from a depositor's compounded stake.
type DepositWithdrawn struct {
	WithdrawalID uuid.UUID
	Depositor    uuid.UUID
	Amount       fpmath.Decimal18
	Meta
}

func (d *DepositWithdrawn) IdempotencyKey() string {
	return d.WithdrawalID.String()
}

func (d *DepositWithdrawn) EventType() EventType {
	return EventTypeDepositWithdrawn
}

func (d *DepositWithdrawn) PartitionKey() string {
	return d.partition(DepositorPartition(d.Depositor))
}

// DepositorPartition orders every event that touches one depositor.
func DepositorPartition(depositor uuid.UUID) string {
	return "depositor:" + depositor.String()
}
