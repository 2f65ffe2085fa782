package event

import "github.com/google/uuid"

// GainClaimed pays out the depositor's collateral and reward gains.
type GainClaimed struct {
	ClaimID   uuid.UUID
	Depositor uuid.UUID
	Meta
}

func (g *GainClaimed) IdempotencyKey() string {
	return g.ClaimID.String()
}

func (g *GainClaimed) EventType() EventType {
	return EventTypeGainClaimed
}

func (g *GainClaimed) PartitionKey() string {
	return g.partition(DepositorPartition(g.Depositor))
}

// GainReinvested moves the depositor's collateral gain into their trove.
type GainReinvested struct {
	ClaimID   uuid.UUID
	Depositor uuid.UUID
	Meta
}

func (g *GainReinvested) IdempotencyKey() string {
	return g.ClaimID.String()
}

func (g *GainReinvested) EventType() EventType {
	return EventTypeGainReinvested
}

func (g *GainReinvested) PartitionKey() string {
	return g.partition(DepositorPartition(g.Depositor))
}
