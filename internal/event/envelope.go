package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositProvided
	EventTypeDepositWithdrawn
	EventTypeGainClaimed
	EventTypeGainReinvested
	EventTypeLiquidationOffset
	EventTypeRewardIssued
)

// Origin identifies how an event entered the system. Stream events carry a
// gap-free upstream sequence per partition; API events carry a client
// sequence that only has to increase.
type Origin string

const (
	OriginStream Origin = "stream"
	OriginAPI    Origin = "api"
)

func (o Origin) Valid() bool {
	return o == OriginStream || o == OriginAPI
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Ordering partition, e.g. "stream:depositor:<uuid>"
	PartitionKey string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event, decodable by ingestion.DecodeEvent
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// PartitionKey scopes SourceSequence ordering
	PartitionKey() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	Source() Origin

	// OccurredAt is the producer's timestamp
	OccurredAt() time.Time
}

// Meta is the routing header shared by every event.
type Meta struct {
	Origin    Origin
	Sequence  int64
	Timestamp time.Time
}

func (m Meta) SourceSequence() int64 {
	return m.Sequence
}

func (m Meta) Source() Origin {
	return m.Origin
}

func (m Meta) OccurredAt() time.Time {
	return m.Timestamp
}

func (m Meta) partition(key string) string {
	return string(m.Origin) + ":" + key
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositProvided:
		return "DepositProvided"
	case EventTypeDepositWithdrawn:
		return "DepositWithdrawn"
	case EventTypeGainClaimed:
		return "GainClaimed"
	case EventTypeGainReinvested:
		return "GainReinvested"
	case EventTypeLiquidationOffset:
		return "LiquidationOffset"
	case EventTypeRewardIssued:
		return "RewardIssued"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeDepositProvided; et <= EventTypeRewardIssued; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
