package ingestion

import (
	"StabilityLedger/internal/event"
	fpmath "StabilityLedger/internal/math"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Submission carries one typed event to the core loop. Result, when set,
// receives the outcome of ProcessEvent.
type Submission struct {
	Event  event.Event
	Result chan error
}

// GRPCIngestService builds API-origin events for operations submitted over
// gRPC/HTTP. High-throughput producers use NATS instead.
type GRPCIngestService struct {
	eventChan chan<- Submission
	now       func() time.Time
}

func NewGRPCIngestService(eventChan chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan, now: time.Now}
}

// WithClock replaces the timestamp source. For tests.
func (s *GRPCIngestService) WithClock(now func() time.Time) *GRPCIngestService {
	s.now = now
	return s
}

func (s *GRPCIngestService) meta(sequence int64) (event.Meta, error) {
	if sequence < 0 {
		return event.Meta{}, fmt.Errorf("%w: sequence must be non-negative", ErrInvalidArgument)
	}
	return event.Meta{
		Origin:    event.OriginAPI,
		Sequence:  sequence,
		Timestamp: s.now().UTC(),
	}, nil
}

func orNew(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

func positive(field string, v fpmath.Decimal18) error {
	if v.IsZero() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidArgument, field)
	}
	return nil
}

// submit hands the event to the core loop and waits for the outcome.
func (s *GRPCIngestService) submit(ctx context.Context, evt event.Event) (string, error) {
	result := make(chan error, 1)

	select {
	case s.eventChan <- Submission{Event: evt, Result: result}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case err := <-result:
		if err != nil {
			return "", err
		}
		return evt.IdempotencyKey(), nil
	case <-ctx.Done():
		// Already queued; the event may still apply.
		return evt.IdempotencyKey(), ctx.Err()
	}
}

// ProvideDeposit submits a DepositProvided. A nil id is replaced with a
// fresh one; clients that retry must send the same id.
func (s *GRPCIngestService) ProvideDeposit(ctx context.Context, id, depositor uuid.UUID, amount fpmath.Decimal18, sequence int64) (string, error) {
	if err := positive("amount", amount); err != nil {
		return "", err
	}
	meta, err := s.meta(sequence)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, &event.DepositProvided{
		DepositID: orNew(id),
		Depositor: depositor,
		Amount:    amount,
		Meta:      meta,
	})
}

func (s *GRPCIngestService) WithdrawDeposit(ctx context.Context, id, depositor uuid.UUID, amount fpmath.Decimal18, sequence int64) (string, error) {
	if err := positive("amount", amount); err != nil {
		return "", err
	}
	meta, err := s.meta(sequence)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, &event.DepositWithdrawn{
		WithdrawalID: orNew(id),
		Depositor:    depositor,
		Amount:       amount,
		Meta:         meta,
	})
}

func (s *GRPCIngestService) ClaimGain(ctx context.Context, id, depositor uuid.UUID, sequence int64) (string, error) {
	meta, err := s.meta(sequence)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, &event.GainClaimed{ClaimID: orNew(id), Depositor: depositor, Meta: meta})
}

func (s *GRPCIngestService) ReinvestGain(ctx context.Context, id, depositor uuid.UUID, sequence int64) (string, error) {
	meta, err := s.meta(sequence)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, &event.GainReinvested{ClaimID: orNew(id), Depositor: depositor, Meta: meta})
}

// OffsetLiquidation submits a LiquidationOffset. Only the liquidation
// module may call this; the server enforces it.
func (s *GRPCIngestService) OffsetLiquidation(ctx context.Context, id, borrower uuid.UUID, debt, collateral fpmath.Decimal18, sequence int64) (string, error) {
	if err := positive("debt", debt); err != nil {
		return "", err
	}
	meta, err := s.meta(sequence)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, &event.LiquidationOffset{
		LiquidationID: orNew(id),
		Borrower:      borrower,
		Debt:          debt,
		Collateral:    collateral,
		Meta:          meta,
	})
}

func (s *GRPCIngestService) IssueReward(ctx context.Context, id uuid.UUID, amount fpmath.Decimal18, sequence int64) (string, error) {
	if err := positive("amount", amount); err != nil {
		return "", err
	}
	meta, err := s.meta(sequence)
	if err != nil {
		return "", err
	}
	return s.submit(ctx, &event.RewardIssued{IssuanceID: orNew(id), Amount: amount, Meta: meta})
}
