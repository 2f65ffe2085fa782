package ingestion

import (
	"StabilityLedger/internal/event"
	fpmath "StabilityLedger/internal/math"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownEventType = errors.New("unknown event type")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell validates and converts raw events before
// they reach the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return DecodeEvent(eventType, raw.Data)
}

// DecodeEvent parses a wire payload. It also reads event-log payloads
// written by EncodeEvent.
func DecodeEvent(eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeDepositProvided:
		return parseDepositProvided(data)
	case event.EventTypeDepositWithdrawn:
		return parseDepositWithdrawn(data)
	case event.EventTypeGainClaimed:
		return parseGainClaimed(data)
	case event.EventTypeGainReinvested:
		return parseGainReinvested(data)
	case event.EventTypeLiquidationOffset:
		return parseLiquidationOffset(data)
	case event.EventTypeRewardIssued:
		return parseRewardIssued(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings in whole units ("1500.25").

type metaJSON struct {
	Origin      string `json:"origin,omitempty"` // defaults to "stream"
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (m metaJSON) toMeta() (event.Meta, error) {
	origin := event.Origin(m.Origin)
	if origin == "" {
		origin = event.OriginStream
	}
	if !origin.Valid() {
		return event.Meta{}, fmt.Errorf("invalid origin %q", m.Origin)
	}
	if m.Sequence < 0 {
		return event.Meta{}, fmt.Errorf("negative sequence %d", m.Sequence)
	}
	return event.Meta{
		Origin:    origin,
		Sequence:  m.Sequence,
		Timestamp: time.UnixMicro(m.TimestampUs).UTC(),
	}, nil
}

func fromMeta(m event.Meta) metaJSON {
	return metaJSON{
		Origin:      string(m.Origin),
		Sequence:    m.Sequence,
		TimestampUs: m.Timestamp.UnixMicro(),
	}
}

type depositProvidedJSON struct {
	DepositID string `json:"deposit_id"`
	Depositor string `json:"depositor"`
	Amount    string `json:"amount"`
	metaJSON
}

type depositWithdrawnJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Depositor    string `json:"depositor"`
	Amount       string `json:"amount"`
	metaJSON
}

type gainJSON struct {
	ClaimID   string `json:"claim_id"`
	Depositor string `json:"depositor"`
	metaJSON
}

type liquidationOffsetJSON struct {
	LiquidationID string `json:"liquidation_id"`
	Borrower      string `json:"borrower"`
	Debt          string `json:"debt"`
	Collateral    string `json:"collateral"`
	metaJSON
}

type rewardIssuedJSON struct {
	IssuanceID string `json:"issuance_id"`
	Amount     string `json:"amount"`
	metaJSON
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseAmount(field, s string) (fpmath.Decimal18, error) {
	if s == "" {
		return fpmath.Zero, fmt.Errorf("parse %s: missing", field)
	}
	d, err := fpmath.ParseUnits(s)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseDepositProvided(data []byte) (*event.DepositProvided, error) {
	var j depositProvidedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositProvided: %w", err)
	}
	depositID, err := parseUUID("deposit_id", j.DepositID)
	if err != nil {
		return nil, err
	}
	depositor, err := parseUUID("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, fmt.Errorf("parse DepositProvided: %w", err)
	}
	return &event.DepositProvided{
		DepositID: depositID,
		Depositor: depositor,
		Amount:    amount,
		Meta:      meta,
	}, nil
}

func parseDepositWithdrawn(data []byte) (*event.DepositWithdrawn, error) {
	var j depositWithdrawnJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositWithdrawn: %w", err)
	}
	withdrawalID, err := parseUUID("withdrawal_id", j.WithdrawalID)
	if err != nil {
		return nil, err
	}
	depositor, err := parseUUID("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, fmt.Errorf("parse DepositWithdrawn: %w", err)
	}
	return &event.DepositWithdrawn{
		WithdrawalID: withdrawalID,
		Depositor:    depositor,
		Amount:       amount,
		Meta:         meta,
	}, nil
}

func parseGain(data []byte, name string) (uuid.UUID, uuid.UUID, event.Meta, error) {
	var j gainJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return uuid.Nil, uuid.Nil, event.Meta{}, fmt.Errorf("parse %s: %w", name, err)
	}
	claimID, err := parseUUID("claim_id", j.ClaimID)
	if err != nil {
		return uuid.Nil, uuid.Nil, event.Meta{}, err
	}
	depositor, err := parseUUID("depositor", j.Depositor)
	if err != nil {
		return uuid.Nil, uuid.Nil, event.Meta{}, err
	}
	meta, err := j.toMeta()
	if err != nil {
		return uuid.Nil, uuid.Nil, event.Meta{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return claimID, depositor, meta, nil
}

func parseGainClaimed(data []byte) (*event.GainClaimed, error) {
	claimID, depositor, meta, err := parseGain(data, "GainClaimed")
	if err != nil {
		return nil, err
	}
	return &event.GainClaimed{ClaimID: claimID, Depositor: depositor, Meta: meta}, nil
}

func parseGainReinvested(data []byte) (*event.GainReinvested, error) {
	claimID, depositor, meta, err := parseGain(data, "GainReinvested")
	if err != nil {
		return nil, err
	}
	return &event.GainReinvested{ClaimID: claimID, Depositor: depositor, Meta: meta}, nil
}

func parseLiquidationOffset(data []byte) (*event.LiquidationOffset, error) {
	var j liquidationOffsetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationOffset: %w", err)
	}
	liquidationID, err := parseUUID("liquidation_id", j.LiquidationID)
	if err != nil {
		return nil, err
	}
	borrower, err := parseUUID("borrower", j.Borrower)
	if err != nil {
		return nil, err
	}
	debt, err := parseAmount("debt", j.Debt)
	if err != nil {
		return nil, err
	}
	coll, err := parseAmount("collateral", j.Collateral)
	if err != nil {
		return nil, err
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, fmt.Errorf("parse LiquidationOffset: %w", err)
	}
	return &event.LiquidationOffset{
		LiquidationID: liquidationID,
		Borrower:      borrower,
		Debt:          debt,
		Collateral:    coll,
		Meta:          meta,
	}, nil
}

func parseRewardIssued(data []byte) (*event.RewardIssued, error) {
	var j rewardIssuedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RewardIssued: %w", err)
	}
	issuanceID, err := parseUUID("issuance_id", j.IssuanceID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, fmt.Errorf("parse RewardIssued: %w", err)
	}
	return &event.RewardIssued{IssuanceID: issuanceID, Amount: amount, Meta: meta}, nil
}

// EncodeEvent renders an event in its wire format. It is the inverse of
// DecodeEvent and is what the event log stores as payload.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var v interface{}
	switch e := evt.(type) {
	case *event.DepositProvided:
		v = depositProvidedJSON{
			DepositID: e.DepositID.String(),
			Depositor: e.Depositor.String(),
			Amount:    e.Amount.UnitsString(),
			metaJSON:  fromMeta(e.Meta),
		}
	case *event.DepositWithdrawn:
		v = depositWithdrawnJSON{
			WithdrawalID: e.WithdrawalID.String(),
			Depositor:    e.Depositor.String(),
			Amount:       e.Amount.UnitsString(),
			metaJSON:     fromMeta(e.Meta),
		}
	case *event.GainClaimed:
		v = gainJSON{ClaimID: e.ClaimID.String(), Depositor: e.Depositor.String(), metaJSON: fromMeta(e.Meta)}
	case *event.GainReinvested:
		v = gainJSON{ClaimID: e.ClaimID.String(), Depositor: e.Depositor.String(), metaJSON: fromMeta(e.Meta)}
	case *event.LiquidationOffset:
		v = liquidationOffsetJSON{
			LiquidationID: e.LiquidationID.String(),
			Borrower:      e.Borrower.String(),
			Debt:          e.Debt.UnitsString(),
			Collateral:    e.Collateral.UnitsString(),
			metaJSON:      fromMeta(e.Meta),
		}
	case *event.RewardIssued:
		v = rewardIssuedJSON{
			IssuanceID: e.IssuanceID.String(),
			Amount:     e.Amount.UnitsString(),
			metaJSON:   fromMeta(e.Meta),
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, evt)
	}
	return json.Marshal(v)
}
