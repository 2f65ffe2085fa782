package persistence

import (
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/ingestion"
	"StabilityLedger/internal/ledger"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const snapshotFormatVersion = 1

// SnapshotManager creates and loads state snapshots for recovery.
// A snapshot is only used for restore once it is verified against the
// event log.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the persisted form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Balances        map[string]string `json:"balances"` // account path -> signed raw balance
	Pool            *state.PoolState  `json:"pool"`
	SequenceState   map[string]int64  `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string          `json:"idempotency_keys"` // oldest first
	CreatedAt       time.Time         `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// NewSnapshotData converts the core's snapshot to its persisted form.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]string, len(s.Balances))
	for key, bal := range s.Balances {
		balances[key.AccountPath()] = fpmath.FormatSigned(bal)
	}
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Balances:        balances,
		Pool:            s.Pool,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt.UTC(),
	}
}

// CoreState is the inverse of NewSnapshotData.
func (sd *SnapshotData) CoreState() (*core.SnapshotState, error) {
	if len(sd.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", sd.Sequence, len(sd.StateHash))
	}
	if sd.Pool == nil {
		return nil, fmt.Errorf("snapshot %d: missing pool state", sd.Sequence)
	}

	balances := make(map[ledger.AccountKey]uint256.Int, len(sd.Balances))
	for path, s := range sd.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", sd.Sequence, err)
		}
		bal, err := fpmath.ParseSigned(s)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: balance %s: %w", sd.Sequence, path, err)
		}
		balances[key] = bal
	}

	cs := &core.SnapshotState{
		Sequence:        sd.Sequence,
		Balances:        balances,
		Pool:            sd.Pool,
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
	}
	copy(cs.StateHash[:], sd.StateHash)
	return cs, nil
}

// SaveSnapshot persists an unverified snapshot.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyPending marks every unverified snapshot whose hash matches the
// logged event at the same sequence. Snapshots ahead of the persistence
// worker stay pending until the log catches up.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE s.verified = FALSE
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadEventsFrom loads up to limit logged events from fromSequence on.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition_key, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PartitionKey,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 when the
// log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// Envelope decodes a logged row back into the envelope and typed event the
// core replays.
func (e EventRow) Envelope() (*event.EventEnvelope, event.Event, error) {
	evt, err := ingestion.DecodeEvent(e.EventType, e.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode seq=%d: %w", e.Sequence, err)
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, nil, fmt.Errorf("decode seq=%d: malformed hash columns", e.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      evt.EventType(),
		PartitionKey:   e.PartitionKey,
		Timestamp:      e.Timestamp,
		SourceSequence: e.SourceSequence,
		Payload:        e.Payload,
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, evt, nil
}
