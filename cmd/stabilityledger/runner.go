package main

import (
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/ingestion"
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/persistence"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// coreRunner owns the deterministic core. Every call into the core happens
// on the goroutine running Run, or after Run has returned.
type coreRunner struct {
	core    *core.DeterministicCore
	snapMgr *persistence.SnapshotManager
	metrics *observability.Metrics
	logger  zerolog.Logger

	natsEvents <-chan event.Event
	apiEvents  <-chan ingestion.Submission
	snapshots  chan chan *core.SnapshotState

	// next sequence, readable from other goroutines
	sequence atomic.Int64
	stopped  chan struct{}
}

func newCoreRunner(
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	natsEvents <-chan event.Event,
	apiEvents <-chan ingestion.Submission,
	metrics *observability.Metrics,
) *coreRunner {
	r := &coreRunner{
		core:       c,
		snapMgr:    snapMgr,
		metrics:    metrics,
		logger:     observability.NewLogger("core-loop"),
		natsEvents: natsEvents,
		apiEvents:  apiEvents,
		snapshots:  make(chan chan *core.SnapshotState),
		stopped:    make(chan struct{}),
	}
	r.sequence.Store(c.GetSequence())
	return r
}

// Run processes events until ctx is cancelled.
func (r *coreRunner) Run(ctx context.Context) {
	defer close(r.stopped)

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-r.natsEvents:
			if !ok {
				r.natsEvents = nil
				continue
			}
			if err := r.core.ProcessEvent(evt); err != nil {
				// Already acked; the event log is the source of truth and a
				// rejected stream event is not redelivered.
				r.logger.Error().Err(err).
					Str("event_type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("stream event rejected")
			}
			r.sequence.Store(r.core.GetSequence())

		case sub := <-r.apiEvents:
			err := r.core.ProcessEvent(sub.Event)
			r.sequence.Store(r.core.GetSequence())
			if sub.Result != nil {
				sub.Result <- err
			}

		case reply := <-r.snapshots:
			reply <- r.core.CreateSnapshotState()
		}
	}
}

func (r *coreRunner) Sequence() int64 {
	return r.sequence.Load()
}

// capture returns the core state from the loop, or directly once the loop
// has stopped.
func (r *coreRunner) capture(ctx context.Context) (*core.SnapshotState, error) {
	select {
	case <-r.stopped:
		return r.core.CreateSnapshotState(), nil
	default:
	}

	reply := make(chan *core.SnapshotState, 1)
	select {
	case r.snapshots <- reply:
	case <-r.stopped:
		return r.core.CreateSnapshotState(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TakeSnapshot captures and stores a snapshot. It is verified once the
// event at its sequence is in the log.
func (r *coreRunner) TakeSnapshot(ctx context.Context) (*persistence.SnapshotData, int, error) {
	start := time.Now()

	cs, err := r.capture(ctx)
	if err != nil {
		return nil, 0, err
	}
	if cs.Sequence < 0 {
		return nil, 0, errors.New("snapshot: no events applied yet")
	}

	snap := persistence.NewSnapshotData(cs, time.Now())
	size, err := r.snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return nil, 0, fmt.Errorf("save snapshot: %w", err)
	}
	if _, err := r.snapMgr.VerifyPending(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("snapshot verification failed")
	}

	if r.metrics != nil {
		r.metrics.SnapshotTaken.Inc()
		r.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		r.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
		r.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	r.logger.Info().Int64("sequence", snap.Sequence).Int("size_bytes", size).Msg("snapshot saved")
	return snap, size, nil
}

// runPeriodicSnapshots snapshots every interval events and retries
// verification of pending snapshots on each tick.
func (r *coreRunner) runPeriodicSnapshots(ctx context.Context, interval int64, every time.Duration) {
	if interval <= 0 {
		return
	}
	if every <= 0 {
		every = 10 * time.Second
	}

	last := r.Sequence()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.snapMgr.VerifyPending(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("snapshot verification failed")
			} else if n > 0 {
				r.logger.Info().Int64("verified", n).Msg("snapshots verified")
			}

			seq := r.Sequence()
			if seq-last < interval {
				continue
			}
			if _, _, err := r.TakeSnapshot(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
		}
	}
}

// replayEventLog re-applies logged events after the restored state and
// verifies each recomputed hash against the log.
func replayEventLog(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.DeterministicCore) (int64, error) {
	var replayed int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, c.GetSequence(), replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", c.GetSequence(), err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}
		for _, row := range rows {
			env, evt, err := row.Envelope()
			if err != nil {
				return replayed, fmt.Errorf("decode seq %d: %w", row.Sequence, err)
			}
			if err := c.ReplayEnvelope(env, evt); err != nil {
				return replayed, err
			}
			replayed++
		}
	}
}

// parseStreamEvents turns raw NATS messages into typed events. Messages are
// acked once handed to the core loop, so backpressure reaches the broker.
// Unparseable messages are acked and dropped.
func parseStreamEvents(ctx context.Context, raw <-chan ingestion.RawEvent, out chan<- event.Event, metrics *observability.Metrics) {
	logger := observability.NewLogger("ingest")
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-raw:
			if !ok {
				return
			}

			evt, err := ingestion.ParseRawEvent(msg, msg.EventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping unparseable event")
				if metrics != nil {
					metrics.CoreEventsRejected.WithLabelValues(msg.EventType, "parse_error").Inc()
				}
				msg.AckFunc()
				continue
			}

			select {
			case out <- evt:
				msg.AckFunc()
			case <-ctx.Done():
				msg.NakFunc()
				return
			}
		}
	}
}
