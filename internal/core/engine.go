package core

import (
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/ledger"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/state"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownEvent       = errors.New("unknown event type")
	ErrInvalidOrigin      = errors.New("invalid event origin")
	ErrReplayHashMismatch = errors.New("replayed state hash does not match event log")
	ErrReplaySequence     = errors.New("replayed sequence does not match core sequence")
)

const (
	defaultLRUCapacity         = 1_000_000
	defaultGlobalCheckInterval = 1000
)

// DeterministicCore is the single-threaded event processor. It owns the
// stability pool, the double-entry balances and the state hash chain.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	pool              *state.PoolAccount
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	lruCapacity         int
	globalCheckInterval int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// PoolDelta is the pool state an event left behind, for projections.
type PoolDelta struct {
	P               fpmath.Decimal18
	Epoch           uint64
	Scale           uint64
	TotalDeposits   fpmath.Decimal18
	TotalCollateral fpmath.Decimal18
	TotalRewards    fpmath.Decimal18
	Depositors      int

	// Sum cells written by this event
	Sums []state.SumEntry

	// Depositor record after the event; nil when untouched or closed
	Deposit *state.DepositAccount

	// Set when the event closed the depositor's account
	ClosedDepositor *uuid.UUID
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Event      event.Event
	Pool       *PoolDelta

	// Post-event balances of the accounts the batch touched
	Balances []AccountBalance
}

// AccountBalance is a signed two's-complement balance.
type AccountBalance struct {
	Key     ledger.AccountKey
	Balance uint256.Int
}

type Option func(*DeterministicCore)

func WithLRUCapacity(n int) Option {
	return func(c *DeterministicCore) { c.lruCapacity = n }
}

// WithGlobalCheckInterval sets how often (in events) the zero-sum check runs.
func WithGlobalCheckInterval(n int64) Option {
	return func(c *DeterministicCore) {
		if n > 0 {
			c.globalCheckInterval = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *DeterministicCore) { c.logger = logger }
}

func NewDeterministicCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	opts ...Option,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()

	c := &DeterministicCore{
		sequence:            startSequence,
		hasher:              NewStateHasher(),
		balanceTracker:      balanceTracker,
		journalGen:          ledger.NewJournalGenerator(),
		validator:           ledger.NewInvariantValidator(balanceTracker),
		pool:                state.NewPoolAccount(),
		sequenceValidator:   NewSequenceValidator(),
		metrics:             metrics,
		logger:              zerolog.Nop(),
		lruCapacity:         defaultLRUCapacity,
		globalCheckInterval: defaultGlobalCheckInterval,
		persistChan:         persistChan,
		projectionChan:      projectionChan,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.idempotency = NewIdempotencyChecker(c.lruCapacity, dbChecker)
	return c
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()

	output, err := c.apply(evt, false)
	if err != nil || output == nil {
		return err
	}

	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no applied event is lost.
	c.persistChan <- *output

	// Projections: non-blocking send, drop on full. Projection workers
	// rebuild from the event log if they fall behind.
	select {
	case c.projectionChan <- *output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	c.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(evt.OccurredAt()).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.recordLRUMetrics()
	}

	return nil
}

// ReplayEnvelope re-applies a persisted event during recovery. Nothing is
// emitted; the recomputed hash must match the one stored with the event.
func (c *DeterministicCore) ReplayEnvelope(env *event.EventEnvelope, evt event.Event) error {
	_, err := c.ReplayOutput(env, evt)
	return err
}

// ReplayOutput is ReplayEnvelope returning the output to the caller
// instead of the worker channels. Projection rebuilds use it.
func (c *DeterministicCore) ReplayOutput(env *event.EventEnvelope, evt event.Event) (*CoreOutput, error) {
	if env.Sequence != c.sequence {
		return nil, fmt.Errorf("%w: log=%d core=%d", ErrReplaySequence, env.Sequence, c.sequence)
	}

	output, err := c.apply(evt, true)
	if err != nil {
		return nil, fmt.Errorf("replay seq=%d: %w", env.Sequence, err)
	}
	if output == nil {
		return nil, fmt.Errorf("replay seq=%d: event %s was treated as a duplicate", env.Sequence, evt.IdempotencyKey())
	}
	if output.Envelope.StateHash != env.StateHash {
		return nil, fmt.Errorf("%w: seq=%d computed=%s stored=%s", ErrReplayHashMismatch, env.Sequence,
			hex.EncodeToString(output.Envelope.StateHash[:]), hex.EncodeToString(env.StateHash[:]))
	}
	output.Envelope.Payload = env.Payload

	c.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return output, nil
}

// apply runs steps 1 through 8 of the pipeline. A nil output with a nil error
// means the event was a duplicate.
func (c *DeterministicCore) apply(evt event.Event, replay bool) (*CoreOutput, error) {
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier; LRU only during replay)
	tier2Before := c.idempotency.GetMetrics().GetTier2Errors()
	isDuplicate, tier := c.idempotency.IsDuplicate(eventType, idempotencyKey, replay)
	if c.metrics != nil {
		if errs := c.idempotency.GetMetrics().GetTier2Errors() - tier2Before; errs > 0 {
			c.metrics.DedupTier2Errors.Add(float64(errs))
		}
		if isDuplicate {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		}
	}

	// Step 2: Sequence validation
	partition := evt.PartitionKey()
	sourceSequence := evt.SourceSequence()

	if replay {
		c.sequenceValidator.Observe(partition, sourceSequence)
	} else if err := c.validateSequence(evt, partition, sourceSequence, isDuplicate); err != nil {
		c.reject(eventType, "sequence")
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil, nil
	}

	// Step 3: Dispatch
	batch, delta, err := c.dispatchEvent(evt)
	if err != nil {
		c.reject(eventType, rejectReason(err))
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Validate and apply. A reward skipped for an empty pool produces
	// no journals but still gets an envelope.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch after pool commit: %v", err))
		}
	}
	c.fillPoolDelta(delta)

	// Step 5-6: State digest and hash chain
	hashStart := time.Now()
	balances := c.affectedBalances(batch)
	stateDigest := c.computeStateDigest(delta, balances)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 7: Envelope
	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PartitionKey:   partition,
		Timestamp:      evt.OccurredAt(),
		SourceSequence: sourceSequence,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 8: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c.sequence++
	c.recordPoolMetrics(batch)

	return &CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
		Event:      evt,
		Pool:       delta,
		Balances:   balances,
	}, nil
}

func (c *DeterministicCore) validateSequence(evt event.Event, partition string, sourceSequence int64, isDuplicate bool) error {
	var err error
	switch evt.Source() {
	case event.OriginStream:
		err = c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate)
	case event.OriginAPI:
		err = c.sequenceValidator.ValidateMonotonicSequence(partition, sourceSequence, isDuplicate)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, evt.Source())
	}

	if err != nil && c.metrics != nil {
		origin := string(evt.Source())
		switch {
		case errors.Is(err, ErrSequenceGap):
			c.metrics.EventSequenceGap.WithLabelValues(origin).Inc()
		case errors.Is(err, ErrOutOfOrder):
			c.metrics.EventOutOfOrder.WithLabelValues(origin).Inc()
		}
	}
	return err
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, state.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, state.ErrNoDeposit):
		return "no_deposit"
	case errors.Is(err, state.ErrNoGainAvailable):
		return "no_gain"
	case errors.Is(err, state.ErrOffsetRejected):
		return "offset_rejected"
	case errors.Is(err, state.ErrArithmetic):
		return "arithmetic"
	default:
		return "dispatch"
	}
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*ledger.Batch, *PoolDelta, error) {
	switch e := evt.(type) {
	case *event.DepositProvided:
		return c.handleDepositProvided(e)
	case *event.DepositWithdrawn:
		return c.handleDepositWithdrawn(e)
	case *event.GainClaimed:
		return c.handleGainClaimed(e)
	case *event.GainReinvested:
		return c.handleGainReinvested(e)
	case *event.LiquidationOffset:
		return c.handleLiquidationOffset(e)
	case *event.RewardIssued:
		return c.handleRewardIssued(e)
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

func (c *DeterministicCore) handleDepositProvided(evt *event.DepositProvided) (*ledger.Batch, *PoolDelta, error) {
	res, err := c.pool.Provide(evt.Depositor, evt.Amount)
	if err != nil {
		return nil, nil, err
	}
	return c.journalGen.GenerateProvide(evt, c.sequence, res), c.depositorDelta(res), nil
}

func (c *DeterministicCore) handleDepositWithdrawn(evt *event.DepositWithdrawn) (*ledger.Batch, *PoolDelta, error) {
	res, err := c.pool.Withdraw(evt.Depositor, evt.Amount)
	if err != nil {
		return nil, nil, err
	}
	return c.journalGen.GenerateWithdraw(evt, c.sequence, res), c.depositorDelta(res), nil
}

func (c *DeterministicCore) handleGainClaimed(evt *event.GainClaimed) (*ledger.Batch, *PoolDelta, error) {
	res, err := c.pool.ClaimGain(evt.Depositor)
	if err != nil {
		return nil, nil, err
	}
	return c.journalGen.GenerateClaim(evt, c.sequence, res), c.depositorDelta(res), nil
}

func (c *DeterministicCore) handleGainReinvested(evt *event.GainReinvested) (*ledger.Batch, *PoolDelta, error) {
	res, err := c.pool.WithdrawGainAndReinvest(evt.Depositor)
	if err != nil {
		return nil, nil, err
	}
	return c.journalGen.GenerateReinvest(evt, c.sequence, res), c.depositorDelta(res), nil
}

// handleLiquidationOffset checks the offset against the pool before applying
// it. Offset itself panics on a violated precondition, so nothing unchecked
// may reach it. A zero debt is rejected there too: its collateral would have
// no stake to be credited to.
func (c *DeterministicCore) handleLiquidationOffset(evt *event.LiquidationOffset) (*ledger.Batch, *PoolDelta, error) {
	l := c.pool.Ledger()
	cell := state.SumKey{Epoch: l.CurrentEpoch(), Scale: l.CurrentScale()}

	if _, err := c.pool.PreviewOffset(evt.Debt, evt.Collateral); err != nil {
		if c.metrics != nil {
			c.metrics.OffsetsRejected.Inc()
		}
		c.logger.Warn().
			Str("liquidation_id", evt.LiquidationID.String()).
			Str("debt", evt.Debt.String()).
			Str("total_deposits", c.pool.TotalDeposits().String()).
			Err(err).
			Msg("offset rejected")
		return nil, nil, err
	}

	res := c.pool.Offset(evt.Debt, evt.Collateral)

	delta := &PoolDelta{Sums: []state.SumEntry{c.sumEntry(cell)}}
	if res.EpochAdvanced || res.ScaleAdvanced {
		delta.Sums = append(delta.Sums, c.sumEntry(state.SumKey{Epoch: res.Epoch, Scale: res.Scale}))
	}

	if c.metrics != nil {
		transition := "none"
		switch {
		case res.EpochAdvanced:
			transition = "epoch"
		case res.ScaleAdvanced:
			transition = "scale"
		}
		c.metrics.OffsetsApplied.WithLabelValues(transition).Inc()
		c.metrics.OffsetDebtAbsorbed.Add(res.DebtAbsorbed.Float64())
	}

	if res.EpochAdvanced {
		c.logger.Info().
			Uint64("epoch", res.Epoch).
			Str("liquidation_id", evt.LiquidationID.String()).
			Msg("stability pool emptied, epoch advanced")
	}

	return c.journalGen.GenerateOffset(evt, c.sequence, res), delta, nil
}

func (c *DeterministicCore) handleRewardIssued(evt *event.RewardIssued) (*ledger.Batch, *PoolDelta, error) {
	l := c.pool.Ledger()
	cell := state.SumKey{Epoch: l.CurrentEpoch(), Scale: l.CurrentScale()}

	res, err := c.pool.IssueReward(evt.Amount)
	if err != nil {
		return nil, nil, err
	}

	delta := &PoolDelta{}
	outcome := "skipped_empty_pool"
	if res.Issued {
		delta.Sums = []state.SumEntry{c.sumEntry(cell)}
		outcome = "issued"
	}
	if c.metrics != nil {
		c.metrics.RewardIssuances.WithLabelValues(outcome).Inc()
	}

	return c.journalGen.GenerateRewardIssue(evt, c.sequence, res), delta, nil
}

func (c *DeterministicCore) sumEntry(key state.SumKey) state.SumEntry {
	l := c.pool.Ledger()
	return state.SumEntry{
		Epoch: key.Epoch,
		Scale: key.Scale,
		S:     l.SumAt(key.Epoch, key.Scale),
		G:     l.RewardSumAt(key.Epoch, key.Scale),
	}
}

func (c *DeterministicCore) depositorDelta(res state.GainsWithdrawal) *PoolDelta {
	delta := &PoolDelta{}
	if res.Closed {
		id := res.Depositor
		delta.ClosedDepositor = &id
		return delta
	}
	if d, ok := c.pool.Deposit(res.Depositor); ok {
		delta.Deposit = &d
	}
	return delta
}

// fillPoolDelta stamps the pool summary after the event.
func (c *DeterministicCore) fillPoolDelta(delta *PoolDelta) {
	l := c.pool.Ledger()
	delta.P = l.P()
	delta.Epoch = l.CurrentEpoch()
	delta.Scale = l.CurrentScale()
	delta.TotalDeposits = c.pool.TotalDeposits()
	delta.TotalCollateral = c.pool.TotalCollateral()
	delta.TotalRewards = c.pool.TotalRewards()
	delta.Depositors = len(c.pool.Depositors())
}

// affectedBalances returns the post-event balance of every account the
// batch touched, ordered by account path.
func (c *DeterministicCore) affectedBalances(batch *ledger.Batch) []AccountBalance {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	out := make([]AccountBalance, 0, len(affected))
	for key := range affected {
		out = append(out, AccountBalance{Key: key, Balance: c.balanceTracker.GetBalance(key)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

// computeStateDigest creates canonical bytes for the state hash: the pool
// summary, the touched depositor record, then every affected balance in
// account path order.
func (c *DeterministicCore) computeStateDigest(delta *PoolDelta, balances []AccountBalance) []byte {
	digest := make([]byte, 0, 256)

	p := delta.P.Bytes32()
	digest = append(digest, p[:]...)
	digest = binary.LittleEndian.AppendUint64(digest, delta.Epoch)
	digest = binary.LittleEndian.AppendUint64(digest, delta.Scale)
	for _, v := range []fpmath.Decimal18{delta.TotalDeposits, delta.TotalCollateral, delta.TotalRewards} {
		b := v.Bytes32()
		digest = append(digest, b[:]...)
	}

	for _, s := range delta.Sums {
		digest = binary.LittleEndian.AppendUint64(digest, s.Epoch)
		digest = binary.LittleEndian.AppendUint64(digest, s.Scale)
		sb, gb := s.S.Bytes32(), s.G.Bytes32()
		digest = append(digest, sb[:]...)
		digest = append(digest, gb[:]...)
	}

	switch {
	case delta.Deposit != nil:
		digest = append(digest, 1)
		digest = append(digest, delta.Deposit.CanonicalBytes()...)
	case delta.ClosedDepositor != nil:
		digest = append(digest, 2)
		digest = append(digest, (*delta.ClosedDepositor)[:]...)
	default:
		digest = append(digest, 0)
	}

	for _, ab := range balances {
		path := ab.Key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)

		b := ab.Balance.Bytes32()
		digest = append(digest, b[:]...)
	}

	return digest
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants() error {
	// Custody accounts mirror the pool totals after every event
	if err := c.validator.ValidatePoolCustody(ledger.PoolTotals{
		TotalDeposits:   c.pool.TotalDeposits(),
		TotalCollateral: c.pool.TotalCollateral(),
		TotalRewards:    c.pool.TotalRewards(),
	}); err != nil {
		return fmt.Errorf("pool custody at seq %d: %w", c.sequence, err)
	}

	// Periodic zero-sum check over every account
	if c.sequence > 0 && c.sequence%c.globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("global balance at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

func (c *DeterministicCore) recordPoolMetrics(batch *ledger.Batch) {
	if c.metrics == nil {
		return
	}
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	l := c.pool.Ledger()
	c.metrics.PoolProductP.Set(l.P().Float64())
	c.metrics.PoolEpoch.Set(float64(l.CurrentEpoch()))
	c.metrics.PoolScale.Set(float64(l.CurrentScale()))
	c.metrics.PoolTotalDeposits.Set(c.pool.TotalDeposits().Float64())
	c.metrics.PoolTotalCollateral.Set(c.pool.TotalCollateral().Float64())
	c.metrics.PoolTotalRewards.Set(c.pool.TotalRewards().Float64())
	c.metrics.PoolDepositors.Set(float64(len(c.pool.Depositors())))
}

func (c *DeterministicCore) recordLRUMetrics() {
	lru := c.idempotency.lru
	c.metrics.DedupLRUSize.Set(float64(lru.Size()))
}

// --- Read access ---

// Pool exposes the pool for reads. Callers must not mutate it; the core is
// not safe for concurrent use.
func (c *DeterministicCore) Pool() *state.PoolAccount {
	return c.pool
}

func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]uint256.Int
	Pool            *state.PoolState
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// Events after the snapshot are then replayed with ReplayEnvelope.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap.Pool == nil {
		return errors.New("restore: snapshot has no pool state")
	}
	pool, err := state.RestorePool(snap.Pool)
	if err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}

	balances := ledger.NewBalanceTracker()
	for key, balance := range snap.Balances {
		balances.SetBalance(key, balance)
	}

	c.pool = pool
	c.balanceTracker = balances
	c.validator = ledger.NewInvariantValidator(balances)

	if err := c.postCheckInvariants(); err != nil {
		return fmt.Errorf("snapshot at seq %d is inconsistent: %w", snap.Sequence, err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("depositors", len(snap.Pool.Deposits)).
		Int("accounts", balances.Len()).
		Msg("core restored from snapshot")
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next global sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Pool:            c.pool.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
