package state

import (
	fpmath "StabilityLedger/internal/math"
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// PoolAccount is the stability pool: total deposits, the collateral and
// reward it holds on behalf of depositors, the scale/epoch ledger, and one
// DepositAccount per depositor.
//
// Every mutating operation computes all new values first and commits only
// once nothing can fail, so a rejected operation leaves no partial state.
// Not safe for concurrent use; the core goroutine owns it.
type PoolAccount struct {
	ledger          *ScaleEpochLedger
	totalDeposits   fpmath.Decimal18
	totalCollateral fpmath.Decimal18
	totalRewards    fpmath.Decimal18
	deposits        map[uuid.UUID]*DepositAccount
}

// GainsWithdrawal reports what a depositor operation settled.
type GainsWithdrawal struct {
	Depositor      uuid.UUID
	Amount         fpmath.Decimal18 // provided or withdrawn
	DepositLoss    fpmath.Decimal18 // principal minus compounded before the operation
	NewDeposit     fpmath.Decimal18
	CollateralGain fpmath.Decimal18
	RewardGain     fpmath.Decimal18
	Closed         bool // account removed
}

// RewardResult reports one reward issuance.
type RewardResult struct {
	Amount        fpmath.Decimal18
	Issued        bool
	RewardPerUnit fpmath.Decimal18
	AppliedG      fpmath.Decimal18
}

func NewPoolAccount() *PoolAccount {
	return &PoolAccount{
		ledger:   NewScaleEpochLedger(),
		deposits: make(map[uuid.UUID]*DepositAccount),
	}
}

func (pa *PoolAccount) Ledger() *ScaleEpochLedger { return pa.ledger }

func (pa *PoolAccount) TotalDeposits() fpmath.Decimal18 { return pa.totalDeposits }

func (pa *PoolAccount) TotalCollateral() fpmath.Decimal18 { return pa.totalCollateral }

func (pa *PoolAccount) TotalRewards() fpmath.Decimal18 { return pa.totalRewards }

// Deposit returns a copy of the depositor's record.
func (pa *PoolAccount) Deposit(depositor uuid.UUID) (DepositAccount, bool) {
	d, ok := pa.deposits[depositor]
	if !ok {
		return DepositAccount{}, false
	}
	return *d, true
}

// Depositors returns every depositor with an open account, in byte order.
func (pa *PoolAccount) Depositors() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(pa.deposits))
	for id := range pa.deposits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// GetCompoundedDeposit is read-only. Like the gain reads, it reports the
// amount a settlement would pay out now.
func (pa *PoolAccount) GetCompoundedDeposit(depositor uuid.UUID) fpmath.Decimal18 {
	return pa.settle(depositor).compounded
}

// GetCollateralGain is read-only.
func (pa *PoolAccount) GetCollateralGain(depositor uuid.UUID) fpmath.Decimal18 {
	return pa.settle(depositor).collateralGain
}

// GetRewardGain is read-only.
func (pa *PoolAccount) GetRewardGain(depositor uuid.UUID) fpmath.Decimal18 {
	return pa.settle(depositor).rewardGain
}

// settlement is the depositor's position resolved against the current ledger.
type settlement struct {
	principal      fpmath.Decimal18
	compounded     fpmath.Decimal18
	collateralGain fpmath.Decimal18
	rewardGain     fpmath.Decimal18
	exists         bool
}

// settle resolves the depositor against the ledger. Every figure is capped
// at what the pool holds: after deep or repeated wipeouts the carried
// rounding errors can put one depositor a few wei above the pool totals.
func (pa *PoolAccount) settle(depositor uuid.UUID) settlement {
	d, ok := pa.deposits[depositor]
	if !ok {
		return settlement{}
	}
	return settlement{
		principal:      d.Principal,
		compounded:     CompoundedBalance(d.Principal, d.Snapshot, pa.ledger).Min(pa.totalDeposits),
		collateralGain: CollateralGain(d.Principal, d.Snapshot, pa.ledger).Min(pa.totalCollateral),
		rewardGain:     RewardGain(d.Principal, d.Snapshot, pa.ledger).Min(pa.totalRewards),
		exists:         true,
	}
}

// payoutPlan holds the totals after paying a settlement and re-fixing the
// depositor at newDeposit.
type payoutPlan struct {
	result             GainsWithdrawal
	newTotalDeposits   fpmath.Decimal18
	newTotalCollateral fpmath.Decimal18
	newTotalRewards    fpmath.Decimal18
}

func (pa *PoolAccount) planPayout(depositor uuid.UUID, s settlement, newDeposit, newTotalDeposits, amount fpmath.Decimal18) payoutPlan {
	return payoutPlan{
		result: GainsWithdrawal{
			Depositor:      depositor,
			Amount:         amount,
			DepositLoss:    s.principal.Sub(s.compounded),
			NewDeposit:     newDeposit,
			CollateralGain: s.collateralGain,
			RewardGain:     s.rewardGain,
			Closed:         newDeposit.IsZero(),
		},
		newTotalDeposits:   newTotalDeposits,
		newTotalCollateral: pa.totalCollateral.Sub(s.collateralGain),
		newTotalRewards:    pa.totalRewards.Sub(s.rewardGain),
	}
}

func (pa *PoolAccount) commitPayout(p payoutPlan) {
	pa.totalDeposits = p.newTotalDeposits
	pa.totalCollateral = p.newTotalCollateral
	pa.totalRewards = p.newTotalRewards

	if p.result.Closed {
		delete(pa.deposits, p.result.Depositor)
		return
	}
	pa.deposits[p.result.Depositor] = &DepositAccount{
		Depositor: p.result.Depositor,
		Principal: p.result.NewDeposit,
		Snapshot:  TakeSnapshot(pa.ledger),
	}
}

// Provide pays out any pending gains, then fixes the depositor's principal at
// compounded + amount against the current ledger state.
func (pa *PoolAccount) Provide(depositor uuid.UUID, amount fpmath.Decimal18) (res GainsWithdrawal, err error) {
	if amount.IsZero() {
		return res, ErrInvalidAmount
	}
	defer recoverArithmetic(&err)

	s := pa.settle(depositor)
	plan := pa.planPayout(depositor, s, s.compounded.Add(amount), pa.totalDeposits.Add(amount), amount)
	pa.commitPayout(plan)
	return plan.result, nil
}

// Withdraw removes amount from the depositor's compounded deposit, paying
// out pending gains. The account is removed when nothing remains.
func (pa *PoolAccount) Withdraw(depositor uuid.UUID, amount fpmath.Decimal18) (res GainsWithdrawal, err error) {
	if amount.IsZero() {
		return res, ErrInvalidAmount
	}
	defer recoverArithmetic(&err)

	s := pa.settle(depositor)
	if amount.Gt(s.compounded) {
		return res, fmt.Errorf("%w: requested=%s compounded=%s", ErrInsufficientBalance, amount, s.compounded)
	}

	plan := pa.planPayout(depositor, s, s.compounded.Sub(amount), pa.totalDeposits.Sub(amount), amount)
	pa.commitPayout(plan)
	return plan.result, nil
}

// ClaimGain pays out the collateral and reward gains and re-fixes the
// principal at its compounded value. Refused when both gains are zero.
func (pa *PoolAccount) ClaimGain(depositor uuid.UUID) (res GainsWithdrawal, err error) {
	defer recoverArithmetic(&err)

	s := pa.settle(depositor)
	if !s.exists {
		return res, ErrNoDeposit
	}
	if s.collateralGain.IsZero() && s.rewardGain.IsZero() {
		return res, ErrNoGainAvailable
	}

	plan := pa.planPayout(depositor, s, s.compounded, pa.totalDeposits, fpmath.Zero)
	pa.commitPayout(plan)
	return plan.result, nil
}

// WithdrawGainAndReinvest moves the collateral gain to the depositor's
// trove and pays the reward gain. Refused when the collateral gain is zero.
func (pa *PoolAccount) WithdrawGainAndReinvest(depositor uuid.UUID) (res GainsWithdrawal, err error) {
	defer recoverArithmetic(&err)

	s := pa.settle(depositor)
	if !s.exists {
		return res, ErrNoDeposit
	}
	if s.collateralGain.IsZero() {
		return res, ErrNoGainAvailable
	}

	plan := pa.planPayout(depositor, s, s.compounded, pa.totalDeposits, fpmath.Zero)
	pa.commitPayout(plan)
	return plan.result, nil
}

// Offset applies a liquidation to the pool. See Offset in offset.go for the
// preconditions; violating them panics.
func (pa *PoolAccount) Offset(debt, coll fpmath.Decimal18) OffsetResult {
	return Offset(pa, debt, coll)
}

// PreviewOffset checks an offset against the pool and computes its outcome
// without applying it. Unlike Offset, precondition violations are returned
// as ErrOffsetRejected.
func (pa *PoolAccount) PreviewOffset(debt, coll fpmath.Decimal18) (res OffsetResult, err error) {
	if debt.IsZero() {
		return res, fmt.Errorf("%w: zero debt", ErrOffsetRejected)
	}
	if pa.totalDeposits.IsZero() {
		return res, fmt.Errorf("%w: stability pool is empty", ErrOffsetRejected)
	}
	if debt.Gt(pa.totalDeposits) {
		return res, fmt.Errorf("%w: debt %s exceeds total deposits %s", ErrOffsetRejected, debt, pa.totalDeposits)
	}
	defer recoverArithmetic(&err)

	plan := planOffset(pa, debt, coll)
	return plan.result(debt, coll), nil
}

// IssueReward distributes newly issued reward tokens across current
// depositors through G. Nothing is issued while the pool is empty.
func (pa *PoolAccount) IssueReward(amount fpmath.Decimal18) (res RewardResult, err error) {
	if amount.IsZero() {
		return res, ErrInvalidAmount
	}
	res.Amount = amount
	if pa.totalDeposits.IsZero() {
		return res, nil
	}
	defer recoverArithmetic(&err)

	numerator := amount.Mul(fpmath.One).Add(pa.ledger.lastRewardError)
	perUnit, remainder := fpmath.DivRem(numerator, pa.totalDeposits)
	newTotalRewards := pa.totalRewards.Add(amount)

	res.AppliedG = pa.ledger.ApplyRewardIssuance(perUnit)
	pa.ledger.lastRewardError = remainder
	pa.totalRewards = newTotalRewards

	res.Issued = true
	res.RewardPerUnit = perUnit
	return res, nil
}

// --- Snapshot export / restore ---

// PoolState is the serializable form of a PoolAccount. Deposits are ordered
// by depositor.
type PoolState struct {
	Ledger          LedgerState      `json:"ledger"`
	TotalDeposits   fpmath.Decimal18 `json:"total_deposits"`
	TotalCollateral fpmath.Decimal18 `json:"total_collateral"`
	TotalRewards    fpmath.Decimal18 `json:"total_rewards"`
	Deposits        []DepositAccount `json:"deposits"`
}

func (pa *PoolAccount) Export() *PoolState {
	ids := pa.Depositors()
	deposits := make([]DepositAccount, 0, len(ids))
	for _, id := range ids {
		deposits = append(deposits, *pa.deposits[id])
	}

	return &PoolState{
		Ledger:          pa.ledger.Export(),
		TotalDeposits:   pa.totalDeposits,
		TotalCollateral: pa.totalCollateral,
		TotalRewards:    pa.totalRewards,
		Deposits:        deposits,
	}
}

func RestorePool(s *PoolState) (*PoolAccount, error) {
	ledger, err := RestoreScaleEpochLedger(s.Ledger)
	if err != nil {
		return nil, err
	}

	pa := &PoolAccount{
		ledger:          ledger,
		totalDeposits:   s.TotalDeposits,
		totalCollateral: s.TotalCollateral,
		totalRewards:    s.TotalRewards,
		deposits:        make(map[uuid.UUID]*DepositAccount, len(s.Deposits)),
	}
	for i := range s.Deposits {
		d := s.Deposits[i]
		if d.Snapshot.P.IsZero() {
			return nil, fmt.Errorf("restore pool: depositor %s has zero snapshot P", d.Depositor)
		}
		pa.deposits[d.Depositor] = &d
	}
	return pa, nil
}
