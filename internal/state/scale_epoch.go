package state

import (
	fpmath "StabilityLedger/internal/math"
	"fmt"
	"sort"
)

// SumKey addresses one (epoch, scale) cell of the sum tables.
type SumKey struct {
	Epoch uint64
	Scale uint64
}

// ScaleEpochLedger owns the pool-wide accumulators:
//
//	P          running product of (1 - lossPerUnit), renormalized by 1e9 per scale
//	S[e][s]    collateral gain sum, scaled by 1e36
//	G[e][s]    reward gain sum, scaled by 1e36
//
// A cell of S or G only grows while (epoch, scale) is current and is frozen
// once the ledger moves past it.
// Not safe for concurrent use; the core goroutine owns it.
type ScaleEpochLedger struct {
	p            fpmath.Decimal18
	currentEpoch uint64
	currentScale uint64
	sums         map[SumKey]fpmath.Decimal18
	rewardSums   map[SumKey]fpmath.Decimal18

	// Error carries fold integer-division remainders into the next update.
	lastDebtLossError   fpmath.Decimal18
	lastCollateralError fpmath.Decimal18
	lastRewardError     fpmath.Decimal18
}

func NewScaleEpochLedger() *ScaleEpochLedger {
	return &ScaleEpochLedger{
		p:          fpmath.One,
		sums:       make(map[SumKey]fpmath.Decimal18),
		rewardSums: make(map[SumKey]fpmath.Decimal18),
	}
}

func (l *ScaleEpochLedger) P() fpmath.Decimal18 { return l.p }

func (l *ScaleEpochLedger) CurrentEpoch() uint64 { return l.currentEpoch }

func (l *ScaleEpochLedger) CurrentScale() uint64 { return l.currentScale }

// SumAt returns S for a cell, 0 when untouched.
func (l *ScaleEpochLedger) SumAt(epoch, scale uint64) fpmath.Decimal18 {
	return l.sums[SumKey{Epoch: epoch, Scale: scale}]
}

// RewardSumAt returns G for a cell, 0 when untouched.
func (l *ScaleEpochLedger) RewardSumAt(epoch, scale uint64) fpmath.Decimal18 {
	return l.rewardSums[SumKey{Epoch: epoch, Scale: scale}]
}

// ApplyOffset folds one liquidation into the ledger and returns the amount
// added to S at the pre-offset (epoch, scale).
func (l *ScaleEpochLedger) ApplyOffset(debtLossPerUnit, gainPerUnit fpmath.Decimal18) fpmath.Decimal18 {
	t := l.planOffset(debtLossPerUnit, gainPerUnit)
	l.commit(t)
	return t.appliedS
}

// ApplyRewardIssuance adds rewardPerUnit*P to G at the current cell.
func (l *ScaleEpochLedger) ApplyRewardIssuance(rewardPerUnit fpmath.Decimal18) fpmath.Decimal18 {
	key := SumKey{Epoch: l.currentEpoch, Scale: l.currentScale}
	appliedG := rewardPerUnit.Mul(l.p)
	l.rewardSums[key] = l.rewardSums[key].Add(appliedG)
	return appliedG
}

// ledgerTransition is a fully computed offset, ready to commit. Computing it
// mutates nothing, so an arithmetic panic while planning leaves the ledger
// untouched.
type ledgerTransition struct {
	sumKey   SumKey
	newSum   fpmath.Decimal18
	appliedS fpmath.Decimal18

	newP     fpmath.Decimal18
	newEpoch uint64
	newScale uint64

	epochAdvanced bool
	scaleAdvanced bool
}

func (l *ScaleEpochLedger) planOffset(debtLossPerUnit, gainPerUnit fpmath.Decimal18) ledgerTransition {
	if debtLossPerUnit.Gt(fpmath.One) {
		panic(fmt.Sprintf("FATAL: debt loss per unit %s exceeds 1e18", debtLossPerUnit))
	}

	key := SumKey{Epoch: l.currentEpoch, Scale: l.currentScale}
	appliedS := gainPerUnit.Mul(l.p)

	t := ledgerTransition{
		sumKey:   key,
		newSum:   l.sums[key].Add(appliedS),
		appliedS: appliedS,
		newEpoch: l.currentEpoch,
		newScale: l.currentScale,
	}

	factor := fpmath.One.Sub(debtLossPerUnit)
	switch {
	case factor.IsZero():
		// Pool emptied: every open snapshot now belongs to a past epoch.
		t.newP = fpmath.One
		t.newEpoch = l.currentEpoch + 1
		t.newScale = 0
		t.epochAdvanced = true

	case fpmath.DecimalMul(l.p, factor).Lt(fpmath.ScaleFactor):
		t.newP = fpmath.MulDiv(l.p.Mul(factor), fpmath.ScaleFactor, fpmath.One)
		t.newScale = l.currentScale + 1
		t.scaleAdvanced = true

	default:
		t.newP = fpmath.DecimalMul(l.p, factor)
	}

	if t.newP.IsZero() {
		panic("FATAL: P reached zero")
	}
	return t
}

func (l *ScaleEpochLedger) commit(t ledgerTransition) {
	l.sums[t.sumKey] = t.newSum
	l.p = t.newP
	l.currentEpoch = t.newEpoch
	l.currentScale = t.newScale

	if t.scaleAdvanced {
		l.sums[SumKey{Epoch: t.newEpoch, Scale: t.newScale}] = fpmath.Zero
	}
}

// --- Snapshot export / restore ---

// LedgerState is the serializable form of a ScaleEpochLedger.
type LedgerState struct {
	P                   fpmath.Decimal18 `json:"p"`
	Epoch               uint64           `json:"epoch"`
	Scale               uint64           `json:"scale"`
	Sums                []SumEntry       `json:"sums"`
	LastDebtLossError   fpmath.Decimal18 `json:"last_debt_loss_error"`
	LastCollateralError fpmath.Decimal18 `json:"last_collateral_error"`
	LastRewardError     fpmath.Decimal18 `json:"last_reward_error"`
}

// SumEntry carries S and G for a single (epoch, scale) cell.
type SumEntry struct {
	Epoch uint64           `json:"epoch"`
	Scale uint64           `json:"scale"`
	S     fpmath.Decimal18 `json:"s"`
	G     fpmath.Decimal18 `json:"g"`
}

// Export returns the ledger state with sums ordered by (epoch, scale).
func (l *ScaleEpochLedger) Export() LedgerState {
	keys := make(map[SumKey]struct{}, len(l.sums)+len(l.rewardSums))
	for k := range l.sums {
		keys[k] = struct{}{}
	}
	for k := range l.rewardSums {
		keys[k] = struct{}{}
	}

	entries := make([]SumEntry, 0, len(keys))
	for k := range keys {
		entries = append(entries, SumEntry{
			Epoch: k.Epoch,
			Scale: k.Scale,
			S:     l.sums[k],
			G:     l.rewardSums[k],
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Epoch != entries[j].Epoch {
			return entries[i].Epoch < entries[j].Epoch
		}
		return entries[i].Scale < entries[j].Scale
	})

	return LedgerState{
		P:                   l.p,
		Epoch:               l.currentEpoch,
		Scale:               l.currentScale,
		Sums:                entries,
		LastDebtLossError:   l.lastDebtLossError,
		LastCollateralError: l.lastCollateralError,
		LastRewardError:     l.lastRewardError,
	}
}

// RestoreScaleEpochLedger rebuilds a ledger from an exported state.
func RestoreScaleEpochLedger(s LedgerState) (*ScaleEpochLedger, error) {
	if s.P.IsZero() || s.P.Gt(fpmath.One) {
		return nil, fmt.Errorf("restore ledger: P out of range: %s", s.P)
	}

	l := NewScaleEpochLedger()
	l.p = s.P
	l.currentEpoch = s.Epoch
	l.currentScale = s.Scale
	l.lastDebtLossError = s.LastDebtLossError
	l.lastCollateralError = s.LastCollateralError
	l.lastRewardError = s.LastRewardError

	for _, e := range s.Sums {
		key := SumKey{Epoch: e.Epoch, Scale: e.Scale}
		l.sums[key] = e.S
		if !e.G.IsZero() {
			l.rewardSums[key] = e.G
		}
	}
	return l, nil
}
