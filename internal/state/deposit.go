package state

import (
	fpmath "StabilityLedger/internal/math"
	"encoding/binary"

	"github.com/google/uuid"
)

// LedgerView is the read side of a ScaleEpochLedger. The query path
// satisfies it from projected rows, so the derivations below run unchanged
// outside the core.
type LedgerView interface {
	P() fpmath.Decimal18
	CurrentEpoch() uint64
	CurrentScale() uint64
	SumAt(epoch, scale uint64) fpmath.Decimal18
	RewardSumAt(epoch, scale uint64) fpmath.Decimal18
}

// Snapshot is the ledger state captured when a depositor's principal was
// last fixed.
type Snapshot struct {
	P     fpmath.Decimal18 `json:"p"`
	S     fpmath.Decimal18 `json:"s"`
	G     fpmath.Decimal18 `json:"g"`
	Epoch uint64           `json:"epoch"`
	Scale uint64           `json:"scale"`
}

// TakeSnapshot captures the current cell of the ledger.
func TakeSnapshot(l LedgerView) Snapshot {
	epoch, scale := l.CurrentEpoch(), l.CurrentScale()
	return Snapshot{
		P:     l.P(),
		S:     l.SumAt(epoch, scale),
		G:     l.RewardSumAt(epoch, scale),
		Epoch: epoch,
		Scale: scale,
	}
}

// DepositAccount is one depositor's principal and snapshot. Live values are
// always derived, never stored.
type DepositAccount struct {
	Depositor uuid.UUID        `json:"depositor"`
	Principal fpmath.Decimal18 `json:"principal"`
	Snapshot  Snapshot         `json:"snapshot"`
}

// CanonicalBytes for deterministic hashing
func (d *DepositAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+32*4+16)

	buf = append(buf, d.Depositor[:]...)

	principal := d.Principal.Bytes32()
	buf = append(buf, principal[:]...)

	p := d.Snapshot.P.Bytes32()
	s := d.Snapshot.S.Bytes32()
	g := d.Snapshot.G.Bytes32()
	buf = append(buf, p[:]...)
	buf = append(buf, s[:]...)
	buf = append(buf, g[:]...)

	buf = binary.LittleEndian.AppendUint64(buf, d.Snapshot.Epoch)
	buf = binary.LittleEndian.AppendUint64(buf, d.Snapshot.Scale)

	return buf
}

// CompoundedBalance derives the depositor's current stablecoin stake.
//
//	snapshot epoch behind current   -> 0 (absorbed by a pool-emptying offset)
//	scale diff 0                    -> principal * P / P_snap
//	scale diff 1                    -> principal * P / P_snap / 1e9
//	scale diff >= 2                 -> 0
//
// A result below one billionth of the principal is treated as 0.
func CompoundedBalance(principal fpmath.Decimal18, snap Snapshot, l LedgerView) fpmath.Decimal18 {
	if principal.IsZero() {
		return fpmath.Zero
	}
	if snap.Epoch != l.CurrentEpoch() {
		return fpmath.Zero
	}

	currentScale := l.CurrentScale()
	if currentScale < snap.Scale {
		return fpmath.Zero
	}

	var compounded fpmath.Decimal18
	switch currentScale - snap.Scale {
	case 0:
		compounded = fpmath.MulDiv(principal, l.P(), snap.P)
	case 1:
		compounded = fpmath.MulDiv(principal, l.P(), snap.P).Div(fpmath.ScaleFactor)
	default:
		return fpmath.Zero
	}

	if compounded.Lt(principal.Div(fpmath.ScaleFactor)) {
		return fpmath.Zero
	}
	return compounded
}

// CollateralGain derives the collateral owed to the depositor since the
// snapshot. If the pool was emptied after the snapshot the gain is still
// read from the snapshot's epoch, so the offset that absorbed the stake is
// paid in full.
func CollateralGain(principal fpmath.Decimal18, snap Snapshot, l LedgerView) fpmath.Decimal18 {
	if principal.IsZero() {
		return fpmath.Zero
	}
	return accruedGain(principal, snap.P, snap.S,
		l.SumAt(snap.Epoch, snap.Scale),
		l.SumAt(snap.Epoch, snap.Scale+1))
}

// RewardGain is CollateralGain over the reward sums G.
func RewardGain(principal fpmath.Decimal18, snap Snapshot, l LedgerView) fpmath.Decimal18 {
	if principal.IsZero() {
		return fpmath.Zero
	}
	return accruedGain(principal, snap.P, snap.G,
		l.RewardSumAt(snap.Epoch, snap.Scale),
		l.RewardSumAt(snap.Epoch, snap.Scale+1))
}

// accruedGain = principal * ((sumAtSnap - sumSnap) + sumNextScale/1e9) / P_snap / 1e18
func accruedGain(principal, snapP, snapSum, sumAtSnap, sumNextScale fpmath.Decimal18) fpmath.Decimal18 {
	first := sumAtSnap.Sub(snapSum)
	second := sumNextScale.Div(fpmath.ScaleFactor)
	return fpmath.MulDiv(principal, first.Add(second), snapP).Div(fpmath.One)
}
