package ledger

import (
	"StabilityLedger/internal/event"
	fpmath "StabilityLedger/internal/math"
	"StabilityLedger/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic journal and batch IDs, so replaying an
// event reproduces the IDs it was first persisted with.
var journalNamespace = uuid.MustParse("5b0c3f7e-8e0a-4c55-9f5e-2d1e6a7c9b40")

// JournalGenerator creates balanced journal batches from applied pool
// operations. The caller passes the global sequence of the event.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

type batchBuilder struct {
	batch *Batch
}

func newBatch(eventRef string, sequence int64, timestamp int64) *batchBuilder {
	return &batchBuilder{
		batch: &Batch{
			BatchID:   uuid.NewSHA1(journalNamespace, []byte(eventRef)),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 3),
		},
	}
}

// add appends one entry; zero amounts are skipped.
func (b *batchBuilder) add(debit, credit AccountKey, amount fpmath.Decimal18, jt JournalType) {
	if amount.IsZero() {
		return
	}
	idx := len(b.batch.Journals)
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d", b.batch.EventRef, idx))),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
}

// payGains moves settled gains from pool custody to the depositor.
// Collateral goes to the trove instead of the wallet when reinvested.
func (b *batchBuilder) payGains(depositor uuid.UUID, res state.GainsWithdrawal, reinvest bool) {
	if reinvest {
		b.add(NewUserAccountKey(depositor, SubTypeTrove, AssetETH), PoolCollateralAccount,
			res.CollateralGain, JournalTypeCollateralReinvest)
	} else {
		b.add(NewUserAccountKey(depositor, SubTypeWallet, AssetETH), PoolCollateralAccount,
			res.CollateralGain, JournalTypeCollateralPayout)
	}
	b.add(NewUserAccountKey(depositor, SubTypeWallet, AssetSTBL), PoolRewardsAccount,
		res.RewardGain, JournalTypeRewardPayout)
}

// GenerateProvide: wallet XBRL -> pool_deposits, plus pending gains paid out.
func (jg *JournalGenerator) GenerateProvide(evt *event.DepositProvided, sequence int64, res state.GainsWithdrawal) *Batch {
	b := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro())
	b.add(PoolDepositsAccount, NewUserAccountKey(evt.Depositor, SubTypeWallet, AssetXBRL),
		res.Amount, JournalTypeDepositProvide)
	b.payGains(evt.Depositor, res, false)
	return b.batch
}

// GenerateWithdraw: pool_deposits -> wallet XBRL, plus pending gains paid out.
func (jg *JournalGenerator) GenerateWithdraw(evt *event.DepositWithdrawn, sequence int64, res state.GainsWithdrawal) *Batch {
	b := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro())
	b.add(NewUserAccountKey(evt.Depositor, SubTypeWallet, AssetXBRL), PoolDepositsAccount,
		res.Amount, JournalTypeDepositWithdraw)
	b.payGains(evt.Depositor, res, false)
	return b.batch
}

func (jg *JournalGenerator) GenerateClaim(evt *event.GainClaimed, sequence int64, res state.GainsWithdrawal) *Batch {
	b := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro())
	b.payGains(evt.Depositor, res, false)
	return b.batch
}

func (jg *JournalGenerator) GenerateReinvest(evt *event.GainReinvested, sequence int64, res state.GainsWithdrawal) *Batch {
	b := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro())
	b.payGains(evt.Depositor, res, true)
	return b.batch
}

// GenerateOffset burns the absorbed debt out of pool_deposits and takes the
// liquidated collateral into pool custody.
func (jg *JournalGenerator) GenerateOffset(evt *event.LiquidationOffset, sequence int64, res state.OffsetResult) *Batch {
	b := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro())
	b.add(DebtBurnedAccount, PoolDepositsAccount, res.DebtAbsorbed, JournalTypeDebtOffset)
	b.add(PoolCollateralAccount, LiquidationsAccount, res.CollateralAdded, JournalTypeCollateralIn)
	return b.batch
}

// GenerateRewardIssue credits newly issued reward tokens to pool custody.
// An issuance skipped for an empty pool produces an empty batch.
func (jg *JournalGenerator) GenerateRewardIssue(evt *event.RewardIssued, sequence int64, res state.RewardResult) *Batch {
	b := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro())
	if res.Issued {
		b.add(PoolRewardsAccount, IssuanceAccount, res.Amount, JournalTypeRewardIssue)
	}
	return b.batch
}
