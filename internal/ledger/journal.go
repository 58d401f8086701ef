package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType classifies the purpose of a journal entry.
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeDelegatedWithdrawal
	JournalTypeSettlement
	JournalTypeLiquidationReward
	JournalTypeInsuranceCredit
	JournalTypeInsuranceCharge
	JournalTypeInsuranceFunding
	JournalTypeSeizureTransfer
	JournalTypeSeizurePayment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeDelegatedWithdrawal:
		return "delegated_withdrawal"
	case JournalTypeSettlement:
		return "settlement"
	case JournalTypeLiquidationReward:
		return "liquidation_reward"
	case JournalTypeInsuranceCredit:
		return "insurance_credit"
	case JournalTypeInsuranceCharge:
		return "insurance_charge"
	case JournalTypeInsuranceFunding:
		return "insurance_funding"
	case JournalTypeSeizureTransfer:
		return "seizure_transfer"
	case JournalTypeSeizurePayment:
		return "seizure_payment"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry record: Amount moves from the credit
// account to the debit account. Amount is always positive; direction is
// carried by the account pair, so each entry is balanced by construction.
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	Debit       AccountRef
	Credit      AccountRef
	Collateral  int // descriptor index
	Amount      *big.Int
	JournalType JournalType
	Timestamp   int64 // epoch microseconds
}

// Batch groups the journal entries produced by one ledger operation.
type Batch struct {
	BatchID   uuid.UUID
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed before it is applied or
// persisted.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.Debit == j.Credit {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}

func newBatch(now int64) *Batch {
	return &Batch{BatchID: uuid.New(), Timestamp: now}
}

func (b *Batch) add(jt JournalType, debit, credit AccountRef, collateralIdx int, amount *big.Int) {
	b.Journals = append(b.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     b.BatchID,
		Debit:       debit,
		Credit:      credit,
		Collateral:  collateralIdx,
		Amount:      new(big.Int).Set(amount),
		JournalType: jt,
		Timestamp:   b.Timestamp,
	})
}
