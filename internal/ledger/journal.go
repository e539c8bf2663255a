package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeStake
	JournalTypeUnstake
	JournalTypeTradePnL
	JournalTypeTradeFee
	JournalTypeDividend
	JournalTypeMarginSeizure
	JournalTypeLiquidationReward
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeStake:
		return "stake"
	case JournalTypeUnstake:
		return "unstake"
	case JournalTypeTradePnL:
		return "trade_pnl"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeDividend:
		return "dividend"
	case JournalTypeMarginSeizure:
		return "margin_seizure"
	case JournalTypeLiquidationReward:
		return "liquidation_reward"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one engine operation
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        *big.Int    // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Engine clock (epoch microseconds)
}

// Batch represents the journal entries of one engine operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch for one operation.
func NewBatch(eventRef string, sequence int64, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Add appends a transfer from credit to debit. Zero amounts are dropped and
// negative amounts reverse the direction, so callers can pass signed PnL.
func (b *Batch) Add(debit, credit AccountKey, amount *big.Int, jt JournalType) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	amt := new(big.Int).Set(amount)
	if amt.Sign() < 0 {
		amt.Neg(amt)
		debit, credit = credit, debit
	}

	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amt,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Stamp sets the event reference and sequence once they are known.
func (b *Batch) Stamp(eventRef string, sequence int64) {
	b.EventRef = eventRef
	b.Sequence = sequence
	for i := range b.Journals {
		b.Journals[i].EventRef = eventRef
		b.Journals[i].Sequence = sequence
	}
}

// Slice returns journals [from, to) as a batch of their own. Used when one
// operation emits several events and each carries its own entries.
func (b *Batch) Slice(from, to int) *Batch {
	sub := NewBatch(b.EventRef, b.Sequence, b.Timestamp)
	for _, j := range b.Journals[from:to] {
		j.BatchID = sub.BatchID
		sub.Journals = append(sub.Journals, j)
	}
	return sub
}

// NetChange returns the signed effect of the batch on one account.
func (b *Batch) NetChange(key AccountKey) *big.Int {
	net := new(big.Int)
	for _, j := range b.Journals {
		if j.DebitAccount == key {
			net.Add(net, j.Amount)
		}
		if j.CreditAccount == key {
			net.Sub(net, j.Amount)
		}
	}
	return net
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount between two distinct accounts of the
// same asset, so every entry is balanced on its own.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.CreditAccount.AssetID {
			return fmt.Errorf("journal %s moves between assets %d and %d",
				j.JournalID, j.DebitAccount.AssetID, j.CreditAccount.AssetID)
		}
	}

	return nil
}
