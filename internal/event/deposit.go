// internal/event/deposit.go
package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// FundsKind tells which ledger movement a FundsMoved event records
type FundsKind int32

const (
	FundsDeposit FundsKind = iota
	FundsWithdrawal
	FundsStake
	FundsUnstake
)

// FundsMoved records a deposit, withdrawal, stake or unstake.
type FundsMoved struct {
	MovementID uuid.UUID      `json:"movement_id"`
	Kind       FundsKind      `json:"kind"`
	Account    common.Address `json:"account"`
	Amount     *big.Int       `json:"amount"` // settlement scale
}

func (f *FundsMoved) IdempotencyKey() string {
	return f.MovementID.String()
}

func (f *FundsMoved) EventType() EventType {
	switch f.Kind {
	case FundsDeposit:
		return EventTypeFundsDeposited
	case FundsWithdrawal:
		return EventTypeFundsWithdrawn
	case FundsStake:
		return EventTypeFundsStaked
	case FundsUnstake:
		return EventTypeFundsUnstaked
	default:
		return EventTypeUnknown
	}
}

// DividendsPaid records a staker claiming its share of realized pool profit.
type DividendsPaid struct {
	ClaimID uuid.UUID      `json:"claim_id"`
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`   // settlement scale
	Profit  *big.Int       `json:"snapshot"` // all-time profit the claim settled up to
}

func (d *DividendsPaid) IdempotencyKey() string {
	return d.ClaimID.String()
}

func (d *DividendsPaid) EventType() EventType {
	return EventTypeDividendsPaid
}
