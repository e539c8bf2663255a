package core

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	fpmath "PerpPool/internal/math"
)

// Deposit credits settlement cash that arrived off-engine.
func (e *Engine) Deposit(ctx context.Context, account common.Address, amount *big.Int) error {
	return e.moveFunds(ctx, opDeposit, event.FundsDeposit, account, amount)
}

// Withdraw debits cash not locked as position margin.
func (e *Engine) Withdraw(ctx context.Context, account common.Address, amount *big.Int) error {
	return e.moveFunds(ctx, opWithdraw, event.FundsWithdrawal, account, amount)
}

func (e *Engine) moveFunds(ctx context.Context, op string, kind event.FundsKind, account common.Address, amount *big.Int) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.begin(now)

	tx := e.tx(now)
	var err error
	if kind == event.FundsDeposit {
		err = tx.Deposit(account, amount)
	} else {
		err = tx.Withdraw(account, amount)
	}
	if err != nil {
		return e.rejected(op, classify(err))
	}
	e.commit(tx, nil)

	e.emit(now, []pending{{
		payload: &event.FundsMoved{
			MovementID: uuid.New(),
			Kind:       kind,
			Account:    account,
			Amount:     fpmath.Clone(amount),
		},
		batch:    tx.Batch(),
		accounts: []common.Address{account},
	}})

	e.applied(op, start)
	return nil
}

// Stake locks sale tokens in custody. Pending dividends are paid out first
// so the new stake only earns profit realized from now on.
func (e *Engine) Stake(ctx context.Context, account common.Address, amount *big.Int) (*big.Int, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.begin(now)

	tx := e.tx(now)
	paid := e.rewards.Claim(tx, account)
	split := len(tx.Batch().Journals)
	if err := tx.Stake(account, amount); err != nil {
		return nil, e.rejected(opStake, classify(err))
	}
	if err := e.saleToken.TransferIn(account, amount); err != nil {
		return nil, e.rejected(opStake, classify(err))
	}
	e.commit(tx, nil)
	e.checkStakes()

	e.emit(now, e.stakeEvents(tx, split, paid, event.FundsStake, account, amount))
	e.applied(opStake, start)
	return paid, nil
}

// Unstake releases staked tokens after paying pending dividends.
func (e *Engine) Unstake(ctx context.Context, account common.Address, amount *big.Int) (*big.Int, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.begin(now)

	tx := e.tx(now)
	paid := e.rewards.Claim(tx, account)
	split := len(tx.Batch().Journals)
	if err := tx.Unstake(account, amount); err != nil {
		return nil, e.rejected(opUnstake, classify(err))
	}
	e.commit(tx, nil)
	if err := e.saleToken.TransferOut(account, amount); err != nil {
		e.fatal("custody cannot release %s to %s: %v", amount, account.Hex(), err)
	}
	e.checkStakes()

	e.emit(now, e.stakeEvents(tx, split, paid, event.FundsUnstake, account, amount))
	e.applied(opUnstake, start)
	return paid, nil
}

func (e *Engine) stakeEvents(tx *ledger.Tx, split int, paid *big.Int, kind event.FundsKind, account common.Address, amount *big.Int) []pending {
	batch := tx.Batch()
	var out []pending
	if paid.Sign() > 0 {
		out = append(out, pending{
			payload: &event.DividendsPaid{
				ClaimID: uuid.New(),
				Account: account,
				Amount:  paid,
				Profit:  e.ledger.RewardSnapshot(account),
			},
			batch:    batch.Slice(0, split),
			accounts: []common.Address{account},
		})
		if e.metrics != nil {
			e.metrics.DividendsPaid.Inc()
		}
	}
	return append(out, pending{
		payload: &event.FundsMoved{
			MovementID: uuid.New(),
			Kind:       kind,
			Account:    account,
			Amount:     fpmath.Clone(amount),
		},
		batch:    batch.Slice(split, len(batch.Journals)),
		accounts: []common.Address{account},
	})
}

// ClaimDividends pays the account its share of profit realized since its
// last claim. A second claim without new profit pays zero.
func (e *Engine) ClaimDividends(ctx context.Context, account common.Address) (*big.Int, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.begin(now)

	tx := e.tx(now)
	paid := e.rewards.Claim(tx, account)
	e.commit(tx, nil)

	e.emit(now, []pending{{
		payload: &event.DividendsPaid{
			ClaimID: uuid.New(),
			Account: account,
			Amount:  paid,
			Profit:  e.ledger.RewardSnapshot(account),
		},
		batch:    tx.Batch(),
		accounts: []common.Address{account},
	}})
	if e.metrics != nil && paid.Sign() > 0 {
		e.metrics.DividendsPaid.Inc()
	}

	e.applied(opClaim, start)
	return paid, nil
}

func (e *Engine) checkStakes() {
	if err := e.validator.ValidateStakeSum(); err != nil {
		e.fatal("invariant violated: %v", err)
	}
	if err := e.validator.ValidateSnapshots(); err != nil {
		e.fatal("invariant violated: %v", err)
	}
}
