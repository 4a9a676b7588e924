package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PrabalParihar/omnimonster-sub000/internal/htlc"
	"github.com/PrabalParihar/omnimonster-sub000/internal/pricing"
	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
)

// processTarget advances one swap whose pool leg lives on this chain.
func (e *Engine) processTarget(ctx context.Context, swap *storage.Swap, now time.Time) {
	switch swap.Status {
	case storage.StatusPending:
		if e.expireIfDue(swap, now) {
			return
		}
		e.precheckLiquidity(swap)
	case storage.StatusUserHTLCFunded:
		if e.expireIfDue(swap, now) {
			return
		}
		e.fulfill(ctx, swap)
	case storage.StatusUserClaimed:
		e.settle(ctx, swap, now)
	case storage.StatusExpired:
		e.recover(ctx, swap, now)
	}
}

// precheckLiquidity records a failed liquidity check for a pending swap the
// pool could not currently cover. The swap itself stays PENDING: the user
// hasn't funded yet and can still cancel, and liquidity may return.
func (e *Engine) precheckLiquidity(swap *storage.Swap) {
	inv, err := e.store.GetInventory(swap.TargetChain, swap.TargetToken)
	if err != nil {
		// No inventory row yet; the refresher will create one.
		return
	}

	spendable := inv.Available()
	spendable.Sub(spendable, inv.MinThreshold)
	if spendable.Cmp(swap.ExpectedAmount) >= 0 {
		return
	}

	e.log.Debug("Insufficient liquidity for pending swap",
		"swap", swap.ID, "need", swap.ExpectedAmount, "spendable", spendable)
	err = e.store.RecordOperation(swap.ID, storage.OpLiquidityCheck, storage.OpFailed,
		fmt.Sprintf("insufficient liquidity: need %s %s, spendable %s",
			swap.ExpectedAmount, swap.TargetToken, spendable), "")
	if err != nil {
		e.log.Error("Failed to record liquidity check", "swap", swap.ID, "error", err)
	}
}

// fulfill deploys the pool's lock for a funded swap. The lock id is
// persisted before the transaction is sent, so a crash between send and
// commit is recovered by re-reading the id instead of locking twice.
func (e *Engine) fulfill(ctx context.Context, swap *storage.Swap) {
	adapter := e.adapters[e.chain]

	tok, err := e.reg.Token(swap.TargetChain, swap.TargetToken)
	if err != nil {
		e.fail(swap, fmt.Sprintf("target token no longer supported: %v", err))
		return
	}

	// Resume a previously started attempt. The existing lock is only adopted
	// when it carries this swap's terms; anything else under our id is a
	// collision with a foreign lock.
	if swap.PoolLockID != zeroLockID {
		lock, err := adapter.GetLock(ctx, swap.PoolLockID)
		if err != nil {
			e.log.Warn("Failed to read pool lock", "swap", swap.ID, "error", err)
			return
		}
		if lock.State != htlc.LockInvalid {
			if !poolLockMatches(swap, lock) {
				e.fail(swap, fmt.Sprintf("pool lock id collision: existing lock %s does not match swap terms", lock.State))
				return
			}
			e.markFulfilled(swap, "")
			return
		}
	}

	// Price the swap against the reference rate before committing funds.
	quote, err := e.price.Quote(ctx, swap.SourceChain, swap.SourceToken,
		swap.TargetChain, swap.TargetToken, swap.SourceAmount)
	if err != nil {
		e.fail(swap, fmt.Sprintf("failed to quote pair: %v", err))
		return
	}
	if err := pricing.Validate(quote, swap.ExpectedAmount, swap.SlippageTolerance); err != nil {
		if recErr := e.store.RecordOperation(swap.ID, storage.OpPoolLock, storage.OpFailed, err.Error(), ""); recErr != nil {
			e.log.Error("Failed to record operation", "swap", swap.ID, "error", recErr)
		}
		e.fail(swap, err.Error())
		return
	}

	if err := e.store.ReserveFor(swap.ID, swap.TargetChain, swap.TargetToken, swap.ExpectedAmount); err != nil {
		if errors.Is(err, storage.ErrInsufficientLiquidity) {
			if recErr := e.store.RecordOperation(swap.ID, storage.OpLiquidityCheck, storage.OpFailed, err.Error(), ""); recErr != nil {
				e.log.Error("Failed to record operation", "swap", swap.ID, "error", recErr)
			}
			return // liquidity may free up before expiry
		}
		e.log.Error("Failed to reserve inventory", "swap", swap.ID, "error", err)
		return
	}

	params := &htlc.LockParams{
		Beneficiary: common.HexToAddress(swap.Beneficiary),
		HashLock:    swap.HashLock,
		Timelock:    swap.ExpirationTime,
		Token:       tokenAddress(tok),
		Value:       swap.ExpectedAmount,
	}

	lockID := swap.PoolLockID
	if lockID == zeroLockID {
		lockID = adapter.NewLockID(params)
		if err := e.store.UpdateSwap(swap.ID, &storage.SwapPatch{PoolLockID: &lockID}); err != nil {
			e.log.Error("Failed to persist pool lock id", "swap", swap.ID, "error", err)
			return
		}
	}

	opID, err := e.store.BeginOperation(swap.ID, storage.OpPoolLock)
	if err != nil {
		e.log.Error("Failed to begin operation", "swap", swap.ID, "error", err)
		return
	}

	txHash, err := adapter.Lock(ctx, lockID, params)
	if err != nil {
		e.poolLockFailed(swap, opID, err)
		return
	}
	if err := adapter.WaitForConfirmation(ctx, txHash); err != nil {
		e.poolLockFailed(swap, opID, err)
		return
	}

	// Trust the chain, not the receipt: the lock must actually be open.
	lock, err := adapter.GetLock(ctx, lockID)
	if err != nil {
		e.log.Warn("Failed to verify pool lock", "swap", swap.ID, "error", err)
		return
	}
	if lock.State != htlc.LockOpen {
		e.poolLockFailed(swap, opID, fmt.Errorf("pool lock in state %s after confirmation", lock.State))
		return
	}
	if !poolLockMatches(swap, lock) {
		e.fail(swap, "pool lock on chain does not match swap terms")
		return
	}

	e.markFulfilled(swap, txHash)
	if err := e.store.FinishOperation(opID, storage.OpCompleted, "", txHash); err != nil {
		e.log.Error("Failed to finish operation", "swap", swap.ID, "error", err)
	}
}

// poolLockMatches reports whether a lock found under the swap's pool lock
// id carries the swap's own terms, distinguishing a crashed earlier attempt
// from a colliding foreign lock.
func poolLockMatches(swap *storage.Swap, lock *htlc.Lock) bool {
	return lock.HashLock == swap.HashLock &&
		lock.Beneficiary == common.HexToAddress(swap.Beneficiary) &&
		lock.Value != nil && lock.Value.Cmp(swap.ExpectedAmount) == 0
}

func (e *Engine) markFulfilled(swap *storage.Swap, txHash string) {
	st := storage.StatusPoolFulfilled
	matched := time.Now()
	err := e.store.UpdateSwapAndAppendEvent(swap.ID,
		&storage.SwapPatch{Status: &st, MatchedAt: &matched},
		&storage.SwapEvent{Type: storage.EventPoolFulfilled, TxHash: txHash})
	if err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			e.log.Error("Failed to mark swap fulfilled", "swap", swap.ID, "error", err)
		}
		return
	}
	e.log.Info("Pool lock deployed", "swap", swap.ID, "tx", txHash)
}

func (e *Engine) poolLockFailed(swap *storage.Swap, opID string, err error) {
	e.log.Warn("Pool lock attempt failed", "swap", swap.ID, "error", err)
	if finErr := e.store.FinishOperation(opID, storage.OpFailed, err.Error(), ""); finErr != nil {
		e.log.Error("Failed to finish operation", "swap", swap.ID, "error", finErr)
	}

	// A duplicate id means our lock already exists; the resume path picks
	// it up next tick.
	if htlc.CodeOf(err) == htlc.CodeDuplicateLockID {
		return
	}

	if htlc.IsTransient(err) {
		failures, cntErr := e.store.CountFailedOperations(swap.ID, storage.OpPoolLock)
		if cntErr != nil {
			e.log.Error("Failed to count operations", "swap", swap.ID, "error", cntErr)
			return
		}
		if failures < e.cfg.MaxRetries {
			return // retry next tick, reservation stays
		}
	}

	e.fail(swap, fmt.Sprintf("pool lock failed: %v", err))
}

// settle watches a claimed swap's pool lock. When the user collects it the
// swap completes; if the swap expires first, the refund path takes over.
func (e *Engine) settle(ctx context.Context, swap *storage.Swap, now time.Time) {
	adapter := e.adapters[e.chain]

	lock, err := adapter.GetLock(ctx, swap.PoolLockID)
	if err != nil {
		e.log.Warn("Failed to read pool lock", "swap", swap.ID, "error", err)
		return
	}

	if lock.State == htlc.LockClaimed {
		st := storage.StatusPoolClaimed
		err := e.store.UpdateSwapAndAppendEvent(swap.ID,
			&storage.SwapPatch{Status: &st},
			&storage.SwapEvent{Type: storage.EventPoolClaimed})
		if err != nil {
			if !errors.Is(err, storage.ErrInvalidTransition) {
				e.log.Error("Failed to complete swap", "swap", swap.ID, "error", err)
			}
			return
		}
		if err := e.store.ConsumeReservationBySwap(swap.ID); err != nil {
			e.log.Error("Failed to consume reservation", "swap", swap.ID, "error", err)
		}
		e.log.Info("Swap completed", "swap", swap.ID)
		return
	}

	e.expireIfDue(swap, now)
}

// recover unwinds an expired swap: refund the pool's lock once its timelock
// allows, then finish as REFUNDED when neither leg is open. The user's own
// refund on the source chain is theirs to claim and is only observed here.
func (e *Engine) recover(ctx context.Context, swap *storage.Swap, now time.Time) {
	adapter := e.adapters[e.chain]

	if swap.PoolLockID != zeroLockID {
		lock, err := adapter.GetLock(ctx, swap.PoolLockID)
		if err != nil {
			e.log.Warn("Failed to read pool lock", "swap", swap.ID, "error", err)
			return
		}

		switch lock.State {
		case htlc.LockOpen:
			if now.Unix() < lock.Timelock {
				return // refundable later
			}
			e.refundPoolLock(ctx, swap)
			return
		case htlc.LockClaimed:
			// The user claimed right around expiry; the funds are gone.
			if err := e.store.ConsumeReservationBySwap(swap.ID); err != nil {
				e.log.Error("Failed to consume reservation", "swap", swap.ID, "error", err)
				return
			}
		default:
			if err := e.store.ReleaseReservation(swap.ID); err != nil {
				e.log.Error("Failed to release reservation", "swap", swap.ID, "error", err)
				return
			}
		}
	} else {
		if err := e.store.ReleaseReservation(swap.ID); err != nil {
			e.log.Error("Failed to release reservation", "swap", swap.ID, "error", err)
			return
		}
	}

	// Leave the swap in EXPIRED while the user's lock is still open on the
	// source chain; their refund path stays visible that way.
	if swap.UserLockID != zeroLockID {
		srcAdapter := e.adapters[swap.SourceChain]
		if srcAdapter == nil {
			e.fail(swap, fmt.Sprintf("source chain %s not configured", swap.SourceChain))
			return
		}
		lock, err := srcAdapter.GetLock(ctx, swap.UserLockID)
		if err != nil {
			e.log.Warn("Failed to read user lock", "swap", swap.ID, "error", err)
			return
		}
		if lock.State == htlc.LockOpen {
			return
		}
	}

	st := storage.StatusRefunded
	err := e.store.UpdateSwapAndAppendEvent(swap.ID,
		&storage.SwapPatch{Status: &st},
		&storage.SwapEvent{Type: storage.EventRefunded})
	if err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			e.log.Error("Failed to mark swap refunded", "swap", swap.ID, "error", err)
		}
		return
	}
	e.log.Info("Expired swap resolved", "swap", swap.ID)
}

func (e *Engine) refundPoolLock(ctx context.Context, swap *storage.Swap) {
	adapter := e.adapters[e.chain]

	opID, err := e.store.BeginOperation(swap.ID, storage.OpPoolRefund)
	if err != nil {
		e.log.Error("Failed to begin operation", "swap", swap.ID, "error", err)
		return
	}

	txHash, err := adapter.Refund(ctx, swap.PoolLockID)
	if err == nil {
		err = adapter.WaitForConfirmation(ctx, txHash)
	}
	if err != nil {
		e.log.Warn("Pool refund attempt failed", "swap", swap.ID, "error", err)
		if finErr := e.store.FinishOperation(opID, storage.OpFailed, err.Error(), ""); finErr != nil {
			e.log.Error("Failed to finish operation", "swap", swap.ID, "error", finErr)
		}
		failures, cntErr := e.store.CountFailedOperations(swap.ID, storage.OpPoolRefund)
		if !htlc.IsTransient(err) || (cntErr == nil && failures >= e.cfg.MaxRetries) {
			e.fail(swap, fmt.Sprintf("pool refund failed: %v", err))
		}
		return
	}

	if err := e.store.FinishOperation(opID, storage.OpCompleted, "", txHash); err != nil {
		e.log.Error("Failed to finish operation", "swap", swap.ID, "error", err)
	}
	if err := e.store.ReleaseReservation(swap.ID); err != nil {
		e.log.Error("Failed to release reservation", "swap", swap.ID, "error", err)
	}
	e.log.Info("Pool lock refunded", "swap", swap.ID, "tx", txHash)
}
