package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PrabalParihar/omnimonster-sub000/internal/htlc"
	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/helpers"
)

// processSource advances one swap whose user leg lives on this chain.
func (e *Engine) processSource(ctx context.Context, swap *storage.Swap, now time.Time) {
	if e.expireIfDue(swap, now) {
		return
	}

	switch swap.Status {
	case storage.StatusPending:
		e.checkUserFunding(ctx, swap)
	case storage.StatusPoolFulfilled:
		e.claimUserLock(ctx, swap)
	}
}

// checkUserFunding verifies a reported user lock on-chain. The lock id
// arrives through the API but is never trusted: the lock's own fields
// decide whether the swap advances.
func (e *Engine) checkUserFunding(ctx context.Context, swap *storage.Swap) {
	if swap.UserLockID == zeroLockID {
		return // not reported yet
	}

	adapter := e.adapters[e.chain]
	lock, err := adapter.GetLock(ctx, swap.UserLockID)
	if err != nil {
		e.log.Warn("Failed to read user lock", "swap", swap.ID, "error", err)
		return
	}
	if lock.State == htlc.LockInvalid {
		return // funding transaction not mined yet
	}
	if lock.State != htlc.LockOpen {
		e.fail(swap, fmt.Sprintf("user lock already %s", lock.State))
		return
	}

	if err := e.validateUserLock(swap, lock); err != nil {
		if recErr := e.store.RecordOperation(swap.ID, storage.OpValidateFund, storage.OpFailed, err.Error(), ""); recErr != nil {
			e.log.Error("Failed to record operation", "swap", swap.ID, "error", recErr)
		}
		e.fail(swap, err.Error())
		return
	}

	st := storage.StatusUserHTLCFunded
	err = e.store.UpdateSwapAndAppendEvent(swap.ID,
		&storage.SwapPatch{Status: &st},
		&storage.SwapEvent{Type: storage.EventUserHTLCFunded})
	if err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			e.log.Error("Failed to mark swap funded", "swap", swap.ID, "error", err)
		}
		return
	}
	e.log.Info("User lock verified", "swap", swap.ID)
}

// validateUserLock checks the user's lock against the swap terms.
func (e *Engine) validateUserLock(swap *storage.Swap, lock *htlc.Lock) error {
	if lock.HashLock != swap.HashLock {
		return fmt.Errorf("user lock hash does not match swap hash lock")
	}

	operator := e.adapters[e.chain].OperatorAddress()
	if lock.Beneficiary != operator {
		return fmt.Errorf("user lock beneficiary %s is not the pool operator", lock.Beneficiary.Hex())
	}
	if lock.Originator != common.HexToAddress(swap.UserAddress) {
		return fmt.Errorf("user lock originator %s is not the swap user", lock.Originator.Hex())
	}

	tok, err := e.reg.Token(swap.SourceChain, swap.SourceToken)
	if err != nil {
		return fmt.Errorf("source token no longer supported: %v", err)
	}
	if lock.Token != tokenAddress(tok) {
		return fmt.Errorf("user lock token %s is not %s", lock.Token.Hex(), swap.SourceToken)
	}

	if !helpers.WithinToleranceBps(lock.Value, swap.SourceAmount, amountToleranceBps) {
		return fmt.Errorf("user lock value %s outside tolerance of %s", lock.Value, swap.SourceAmount)
	}

	// The user's timelock must cover the whole swap window, or the user
	// could refund while the pool's lock is still live.
	if lock.Timelock < swap.ExpirationTime {
		return fmt.Errorf("user lock timelock %d ends before swap expiration %d", lock.Timelock, swap.ExpirationTime)
	}
	return nil
}

// claimUserLock collects the user's funds once the pool's lock is confirmed
// on the target chain. Claiming publishes the preimage on the source chain,
// which is what lets the user collect the pool's lock in turn, so the
// cross-chain check must pass before the transaction goes out.
func (e *Engine) claimUserLock(ctx context.Context, swap *storage.Swap) {
	adapter := e.adapters[e.chain]

	targetAdapter := e.adapters[swap.TargetChain]
	if targetAdapter == nil {
		e.fail(swap, fmt.Sprintf("target chain %s not configured", swap.TargetChain))
		return
	}
	poolLock, err := targetAdapter.GetLock(ctx, swap.PoolLockID)
	if err != nil {
		e.log.Warn("Failed to read pool lock", "swap", swap.ID, "error", err)
		return
	}
	if poolLock.State != htlc.LockOpen {
		// Never reveal the preimage unless the user's payout is live.
		e.log.Warn("Pool lock not open, withholding claim", "swap", swap.ID, "state", poolLock.State)
		return
	}
	if poolLock.HashLock != swap.HashLock || poolLock.Value == nil || poolLock.Value.Cmp(swap.ExpectedAmount) != 0 {
		e.fail(swap, "pool lock on target chain does not match swap terms")
		return
	}

	opID, err := e.store.BeginOperation(swap.ID, storage.OpPoolClaim)
	if err != nil {
		e.log.Error("Failed to begin operation", "swap", swap.ID, "error", err)
		return
	}

	txHash, err := adapter.Claim(ctx, swap.UserLockID, swap.Preimage)
	if err == nil {
		err = adapter.WaitForConfirmation(ctx, txHash)
	}
	if err != nil {
		e.claimFailed(ctx, swap, opID, err)
		return
	}

	st := storage.StatusUserClaimed
	claimedAt := time.Now()
	updErr := e.store.UpdateSwapAndAppendEvent(swap.ID,
		&storage.SwapPatch{Status: &st, PoolClaimedAt: &claimedAt},
		&storage.SwapEvent{Type: storage.EventUserClaimed, TxHash: txHash})
	if updErr != nil {
		if !errors.Is(updErr, storage.ErrInvalidTransition) {
			e.log.Error("Failed to mark swap claimed", "swap", swap.ID, "error", updErr)
		}
		return
	}
	if err := e.store.FinishOperation(opID, storage.OpCompleted, "", txHash); err != nil {
		e.log.Error("Failed to finish operation", "swap", swap.ID, "error", err)
	}
	e.log.Info("User lock claimed, preimage revealed", "swap", swap.ID, "tx", txHash)
}

func (e *Engine) claimFailed(ctx context.Context, swap *storage.Swap, opID string, err error) {
	e.log.Warn("Claim attempt failed", "swap", swap.ID, "error", err)
	if finErr := e.store.FinishOperation(opID, storage.OpFailed, err.Error(), ""); finErr != nil {
		e.log.Error("Failed to finish operation", "swap", swap.ID, "error", finErr)
	}

	// NOT_CLAIMABLE usually means a previous claim already landed; the
	// chain state settles it.
	if htlc.CodeOf(err) == htlc.CodeNotClaimable {
		lock, readErr := e.adapters[e.chain].GetLock(ctx, swap.UserLockID)
		if readErr == nil && lock.State == htlc.LockClaimed {
			st := storage.StatusUserClaimed
			claimedAt := time.Now()
			if updErr := e.store.UpdateSwapAndAppendEvent(swap.ID,
				&storage.SwapPatch{Status: &st, PoolClaimedAt: &claimedAt},
				&storage.SwapEvent{Type: storage.EventUserClaimed}); updErr == nil {
				e.log.Info("User lock was already claimed", "swap", swap.ID)
			}
			return
		}
	}

	if htlc.IsTransient(err) {
		failures, cntErr := e.store.CountFailedOperations(swap.ID, storage.OpPoolClaim)
		if cntErr != nil || failures < e.cfg.MaxRetries {
			return
		}
	}

	e.fail(swap, fmt.Sprintf("claim failed: %v", err))
}
