// Package resolver drives swap lifecycles. One engine runs per configured
// chain and works both sides that touch its chain: the source role (the
// user's lock lives here) and the target role (the pool's lock goes here).
// Engines never talk to each other; all coordination happens through the
// swap store's transition checks.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PrabalParihar/omnimonster-sub000/internal/config"
	"github.com/PrabalParihar/omnimonster-sub000/internal/htlc"
	"github.com/PrabalParihar/omnimonster-sub000/internal/pricing"
	"github.com/PrabalParihar/omnimonster-sub000/internal/registry"
	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/logging"
)

// amountToleranceBps is how far a user's locked amount may fall short of
// the agreed source amount, in basis points.
const amountToleranceBps = 10

// Engine processes swaps touching one chain.
type Engine struct {
	chain    string
	cfg      config.ResolverConfig
	store    *storage.Storage
	reg      *registry.Registry
	price    pricing.Source
	adapters map[string]htlc.Adapter
	log      *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an engine for one chain. The adapter map carries every
// configured chain: the engine signs only on its own chain but reads lock
// state cross-chain before revealing preimages.
func NewEngine(chain string, cfg config.ResolverConfig, store *storage.Storage, reg *registry.Registry, price pricing.Source, adapters map[string]htlc.Adapter, log *logging.Logger) *Engine {
	return &Engine{
		chain:    chain,
		cfg:      cfg,
		store:    store,
		reg:      reg,
		price:    price,
		adapters: adapters,
		log:      log.With("chain", chain),
	}
}

// Start launches the processing loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop cancels the loop and waits for the in-flight tick to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	e.log.Info("Resolver engine started", "interval", e.cfg.ProcessingInterval)
	ticker := time.NewTicker(e.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Resolver engine stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one pass over both roles. Chain time is read once per tick;
// expiry decisions never consult the local clock.
func (e *Engine) tick(ctx context.Context) {
	adapter := e.adapters[e.chain]
	now, err := adapter.ChainTime(ctx)
	if err != nil {
		e.log.Warn("Skipping tick, chain time unavailable", "error", err)
		return
	}

	targetSwaps, err := e.store.GetPendingSwapsForRole(e.chain, storage.RoleTarget, e.cfg.MaxBatchSize)
	if err != nil {
		e.log.Error("Failed to load target-role swaps", "error", err)
	}
	for _, swap := range targetSwaps {
		if ctx.Err() != nil {
			return
		}
		// Each swap gets its own deadline so one stuck transaction cannot
		// stall the rest of the batch.
		swapCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		e.processTarget(swapCtx, swap, now)
		cancel()
	}

	sourceSwaps, err := e.store.GetPendingSwapsForRole(e.chain, storage.RoleSource, e.cfg.MaxBatchSize)
	if err != nil {
		e.log.Error("Failed to load source-role swaps", "error", err)
	}
	for _, swap := range sourceSwaps {
		if ctx.Err() != nil {
			return
		}
		swapCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		e.processSource(swapCtx, swap, now)
		cancel()
	}
}

// expireIfDue moves an overdue swap to EXPIRED. Returns true when the swap
// is expired (by this call or a concurrent one) and needs no further work
// this tick.
func (e *Engine) expireIfDue(swap *storage.Swap, now time.Time) bool {
	if now.Unix() < swap.ExpirationTime {
		return false
	}

	st := storage.StatusExpired
	err := e.store.UpdateSwapAndAppendEvent(swap.ID,
		&storage.SwapPatch{Status: &st},
		&storage.SwapEvent{Type: storage.EventExpired})
	if err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			e.log.Error("Failed to expire swap", "swap", swap.ID, "error", err)
		}
		return true
	}

	e.log.Info("Swap expired", "swap", swap.ID, "status", swap.Status)
	return true
}

// fail moves a swap to ERROR and returns any pool reservation it held.
func (e *Engine) fail(swap *storage.Swap, msg string) {
	e.log.Warn("Swap failed", "swap", swap.ID, "reason", msg)

	st := storage.StatusError
	err := e.store.UpdateSwapAndAppendEvent(swap.ID,
		&storage.SwapPatch{Status: &st, ErrorMessage: &msg},
		&storage.SwapEvent{Type: storage.EventError, Data: fmt.Sprintf(`{"message":%q}`, msg)})
	if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		e.log.Error("Failed to mark swap errored", "swap", swap.ID, "error", err)
		return
	}

	if err := e.store.ReleaseReservation(swap.ID); err != nil {
		e.log.Error("Failed to release reservation", "swap", swap.ID, "error", err)
	}
}

// tokenAddress resolves a registry token to its on-chain address; the zero
// address stands for the native asset.
func tokenAddress(tok *registry.Token) common.Address {
	if tok.IsNative() {
		return common.Address{}
	}
	return common.HexToAddress(tok.Address)
}

var zeroLockID [32]byte
