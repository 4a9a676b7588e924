package resolver

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/PrabalParihar/omnimonster-sub000/internal/htlc"
	"github.com/PrabalParihar/omnimonster-sub000/internal/registry"
	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/logging"
)

// Refresher periodically re-reads the pool operator's on-chain balances and
// updates inventory totals. Reservations are left untouched; the ledger in
// storage stays the source of truth for what is committed.
type Refresher struct {
	store    *storage.Storage
	reg      *registry.Registry
	adapters map[string]htlc.Adapter
	interval time.Duration
	log      *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher builds the inventory refresh loop.
func NewRefresher(store *storage.Storage, reg *registry.Registry, adapters map[string]htlc.Adapter, interval time.Duration, log *logging.Logger) *Refresher {
	return &Refresher{
		store:    store,
		reg:      reg,
		adapters: adapters,
		interval: interval,
		log:      log.With("component", "inventory"),
	}
}

// Start refreshes once immediately, then on the configured interval.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop cancels the loop and waits for it to drain.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Refresher) run(ctx context.Context) {
	defer r.wg.Done()

	r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh reads every configured token's operator balance and stores it as
// the inventory total. Funds sitting in the pool's own open locks have left
// the wallet but are still pool-owned, so they are added back; otherwise a
// snapshot taken between deploy and the user's claim would report a total
// below the still-held reservation.
func (r *Refresher) Refresh(ctx context.Context) {
	for chain, adapter := range r.adapters {
		for _, tok := range r.reg.TokensForChain(chain) {
			balance, err := adapter.BalanceOf(ctx, tokenAddress(tok), adapter.OperatorAddress())
			if err != nil {
				r.log.Warn("Failed to read pool balance", "chain", chain, "token", tok.Symbol, "error", err)
				continue
			}
			escrowed, err := r.store.EscrowedAmount(chain, tok.Symbol)
			if err != nil {
				r.log.Error("Failed to read escrowed amounts", "chain", chain, "token", tok.Symbol, "error", err)
				continue
			}
			total := new(big.Int).Add(balance, escrowed)
			if err := r.store.SetTotal(chain, tok.Symbol, total); err != nil {
				// First sighting of this token: create the row.
				if upErr := r.store.UpsertInventory(chain, tok.Symbol, total, big.NewInt(0)); upErr != nil {
					r.log.Error("Failed to store inventory", "chain", chain, "token", tok.Symbol, "error", upErr)
				}
			}
		}
	}
}
