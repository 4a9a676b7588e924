package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PrabalParihar/omnimonster-sub000/internal/config"
	"github.com/PrabalParihar/omnimonster-sub000/internal/htlc"
	"github.com/PrabalParihar/omnimonster-sub000/internal/pricing"
	"github.com/PrabalParihar/omnimonster-sub000/internal/registry"
	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/logging"
)

// fakeAdapter implements htlc.Adapter over an in-memory lock table.
type fakeAdapter struct {
	mu       sync.Mutex
	chain    string
	operator common.Address
	locks    map[[32]byte]*htlc.Lock
	now      int64
	balance  *big.Int // operator balance, any token

	nextNonce   uint64
	lockErr     error // injected failure for the next Lock calls
	lockCalls   int
	confirmHang bool // WaitForConfirmation blocks until the context ends
}

func newFakeAdapter(chain string, operator common.Address) *fakeAdapter {
	return &fakeAdapter{
		chain:    chain,
		operator: operator,
		locks:    make(map[[32]byte]*htlc.Lock),
		now:      1_000_000,
		balance:  big.NewInt(1_000_000_000),
	}
}

func (f *fakeAdapter) ChainName() string               { return f.chain }
func (f *fakeAdapter) OperatorAddress() common.Address { return f.operator }
func (f *fakeAdapter) Close()                          {}

func (f *fakeAdapter) NewLockID(params *htlc.LockParams) [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextNonce++
	var id [32]byte
	binary.BigEndian.PutUint64(id[:8], f.nextNonce)
	copy(id[8:], []byte(f.chain))
	return id
}

func (f *fakeAdapter) Lock(ctx context.Context, lockID [32]byte, params *htlc.LockParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lockCalls++
	if f.lockErr != nil {
		return "", f.lockErr
	}
	if f.locks[lockID] != nil {
		return "", &htlc.Error{Code: htlc.CodeDuplicateLockID, Op: "lock"}
	}
	f.locks[lockID] = &htlc.Lock{
		ID:          lockID,
		Originator:  f.operator,
		Beneficiary: params.Beneficiary,
		HashLock:    params.HashLock,
		Timelock:    params.Timelock,
		Token:       params.Token,
		Value:       params.Value,
		State:       htlc.LockOpen,
	}
	return fmt.Sprintf("0xlock%x", lockID[:4]), nil
}

func (f *fakeAdapter) Claim(ctx context.Context, lockID [32]byte, preimage [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock := f.locks[lockID]
	if lock == nil || lock.State != htlc.LockOpen {
		return "", &htlc.Error{Code: htlc.CodeNotClaimable, Op: "claim"}
	}
	if sha256.Sum256(preimage[:]) != lock.HashLock {
		return "", &htlc.Error{Code: htlc.CodeWrongPreimage, Op: "claim"}
	}
	lock.State = htlc.LockClaimed
	lock.Preimage = preimage
	return fmt.Sprintf("0xclaim%x", lockID[:4]), nil
}

func (f *fakeAdapter) Refund(ctx context.Context, lockID [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock := f.locks[lockID]
	if lock == nil || lock.State != htlc.LockOpen {
		return "", &htlc.Error{Code: htlc.CodeNotClaimable, Op: "refund"}
	}
	if f.now < lock.Timelock {
		return "", &htlc.Error{Code: htlc.CodeNotClaimable, Op: "refund"}
	}
	lock.State = htlc.LockRefunded
	return fmt.Sprintf("0xrefund%x", lockID[:4]), nil
}

func (f *fakeAdapter) GetLock(ctx context.Context, lockID [32]byte) (*htlc.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lock := f.locks[lockID]; lock != nil {
		cp := *lock
		return &cp, nil
	}
	return &htlc.Lock{ID: lockID, Value: big.NewInt(0), State: htlc.LockInvalid}, nil
}

func (f *fakeAdapter) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeAdapter) ChainTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Unix(f.now, 0), nil
}

func (f *fakeAdapter) WaitForConfirmation(ctx context.Context, txHash string) error {
	f.mu.Lock()
	hang := f.confirmHang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeAdapter) setNow(now int64) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// addUserLock funds the user's leg directly on the fake chain and reports
// the lock id to the store, the way the fund endpoint would.
func (f *fakeAdapter) addUserLock(t *testing.T, store *storage.Storage, swap *storage.Swap, mutate func(*htlc.Lock)) [32]byte {
	t.Helper()

	f.mu.Lock()
	var id [32]byte
	f.nextNonce++
	binary.BigEndian.PutUint64(id[:8], f.nextNonce)
	id[8] = 0xee
	lock := &htlc.Lock{
		ID:          id,
		Originator:  common.HexToAddress(swap.UserAddress),
		Beneficiary: f.operator,
		HashLock:    swap.HashLock,
		Timelock:    swap.ExpirationTime + 3600,
		Value:       new(big.Int).Set(swap.SourceAmount),
		State:       htlc.LockOpen,
	}
	if mutate != nil {
		mutate(lock)
	}
	f.locks[id] = lock
	f.mu.Unlock()

	if err := store.UpdateSwap(swap.ID, &storage.SwapPatch{UserLockID: &id}); err != nil {
		t.Fatalf("failed to report user lock: %v", err)
	}
	return id
}

type testEnv struct {
	store  *storage.Storage
	source *fakeAdapter // "monad"
	target *fakeAdapter // "optimism"
	srcEng *Engine
	tgtEng *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "omni-resolver-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(
		[]config.TokenConfig{
			{Chain: "monad", Symbol: "MON", Address: registry.NativeAddress, Decimals: 18},
			{Chain: "optimism", Symbol: "OMI", Address: registry.NativeAddress, Decimals: 18},
		},
		[]config.PairConfig{
			{SourceChain: "monad", SourceToken: "MON", TargetChain: "optimism", TargetToken: "OMI", Rate: 1.0},
		},
	)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	source := newFakeAdapter("monad", common.HexToAddress("0x00AA000000000000000000000000000000000001"))
	target := newFakeAdapter("optimism", common.HexToAddress("0x00BB000000000000000000000000000000000002"))
	adapters := map[string]htlc.Adapter{"monad": source, "optimism": target}

	cfg := config.ResolverConfig{
		ProcessingInterval: time.Second,
		MaxBatchSize:       20,
		MaxRetries:         3,
		StepTimeout:        250 * time.Millisecond,
		InventoryRefresh:   time.Minute,
	}
	price := pricing.NewStaticSource(reg)
	log := logging.Default()

	return &testEnv{
		store:  store,
		source: source,
		target: target,
		srcEng: NewEngine("monad", cfg, store, reg, price, adapters, log),
		tgtEng: NewEngine("optimism", cfg, store, reg, price, adapters, log),
	}
}

func (env *testEnv) seedInventory(t *testing.T, total int64) {
	t.Helper()
	if err := env.store.UpsertInventory("optimism", "OMI", big.NewInt(total), big.NewInt(0)); err != nil {
		t.Fatalf("failed to seed inventory: %v", err)
	}
}

func (env *testEnv) newSwap(t *testing.T, amount int64) *storage.Swap {
	t.Helper()
	preimage, err := htlc.GeneratePreimage()
	if err != nil {
		t.Fatalf("failed to generate preimage: %v", err)
	}
	swap := &storage.Swap{
		UserAddress:       "0x1100000000000000000000000000000000000011",
		Beneficiary:       "0x2200000000000000000000000000000000000022",
		SourceChain:       "monad",
		SourceToken:       "MON",
		SourceAmount:      big.NewInt(amount),
		TargetChain:       "optimism",
		TargetToken:       "OMI",
		ExpectedAmount:    big.NewInt(amount),
		SlippageTolerance: 0.01,
		Preimage:          preimage,
		HashLock:          htlc.HashPreimage(preimage),
		ExpirationTime:    1_000_000 + 7200,
	}
	if err := env.store.CreateSwap(swap); err != nil {
		t.Fatalf("failed to create swap: %v", err)
	}
	return swap
}

// step runs one tick of both engines, target chain first.
func (env *testEnv) step(ctx context.Context) {
	env.tgtEng.tick(ctx)
	env.srcEng.tick(ctx)
}

func (env *testEnv) status(t *testing.T, id string) storage.SwapStatus {
	t.Helper()
	swap, err := env.store.GetSwap(id)
	if err != nil {
		t.Fatalf("failed to read swap: %v", err)
	}
	return swap.Status
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)

	// Nothing moves until the user funds
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}

	env.source.addUserLock(t, env.store, swap, nil)

	// Source engine verifies the user lock
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusUserHTLCFunded {
		t.Fatalf("status = %s, want USER_HTLC_FUNDED", got)
	}

	// Target engine deploys the pool lock and reserves inventory
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusUserClaimed {
		// The same step also lets the source engine claim, since the pool
		// lock confirms instantly on the fake chain.
		t.Fatalf("status = %s, want USER_CLAIMED", got)
	}

	stored, _ := env.store.GetSwap(swap.ID)
	if stored.PoolLockID == zeroLockID {
		t.Fatal("pool lock id not recorded")
	}
	poolLock, _ := env.target.GetLock(ctx, stored.PoolLockID)
	if poolLock.State != htlc.LockOpen {
		t.Fatalf("pool lock state = %s, want OPEN", poolLock.State)
	}
	if poolLock.Beneficiary != common.HexToAddress(swap.Beneficiary) {
		t.Error("pool lock beneficiary mismatch")
	}

	// The claim on the source chain revealed the preimage
	userLock, _ := env.source.GetLock(ctx, stored.UserLockID)
	if userLock.State != htlc.LockClaimed {
		t.Fatalf("user lock state = %s, want CLAIMED", userLock.State)
	}
	if userLock.Preimage != swap.Preimage {
		t.Fatal("revealed preimage mismatch")
	}

	// The user claims the pool lock with the revealed preimage
	if _, err := env.target.Claim(ctx, stored.PoolLockID, userLock.Preimage); err != nil {
		t.Fatalf("user claim failed: %v", err)
	}

	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusPoolClaimed {
		t.Fatalf("status = %s, want POOL_CLAIMED", got)
	}

	// Reservation consumed: total dropped, nothing left reserved
	inv, _ := env.store.GetInventory("optimism", "OMI")
	if inv.Total.Int64() != 9_500 || inv.Reserved.Int64() != 0 {
		t.Errorf("inventory = %s/%s, want 9500 total, 0 reserved", inv.Total, inv.Reserved)
	}

	// Event history tells the full story in order
	events, _ := env.store.ListEvents(swap.ID, 0)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{
		storage.EventInitiated, storage.EventUserHTLCFunded, storage.EventPoolFulfilled,
		storage.EventUserClaimed, storage.EventPoolClaimed,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestInsufficientLiquidity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 100)

	swap := env.newSwap(t, 500)

	// Pending swap records failed liquidity checks but never transitions
	env.step(ctx)
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}
	ops, _ := env.store.ListOperations(swap.ID)
	if len(ops) < 2 {
		t.Fatalf("operations = %d, want >= 2 failed liquidity checks", len(ops))
	}
	for _, op := range ops {
		if op.Type != storage.OpLiquidityCheck || op.Status != storage.OpFailed {
			t.Errorf("op = %s/%s, want LIQUIDITY_CHECK/FAILED", op.Type, op.Status)
		}
	}

	// The user funds anyway; fulfillment keeps failing on reserve but the
	// swap survives until liquidity arrives
	env.source.addUserLock(t, env.store, swap, nil)
	env.step(ctx)
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusUserHTLCFunded {
		t.Fatalf("status = %s, want USER_HTLC_FUNDED", got)
	}

	if err := env.store.SetTotal("optimism", "OMI", big.NewInt(10_000)); err != nil {
		t.Fatalf("failed to add liquidity: %v", err)
	}
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusUserClaimed {
		t.Fatalf("status = %s, want USER_CLAIMED after liquidity arrives", got)
	}
}

func TestHashLockMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)
	env.source.addUserLock(t, env.store, swap, func(lock *htlc.Lock) {
		lock.HashLock[0] ^= 0xff
	})

	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusError {
		t.Fatalf("status = %s, want ERROR", got)
	}

	stored, _ := env.store.GetSwap(swap.ID)
	if stored.ErrorMessage == "" {
		t.Error("error message not recorded")
	}

	// No pool lock was ever deployed
	if env.target.lockCalls != 0 {
		t.Errorf("pool lock calls = %d, want 0", env.target.lockCalls)
	}

	ops, _ := env.store.ListOperations(swap.ID)
	found := false
	for _, op := range ops {
		if op.Type == storage.OpValidateFund && op.Status == storage.OpFailed {
			found = true
		}
	}
	if !found {
		t.Error("no failed VALIDATE_FUND operation recorded")
	}
}

func TestShortAmountRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 1_000_000)

	// 10 bps of 100000 is 100; a 500 shortfall is outside tolerance
	swap := env.newSwap(t, 100_000)
	env.source.addUserLock(t, env.store, swap, func(lock *htlc.Lock) {
		lock.Value = big.NewInt(99_500)
	})

	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusError {
		t.Fatalf("status = %s, want ERROR", got)
	}

	// A shortfall within tolerance passes
	swap2 := env.newSwap(t, 100_000)
	env.source.addUserLock(t, env.store, swap2, func(lock *htlc.Lock) {
		lock.Value = big.NewInt(99_950)
	})
	env.step(ctx)
	if got := env.status(t, swap2.ID); got != storage.StatusUserHTLCFunded {
		t.Fatalf("status = %s, want USER_HTLC_FUNDED", got)
	}
}

func TestExpiryMidFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)
	userLockID := env.source.addUserLock(t, env.store, swap, nil)
	env.step(ctx) // funded
	env.step(ctx) // pool fulfilled, then claimed on the source chain

	stored, _ := env.store.GetSwap(swap.ID)
	if stored.Status != storage.StatusUserClaimed {
		t.Fatalf("status = %s, want USER_CLAIMED", stored.Status)
	}

	expired := swap.ExpirationTime + 10
	env.source.setNow(expired)
	env.target.setNow(expired)

	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got)
	}

	// Next pass refunds the pool's lock
	env.step(ctx)
	poolLock, _ := env.target.GetLock(ctx, stored.PoolLockID)
	if poolLock.State != htlc.LockRefunded {
		t.Fatalf("pool lock state = %s, want REFUNDED", poolLock.State)
	}

	// Reservation came back
	inv, _ := env.store.GetInventory("optimism", "OMI")
	if inv.Reserved.Int64() != 0 {
		t.Errorf("reserved = %s, want 0", inv.Reserved)
	}

	// The user's lock was already claimed by the pool, so nothing holds
	// the swap open; it resolves to REFUNDED.
	userLock, _ := env.source.GetLock(ctx, userLockID)
	if userLock.State != htlc.LockClaimed {
		t.Fatalf("user lock state = %s, want CLAIMED", userLock.State)
	}
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusRefunded {
		t.Fatalf("status = %s, want REFUNDED", got)
	}
}

func TestExpiresExactlyAtDeadline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)

	// One second before the deadline nothing happens.
	env.source.setNow(swap.ExpirationTime - 1)
	env.target.setNow(swap.ExpirationTime - 1)
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusPending {
		t.Fatalf("status = %s, want PENDING before the deadline", got)
	}

	// At the deadline itself the swap expires.
	env.source.setNow(swap.ExpirationTime)
	env.target.setNow(swap.ExpirationTime)
	env.step(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED at the deadline", got)
	}
}

func TestCrashRecoveryLocksExactlyOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)
	env.source.addUserLock(t, env.store, swap, nil)
	env.step(ctx) // funded

	// First fulfill attempt dies after the lock id is persisted but before
	// the transaction lands.
	env.target.mu.Lock()
	env.target.lockErr = &htlc.Error{Code: htlc.CodeNetwork, Op: "lock"}
	env.target.mu.Unlock()

	env.tgtEng.tick(ctx)
	stored, _ := env.store.GetSwap(swap.ID)
	if stored.Status != storage.StatusUserHTLCFunded {
		t.Fatalf("status = %s, want USER_HTLC_FUNDED after failed attempt", stored.Status)
	}
	if stored.PoolLockID == zeroLockID {
		t.Fatal("pool lock id not persisted before the attempt")
	}

	env.target.mu.Lock()
	env.target.lockErr = nil
	env.target.mu.Unlock()

	// Recovery reuses the persisted id
	env.tgtEng.tick(ctx)
	after, _ := env.store.GetSwap(swap.ID)
	if after.Status != storage.StatusPoolFulfilled {
		t.Fatalf("status = %s, want POOL_FULFILLED", after.Status)
	}
	if after.PoolLockID != stored.PoolLockID {
		t.Error("recovery used a different lock id")
	}
	if len(env.target.locks) != 1 {
		t.Fatalf("pool locks on chain = %d, want exactly 1", len(env.target.locks))
	}

	// A tick against an already-open lock sends nothing new
	calls := env.target.lockCalls
	env.tgtEng.tick(ctx)
	if env.target.lockCalls != calls {
		t.Errorf("lock calls grew from %d to %d on idle tick", calls, env.target.lockCalls)
	}
	// Exactly one reservation outstanding
	inv, _ := env.store.GetInventory("optimism", "OMI")
	if inv.Reserved.Int64() != 500 {
		t.Errorf("reserved = %s, want 500", inv.Reserved)
	}
}

func TestDuplicateLockIDRecovers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)
	env.source.addUserLock(t, env.store, swap, nil)
	env.srcEng.tick(ctx) // funded

	// Something already sits under the id the adapter will hand out (the
	// fake's ids are sequential, so this models a replayed transaction
	// landing before the bookkeeping caught up).
	params := &htlc.LockParams{Value: big.NewInt(1)}
	nextID := env.target.NewLockID(params)
	env.target.mu.Lock()
	env.target.nextNonce-- // the engine's NewLockID call will produce nextID again
	env.target.locks[nextID] = &htlc.Lock{
		ID:          nextID,
		Beneficiary: common.HexToAddress(swap.Beneficiary),
		HashLock:    swap.HashLock,
		Timelock:    swap.ExpirationTime,
		Value:       new(big.Int).Set(swap.ExpectedAmount),
		State:       htlc.LockOpen,
	}
	env.target.mu.Unlock()

	// The duplicate is not an error for the swap: the attempt is recorded
	// and the resume path adopts the existing lock.
	env.tgtEng.tick(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusUserHTLCFunded {
		t.Fatalf("status = %s, want USER_HTLC_FUNDED after duplicate", got)
	}
	env.tgtEng.tick(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusPoolFulfilled {
		t.Fatalf("status = %s, want POOL_FULFILLED", got)
	}
	if len(env.target.locks) != 1 {
		t.Errorf("pool locks on chain = %d, want 1", len(env.target.locks))
	}
}

func TestForeignLockCollisionErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)
	env.source.addUserLock(t, env.store, swap, nil)
	env.srcEng.tick(ctx) // funded

	// A foreign lock sits under the id the adapter will hand out: same id,
	// someone else's terms.
	params := &htlc.LockParams{Value: big.NewInt(1)}
	nextID := env.target.NewLockID(params)
	env.target.mu.Lock()
	env.target.nextNonce--
	env.target.locks[nextID] = &htlc.Lock{
		ID:          nextID,
		Beneficiary: common.HexToAddress("0x00CC000000000000000000000000000000000003"),
		HashLock:    [32]byte{0xde, 0xad},
		Timelock:    swap.ExpirationTime,
		Value:       big.NewInt(42),
		State:       htlc.LockOpen,
	}
	env.target.mu.Unlock()

	env.tgtEng.tick(ctx) // DUPLICATE_LOCK_ID, attempt recorded
	if got := env.status(t, swap.ID); got != storage.StatusUserHTLCFunded {
		t.Fatalf("status = %s, want USER_HTLC_FUNDED after duplicate", got)
	}

	// The resume path sees a lock that is not ours and gives up.
	env.tgtEng.tick(ctx)
	if got := env.status(t, swap.ID); got != storage.StatusError {
		t.Fatalf("status = %s, want ERROR on foreign collision", got)
	}

	inv, err := env.store.GetInventory("optimism", "OMI")
	if err != nil {
		t.Fatalf("GetInventory() error = %v", err)
	}
	if inv.Reserved.Int64() != 0 {
		t.Errorf("reserved = %s, want 0 after collision", inv.Reserved)
	}
	if len(env.target.locks) != 1 {
		t.Errorf("pool locks on chain = %d, want only the foreign lock", len(env.target.locks))
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)
	env.source.addUserLock(t, env.store, swap, nil)
	env.srcEng.tick(ctx) // funded

	env.target.mu.Lock()
	env.target.lockErr = &htlc.Error{Code: htlc.CodeNetwork, Op: "lock"}
	env.target.mu.Unlock()

	// MaxRetries is 3: the first three failures keep the swap alive
	for i := 0; i < 3; i++ {
		env.tgtEng.tick(ctx)
	}
	if got := env.status(t, swap.ID); got != storage.StatusError {
		t.Fatalf("status = %s, want ERROR after retry budget", got)
	}

	// The reservation was returned
	inv, _ := env.store.GetInventory("optimism", "OMI")
	if inv.Reserved.Int64() != 0 {
		t.Errorf("reserved = %s, want 0", inv.Reserved)
	}

	// Operator recovery: ERROR -> REFUNDED stays available
	st := storage.StatusRefunded
	if err := env.store.UpdateSwap(swap.ID, &storage.SwapPatch{Status: &st}); err != nil {
		t.Errorf("operator recovery transition failed: %v", err)
	}
}

func TestStuckConfirmationDoesNotStallTick(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	first := env.newSwap(t, 500)
	second := env.newSwap(t, 700)
	env.source.addUserLock(t, env.store, first, nil)
	env.source.addUserLock(t, env.store, second, nil)
	env.srcEng.tick(ctx) // both funded

	env.target.mu.Lock()
	env.target.confirmHang = true
	env.target.mu.Unlock()

	done := make(chan struct{})
	go func() {
		env.tgtEng.tick(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not return while confirmations hang")
	}

	// Both swaps were attempted: the per-swap deadline cut the first one
	// loose instead of starving the rest of the batch.
	env.target.mu.Lock()
	calls := env.target.lockCalls
	env.target.mu.Unlock()
	if calls != 2 {
		t.Fatalf("lock calls = %d, want 2", calls)
	}
	for _, id := range []string{first.ID, second.ID} {
		if got := env.status(t, id); got != storage.StatusUserHTLCFunded {
			t.Fatalf("status = %s, want USER_HTLC_FUNDED while confirmation is pending", got)
		}
	}

	// Confirmations come back; both locks mined on the first attempt, so
	// the next tick adopts them without locking again.
	env.target.mu.Lock()
	env.target.confirmHang = false
	env.target.mu.Unlock()
	env.tgtEng.tick(ctx)

	for _, id := range []string{first.ID, second.ID} {
		if got := env.status(t, id); got != storage.StatusPoolFulfilled {
			t.Fatalf("status = %s, want POOL_FULFILLED after recovery", got)
		}
	}
	env.target.mu.Lock()
	calls = env.target.lockCalls
	env.target.mu.Unlock()
	if calls != 2 {
		t.Errorf("lock calls = %d after recovery, want 2", calls)
	}
}

func TestRefresherSeedsInventory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.target.mu.Lock()
	env.target.balance = big.NewInt(42_000)
	env.target.mu.Unlock()

	reg, _ := registry.New(
		[]config.TokenConfig{
			{Chain: "optimism", Symbol: "OMI", Address: registry.NativeAddress, Decimals: 18},
		}, nil)
	r := NewRefresher(env.store, reg, map[string]htlc.Adapter{"optimism": env.target}, time.Minute, logging.Default())
	r.Refresh(ctx)

	inv, err := env.store.GetInventory("optimism", "OMI")
	if err != nil {
		t.Fatalf("GetInventory() error = %v", err)
	}
	if inv.Total.Int64() != 42_000 {
		t.Errorf("total = %s, want 42000", inv.Total)
	}

	// A later refresh updates the existing row
	env.target.mu.Lock()
	env.target.balance = big.NewInt(50_000)
	env.target.mu.Unlock()
	r.Refresh(ctx)
	inv, _ = env.store.GetInventory("optimism", "OMI")
	if inv.Total.Int64() != 50_000 {
		t.Errorf("total = %s, want 50000", inv.Total)
	}
}

func TestRefreshCountsEscrowedFunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedInventory(t, 10_000)

	swap := env.newSwap(t, 500)
	env.source.addUserLock(t, env.store, swap, nil)
	env.step(ctx) // funded
	env.step(ctx) // pool lock deployed, user lock claimed

	if got := env.status(t, swap.ID); got != storage.StatusUserClaimed {
		t.Fatalf("status = %s, want USER_CLAIMED", got)
	}

	// The wallet no longer holds the 500 sitting in the open pool lock.
	env.target.mu.Lock()
	env.target.balance = big.NewInt(9_500)
	env.target.mu.Unlock()

	reg, _ := registry.New(
		[]config.TokenConfig{
			{Chain: "optimism", Symbol: "OMI", Address: registry.NativeAddress, Decimals: 18},
		}, nil)
	r := NewRefresher(env.store, reg, map[string]htlc.Adapter{"optimism": env.target}, time.Minute, logging.Default())
	r.Refresh(ctx)

	inv, err := env.store.GetInventory("optimism", "OMI")
	if err != nil {
		t.Fatalf("GetInventory() error = %v", err)
	}
	if inv.Total.Int64() != 10_000 {
		t.Errorf("total = %s, want 10000 with escrow counted", inv.Total)
	}
	if inv.Reserved.Int64() != 500 {
		t.Errorf("reserved = %s, want 500", inv.Reserved)
	}
	if inv.Total.Cmp(inv.Reserved) < 0 {
		t.Errorf("total %s fell below reserved %s", inv.Total, inv.Reserved)
	}
}
