package htlc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/PrabalParihar/omnimonster-sub000/internal/config"
	"github.com/PrabalParihar/omnimonster-sub000/internal/wallet"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/logging"
)

// htlcABIJSON covers both deployed HTLC variants. Write methods are shared;
// the two read getters (getDetails vs the public contracts mapping) differ
// per deployment and are probed at runtime.
const htlcABIJSON = `[
	{"type":"function","name":"lock","stateMutability":"payable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"beneficiary","type":"address"},
		{"name":"hashLock","type":"bytes32"},
		{"name":"timelock","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"value","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"preimage","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getDetails","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[
		{"name":"originator","type":"address"},
		{"name":"beneficiary","type":"address"},
		{"name":"hashLock","type":"bytes32"},
		{"name":"timelock","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"preimage","type":"bytes32"},
		{"name":"state","type":"uint8"}]},
	{"type":"function","name":"contracts","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[
		{"name":"originator","type":"address"},
		{"name":"beneficiary","type":"address"},
		{"name":"hashLock","type":"bytes32"},
		{"name":"timelock","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"preimage","type":"bytes32"},
		{"name":"state","type":"uint8"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`

// readDialect identifies which getter a deployment exposes.
type readDialect int

const (
	dialectUnknown    readDialect = iota
	dialectGetDetails             // getDetails(bytes32) view function
	dialectMapping                // public contracts(bytes32) mapping
)

// ethBackend is the slice of ethclient.Client the adapter uses, abstracted
// so tests can substitute a fake chain.
type ethBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

const (
	defaultGasLimit = 300_000
	receiptInterval = 2 * time.Second
	readRetries     = 3
)

// EVMAdapter implements Adapter against an EVM HTLC deployment. Reads fail
// over to fallback RPC endpoints; writes are pinned to the primary so nonce
// accounting stays consistent.
type EVMAdapter struct {
	chainName string
	cfg       *config.ChainConfig
	signer    *wallet.Signer
	contract  common.Address

	primary   ethBackend
	fallbacks []ethBackend

	htlcABI  abi.ABI
	erc20ABI abi.ABI

	dialectMu sync.Mutex
	dialect   readDialect

	log *logging.Logger
}

// NewEVMAdapter dials the chain's RPC endpoints and syncs the signer nonce.
func NewEVMAdapter(ctx context.Context, chainName string, cfg *config.ChainConfig, signer *wallet.Signer, log *logging.Logger) (*EVMAdapter, error) {
	primary, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s rpc: %w", chainName, err)
	}

	var fallbacks []ethBackend
	for _, url := range cfg.FallbackRPCURLs {
		fb, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn("Skipping unreachable fallback RPC", "chain", chainName, "url", url, "error", err)
			continue
		}
		fallbacks = append(fallbacks, fb)
	}

	a, err := newEVMAdapter(chainName, cfg, signer, primary, fallbacks, log)
	if err != nil {
		primary.Close()
		return nil, err
	}

	if err := signer.SyncNonce(ctx, primary); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to sync nonce on %s: %w", chainName, err)
	}
	return a, nil
}

// newEVMAdapter wires an adapter onto existing backends. Tests use it with
// a fake chain.
func newEVMAdapter(chainName string, cfg *config.ChainConfig, signer *wallet.Signer, primary ethBackend, fallbacks []ethBackend, log *logging.Logger) (*EVMAdapter, error) {
	htlcABI, err := abi.JSON(strings.NewReader(htlcABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}

	return &EVMAdapter{
		chainName: chainName,
		cfg:       cfg,
		signer:    signer,
		contract:  common.HexToAddress(cfg.HTLCContract),
		primary:   primary,
		fallbacks: fallbacks,
		htlcABI:   htlcABI,
		erc20ABI:  erc20,
		log:       log.With("chain", chainName),
	}, nil
}

// ChainName returns the configured chain name.
func (a *EVMAdapter) ChainName() string {
	return a.chainName
}

// OperatorAddress returns the signing address.
func (a *EVMAdapter) OperatorAddress() common.Address {
	return a.signer.Address()
}

// Close releases all RPC connections.
func (a *EVMAdapter) Close() {
	a.primary.Close()
	for _, fb := range a.fallbacks {
		fb.Close()
	}
}

// NewLockID computes the lock id the contract will record for these
// parameters, using a fresh nonce.
func (a *EVMAdapter) NewLockID(params *LockParams) [32]byte {
	return computeLockID(
		a.signer.Address(), params.Beneficiary, params.HashLock,
		params.Timelock, params.Token, params.Value.Bytes(),
		lockNonce.Add(1),
	)
}

// Lock creates and funds the lock under id. Native value rides on the
// transaction; ERC-20 value requires an allowance, which is topped up first
// if short. The duplicate-id check runs before funds move, so a
// crashed-and-replayed lock attempt cannot double-fund.
func (a *EVMAdapter) Lock(ctx context.Context, id [32]byte, params *LockParams) (string, error) {
	if params.Value == nil || params.Value.Sign() <= 0 {
		return "", newError("lock", CodeInvalidParams, errors.New("value must be positive"))
	}
	if params.Beneficiary == (common.Address{}) {
		return "", newError("lock", CodeInvalidParams, errors.New("beneficiary required"))
	}

	existing, err := a.GetLock(ctx, id)
	if err != nil {
		return "", err
	}
	if existing.State != LockInvalid {
		return "", newError("lock", CodeDuplicateLockID,
			fmt.Errorf("lock %x already %s", id, existing.State))
	}

	native := params.Token == (common.Address{})
	if native {
		balance, err := a.BalanceOf(ctx, common.Address{}, a.signer.Address())
		if err != nil {
			return "", err
		}
		if balance.Cmp(params.Value) < 0 {
			return "", newError("lock", CodeInsufficientBalance,
				fmt.Errorf("have %s, need %s", balance, params.Value))
		}
	} else {
		balance, err := a.BalanceOf(ctx, params.Token, a.signer.Address())
		if err != nil {
			return "", err
		}
		if balance.Cmp(params.Value) < 0 {
			return "", newError("lock", CodeInsufficientBalance,
				fmt.Errorf("have %s, need %s", balance, params.Value))
		}
		if err := a.ensureAllowance(ctx, params.Token, params.Value); err != nil {
			return "", err
		}
	}

	data, err := a.htlcABI.Pack("lock", id, params.Beneficiary, params.HashLock,
		big.NewInt(params.Timelock), params.Token, params.Value)
	if err != nil {
		return "", newError("lock", CodeInvalidParams, err)
	}

	txValue := big.NewInt(0)
	if native {
		txValue = params.Value
	}

	txHash, err := a.sendTx(ctx, "lock", a.contract, txValue, data)
	if err != nil {
		return "", err
	}

	a.log.Info("Lock transaction sent", "lockId", fmt.Sprintf("%x", id[:8]), "tx", txHash)
	return txHash, nil
}

// Claim spends an open lock with the preimage. The lock state and preimage
// are checked locally first so a doomed transaction never hits the chain.
func (a *EVMAdapter) Claim(ctx context.Context, lockID [32]byte, preimage [32]byte) (string, error) {
	lock, err := a.GetLock(ctx, lockID)
	if err != nil {
		return "", err
	}
	switch lock.State {
	case LockOpen:
	case LockInvalid:
		return "", newError("claim", CodeNotFound, fmt.Errorf("no lock %x", lockID))
	default:
		return "", newError("claim", CodeNotClaimable, fmt.Errorf("lock is %s", lock.State))
	}
	if HashPreimage(preimage) != lock.HashLock {
		return "", newError("claim", CodeWrongPreimage, errors.New("preimage does not hash to lock"))
	}

	data, err := a.htlcABI.Pack("claim", lockID, preimage)
	if err != nil {
		return "", newError("claim", CodeInvalidParams, err)
	}

	txHash, err := a.sendTx(ctx, "claim", a.contract, big.NewInt(0), data)
	if err != nil {
		return "", err
	}

	a.log.Info("Claim transaction sent", "lockId", fmt.Sprintf("%x", lockID[:8]), "tx", txHash)
	return txHash, nil
}

// Refund returns an expired lock's funds to the originator. The timelock is
// checked against chain time, not the local clock.
func (a *EVMAdapter) Refund(ctx context.Context, lockID [32]byte) (string, error) {
	lock, err := a.GetLock(ctx, lockID)
	if err != nil {
		return "", err
	}
	switch lock.State {
	case LockOpen:
	case LockInvalid:
		return "", newError("refund", CodeNotFound, fmt.Errorf("no lock %x", lockID))
	default:
		return "", newError("refund", CodeNotClaimable, fmt.Errorf("lock is %s", lock.State))
	}

	now, err := a.ChainTime(ctx)
	if err != nil {
		return "", err
	}
	if now.Unix() < lock.Timelock {
		return "", newError("refund", CodeNotClaimable,
			fmt.Errorf("timelock %d not reached at chain time %d", lock.Timelock, now.Unix()))
	}

	data, err := a.htlcABI.Pack("refund", lockID)
	if err != nil {
		return "", newError("refund", CodeInvalidParams, err)
	}

	txHash, err := a.sendTx(ctx, "refund", a.contract, big.NewInt(0), data)
	if err != nil {
		return "", err
	}

	a.log.Info("Refund transaction sent", "lockId", fmt.Sprintf("%x", lockID[:8]), "tx", txHash)
	return txHash, nil
}

// GetLock reads a lock's current state, probing the deployment's read
// dialect on first use and caching it.
func (a *EVMAdapter) GetLock(ctx context.Context, lockID [32]byte) (*Lock, error) {
	a.dialectMu.Lock()
	dialect := a.dialect
	a.dialectMu.Unlock()

	if dialect != dialectUnknown {
		return a.readLock(ctx, dialect, lockID)
	}

	lock, err := a.readLock(ctx, dialectGetDetails, lockID)
	if err == nil {
		a.setDialect(dialectGetDetails)
		return lock, nil
	}
	if IsTransient(err) {
		return nil, err
	}

	lock, err2 := a.readLock(ctx, dialectMapping, lockID)
	if err2 == nil {
		a.setDialect(dialectMapping)
		return lock, nil
	}
	return nil, err2
}

func (a *EVMAdapter) setDialect(d readDialect) {
	a.dialectMu.Lock()
	if a.dialect == dialectUnknown {
		a.dialect = d
		a.log.Debug("Detected HTLC read dialect", "dialect", d)
	}
	a.dialectMu.Unlock()
}

func (a *EVMAdapter) readLock(ctx context.Context, dialect readDialect, lockID [32]byte) (*Lock, error) {
	method := "getDetails"
	if dialect == dialectMapping {
		method = "contracts"
	}

	data, err := a.htlcABI.Pack(method, lockID)
	if err != nil {
		return nil, newError(method, CodeInvalidParams, err)
	}

	out, err := a.callRead(ctx, method, ethereum.CallMsg{To: &a.contract, Data: data})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		// A contract without this getter returns no data.
		return nil, newError(method, CodeReverted, errors.New("empty call result"))
	}

	values, err := a.htlcABI.Unpack(method, out)
	if err != nil || len(values) != 8 {
		return nil, newError(method, CodeReverted, fmt.Errorf("failed to decode lock: %v", err))
	}

	lock := &Lock{ID: lockID}
	var ok bool
	if lock.Originator, ok = values[0].(common.Address); !ok {
		return nil, newError(method, CodeReverted, errors.New("malformed originator"))
	}
	lock.Beneficiary, _ = values[1].(common.Address)
	lock.HashLock, _ = values[2].([32]byte)
	if timelock, ok := values[3].(*big.Int); ok {
		lock.Timelock = timelock.Int64()
	}
	lock.Token, _ = values[4].(common.Address)
	if lock.Value, ok = values[5].(*big.Int); !ok {
		lock.Value = big.NewInt(0)
	}
	lock.Preimage, _ = values[6].([32]byte)
	if state, ok := values[7].(uint8); ok {
		lock.State = LockState(state)
	}
	return lock, nil
}

// BalanceOf reads a balance; the zero token address means the native asset.
func (a *EVMAdapter) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		var balance *big.Int
		err := a.withReadRetry(ctx, func(b ethBackend) error {
			var err error
			balance, err = b.BalanceAt(ctx, owner, nil)
			return err
		})
		if err != nil {
			return nil, newError("balance", CodeNetwork, err)
		}
		return balance, nil
	}

	data, err := a.erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, newError("balance", CodeInvalidParams, err)
	}
	out, err := a.callRead(ctx, "balance", ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := a.erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, newError("balance", CodeReverted, fmt.Errorf("failed to decode balance: %v", err))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, newError("balance", CodeReverted, errors.New("malformed balance"))
	}
	return balance, nil
}

// ChainTime returns the latest block timestamp.
func (a *EVMAdapter) ChainTime(ctx context.Context) (time.Time, error) {
	var header *types.Header
	err := a.withReadRetry(ctx, func(b ethBackend) error {
		var err error
		header, err = b.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return time.Time{}, newError("chaintime", CodeNetwork, err)
	}
	return time.Unix(int64(header.Time), 0), nil
}

// WaitForConfirmation polls for the transaction receipt until it is mined
// at the configured depth.
func (a *EVMAdapter) WaitForConfirmation(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	confirmations := a.cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.primary.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return newError("confirm", CodeReverted, fmt.Errorf("transaction %s reverted", txHash))
			}
			header, err := a.primary.HeaderByNumber(ctx, nil)
			if err == nil {
				depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
				if depth.Sign() >= 0 && depth.Uint64()+1 >= confirmations {
					return nil
				}
			}
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			a.log.Debug("Receipt poll failed", "tx", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return newError("confirm", CodeNetwork, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ensureAllowance tops up the HTLC contract's ERC-20 allowance when it is
// below the required value, waiting for the approval to mine.
func (a *EVMAdapter) ensureAllowance(ctx context.Context, token common.Address, value *big.Int) error {
	data, err := a.erc20ABI.Pack("allowance", a.signer.Address(), a.contract)
	if err != nil {
		return newError("allowance", CodeAllowanceFailed, err)
	}
	out, err := a.callRead(ctx, "allowance", ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return newError("allowance", CodeAllowanceFailed, err)
	}
	values, err := a.erc20ABI.Unpack("allowance", out)
	if err != nil || len(values) != 1 {
		return newError("allowance", CodeAllowanceFailed, fmt.Errorf("failed to decode allowance: %v", err))
	}
	current, ok := values[0].(*big.Int)
	if !ok {
		return newError("allowance", CodeAllowanceFailed, errors.New("malformed allowance"))
	}
	if current.Cmp(value) >= 0 {
		return nil
	}

	approveData, err := a.erc20ABI.Pack("approve", a.contract, value)
	if err != nil {
		return newError("allowance", CodeAllowanceFailed, err)
	}
	txHash, err := a.sendTx(ctx, "approve", token, big.NewInt(0), approveData)
	if err != nil {
		return newError("allowance", CodeAllowanceFailed, err)
	}

	a.log.Debug("Approval transaction sent", "token", token, "tx", txHash)
	if err := a.WaitForConfirmation(ctx, txHash); err != nil {
		return newError("allowance", CodeAllowanceFailed, err)
	}
	return nil
}

// sendTx builds, signs and sends an EIP-1559 transaction on the primary
// endpoint. A failed send returns the reserved nonce so the next attempt
// doesn't leave a gap.
func (a *EVMAdapter) sendTx(ctx context.Context, op string, to common.Address, value *big.Int, data []byte) (string, error) {
	header, err := a.primary.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", newError(op, CodeNetwork, fmt.Errorf("failed to fetch head: %w", err))
	}
	tip, err := a.primary.SuggestGasTipCap(ctx)
	if err != nil {
		return "", newError(op, CodeNetwork, fmt.Errorf("failed to fetch gas tip: %w", err))
	}

	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))
	if a.cfg.MaxGasPrice > 0 {
		maxFee := new(big.Int).SetUint64(a.cfg.MaxGasPrice)
		if feeCap.Cmp(maxFee) > 0 {
			feeCap = maxFee
		}
	}

	gasLimit := a.cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	nonce, err := a.signer.NextNonce()
	if err != nil {
		return "", newError(op, CodeNetwork, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.signer.ChainID(),
		Nonce:     nonce,
		To:        &to,
		Value:     value,
		Gas:       gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      data,
	})

	signed, err := a.signer.SignTx(tx)
	if err != nil {
		a.signer.ReturnNonce(nonce)
		return "", newError(op, CodeInvalidParams, err)
	}

	if err := a.primary.SendTransaction(ctx, signed); err != nil {
		a.signer.ReturnNonce(nonce)
		return "", newError(op, classifySendError(err), err)
	}

	return signed.Hash().Hex(), nil
}

// callRead performs an eth_call, failing over to fallback endpoints on
// network errors. Reverts never fail over.
func (a *EVMAdapter) callRead(ctx context.Context, op string, msg ethereum.CallMsg) ([]byte, error) {
	backends := append([]ethBackend{a.primary}, a.fallbacks...)

	var lastErr error
	for i, b := range backends {
		out, err := b.CallContract(ctx, msg, nil)
		if err == nil {
			return out, nil
		}
		if isRevertError(err) {
			return nil, newError(op, CodeReverted, err)
		}
		lastErr = err
		if i < len(backends)-1 {
			a.log.Debug("Read failed, trying fallback", "op", op, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, newError(op, CodeNetwork, lastErr)
}

// withReadRetry runs fn against the primary and then each fallback, with a
// short backoff between full passes.
func (a *EVMAdapter) withReadRetry(ctx context.Context, fn func(ethBackend) error) error {
	backends := append([]ethBackend{a.primary}, a.fallbacks...)

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < readRetries; attempt++ {
		for _, b := range backends {
			if err := fn(b); err == nil {
				return nil
			} else {
				lastErr = err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func isRevertError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "invalid opcode")
}

func classifySendError(err error) ErrorCode {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return CodeInsufficientBalance
	case strings.Contains(msg, "revert"):
		return CodeReverted
	default:
		return CodeNetwork
	}
}
