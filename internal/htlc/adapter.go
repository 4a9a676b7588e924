// Package htlc provides chain adapters for hashed-timelock contracts: a
// uniform Adapter interface over per-chain HTLC deployments, plus preimage
// and lock-id helpers. All amounts are in the token's smallest units.
package htlc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LockState is the on-chain lifecycle of one HTLC lock.
type LockState uint8

// Lock states as stored by the contract.
const (
	LockInvalid  LockState = iota // no lock under this id
	LockOpen                      // funded, claimable with the preimage
	LockClaimed                   // preimage revealed, funds paid out
	LockRefunded                  // timelock passed, funds returned
)

// String returns a human-readable state name.
func (s LockState) String() string {
	switch s {
	case LockInvalid:
		return "INVALID"
	case LockOpen:
		return "OPEN"
	case LockClaimed:
		return "CLAIMED"
	case LockRefunded:
		return "REFUNDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// LockParams describes a lock to be created.
type LockParams struct {
	// Beneficiary receives the funds when the preimage is presented.
	Beneficiary common.Address

	// HashLock is SHA-256 of the preimage.
	HashLock [32]byte

	// Timelock is the unix-seconds deadline after which the originator may
	// refund.
	Timelock int64

	// Token is the ERC-20 contract, or the zero address for the chain's
	// native asset.
	Token common.Address

	// Value is the locked amount in smallest units.
	Value *big.Int
}

// Lock is the on-chain state of one HTLC lock.
type Lock struct {
	ID          [32]byte
	Originator  common.Address
	Beneficiary common.Address
	HashLock    [32]byte
	Timelock    int64
	Token       common.Address
	Value       *big.Int
	Preimage    [32]byte // zero unless claimed
	State       LockState
}

// Adapter is one chain's HTLC surface. Implementations must be safe for
// concurrent use; all blocking calls honor the context.
type Adapter interface {
	// ChainName returns the configured chain name.
	ChainName() string

	// OperatorAddress returns the address transactions are sent from.
	OperatorAddress() common.Address

	// NewLockID computes the lock id for these parameters with a fresh
	// nonce. Callers persist the id before funding so a crashed attempt
	// can be resumed against the same lock.
	NewLockID(params *LockParams) [32]byte

	// Lock creates and funds the lock under a previously computed id. For
	// ERC-20 tokens the required allowance is established first.
	Lock(ctx context.Context, lockID [32]byte, params *LockParams) (txHash string, err error)

	// Claim spends an open lock with the preimage, paying the beneficiary.
	Claim(ctx context.Context, lockID [32]byte, preimage [32]byte) (txHash string, err error)

	// Refund returns an expired lock's funds to the originator.
	Refund(ctx context.Context, lockID [32]byte) (txHash string, err error)

	// GetLock reads a lock's current state. A missing lock returns a Lock
	// with State LockInvalid, not an error.
	GetLock(ctx context.Context, lockID [32]byte) (*Lock, error)

	// BalanceOf reads an address's balance in the given token (zero address
	// for native). Used by the inventory refresh loop.
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// ChainTime returns the latest block timestamp. Expiry decisions use
	// this, never the local clock.
	ChainTime(ctx context.Context) (time.Time, error)

	// WaitForConfirmation blocks until the transaction is mined with the
	// configured confirmation depth, or fails.
	WaitForConfirmation(ctx context.Context, txHash string) error

	// Close releases RPC connections.
	Close()
}

// GeneratePreimage returns 32 cryptographically random bytes.
func GeneratePreimage() ([32]byte, error) {
	var p [32]byte
	if _, err := rand.Read(p[:]); err != nil {
		return p, fmt.Errorf("failed to generate preimage: %w", err)
	}
	return p, nil
}

// HashPreimage returns the SHA-256 hash lock for a preimage.
func HashPreimage(preimage [32]byte) [32]byte {
	return sha256.Sum256(preimage[:])
}
