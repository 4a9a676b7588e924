package htlc

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// lockNonce makes lock ids unique across otherwise-identical parameter sets
// within one process lifetime. The contract rejects duplicate ids, so a
// collision surfaces as DUPLICATE_LOCK_ID and the next attempt gets a fresh
// nonce.
var lockNonce atomic.Uint64

// computeLockID derives the deterministic lock id: keccak256 over the
// packed parameters plus a nonce, mirroring the contract's id scheme.
func computeLockID(originator, beneficiary common.Address, hashLock [32]byte, timelock int64, token common.Address, value []byte, nonce uint64) [32]byte {
	var timelockBuf, nonceBuf [8]byte
	binary.BigEndian.PutUint64(timelockBuf[:], uint64(timelock))
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)

	digest := crypto.Keccak256(
		originator.Bytes(),
		beneficiary.Bytes(),
		hashLock[:],
		timelockBuf[:],
		token.Bytes(),
		common.LeftPadBytes(value, 32),
		nonceBuf[:],
	)

	var id [32]byte
	copy(id[:], digest)
	return id
}

func init() {
	// Seed the nonce with the process start time so restarts don't replay
	// the same id sequence.
	lockNonce.Store(uint64(time.Now().UnixNano()))
}
