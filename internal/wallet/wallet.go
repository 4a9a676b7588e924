// Package wallet manages the operator's signing keys: loading them from a
// hex key, a BIP-39 mnemonic or an encrypted key file, and signing EVM
// transactions with local nonce tracking.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/PrabalParihar/omnimonster-sub000/internal/config"
)

// PassphraseEnv is the environment variable holding the key-file passphrase.
const PassphraseEnv = "OMNI_KEY_PASSPHRASE"

// derivationPath is the standard Ethereum account path m/44'/60'/0'/0/0.
var derivationPath = []uint32{
	44 + hdkeychain.HardenedKeyStart,
	60 + hdkeychain.HardenedKeyStart,
	0 + hdkeychain.HardenedKeyStart,
	0,
	0,
}

// NonceSource is the part of an RPC client the signer needs to sync its
// nonce at startup.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Signer holds one chain's operator key and tracks the next nonce locally.
// Nonces are handed out under a mutex so concurrent sends from the same
// engine never collide.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer

	mu     sync.Mutex
	nonce  uint64
	synced bool
}

// NewSigner loads the operator key from whichever source the chain config
// names: a hex private key, a BIP-39 mnemonic (derived at m/44'/60'/0'/0/0)
// or an encrypted key file unlocked with OMNI_KEY_PASSPHRASE.
func NewSigner(cfg *config.ChainConfig) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)

	switch {
	case cfg.SigningKey != "":
		key, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
	case cfg.SigningMnemonic != "":
		key, err = deriveFromMnemonic(cfg.SigningMnemonic)
		if err != nil {
			return nil, err
		}
	case cfg.SigningKeyFile != "":
		passphrase := os.Getenv(PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("%s not set for encrypted key file", PassphraseEnv)
		}
		key, err = LoadKeyFile(config.ExpandPath(cfg.SigningKeyFile), passphrase)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("no signing key source configured")
	}

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.NewLondonSigner(chainID),
	}, nil
}

func deriveFromMnemonic(mnemonic string) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")
	child, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	for _, index := range derivationPath {
		child, err = child.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}

	ecPriv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	return ecPriv.ToECDSA(), nil
}

// Address returns the operator's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain id transactions are signed for.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SyncNonce reads the pending nonce from the chain. Must be called once
// before the first SignTx; it may be called again after a send failure to
// resync with the chain's view.
func (s *Signer) SyncNonce(ctx context.Context, src NonceSource) error {
	nonce, err := src.PendingNonceAt(ctx, s.address)
	if err != nil {
		return fmt.Errorf("failed to fetch pending nonce: %w", err)
	}

	s.mu.Lock()
	s.nonce = nonce
	s.synced = true
	s.mu.Unlock()
	return nil
}

// NextNonce reserves and returns the next nonce.
func (s *Signer) NextNonce() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synced {
		return 0, fmt.Errorf("nonce not synced")
	}
	n := s.nonce
	s.nonce++
	return n, nil
}

// ReturnNonce gives back a reserved nonce after a failed send, but only if
// it is still the most recently issued one.
func (s *Signer) ReturnNonce(n uint64) {
	s.mu.Lock()
	if s.synced && s.nonce == n+1 {
		s.nonce = n
	}
	s.mu.Unlock()
}

// SignTx signs a transaction with the operator key.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
