// Package config provides centralized configuration for the Omnimonster
// resolver daemon. All tunables (chains, tokens, pairs, engine timing) are
// defined here; no hardcoded endpoints should exist elsewhere.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the resolver daemon.
type Config struct {
	// Resolver holds engine tuning shared by all per-chain engines.
	Resolver ResolverConfig `yaml:"resolver"`

	// API holds the client-facing HTTP server settings.
	API APIConfig `yaml:"api"`

	// Storage holds database settings.
	Storage StorageConfig `yaml:"storage"`

	// Logging holds logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Chains holds per-chain connection and signing settings, keyed by
	// chain name (e.g. "monad", "optimism").
	Chains map[string]*ChainConfig `yaml:"chains"`

	// Tokens lists the supported tokens per chain.
	Tokens []TokenConfig `yaml:"tokens"`

	// Pairs lists the permitted (source, target) swap pairs together with
	// the reference exchange rate used for pricing validation.
	Pairs []PairConfig `yaml:"pairs"`
}

// ResolverConfig holds engine tuning parameters.
type ResolverConfig struct {
	// ProcessingInterval is the tick period of each per-chain engine.
	ProcessingInterval time.Duration `yaml:"processing_interval"`

	// MaxBatchSize caps the number of swaps processed per tick.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxRetries is the per-step retry budget before a swap goes to ERROR.
	MaxRetries int `yaml:"max_retries"`

	// StepTimeout bounds the adapter calls made for one swap in one tick.
	// A transaction that never confirms fails the step with a network error
	// instead of stalling the rest of the batch.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// InventoryRefresh is how often pool totals are re-read from chain.
	InventoryRefresh time.Duration `yaml:"inventory_refresh"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	// ListenAddr is the address the REST/WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the sqlite database and key files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// ChainConfig holds per-chain connection, contract and signing settings.
type ChainConfig struct {
	// ChainID is the EVM chain id used for transaction signing.
	ChainID uint64 `yaml:"chain_id"`

	// RPCURL is the primary RPC endpoint. Writes always go here.
	RPCURL string `yaml:"rpc_url"`

	// FallbackRPCURLs are tried in order for reads when the primary fails.
	FallbackRPCURLs []string `yaml:"fallback_rpc_urls,omitempty"`

	// HTLCContract is the address of the deployed HTLC contract.
	HTLCContract string `yaml:"htlc_contract"`

	// SigningKey is the operator's hex-encoded private key. Exactly one of
	// SigningKey, SigningMnemonic or SigningKeyFile must be set.
	SigningKey string `yaml:"signing_key,omitempty"`

	// SigningMnemonic derives the operator key at m/44'/60'/0'/0/0.
	SigningMnemonic string `yaml:"signing_mnemonic,omitempty"`

	// SigningKeyFile points at an encrypted key file; the passphrase is
	// read from the OMNI_KEY_PASSPHRASE environment variable.
	SigningKeyFile string `yaml:"signing_key_file,omitempty"`

	// GasLimit caps gas per transaction.
	GasLimit uint64 `yaml:"gas_limit"`

	// MaxGasPrice caps the fee per gas, in wei. Zero means no cap.
	MaxGasPrice uint64 `yaml:"max_gas_price"`

	// Confirmations is the depth required before a transaction counts.
	Confirmations uint64 `yaml:"confirmations"`
}

// TokenConfig describes one supported token on one chain.
type TokenConfig struct {
	Chain    string `yaml:"chain"`
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"` // zero address for the native asset
	Decimals uint8  `yaml:"decimals"`
	Icon     string `yaml:"icon,omitempty"`
}

// PairConfig describes one permitted swap direction and its reference rate.
type PairConfig struct {
	SourceChain string `yaml:"source_chain"`
	SourceToken string `yaml:"source_token"`
	TargetChain string `yaml:"target_chain"`
	TargetToken string `yaml:"target_token"`

	// Rate is target units per source unit (both in whole-token terms),
	// used by pricing validation as the reference price.
	Rate float64 `yaml:"rate"`
}

// DefaultConfig returns a Config with sensible defaults and no chains.
func DefaultConfig() *Config {
	return &Config{
		Resolver: ResolverConfig{
			ProcessingInterval: 5 * time.Second,
			MaxBatchSize:       20,
			MaxRetries:         5,
			StepTimeout:        2 * time.Minute,
			InventoryRefresh:   time.Minute,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8090",
		},
		Storage: StorageConfig{
			DataDir: "~/.omnimonster",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Chains: map[string]*ChainConfig{},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from <dataDir>/config.yaml. If the file
// doesn't exist, it is created with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Omnimonster resolver configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for internal consistency. Chains need a
// primary RPC, an HTLC contract and exactly one signing-key source; pairs
// must reference declared tokens on distinct chains.
func (c *Config) Validate() error {
	if c.Resolver.ProcessingInterval <= 0 {
		return fmt.Errorf("resolver.processing_interval must be positive")
	}
	if c.Resolver.MaxBatchSize <= 0 {
		return fmt.Errorf("resolver.max_batch_size must be positive")
	}
	if c.Resolver.MaxRetries <= 0 {
		return fmt.Errorf("resolver.max_retries must be positive")
	}
	if c.Resolver.StepTimeout <= 0 {
		return fmt.Errorf("resolver.step_timeout must be positive")
	}

	for name, ch := range c.Chains {
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %s: rpc_url required", name)
		}
		if ch.HTLCContract == "" {
			return fmt.Errorf("chain %s: htlc_contract required", name)
		}
		if ch.ChainID == 0 {
			return fmt.Errorf("chain %s: chain_id required", name)
		}
		sources := 0
		if ch.SigningKey != "" {
			sources++
		}
		if ch.SigningMnemonic != "" {
			sources++
		}
		if ch.SigningKeyFile != "" {
			sources++
		}
		if sources != 1 {
			return fmt.Errorf("chain %s: exactly one of signing_key, signing_mnemonic, signing_key_file required", name)
		}
	}

	tokens := make(map[string]bool)
	for _, t := range c.Tokens {
		if _, ok := c.Chains[t.Chain]; !ok {
			return fmt.Errorf("token %s/%s: unknown chain", t.Chain, t.Symbol)
		}
		tokens[t.Chain+"/"+t.Symbol] = true
	}

	for _, p := range c.Pairs {
		if p.SourceChain == p.TargetChain {
			return fmt.Errorf("pair %s/%s -> %s/%s: source and target chain must differ",
				p.SourceChain, p.SourceToken, p.TargetChain, p.TargetToken)
		}
		if !tokens[p.SourceChain+"/"+p.SourceToken] {
			return fmt.Errorf("pair references unknown token %s/%s", p.SourceChain, p.SourceToken)
		}
		if !tokens[p.TargetChain+"/"+p.TargetToken] {
			return fmt.Errorf("pair references unknown token %s/%s", p.TargetChain, p.TargetToken)
		}
		if p.Rate <= 0 {
			return fmt.Errorf("pair %s/%s -> %s/%s: rate must be positive",
				p.SourceChain, p.SourceToken, p.TargetChain, p.TargetToken)
		}
	}

	return nil
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
