// Package config loads the signer node's on-disk configuration: its
// own identity and validation parameters (the signer.* block), the
// storage path, the P2P listen/bootstrap settings, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NetworkType selects which Bitcoin network this signer validates
// against.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
	NetworkRegtest NetworkType = "regtest"
)

// Config is the signer node's full on-disk configuration.
type Config struct {
	Signer  SignerConfig  `yaml:"signer"`
	Storage StorageConfig `yaml:"storage"`
	P2P     P2PConfig     `yaml:"p2p"`
	Logging LoggingConfig `yaml:"logging"`
}

// SignerConfig is the §6 signer.* block: this signer's own identity
// and the consensus-validation parameters every RequestDecider/
// TxSigner check reads from.
type SignerConfig struct {
	// PrivateKey is the signer's secp256k1 identity key, hex-encoded.
	// Prefer PrivateKeyFile or the SIGNER_PRIVATE_KEY environment
	// variable over committing this inline to a config file.
	PrivateKey     string `yaml:"private_key,omitempty"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`

	Network    NetworkType `yaml:"network"`
	Deployer   string      `yaml:"deployer"`

	// BootstrapSigningSet seeds the first DKG round before any
	// on-chain key-rotation event exists.
	BootstrapSigningSet []string `yaml:"bootstrap_signing_set"`

	StacksFeesMaxUstx     uint64 `yaml:"stacks_fees_max_ustx"`
	ContextWindow         int    `yaml:"context_window"`
	DkgVerificationWindow uint64 `yaml:"dkg_verification_window"`
	SignaturesRequired    uint32 `yaml:"signatures_required"`

	SbtcSupplyCap          uint64 `yaml:"sbtc_supply_cap,omitempty"`
	PerTenureWithdrawalCap uint64 `yaml:"per_tenure_withdrawal_cap,omitempty"`
}

// StorageConfig locates the signer's local SQLite database. Only the
// directory part of Path is used: the database file inside it is always
// named signer.db, whatever file name Path ends in.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// P2PConfig holds the libp2p swarm settings.
type P2PConfig struct {
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// LoggingConfig mirrors the teacher's logging section.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns a Config with sensible defaults for a
// testnet signer running out of the current directory.
func DefaultConfig() *Config {
	return &Config{
		Signer: SignerConfig{
			Network:               NetworkTestnet,
			StacksFeesMaxUstx:     1_000_000,
			ContextWindow:         6,
			DkgVerificationWindow: 150,
			SignaturesRequired:    1,
		},
		Storage: StorageConfig{
			Path: "signer.sqlite3",
		},
		P2P: P2PConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4122",
				"/ip4/0.0.0.0/udp/4122/quic-v1",
			},
			BootstrapPeers: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Prefix: "signer",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "signer.yaml"

// Load reads and parses a signer config file. If path does not exist,
// Load writes out DefaultConfig() first so subsequent runs (and
// operators inspecting the file) see the full set of tunable keys.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		if key := os.Getenv("SIGNER_PRIVATE_KEY"); key != "" {
			cfg.Signer.PrivateKey = key
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if key := os.Getenv("SIGNER_PRIVATE_KEY"); key != "" {
		cfg.Signer.PrivateKey = key
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# sBTC signer node configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
