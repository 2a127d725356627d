// Package config holds the resolver daemon's configuration, loaded from
// <data-dir>/config.yaml. A default file is written on first run so operators
// have something to edit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/chain"
)

// ConfigFileName is the default config file name inside the data directory.
const ConfigFileName = "config.yaml"

// Config is the full daemon configuration.
type Config struct {
	// NetworkType selects mainnet or testnet across every chain.
	NetworkType string `yaml:"network_type"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Source  SourceConfig  `yaml:"source"`
	Keyring KeyringConfig `yaml:"keyring"`
	Profit  ProfitConfig  `yaml:"profit"`
	Engine  EngineConfig  `yaml:"engine"`
	Events  EventsConfig  `yaml:"events"`

	// Backends overrides the block-explorer endpoints per destination chain
	// symbol. Unlisted chains fall back to the built-in defaults.
	Backends map[string]*backend.Config `yaml:"backends,omitempty"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DataDir is the directory for the database, seed file and config.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// SourceConfig describes the source chain and its escrow factory.
type SourceConfig struct {
	// RPCURL is the source chain endpoint. Websocket endpoints get a live
	// event subscription; HTTP endpoints fall back to polling.
	RPCURL string `yaml:"rpc_url"`

	// ContractAddress is the escrow factory contract.
	ContractAddress string `yaml:"contract_address"`

	// ChainSymbol is the registry symbol of the source chain.
	ChainSymbol string `yaml:"chain_symbol"`

	// StartBlock is where a fresh resolver begins scanning for orders.
	// Zero means the current head.
	StartBlock uint64 `yaml:"start_block"`
}

// KeyringConfig holds seed settings. The password itself never lives in the
// config file; it arrives through the named environment variable.
type KeyringConfig struct {
	// SeedFile is the encrypted seed path, relative to the data directory
	// unless absolute.
	SeedFile string `yaml:"seed_file"`

	// PasswordEnv names the environment variable carrying the seed
	// password.
	PasswordEnv string `yaml:"password_env"`
}

// ProfitConfig holds the profitability thresholds. Monetary values are
// decimal strings in source-chain base units.
type ProfitConfig struct {
	MinProfit           string        `yaml:"min_profit"`
	MinMarginBps        int64         `yaml:"min_margin_bps"`
	MaxSafetyDepositBps int64         `yaml:"max_safety_deposit_bps"`
	OpportunityCostBps  int64         `yaml:"opportunity_cost_bps"`
	SourceGasUnits      uint64        `yaml:"source_gas_units"`
	MinTimeToExpiry     time.Duration `yaml:"min_time_to_expiry"`
}

// EngineConfig holds scheduler, executor and refund manager tuning.
type EngineConfig struct {
	MaxInFlight         int           `yaml:"max_in_flight"`
	LoopInterval        time.Duration `yaml:"loop_interval"`
	SecretPollInterval  time.Duration `yaml:"secret_poll_interval"`
	RefundPollInterval  time.Duration `yaml:"refund_poll_interval"`
	RefundScanInterval  time.Duration `yaml:"refund_scan_interval"`
	BroadcastsPerMinute int           `yaml:"broadcasts_per_minute"`
}

// EventsConfig holds the operator websocket hub settings.
type EventsConfig struct {
	// Enabled toggles the hub.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the HTTP bind address for websocket upgrades.
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults. The source RPC and
// contract address have no usable default and must be filled in.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: string(chain.Mainnet),
		Storage: StorageConfig{
			DataDir: "~/.fusion-resolver",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Source: SourceConfig{
			ChainSymbol: "ETH",
		},
		Keyring: KeyringConfig{
			SeedFile:    "seed.json",
			PasswordEnv: "RESOLVER_SEED_PASSWORD",
		},
		Profit: ProfitConfig{
			MinProfit:           "1000000000000000",
			MinMarginBps:        200,
			MaxSafetyDepositBps: 2_000,
			OpportunityCostBps:  50,
			SourceGasUnits:      400_000,
			MinTimeToExpiry:     time.Hour,
		},
		Engine: EngineConfig{
			MaxInFlight:         3,
			LoopInterval:        time.Second,
			SecretPollInterval:  15 * time.Second,
			RefundPollInterval:  30 * time.Second,
			RefundScanInterval:  time.Minute,
			BroadcastsPerMinute: 12,
		},
		Events: EventsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8085",
		},
	}
}

// Network returns the configured network.
func (c *Config) Network() chain.Network {
	if c.NetworkType == string(chain.Testnet) {
		return chain.Testnet
	}
	return chain.Mainnet
}

// IsTestnet returns true when running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network() == chain.Testnet
}

// SeedPath resolves the seed file against the data directory.
func (c *Config) SeedPath() string {
	if filepath.IsAbs(c.Keyring.SeedFile) {
		return c.Keyring.SeedFile
	}
	return filepath.Join(expandPath(c.Storage.DataDir), c.Keyring.SeedFile)
}

// BackendConfig returns the explorer config for a destination chain symbol,
// falling back to the built-in defaults.
func (c *Config) BackendConfig(symbol string) *backend.Config {
	if cfg, ok := c.Backends[symbol]; ok {
		return cfg
	}
	if cfg, ok := backend.DefaultConfigs()[symbol]; ok {
		return cfg
	}
	return nil
}

// Validate rejects configs the daemon cannot run with.
func (c *Config) Validate() error {
	if c.NetworkType != string(chain.Mainnet) && c.NetworkType != string(chain.Testnet) {
		return fmt.Errorf("invalid network_type %q", c.NetworkType)
	}
	if c.Source.RPCURL == "" {
		return fmt.Errorf("source.rpc_url is required")
	}
	if c.Source.ContractAddress == "" {
		return fmt.Errorf("source.contract_address is required")
	}
	if !chain.IsSupported(c.Source.ChainSymbol) {
		return fmt.Errorf("unsupported source chain %q", c.Source.ChainSymbol)
	}
	if c.Keyring.PasswordEnv == "" {
		return fmt.Errorf("keyring.password_env is required")
	}
	return nil
}

// Load reads the config from <dataDir>/config.yaml, writing a default file
// on first run. The returned config always has DataDir set to dataDir.
func Load(dataDir string) (*Config, error) {
	path := Path(dataDir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
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
	cfg.Storage.DataDir = dataDir
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Fusion resolver configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the config file path for a data directory.
func Path(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
