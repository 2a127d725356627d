package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/chain"
)

func TestLoadWritesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, dir)
	}
	if cfg.Network() != chain.Mainnet {
		t.Errorf("Network = %s, want mainnet", cfg.Network())
	}

	data, err := os.ReadFile(Path(dir))
	if err != nil {
		t.Fatalf("default config was not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Fusion resolver configuration") {
		t.Error("missing header comment")
	}
}

func TestLoadReadsExistingConfig(t *testing.T) {
	dir := t.TempDir()

	raw := `network_type: testnet
source:
  rpc_url: wss://sepolia.example/ws
  contract_address: "0x37e565Bab0c11756806480102E09871f33403D8d"
engine:
  max_in_flight: 7
  secret_poll_interval: 5s
backends:
  BTC:
    type: esplora
    testnet: https://blockstream.info/testnet/api
`
	if err := os.WriteFile(Path(dir), []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsTestnet() {
		t.Error("network_type testnet not applied")
	}
	if cfg.Engine.MaxInFlight != 7 {
		t.Errorf("MaxInFlight = %d, want 7", cfg.Engine.MaxInFlight)
	}
	if cfg.Engine.SecretPollInterval != 5*time.Second {
		t.Errorf("SecretPollInterval = %s, want 5s", cfg.Engine.SecretPollInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Engine.RefundScanInterval != time.Minute {
		t.Errorf("RefundScanInterval = %s, want default 1m", cfg.Engine.RefundScanInterval)
	}
	if cfg.Profit.MinMarginBps != 200 {
		t.Errorf("MinMarginBps = %d, want default 200", cfg.Profit.MinMarginBps)
	}

	if got := cfg.BackendConfig("BTC"); got.Type != backend.TypeEsplora {
		t.Errorf("BTC backend type = %s, want esplora override", got.Type)
	}
	// Chains without overrides fall back to the built-in defaults.
	if got := cfg.BackendConfig("LTC"); got == nil || got.Type != backend.TypeMempool {
		t.Errorf("LTC backend = %+v, want mempool default", got)
	}
	if got := cfg.BackendConfig("ZEC"); got != nil {
		t.Errorf("unknown chain backend = %+v, want nil", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Source.RPCURL = "wss://mainnet.example/ws"
		cfg.Source.ContractAddress = "0x37e565Bab0c11756806480102E09871f33403D8d"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad network", func(c *Config) { c.NetworkType = "staging" }, true},
		{"missing rpc url", func(c *Config) { c.Source.RPCURL = "" }, true},
		{"missing contract", func(c *Config) { c.Source.ContractAddress = "" }, true},
		{"unknown source chain", func(c *Config) { c.Source.ChainSymbol = "NOPE" }, true},
		{"missing password env", func(c *Config) { c.Keyring.PasswordEnv = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSeedPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/var/lib/resolver"

	if got := cfg.SeedPath(); got != "/var/lib/resolver/seed.json" {
		t.Errorf("SeedPath = %s", got)
	}

	cfg.Keyring.SeedFile = "/etc/resolver/seed.json"
	if got := cfg.SeedPath(); got != "/etc/resolver/seed.json" {
		t.Errorf("absolute SeedPath = %s", got)
	}
}
