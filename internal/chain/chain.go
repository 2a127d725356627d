// Package chain defines parameters for the chains the resolver can settle on.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Family represents the blockchain family, which decides how escrows are
// funded and claimed on that chain.
type Family string

const (
	FamilyUTXO   Family = "utxo"   // Bitcoin and forks (LTC, DOGE)
	FamilyEVM    Family = "evm"    // Ethereum and EVM chains
	FamilyNear   Family = "near"   // NEAR protocol
	FamilyCosmos Family = "cosmos" // Cosmos SDK chains
)

// RiskLevel classifies settlement risk on a chain, used when weighing an
// order's profitability against the chance of a reorg or stall.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string // BTC, LTC, ETH, etc.
	Name     string // Bitcoin, Litecoin, etc.
	Family   Family // utxo, evm, near, cosmos
	Decimals uint8  // 8 for BTC, 18 for ETH, etc.

	// BIP44 derivation (used by the keyring for UTXO chains)
	CoinType       uint32 // BIP44 coin type (0=BTC, 2=LTC, 60=ETH, etc.)
	DefaultPurpose uint32 // 44 or 84 (native SegWit)

	// Network params (UTXO family)
	NetMagic         uint32 // wire protocol magic, unique per net
	PubKeyHashAddrID byte   // Address prefix for P2PKH
	ScriptHashAddrID byte   // Address prefix for P2SH
	Bech32HRP        string // Bech32 human-readable prefix
	WIF              byte   // Private key prefix
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte

	// EVM params
	ChainID     uint64 // EVM chain ID
	NativeToken string // Native token symbol - empty means same as Symbol

	// Settlement characteristics
	BlockInterval    time.Duration // expected time between blocks
	MinConfirmations uint32        // depth before a lock is considered final
	DefaultFeeRate   uint64        // sat/vB fallback when every fee source is down (UTXO)
	MaxFeeRate       uint64        // sanity ceiling for fee estimates (UTXO)
	Risk             RiskLevel     // settlement risk weighting for this chain
}

// DerivationPath returns the BIP44/84 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// GetNativeToken returns the native token symbol for a chain.
func (p *Params) GetNativeToken() string {
	if p.NativeToken != "" {
		return p.NativeToken
	}
	return p.Symbol
}

var (
	cfgMu    sync.Mutex
	cfgCache = make(map[*Params]*chaincfg.Params)
)

// ChainCfg returns btcsuite chaincfg.Params for UTXO-family chains so
// btcutil address encoding works. Bitcoin uses btcd's canonical params; forks
// get assembled params registered with chaincfg so bech32 decoding recognizes
// their prefixes. Returns nil for non-UTXO families.
func (p *Params) ChainCfg() *chaincfg.Params {
	if p.Family != FamilyUTXO {
		return nil
	}

	if p.Symbol == "BTC" {
		if p.Bech32HRP == "tb" {
			return &chaincfg.TestNet3Params
		}
		return &chaincfg.MainNetParams
	}

	cfgMu.Lock()
	defer cfgMu.Unlock()

	if cfg, ok := cfgCache[p]; ok {
		return cfg
	}

	cfg := &chaincfg.Params{
		Name:             p.Name,
		Net:              wire.BitcoinNet(p.NetMagic),
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
		Bech32HRPSegwit:  p.Bech32HRP,
		PrivateKeyID:     p.WIF,
		HDPrivateKeyID:   p.HDPrivateKeyID,
		HDPublicKeyID:    p.HDPublicKeyID,
		HDCoinType:       p.CoinType,
	}
	// Best effort: a duplicate registration only means another caller got
	// here first for the same net.
	_ = chaincfg.Register(cfg)
	cfgCache[p] = cfg
	return cfg
}

// Registry holds all chain parameters indexed by symbol.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ListByFamily returns all chains of a specific family.
func ListByFamily(family Family) []string {
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Family == family {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// GetByChainID returns chain params for an EVM chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Family == FamilyEVM && params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}

// SlowestBlockInterval returns the longest block interval among the given
// chains. Timelock schedules must leave at least this much room per stage
// so every involved chain can confirm within its window.
func SlowestBlockInterval(symbols []string, network Network) time.Duration {
	var slowest time.Duration
	for _, symbol := range symbols {
		if params, ok := Get(symbol, network); ok {
			if params.BlockInterval > slowest {
				slowest = params.BlockInterval
			}
		}
	}
	return slowest
}
