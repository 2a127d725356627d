// Package keyring derives the resolver's per-chain signing keys from a
// single BIP39 seed and stores that seed encrypted at rest.
package keyring

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/crossmesh/fusion-resolver/internal/chain"
)

// Keyring holds the resolver's HD master key and derives one signing key per
// chain at m/purpose'/coin'/0'/0/0. It implements destchain.KeyProvider.
type Keyring struct {
	master  *hdkeychain.ExtendedKey
	network chain.Network

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic returns a fresh 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks a BIP39 mnemonic.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic builds a keyring from a mnemonic. The passphrase may be
// empty.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Keyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed builds a keyring from a raw BIP39 seed.
func NewFromSeed(seed []byte, network chain.Network) (*Keyring, error) {
	// The version bytes only affect xprv serialization; per-chain params
	// apply at address time.
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Keyring{
		master:  master,
		network: network,
		cache:   make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the keyring's network.
func (k *Keyring) Network() chain.Network {
	return k.network
}

// PublicKey returns the resolver's compressed pubkey for a chain.
func (k *Keyring) PublicKey(symbol string, network chain.Network) ([]byte, error) {
	key, err := k.chainKey(symbol, network)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// PrivateKey returns the resolver's signing key for a chain.
func (k *Keyring) PrivateKey(symbol string, network chain.Network) (*btcec.PrivateKey, error) {
	key, err := k.chainKey(symbol, network)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// chainKey derives (or returns the cached) m/purpose'/coin'/0'/0/0 key for a
// chain.
func (k *Keyring) chainKey(symbol string, network chain.Network) (*hdkeychain.ExtendedKey, error) {
	if network != k.network {
		return nil, fmt.Errorf("keyring is for %s, not %s", k.network, network)
	}
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.cache[symbol]; ok {
		return key, nil
	}

	key := k.master
	for _, step := range params.DerivationPath(0, 0, 0) {
		var err error
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s key: %w", symbol, err)
		}
	}
	k.cache[symbol] = key
	return key, nil
}
