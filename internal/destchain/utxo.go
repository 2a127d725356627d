package destchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
	"github.com/crossmesh/fusion-resolver/internal/utxo"
	"github.com/crossmesh/fusion-resolver/pkg/helpers"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

// KeyProvider hands out the resolver's per-chain keys. The keyring package
// implements it over encrypted HD derivation.
type KeyProvider interface {
	// PublicKey returns the resolver's 33-byte compressed pubkey for a chain.
	PublicKey(symbol string, network chain.Network) ([]byte, error)

	// PrivateKey returns the matching private key.
	PrivateKey(symbol string, network chain.Network) (*btcec.PrivateKey, error)
}

// UTXOAdapter executes destination legs on Bitcoin-family chains: it funds
// P2WSH escrow outputs from the resolver's wallet, watches them for claim
// spends and drives the refund branch once timelocks expire.
type UTXOAdapter struct {
	backends *backend.Registry
	keys     KeyProvider
	network  chain.Network
	log      *logging.Logger

	mu        sync.Mutex
	selectors map[string]*utxo.Selector
	oracles   map[string]*utxo.FeeOracle
}

// NewUTXOAdapter creates an adapter over the given explorer backends and key
// provider.
func NewUTXOAdapter(backends *backend.Registry, keys KeyProvider, network chain.Network, log *logging.Logger) *UTXOAdapter {
	return &UTXOAdapter{
		backends:  backends,
		keys:      keys,
		network:   network,
		log:       log.Component("destchain"),
		selectors: make(map[string]*utxo.Selector),
		oracles:   make(map[string]*utxo.FeeOracle),
	}
}

// Family implements Adapter.
func (a *UTXOAdapter) Family() chain.Family { return chain.FamilyUTXO }

// selector returns the chain's coin selector, created on first use with the
// chain's confirmation threshold.
func (a *UTXOAdapter) selector(params *chain.Params) *utxo.Selector {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.selectors[params.Symbol]
	if !ok {
		s = utxo.NewSelector(int64(params.MinConfirmations))
		a.selectors[params.Symbol] = s
	}
	return s
}

// oracle returns the chain's fee oracle, created on first use over the
// chain's explorer backend.
func (a *UTXOAdapter) oracle(symbol string) (*utxo.FeeOracle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.oracles[symbol]
	if !ok {
		be, found := a.backends.Get(symbol)
		if !found {
			return nil, fmt.Errorf("no backend for %s", symbol)
		}
		sources := []utxo.FeeSource{utxo.NewBackendFeeSource(string(be.Type()), be)}
		o = utxo.NewFeeOracle(symbol, a.network, sources, a.log)
		a.oracles[symbol] = o
	}
	return o, nil
}

// walletAddress derives the resolver's P2WPKH address on a chain.
func (a *UTXOAdapter) walletAddress(symbol string, cfg *chaincfg.Params) (string, []byte, error) {
	pub, err := a.keys.PublicKey(symbol, a.network)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get wallet key: %w", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), cfg)
	if err != nil {
		return "", nil, fmt.Errorf("failed to derive wallet address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build wallet script: %w", err)
	}
	return addr.EncodeAddress(), pkScript, nil
}

func (a *UTXOAdapter) chainParams(symbol string) (*chain.Params, *chaincfg.Params, error) {
	params, ok := chain.Get(symbol, a.network)
	if !ok || params.Family != chain.FamilyUTXO {
		return nil, nil, fmt.Errorf("%s is not a supported UTXO chain", symbol)
	}
	return params, params.ChainCfg(), nil
}

// FundDestination implements Adapter. The lock output is always output 0 of
// the funding transaction.
func (a *UTXOAdapter) FundDestination(ctx context.Context, req *FundRequest) (*Lock, error) {
	params, cfg, err := a.chainParams(req.Chain)
	if err != nil {
		return nil, err
	}
	p, err := DecodeUTXOParams(req.Params)
	if err != nil {
		return nil, fmt.Errorf("bad execution params: %w", err)
	}

	refundPub, err := a.keys.PublicKey(req.Chain, a.network)
	if err != nil {
		return nil, fmt.Errorf("failed to get refund key: %w", err)
	}
	box, err := htlc.NewLockBox(req.Hashlock, p.RecipientKey, refundPub, p.TimelockHeight, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build lock: %w", err)
	}

	be, ok := a.backends.Get(req.Chain)
	if !ok {
		return nil, fmt.Errorf("no backend for %s", req.Chain)
	}
	walletAddr, walletScript, err := a.walletAddress(req.Chain, cfg)
	if err != nil {
		return nil, err
	}
	utxos, err := be.GetAddressUTXOs(ctx, walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet UTXOs: %w", err)
	}

	oracle, err := a.oracle(req.Chain)
	if err != nil {
		return nil, err
	}
	feeRate := oracle.Estimate(ctx, utxo.TierNormal)
	if p.FeeRateHint > feeRate {
		feeRate = p.FeeRateHint
	}

	sel, err := a.selector(params).SelectAndReserve(utxos, req.Amount, feeRate)
	if err != nil {
		return nil, fmt.Errorf("failed to select inputs: %w", err)
	}

	tx, err := htlc.BuildFundingTx(&htlc.FundingTxParams{
		Symbol:        req.Chain,
		Network:       a.network,
		UTXOs:         sel.UTXOs,
		ChangeAddress: walletAddr,
		LockAddress:   box.Address,
		LockAmount:    req.Amount,
		FeeRate:       feeRate,
	})
	if err != nil {
		a.selector(params).Release(sel)
		return nil, fmt.Errorf("failed to build funding tx: %w", err)
	}
	if err := a.signWalletInputs(tx, sel.UTXOs, walletScript, req.Chain); err != nil {
		a.selector(params).Release(sel)
		return nil, err
	}

	rawTx, err := htlc.SerializeTx(tx)
	if err != nil {
		a.selector(params).Release(sel)
		return nil, err
	}
	txid, err := be.BroadcastTransaction(ctx, rawTx)
	if err != nil {
		a.selector(params).Release(sel)
		return nil, fmt.Errorf("failed to broadcast funding tx: %w", err)
	}

	a.log.Info("destination funded",
		"chain", req.Chain, "address", box.Address, "tx", txid,
		"amount", helpers.FormatAmount(req.Amount, params.Decimals), "fee_rate", feeRate)

	return &Lock{
		Chain:          req.Chain,
		Network:        a.network,
		Address:        box.Address,
		ScriptHex:      box.ScriptHex(),
		TxID:           txid,
		Vout:           0,
		Value:          req.Amount,
		TimelockHeight: p.TimelockHeight,
		Hashlock:       req.Hashlock,
	}, nil
}

// signWalletInputs signs every input of a funding transaction against the
// resolver's P2WPKH outputs.
func (a *UTXOAdapter) signWalletInputs(tx *wire.MsgTx, spent []backend.UTXO, walletScript []byte, symbol string) error {
	priv, err := a.keys.PrivateKey(symbol, a.network)
	if err != nil {
		return fmt.Errorf("failed to get wallet key: %w", err)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(spent))
	amounts := make(map[wire.OutPoint]uint64, len(spent))
	for _, u := range spent {
		h, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return fmt.Errorf("bad utxo txid %s: %w", u.TxID, err)
		}
		op := *wire.NewOutPoint(h, u.Vout)
		prevOuts[op] = wire.NewTxOut(int64(u.Amount), walletScript)
		amounts[op] = u.Amount
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		amt, ok := amounts[in.PreviousOutPoint]
		if !ok {
			return fmt.Errorf("input %d spends an unknown outpoint", i)
		}
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, int64(amt), walletScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

// WaitConfirmed implements Adapter, polling at half the chain's block
// interval.
func (a *UTXOAdapter) WaitConfirmed(ctx context.Context, lock *Lock) error {
	params, _, err := a.chainParams(lock.Chain)
	if err != nil {
		return err
	}
	be, ok := a.backends.Get(lock.Chain)
	if !ok {
		return fmt.Errorf("no backend for %s", lock.Chain)
	}

	interval := params.BlockInterval / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := be.GetTransaction(ctx, lock.TxID)
		switch {
		case errors.Is(err, backend.ErrTxNotFound):
			// Not propagated yet; keep waiting.
		case err != nil:
			a.log.Warn("confirmation poll failed", "chain", lock.Chain, "tx", lock.TxID, "error", err)
		case tx.Confirmations >= int64(params.MinConfirmations):
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SecretFromClaim implements Adapter. It scans the escrow address history
// for a spend of the lock outpoint and pulls the preimage out of a claim
// witness. A refund spend reports found=false.
func (a *UTXOAdapter) SecretFromClaim(ctx context.Context, lock *Lock) ([32]byte, bool, error) {
	var secret [32]byte

	be, ok := a.backends.Get(lock.Chain)
	if !ok {
		return secret, false, fmt.Errorf("no backend for %s", lock.Chain)
	}
	txs, err := be.GetAddressTxs(ctx, lock.Address, "")
	if err != nil {
		return secret, false, fmt.Errorf("failed to scan escrow address: %w", err)
	}

	for _, tx := range txs {
		for _, in := range tx.Inputs {
			if in.TxID != lock.TxID || in.Vout != lock.Vout {
				continue
			}
			// Claim witness: [sig, secret, 0x01, script].
			if len(in.Witness) != 4 {
				return secret, false, nil
			}
			raw, err := hex.DecodeString(in.Witness[1])
			if err != nil || len(raw) != htlc.SecretSize {
				return secret, false, fmt.Errorf("claim witness carries a malformed secret")
			}
			copy(secret[:], raw)
			if sha256.Sum256(raw) != lock.Hashlock {
				return [32]byte{}, false, fmt.Errorf("claim witness secret does not open the hashlock")
			}
			return secret, true, nil
		}
	}
	return secret, false, nil
}

// ClaimWithSecret implements Adapter.
func (a *UTXOAdapter) ClaimWithSecret(ctx context.Context, lock *Lock, secret [32]byte, destAddress string) (string, error) {
	_, cfg, err := a.chainParams(lock.Chain)
	if err != nil {
		return "", err
	}
	if destAddress == "" {
		destAddress, _, err = a.walletAddress(lock.Chain, cfg)
		if err != nil {
			return "", err
		}
	}

	script, err := hex.DecodeString(lock.ScriptHex)
	if err != nil {
		return "", fmt.Errorf("bad lock script: %w", err)
	}
	priv, err := a.keys.PrivateKey(lock.Chain, a.network)
	if err != nil {
		return "", fmt.Errorf("failed to get claim key: %w", err)
	}
	oracle, err := a.oracle(lock.Chain)
	if err != nil {
		return "", err
	}

	// Claims race the timelock, so pay for the fast tier.
	tx, err := htlc.BuildClaimTx(&htlc.ClaimTxParams{
		Symbol:        lock.Chain,
		Network:       a.network,
		FundingTxID:   lock.TxID,
		FundingVout:   lock.Vout,
		FundingAmount: lock.Value,
		LockScript:    script,
		Secret:        secret[:],
		DestAddress:   destAddress,
		FeeRate:       oracle.Estimate(ctx, utxo.TierFast),
		PrivKey:       priv,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build claim tx: %w", err)
	}

	rawTx, err := htlc.SerializeTx(tx)
	if err != nil {
		return "", err
	}
	be, _ := a.backends.Get(lock.Chain)
	txid, err := be.BroadcastTransaction(ctx, rawTx)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast claim tx: %w", err)
	}

	a.log.Info("escrow claimed", "chain", lock.Chain, "tx", txid)
	return txid, nil
}

// Refundable implements Adapter: the chain must have reached the script's
// refund height.
func (a *UTXOAdapter) Refundable(ctx context.Context, lock *Lock) (bool, error) {
	script, err := hex.DecodeString(lock.ScriptHex)
	if err != nil {
		return false, fmt.Errorf("bad lock script: %w", err)
	}
	height, ok := htlc.DecodeTimelock(script)
	if !ok {
		return false, fmt.Errorf("lock script does not match the escrow template")
	}

	be, found := a.backends.Get(lock.Chain)
	if !found {
		return false, fmt.Errorf("no backend for %s", lock.Chain)
	}
	tip, err := be.GetBlockHeight(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get chain height: %w", err)
	}
	return tip >= int64(height), nil
}

// Refund implements Adapter. A spend conflict means the claim branch won;
// that is reported as ErrAlreadyClaimed so callers can go recover the secret
// instead.
func (a *UTXOAdapter) Refund(ctx context.Context, lock *Lock, destAddress string) (string, error) {
	_, cfg, err := a.chainParams(lock.Chain)
	if err != nil {
		return "", err
	}
	if destAddress == "" {
		destAddress, _, err = a.walletAddress(lock.Chain, cfg)
		if err != nil {
			return "", err
		}
	}

	script, err := hex.DecodeString(lock.ScriptHex)
	if err != nil {
		return "", fmt.Errorf("bad lock script: %w", err)
	}
	priv, err := a.keys.PrivateKey(lock.Chain, a.network)
	if err != nil {
		return "", fmt.Errorf("failed to get refund key: %w", err)
	}
	oracle, err := a.oracle(lock.Chain)
	if err != nil {
		return "", err
	}

	tx, err := htlc.BuildRefundTx(&htlc.RefundTxParams{
		Symbol:         lock.Chain,
		Network:        a.network,
		FundingTxID:    lock.TxID,
		FundingVout:    lock.Vout,
		FundingAmount:  lock.Value,
		LockScript:     script,
		TimelockHeight: lock.TimelockHeight,
		DestAddress:    destAddress,
		FeeRate:        oracle.Estimate(ctx, utxo.TierNormal),
		PrivKey:        priv,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build refund tx: %w", err)
	}

	rawTx, err := htlc.SerializeTx(tx)
	if err != nil {
		return "", err
	}
	be, _ := a.backends.Get(lock.Chain)
	txid, err := be.BroadcastTransaction(ctx, rawTx)
	if err != nil {
		if errors.Is(err, backend.ErrAlreadySpent) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyClaimed, lock.TxID)
		}
		return "", fmt.Errorf("failed to broadcast refund tx: %w", err)
	}

	a.log.Info("escrow refunded", "chain", lock.Chain, "tx", txid)
	return txid, nil
}
