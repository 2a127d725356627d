package htlc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/chain"
)

// Transaction errors
var (
	ErrNoUTXOs           = errors.New("no UTXOs available")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
	ErrUnsupportedChain  = errors.New("unsupported chain")
	ErrInsufficientValue = errors.New("insufficient value")
)

// DustThreshold is the minimum change output value worth creating.
const DustThreshold = uint64(546)

// FundingTxParams contains parameters for creating an escrow funding
// transaction.
type FundingTxParams struct {
	Symbol  string
	Network chain.Network

	// Inputs to spend; the caller selects these through the utxo package.
	UTXOs []backend.UTXO

	// Change address for leftover funds
	ChangeAddress string

	// The P2WSH escrow output
	LockAddress string
	LockAmount  uint64

	// Fee rate in sat/vB
	FeeRate uint64
}

// BuildFundingTx creates the transaction that funds an escrow output from the
// resolver's wallet UTXOs. Returns the unsigned transaction; inputs are
// signed by the wallet that owns them.
func BuildFundingTx(params *FundingTxParams) (*wire.MsgTx, error) {
	if len(params.UTXOs) == 0 {
		return nil, ErrNoUTXOs
	}

	chainParams, err := utxoChainCfg(params.Symbol, params.Network)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	var totalInput uint64
	for _, utxo := range params.UTXOs {
		totalInput += utxo.Amount

		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, utxo.TxID)
		}
		outpoint := wire.NewOutPoint(txHash, utxo.Vout)
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // Enable RBF
		tx.AddTxIn(txIn)
	}

	lockScript, err := addressToScript(params.LockAddress, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid lock address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.LockAmount), lockScript))

	// Fee from the linear vsize model: overhead + inputs + lock output. A
	// change output pays for its own vbytes and is only created when the
	// leftover clears the dust threshold; otherwise it burns as extra fee.
	estimatedVSize := int64(10)
	estimatedVSize += int64(len(params.UTXOs)) * 68
	estimatedVSize += 31
	fee := uint64(estimatedVSize) * params.FeeRate

	if totalInput < params.LockAmount+fee {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientValue, params.LockAmount+fee, totalInput)
	}

	withChange := fee + 31*params.FeeRate
	if totalInput >= params.LockAmount+withChange {
		change := totalInput - params.LockAmount - withChange
		if change > DustThreshold {
			changeScript, err := addressToScript(params.ChangeAddress, chainParams)
			if err != nil {
				return nil, fmt.Errorf("invalid change address: %w", err)
			}
			tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
		}
	}

	return tx, nil
}

// ClaimTxParams contains parameters for creating an escrow claim transaction.
type ClaimTxParams struct {
	Symbol  string
	Network chain.Network

	// The P2WSH escrow output to spend
	FundingTxID   string
	FundingVout   uint32
	FundingAmount uint64

	// The witness script
	LockScript []byte

	// Secret opening the hashlock (32 bytes)
	Secret []byte

	// Output address for claimed funds
	DestAddress string

	// Fee rate in sat/vB
	FeeRate uint64

	// Private key of the lock script's recipient branch
	PrivKey *btcec.PrivateKey
}

// BuildClaimTx creates a transaction claiming an escrow output with the
// secret.
//
// Witness structure: [signature, secret, 0x01, lock_script]
func BuildClaimTx(params *ClaimTxParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, fmt.Errorf("private key required for claim")
	}
	if len(params.LockScript) == 0 {
		return nil, fmt.Errorf("lock script required")
	}
	if len(params.Secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(params.Secret))
	}

	chainParams, err := utxoChainCfg(params.Symbol, params.Network)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	txHash, err := chainhash.NewHashFromStr(params.FundingTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, params.FundingTxID)
	}
	outpoint := wire.NewOutPoint(txHash, params.FundingVout)
	txIn := wire.NewTxIn(outpoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	// Witness: sig (~73) + secret (32) + branch selector (1) + script (~110)
	// bytes, discounted to ~55 vbytes on top of the stripped tx.
	estimatedVSize := int64(10 + 41 + 31 + 55)
	fee := uint64(estimatedVSize) * params.FeeRate

	if params.FundingAmount <= fee {
		return nil, fmt.Errorf("%w: funding %d <= fee %d", ErrInsufficientValue, params.FundingAmount, fee)
	}
	outputAmount := params.FundingAmount - fee

	destScript, err := addressToScript(params.DestAddress, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(outputAmount), destScript))

	sigBytes, err := signLockInput(tx, params.LockScript, params.FundingAmount, params.PrivKey)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = ClaimWitness(sigBytes, params.Secret, params.LockScript)

	return tx, nil
}

// RefundTxParams contains parameters for creating an escrow refund
// transaction.
type RefundTxParams struct {
	Symbol  string
	Network chain.Network

	// The P2WSH escrow output to spend
	FundingTxID   string
	FundingVout   uint32
	FundingAmount uint64

	// The witness script
	LockScript []byte

	// Absolute block height from the script's refund branch
	TimelockHeight uint32

	// Output address for refunded funds
	DestAddress string

	// Fee rate in sat/vB
	FeeRate uint64

	// Private key of the lock script's refund branch
	PrivKey *btcec.PrivateKey
}

// BuildRefundTx creates a transaction refunding an escrow output after its
// timelock height. The transaction carries nLockTime equal to the script
// height and a non-final sequence, as OP_CHECKLOCKTIMEVERIFY requires.
//
// Witness structure: [signature, 0x00, lock_script]
func BuildRefundTx(params *RefundTxParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, fmt.Errorf("private key required for refund")
	}
	if len(params.LockScript) == 0 {
		return nil, fmt.Errorf("lock script required")
	}
	if params.TimelockHeight == 0 {
		return nil, fmt.Errorf("timelock height must be > 0")
	}

	chainParams, err := utxoChainCfg(params.Symbol, params.Network)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = params.TimelockHeight

	txHash, err := chainhash.NewHashFromStr(params.FundingTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, params.FundingTxID)
	}
	outpoint := wire.NewOutPoint(txHash, params.FundingVout)
	txIn := wire.NewTxIn(outpoint, nil, nil)
	// A final sequence would disable nLockTime and make CLTV fail.
	txIn.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(txIn)

	// Witness: sig (~73) + empty (1) + script (~110) bytes, ~47 vbytes after
	// the discount.
	estimatedVSize := int64(10 + 41 + 31 + 47)
	fee := uint64(estimatedVSize) * params.FeeRate

	if params.FundingAmount <= fee {
		return nil, fmt.Errorf("%w: funding %d <= fee %d", ErrInsufficientValue, params.FundingAmount, fee)
	}
	outputAmount := params.FundingAmount - fee

	destScript, err := addressToScript(params.DestAddress, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(outputAmount), destScript))

	sigBytes, err := signLockInput(tx, params.LockScript, params.FundingAmount, params.PrivKey)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = RefundWitness(sigBytes, params.LockScript)

	return tx, nil
}

// signLockInput computes the BIP-143 sighash for input 0 against the lock
// script and signs it, returning a DER signature with SIGHASH_ALL appended.
func signLockInput(tx *wire.MsgTx, lockScript []byte, fundingAmount uint64, privKey *btcec.PrivateKey) ([]byte, error) {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		LockScriptPubKey(lockScript),
		int64(fundingAmount),
	)

	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sighash, err := txscript.CalcWitnessSigHash(
		lockScript,
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		int64(fundingAmount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(privKey, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}

	return tx, nil
}

// utxoChainCfg resolves a UTXO chain's btcd params.
func utxoChainCfg(symbol string, network chain.Network) (*chaincfg.Params, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	cfg := params.ChainCfg()
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s is not a UTXO chain", ErrUnsupportedChain, symbol)
	}
	return cfg, nil
}

// addressToScript converts an address string to a scriptPubKey.
func addressToScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create script: %w", err)
	}
	return script, nil
}
