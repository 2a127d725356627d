package htlc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// MaxTimelockHeight is the largest absolute block height a lock script may
// carry. Heights at or above the consensus locktime threshold would be
// interpreted as unix timestamps by OP_CHECKLOCKTIMEVERIFY.
const MaxTimelockHeight = 499999999

// LockBox bundles a lock script with everything needed to spend it.
type LockBox struct {
	// The full witness script
	Script []byte

	// P2WSH address derived from the script
	Address string

	// SHA256 of the script, used in the output scriptPubKey
	ScriptHash []byte

	// Components
	Hashlock       [32]byte // SHA256 hash the claimer must open
	RecipientKey   []byte   // who can claim with the secret
	RefundKey      []byte   // who can refund after the timelock
	TimelockHeight uint32   // absolute block height for the refund branch
}

// BuildLockScript creates the escrow locking script.
//
// Script structure:
//
//	OP_IF
//	    OP_SHA256 <hashlock> OP_EQUALVERIFY
//	    <recipient_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <timelock_height> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refund_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// Claim path (OP_IF branch): requires the secret plus the recipient signature.
// Refund path (OP_ELSE branch): requires the refund signature once the chain
// reaches the absolute timelock height.
func BuildLockScript(hashlock [32]byte, recipientKey, refundKey []byte, timelockHeight uint32) ([]byte, error) {
	if len(recipientKey) != 33 {
		return nil, fmt.Errorf("recipient pubkey must be 33 bytes (compressed), got %d", len(recipientKey))
	}
	if len(refundKey) != 33 {
		return nil, fmt.Errorf("refund pubkey must be 33 bytes (compressed), got %d", len(refundKey))
	}
	if timelockHeight == 0 {
		return nil, fmt.Errorf("timelock height must be greater than 0")
	}
	if timelockHeight > MaxTimelockHeight {
		return nil, fmt.Errorf("timelock height %d exceeds maximum (%d)", timelockHeight, MaxTimelockHeight)
	}

	builder := txscript.NewScriptBuilder()

	// OP_IF branch (claim with secret)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hashlock[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(recipientKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	// OP_ELSE branch (refund after the timelock height)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timelockHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	// OP_ENDIF
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// NewLockBox builds the lock script and derives its P2WSH address.
func NewLockBox(hashlock [32]byte, recipientKey, refundKey []byte, timelockHeight uint32, params *chaincfg.Params) (*LockBox, error) {
	script, err := BuildLockScript(hashlock, recipientKey, refundKey, timelockHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to build lock script: %w", err)
	}

	scriptHash := sha256.Sum256(script)

	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}

	return &LockBox{
		Script:         script,
		Address:        address.EncodeAddress(),
		ScriptHash:     scriptHash[:],
		Hashlock:       hashlock,
		RecipientKey:   recipientKey,
		RefundKey:      refundKey,
		TimelockHeight: timelockHeight,
	}, nil
}

// DeriveAddress derives the P2WSH address of a lock script.
func DeriveAddress(script []byte, params *chaincfg.Params) (string, error) {
	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return address.EncodeAddress(), nil
}

// LockScriptPubKey creates the scriptPubKey for the escrow output.
// Format: OP_0 <32-byte-script-hash>
func LockScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	scriptPubKey, _ := builder.Script()
	return scriptPubKey
}

// ClaimWitness creates the witness stack for claiming an escrow with the
// secret.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<secret>
//	<1> (selects OP_IF branch)
//	<script>
func ClaimWitness(signature, secret, script []byte) [][]byte {
	return [][]byte{
		signature,
		secret,
		{0x01},
		script,
	}
}

// RefundWitness creates the witness stack for refunding an escrow after the
// timelock.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<0> (selects OP_ELSE branch)
//	<script>
func RefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		script,
	}
}

// ParseLockScript parses a lock script and extracts its components.
func ParseLockScript(script []byte) (hashlock [32]byte, recipientKey, refundKey []byte, timelockHeight uint32, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	fail := func(what string) ([32]byte, []byte, []byte, uint32, error) {
		return [32]byte{}, nil, nil, 0, fmt.Errorf("expected %s", what)
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_IF {
		return fail("OP_IF")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_SHA256 {
		return fail("OP_SHA256")
	}

	if !tokenizer.Next() || len(tokenizer.Data()) != 32 {
		return fail("32-byte hashlock")
	}
	copy(hashlock[:], tokenizer.Data())

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_EQUALVERIFY {
		return fail("OP_EQUALVERIFY")
	}

	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return fail("33-byte recipient pubkey")
	}
	recipientKey = tokenizer.Data()

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return fail("OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ELSE {
		return fail("OP_ELSE")
	}

	if !tokenizer.Next() {
		return fail("timelock height")
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		timelockHeight = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 || len(data) > 5 {
			return fail("timelock height push")
		}
		var height uint64
		for i := 0; i < len(data); i++ {
			height |= uint64(data[i]) << (8 * i)
		}
		if height > MaxTimelockHeight {
			return fail("timelock height within range")
		}
		timelockHeight = uint32(height)
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKLOCKTIMEVERIFY {
		return fail("OP_CHECKLOCKTIMEVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DROP {
		return fail("OP_DROP")
	}

	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return fail("33-byte refund pubkey")
	}
	refundKey = tokenizer.Data()

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return fail("OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ENDIF {
		return fail("OP_ENDIF")
	}

	return hashlock, recipientKey, refundKey, timelockHeight, nil
}

// DecodeTimelock extracts the refund height from a lock script. Returns false
// when the script does not match the escrow template; a foreign script is not
// an error, it is simply not one of ours.
func DecodeTimelock(script []byte) (uint32, bool) {
	_, _, _, height, err := ParseLockScript(script)
	if err != nil {
		return 0, false
	}
	return height, true
}

// ScriptHex returns the lock script as a hex string.
func (b *LockBox) ScriptHex() string {
	return hex.EncodeToString(b.Script)
}
