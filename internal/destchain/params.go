package destchain

import (
	"encoding/json"
	"fmt"

	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
	"github.com/crossmesh/fusion-resolver/pkg/helpers"
)

// hexBytes marshals as a hex string so parameter blobs stay readable in
// storage and logs.
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(helpers.BytesToHex(h))
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// UTXOParams are the maker-supplied execution parameters for a UTXO
// destination leg.
type UTXOParams struct {
	// RecipientKey is the maker's 33-byte compressed pubkey for the claim
	// branch.
	RecipientKey hexBytes `json:"recipient_key"`

	// TimelockHeight is the absolute refund height for the lock script.
	TimelockHeight uint32 `json:"timelock_height"`

	// FeeRateHint is an optional sat/vB floor for the funding transaction.
	FeeRateHint uint64 `json:"fee_rate_hint,omitempty"`
}

// ContractParams are the execution parameters for a smart-contract
// destination leg.
type ContractParams struct {
	Target   string `json:"target"`
	Method   string `json:"method"`
	GasLimit uint64 `json:"gas_limit"`
}

// AccountParams are the execution parameters for an account-based
// destination leg.
type AccountParams struct {
	Receiver string `json:"receiver"`
	Memo     string `json:"memo,omitempty"`
}

// ParamCodec encodes and decodes one family's execution parameter blob.
// Decode validates as it goes; a decoded value is safe to execute against.
type ParamCodec interface {
	Family() chain.Family
	Encode(params any) ([]byte, error)
	Decode(blob []byte) (any, error)
}

type utxoCodec struct{}

func (utxoCodec) Family() chain.Family { return chain.FamilyUTXO }

func (utxoCodec) Encode(params any) ([]byte, error) {
	p, ok := params.(*UTXOParams)
	if !ok {
		return nil, fmt.Errorf("expected *UTXOParams, got %T", params)
	}
	return json.Marshal(p)
}

func (utxoCodec) Decode(blob []byte) (any, error) {
	var p UTXOParams
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("malformed utxo params: %w", err)
	}
	if len(p.RecipientKey) != 33 {
		return nil, fmt.Errorf("recipient key must be 33 bytes, got %d", len(p.RecipientKey))
	}
	if p.TimelockHeight == 0 || p.TimelockHeight > htlc.MaxTimelockHeight {
		return nil, fmt.Errorf("timelock height %d out of range", p.TimelockHeight)
	}
	return &p, nil
}

type contractCodec struct{}

func (contractCodec) Family() chain.Family { return chain.FamilyEVM }

func (contractCodec) Encode(params any) ([]byte, error) {
	p, ok := params.(*ContractParams)
	if !ok {
		return nil, fmt.Errorf("expected *ContractParams, got %T", params)
	}
	return json.Marshal(p)
}

func (contractCodec) Decode(blob []byte) (any, error) {
	var p ContractParams
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("malformed contract params: %w", err)
	}
	if p.Target == "" || p.Method == "" {
		return nil, fmt.Errorf("contract params need target and method")
	}
	return &p, nil
}

type accountCodec struct {
	family chain.Family
}

func (c accountCodec) Family() chain.Family { return c.family }

func (accountCodec) Encode(params any) ([]byte, error) {
	p, ok := params.(*AccountParams)
	if !ok {
		return nil, fmt.Errorf("expected *AccountParams, got %T", params)
	}
	return json.Marshal(p)
}

func (accountCodec) Decode(blob []byte) (any, error) {
	var p AccountParams
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("malformed account params: %w", err)
	}
	if p.Receiver == "" {
		return nil, fmt.Errorf("account params need a receiver")
	}
	return &p, nil
}

func defaultCodecs() []ParamCodec {
	return []ParamCodec{
		utxoCodec{},
		contractCodec{},
		accountCodec{family: chain.FamilyNear},
		accountCodec{family: chain.FamilyCosmos},
	}
}

// EncodeUTXOParams is a convenience wrapper for tests and tooling.
func EncodeUTXOParams(p *UTXOParams) ([]byte, error) {
	return utxoCodec{}.Encode(p)
}

// DecodeUTXOParams decodes and validates a UTXO parameter blob.
func DecodeUTXOParams(blob []byte) (*UTXOParams, error) {
	v, err := utxoCodec{}.Decode(blob)
	if err != nil {
		return nil, err
	}
	return v.(*UTXOParams), nil
}
