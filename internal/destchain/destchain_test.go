package destchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/crossmesh/fusion-resolver/internal/backend"
	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
)

// fixedKeys is a KeyProvider handing out one deterministic key for every
// chain.
type fixedKeys struct {
	priv *btcec.PrivateKey
}

func newFixedKeys(seed byte) *fixedKeys {
	var raw [32]byte
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return &fixedKeys{priv: priv}
}

func (k *fixedKeys) PublicKey(string, chain.Network) ([]byte, error) {
	return k.priv.PubKey().SerializeCompressed(), nil
}

func (k *fixedKeys) PrivateKey(string, chain.Network) (*btcec.PrivateKey, error) {
	return k.priv, nil
}

// testServer fakes the slice of the mempool.space API the adapter touches.
type testServer struct {
	height        int64
	utxoValues    []uint64
	escrowTxsJSON string
	broadcastErr  string

	broadcasts atomic.Int64
	lastRawTx  atomic.Value
}

func (s *testServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", s.height)
	})
	mux.HandleFunc("/v1/fees/recommended", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"fastestFee":20,"halfHourFee":10,"hourFee":5,"economyFee":2,"minimumFee":1}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tx":
			s.broadcasts.Add(1)
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			s.lastRawTx.Store(string(body))
			if s.broadcastErr != "" {
				http.Error(w, s.broadcastErr, http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, strings.Repeat("ab", 32))
		case strings.HasSuffix(r.URL.Path, "/utxo"):
			var utxos []map[string]any
			for i, v := range s.utxoValues {
				utxos = append(utxos, map[string]any{
					"txid":   strings.Repeat(fmt.Sprintf("%02x", i+1), 32),
					"vout":   0,
					"value":  v,
					"status": map[string]any{"confirmed": true, "block_height": s.height - 5},
				})
			}
			json.NewEncoder(w).Encode(utxos)
		case strings.HasSuffix(r.URL.Path, "/txs"):
			fmt.Fprint(w, s.escrowTxsJSON)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(t *testing.T, srv *httptest.Server, keys KeyProvider) *UTXOAdapter {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register("BTC", backend.NewMempoolBackend(srv.URL))
	return NewUTXOAdapter(reg, keys, chain.Testnet, logging.Default())
}

func testHashlock(secret [32]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func TestFundDestination(t *testing.T) {
	srv := &testServer{height: 850010, utxoValues: []uint64{200_000, 80_000}}
	hs := srv.start(t)

	wallet := newFixedKeys(0x10)
	maker := newFixedKeys(0x20)
	makerPub, _ := maker.PublicKey("BTC", chain.Testnet)

	params, err := EncodeUTXOParams(&UTXOParams{
		RecipientKey:   makerPub,
		TimelockHeight: 851000,
	})
	if err != nil {
		t.Fatalf("failed to encode params: %v", err)
	}

	var secret [32]byte
	secret[0] = 0x55

	a := newTestAdapter(t, hs, wallet)
	lock, err := a.FundDestination(context.Background(), &FundRequest{
		Chain:    "BTC",
		Network:  chain.Testnet,
		Hashlock: testHashlock(secret),
		Amount:   150_000,
		Params:   params,
	})
	if err != nil {
		t.Fatalf("FundDestination failed: %v", err)
	}

	if !strings.HasPrefix(lock.Address, "tb1q") {
		t.Errorf("lock address = %s, want P2WSH testnet address", lock.Address)
	}
	if lock.Vout != 0 || lock.Value != 150_000 || lock.TimelockHeight != 851000 {
		t.Errorf("lock = %+v", lock)
	}

	// The broadcast transaction must be fully signed.
	raw, _ := srv.lastRawTx.Load().(string)
	tx, err := htlc.DeserializeTx(raw)
	if err != nil {
		t.Fatalf("broadcast body is not a valid tx: %v", err)
	}
	if len(tx.TxIn) == 0 {
		t.Fatal("funding tx has no inputs")
	}
	for i, in := range tx.TxIn {
		if len(in.Witness) != 2 {
			t.Errorf("input %d witness has %d items, want 2 (P2WPKH)", i, len(in.Witness))
		}
	}
	if tx.TxOut[0].Value != 150_000 {
		t.Errorf("lock output value = %d, want 150000", tx.TxOut[0].Value)
	}
}

func TestFundDestinationBadParams(t *testing.T) {
	srv := (&testServer{height: 850010, utxoValues: []uint64{200_000}}).start(t)
	a := newTestAdapter(t, srv, newFixedKeys(0x10))

	var hashlock [32]byte
	tests := []struct {
		name   string
		params []byte
	}{
		{"malformed json", []byte("{")},
		{"short recipient key", mustEncodeJSON(t, map[string]any{
			"recipient_key": "0011", "timelock_height": 851000})},
		{"zero timelock", mustEncodeJSON(t, map[string]any{
			"recipient_key": strings.Repeat("02", 33), "timelock_height": 0})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.FundDestination(context.Background(), &FundRequest{
				Chain: "BTC", Network: chain.Testnet, Hashlock: hashlock,
				Amount: 10_000, Params: tt.params,
			})
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func mustEncodeJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return b
}

func testLock(t *testing.T, wallet, maker *fixedKeys, secret [32]byte, height uint32) *Lock {
	t.Helper()
	makerPub, _ := maker.PublicKey("BTC", chain.Testnet)
	walletPub, _ := wallet.PublicKey("BTC", chain.Testnet)
	script, err := htlc.BuildLockScript(testHashlock(secret), makerPub, walletPub, height)
	if err != nil {
		t.Fatalf("failed to build lock script: %v", err)
	}
	return &Lock{
		Chain:          "BTC",
		Network:        chain.Testnet,
		Address:        "tb1qescrowescrow",
		ScriptHex:      hex.EncodeToString(script),
		TxID:           strings.Repeat("cd", 32),
		Vout:           0,
		Value:          150_000,
		TimelockHeight: height,
		Hashlock:       testHashlock(secret),
	}
}

func TestSecretFromClaim(t *testing.T) {
	wallet := newFixedKeys(0x10)
	maker := newFixedKeys(0x20)
	var secret [32]byte
	secret[0] = 0x55
	lock := testLock(t, wallet, maker, secret, 851000)

	claimTx := fmt.Sprintf(`[{"txid":"%s","vin":[{"txid":"%s","vout":0,"witness":["3044","%s","01","%s"]}],"vout":[],"status":{"confirmed":true}}]`,
		strings.Repeat("ef", 32), lock.TxID, hex.EncodeToString(secret[:]), lock.ScriptHex)

	srv := &testServer{height: 850010, escrowTxsJSON: claimTx}
	a := newTestAdapter(t, srv.start(t), wallet)

	got, found, err := a.SecretFromClaim(context.Background(), lock)
	if err != nil {
		t.Fatalf("SecretFromClaim failed: %v", err)
	}
	if !found || got != secret {
		t.Errorf("found=%v secret=%x", found, got)
	}
}

func TestSecretFromClaimRefundSpend(t *testing.T) {
	wallet := newFixedKeys(0x10)
	maker := newFixedKeys(0x20)
	var secret [32]byte
	lock := testLock(t, wallet, maker, secret, 851000)

	// Refund witness has three items; there is no secret to recover.
	refundTx := fmt.Sprintf(`[{"txid":"%s","vin":[{"txid":"%s","vout":0,"witness":["3044","","%s"]}],"vout":[],"status":{"confirmed":true}}]`,
		strings.Repeat("ef", 32), lock.TxID, lock.ScriptHex)

	srv := &testServer{height: 850010, escrowTxsJSON: refundTx}
	a := newTestAdapter(t, srv.start(t), wallet)

	_, found, err := a.SecretFromClaim(context.Background(), lock)
	if err != nil {
		t.Fatalf("SecretFromClaim failed: %v", err)
	}
	if found {
		t.Error("refund spend should not yield a secret")
	}
}

func TestSecretFromClaimUnspent(t *testing.T) {
	wallet := newFixedKeys(0x10)
	var secret [32]byte
	lock := testLock(t, wallet, newFixedKeys(0x20), secret, 851000)

	srv := &testServer{height: 850010, escrowTxsJSON: `[]`}
	a := newTestAdapter(t, srv.start(t), wallet)

	_, found, err := a.SecretFromClaim(context.Background(), lock)
	if err != nil || found {
		t.Errorf("found=%v err=%v, want unspent", found, err)
	}
}

func TestRefundable(t *testing.T) {
	wallet := newFixedKeys(0x10)
	var secret [32]byte
	lock := testLock(t, wallet, newFixedKeys(0x20), secret, 851000)

	srv := &testServer{height: 850000}
	hs := srv.start(t)
	a := newTestAdapter(t, hs, wallet)

	ok, err := a.Refundable(context.Background(), lock)
	if err != nil {
		t.Fatalf("Refundable failed: %v", err)
	}
	if ok {
		t.Error("lock should not be refundable below its height")
	}

	srv.height = 851000
	ok, err = a.Refundable(context.Background(), lock)
	if err != nil {
		t.Fatalf("Refundable failed: %v", err)
	}
	if !ok {
		t.Error("lock should be refundable at its height")
	}
}

func TestRefundAlreadyClaimed(t *testing.T) {
	wallet := newFixedKeys(0x10)
	var secret [32]byte
	lock := testLock(t, wallet, newFixedKeys(0x20), secret, 851000)

	srv := &testServer{height: 851010, broadcastErr: "bad-txns-inputs-missingorspent"}
	a := newTestAdapter(t, srv.start(t), wallet)

	_, err := a.Refund(context.Background(), lock, "")
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestRefundBroadcast(t *testing.T) {
	wallet := newFixedKeys(0x10)
	var secret [32]byte
	lock := testLock(t, wallet, newFixedKeys(0x20), secret, 851000)

	srv := &testServer{height: 851010}
	hs := srv.start(t)
	a := newTestAdapter(t, hs, wallet)

	txid, err := a.Refund(context.Background(), lock, "")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if txid == "" {
		t.Error("empty txid")
	}

	raw, _ := srv.lastRawTx.Load().(string)
	tx, err := htlc.DeserializeTx(raw)
	if err != nil {
		t.Fatalf("broadcast body is not a valid tx: %v", err)
	}
	if tx.Version != 2 || tx.LockTime != 851000 {
		t.Errorf("version=%d locktime=%d, want 2/851000", tx.Version, tx.LockTime)
	}
	if len(tx.TxIn[0].Witness) != 3 {
		t.Errorf("refund witness has %d items, want 3", len(tx.TxIn[0].Witness))
	}
}

func TestCodecRoundTrips(t *testing.T) {
	makerPub := newFixedKeys(0x20).priv.PubKey().SerializeCompressed()

	up := &UTXOParams{RecipientKey: makerPub, TimelockHeight: 851000, FeeRateHint: 7}
	blob, err := EncodeUTXOParams(up)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeUTXOParams(blob)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !strings.EqualFold(hex.EncodeToString(got.RecipientKey), hex.EncodeToString(makerPub)) ||
		got.TimelockHeight != 851000 || got.FeeRateHint != 7 {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	r := NewRegistry()
	cc, err := r.CodecFor("ETH", chain.Mainnet)
	if err != nil {
		t.Fatalf("CodecFor(ETH) failed: %v", err)
	}
	cb, err := cc.Encode(&ContractParams{Target: "0xabc", Method: "fund", GasLimit: 100_000})
	if err != nil {
		t.Fatalf("contract encode failed: %v", err)
	}
	cv, err := cc.Decode(cb)
	if err != nil {
		t.Fatalf("contract decode failed: %v", err)
	}
	if cv.(*ContractParams).Method != "fund" {
		t.Error("contract roundtrip mismatch")
	}
	if _, err := cc.Decode([]byte(`{"target":""}`)); err == nil {
		t.Error("expected contract validation error")
	}

	ac, err := r.CodecFor("NEAR", chain.Mainnet)
	if err != nil {
		t.Fatalf("CodecFor(NEAR) failed: %v", err)
	}
	ab, err := ac.Encode(&AccountParams{Receiver: "maker.near", Memo: "swap"})
	if err != nil {
		t.Fatalf("account encode failed: %v", err)
	}
	av, err := ac.Decode(ab)
	if err != nil {
		t.Fatalf("account decode failed: %v", err)
	}
	if av.(*AccountParams).Receiver != "maker.near" {
		t.Error("account roundtrip mismatch")
	}
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()

	if _, err := r.AdapterFor("BTC", chain.Mainnet); !errors.Is(err, ErrNoAdapter) {
		t.Errorf("err = %v, want ErrNoAdapter", err)
	}

	srv := (&testServer{height: 850010}).start(t)
	a := newTestAdapter(t, srv, newFixedKeys(0x10))
	r.RegisterAdapter(a)

	got, err := r.AdapterFor("LTC", chain.Mainnet)
	if err != nil {
		t.Fatalf("AdapterFor(LTC) failed: %v", err)
	}
	if got.Family() != chain.FamilyUTXO {
		t.Errorf("family = %s", got.Family())
	}

	if _, err := r.AdapterFor("NOPE", chain.Mainnet); err == nil {
		t.Error("expected unknown-chain error")
	}
	if _, err := r.CodecFor("BTC", chain.Mainnet); err != nil {
		t.Errorf("CodecFor(BTC) failed: %v", err)
	}
}
