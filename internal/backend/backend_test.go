package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
)

func newMempoolServer(t *testing.T, height int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", height)
	})
	mux.HandleFunc("/address/tb1qtest/utxo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"txid":"aa11","vout":0,"status":{"confirmed":true,"block_height":99},"value":50000},
			{"txid":"bb22","vout":1,"status":{"confirmed":false},"value":7000}
		]`)
	})
	mux.HandleFunc("/v1/fees/recommended", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"fastestFee":25,"halfHourFee":18,"hourFee":12,"economyFee":5,"minimumFee":1}`)
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "sendrawtransaction RPC error: bad-txns-inputs-missingorspent")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestMempoolBackend(t *testing.T) {
	server := newMempoolServer(t, 100)
	m := NewMempoolBackend(server.URL)
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.IsConnected() {
		t.Error("IsConnected = false after Connect")
	}

	height, err := m.GetBlockHeight(ctx)
	if err != nil {
		t.Fatalf("GetBlockHeight failed: %v", err)
	}
	if height != 100 {
		t.Errorf("height = %d, want 100", height)
	}

	utxos, err := m.GetAddressUTXOs(ctx, "tb1qtest")
	if err != nil {
		t.Fatalf("GetAddressUTXOs failed: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	// Confirmed at height 99 with tip at 100 means 2 confirmations.
	if utxos[0].Confirmations != 2 {
		t.Errorf("confirmations = %d, want 2", utxos[0].Confirmations)
	}
	if utxos[1].Confirmations != 0 {
		t.Errorf("mempool utxo confirmations = %d, want 0", utxos[1].Confirmations)
	}

	fees, err := m.GetFeeEstimates(ctx)
	if err != nil {
		t.Fatalf("GetFeeEstimates failed: %v", err)
	}
	if fees.FastestFee != 25 || fees.MinimumFee != 1 {
		t.Errorf("unexpected fees: %+v", fees)
	}
}

func TestMempoolBroadcastSpentConflict(t *testing.T) {
	server := newMempoolServer(t, 100)
	m := NewMempoolBackend(server.URL)

	_, err := m.BroadcastTransaction(context.Background(), "0200deadbeef")
	if !errors.Is(err, ErrAlreadySpent) {
		t.Errorf("err = %v, want ErrAlreadySpent", err)
	}
}

func TestIsSpentConflict(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"sendrawtransaction RPC error: bad-txns-inputs-missingorspent", true},
		{"txn-mempool-conflict", true},
		{"missing-inputs", true},
		{"dust output", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isSpentConflict(tt.msg); got != tt.want {
			t.Errorf("isSpentConflict(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestBlockbookBackend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"blockbook":{"bestHeight":5100000}}`)
	})
	mux.HandleFunc("/utxo/DTest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"txid":"cc33","vout":2,"value":"123456789","height":5099990,"confirmations":11}]`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	b := NewBlockbookBackend(server.URL)
	ctx := context.Background()

	height, err := b.GetBlockHeight(ctx)
	if err != nil {
		t.Fatalf("GetBlockHeight failed: %v", err)
	}
	if height != 5100000 {
		t.Errorf("height = %d, want 5100000", height)
	}

	utxos, err := b.GetAddressUTXOs(ctx, "DTest")
	if err != nil {
		t.Fatalf("GetAddressUTXOs failed: %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1", len(utxos))
	}
	if utxos[0].Amount != 123456789 {
		t.Errorf("amount = %d, want 123456789", utxos[0].Amount)
	}
	if utxos[0].Confirmations != 11 {
		t.Errorf("confirmations = %d, want 11", utxos[0].Confirmations)
	}
}

func TestEsploraFeeEstimates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"1":30.5,"3":20.1,"6":11.0,"144":3.2}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	e := NewEsploraBackend(server.URL)
	fees, err := e.GetFeeEstimates(context.Background())
	if err != nil {
		t.Fatalf("GetFeeEstimates failed: %v", err)
	}
	if fees.FastestFee != 30 {
		t.Errorf("fastest = %d, want 30", fees.FastestFee)
	}
	if fees.EconomyFee != 3 {
		t.Errorf("economy = %d, want 3", fees.EconomyFee)
	}
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	b := WithBreaker(NewMempoolBackend(server.URL), "BTC")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.GetBlockHeight(ctx); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Breaker is open now; further calls must not reach the server.
	before := calls
	if _, err := b.GetBlockHeight(ctx); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want open-breaker error", err)
	}
	if calls != before {
		t.Error("open breaker still forwarded the call")
	}
}

func TestBreakerIgnoresSemanticErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	b := WithBreaker(NewMempoolBackend(server.URL), "BTC")
	ctx := context.Background()

	// Not-found answers must never trip the breaker.
	for i := 0; i < 10; i++ {
		_, err := b.GetTransaction(ctx, "00")
		if !errors.Is(err, ErrAddressNotFound) && !errors.Is(err, ErrTxNotFound) {
			t.Fatalf("call %d: err = %v, want not-found", i, err)
		}
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry("mainnet")

	for _, symbol := range []string{"BTC", "LTC", "DOGE"} {
		b, ok := r.Get(symbol)
		if !ok {
			t.Errorf("no backend for %s", symbol)
			continue
		}
		if _, isBreaker := b.(*BreakerBackend); !isBreaker {
			t.Errorf("%s backend is not breaker-wrapped", symbol)
		}
	}

	if _, ok := r.Get("ETH"); ok {
		t.Error("EVM chains must not get explorer backends")
	}
}
