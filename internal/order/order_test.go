package order

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func testOrder(b byte) *SwapOrder {
	var hash [32]byte
	hash[0] = b
	return &SwapOrder{
		OrderHash:     hash,
		Maker:         "0xmaker",
		SourceChain:   "ETH",
		SourceAmount:  big.NewInt(1000000),
		DestChain:     "BTC",
		DestAmount:    big.NewInt(150000),
		DestRecipient: "tb1qmaker",
		ResolverFee:   big.NewInt(5000),
		SafetyDeposit: big.NewInt(10000),
		CreatedAt:     time.Now(),
		Expiry:        time.Now().Add(12 * time.Hour),
		Status:        StatusCreated,
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusCreated, false},
		{StatusMatched, false},
		{StatusCompleted, true},
		{StatusCancelled, true},
		{StatusExpired, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRegistryPutGet(t *testing.T) {
	r := NewRegistry()
	o := testOrder(1)
	r.Put(o)

	got, err := r.Get(o.OrderHash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Maker != o.Maker {
		t.Errorf("maker = %s, want %s", got.Maker, o.Maker)
	}

	// Returned copies must not alias registry state.
	got.SourceAmount.SetInt64(1)
	again, _ := r.Get(o.OrderHash)
	if again.SourceAmount.Int64() != 1000000 {
		t.Error("mutating a Get result leaked into the registry")
	}

	var missing [32]byte
	missing[0] = 0xFF
	if _, err := r.Get(missing); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestRegistrySetStatus(t *testing.T) {
	r := NewRegistry()
	o := testOrder(2)
	r.Put(o)

	if err := r.SetStatus(o.OrderHash, StatusMatched, "0xus"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	got, _ := r.Get(o.OrderHash)
	if got.Status != StatusMatched || got.Resolver != "0xus" {
		t.Errorf("got %s/%s, want matched/0xus", got.Status, got.Resolver)
	}

	// Another resolver matching the same order is a race, not a transition.
	err := r.SetStatus(o.OrderHash, StatusMatched, "0xother")
	if !errors.Is(err, ErrOrderAlreadyMatched) {
		t.Errorf("err = %v, want ErrOrderAlreadyMatched", err)
	}

	if err := r.SetStatus(o.OrderHash, StatusCompleted, ""); err != nil {
		t.Fatalf("SetStatus to completed failed: %v", err)
	}

	// Terminal orders stay terminal.
	err = r.SetStatus(o.OrderHash, StatusCancelled, "")
	if !errors.Is(err, ErrOrderTerminal) {
		t.Errorf("err = %v, want ErrOrderTerminal", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	for i := byte(0); i < 5; i++ {
		r.Put(testOrder(i))
	}
	r.SetStatus(testOrder(0).OrderHash, StatusMatched, "0xus")

	if n := len(r.List(StatusCreated)); n != 4 {
		t.Errorf("created = %d, want 4", n)
	}
	if n := len(r.List(StatusMatched)); n != 1 {
		t.Errorf("matched = %d, want 1", n)
	}
	if n := len(r.List("")); n != 5 {
		t.Errorf("all = %d, want 5", n)
	}
	if r.Len() != 5 {
		t.Errorf("Len = %d, want 5", r.Len())
	}
}

func TestExpiresWithin(t *testing.T) {
	o := testOrder(3)
	o.Expiry = time.Now().Add(30 * time.Minute)

	if !o.ExpiresWithin(time.Hour) {
		t.Error("order expiring in 30m should be within 1h")
	}
	if o.ExpiresWithin(10 * time.Minute) {
		t.Error("order expiring in 30m should not be within 10m")
	}
}
