package utxo

import (
	"errors"
	"sync"
	"testing"

	"github.com/crossmesh/fusion-resolver/internal/backend"
)

func confirmedUTXOs(amounts ...uint64) []backend.UTXO {
	utxos := make([]backend.UTXO, len(amounts))
	for i, amt := range amounts {
		utxos[i] = backend.UTXO{
			TxID:          "tx",
			Vout:          uint32(i),
			Amount:        amt,
			Confirmations: 6,
		}
	}
	return utxos
}

func TestSelectGreedyDescending(t *testing.T) {
	s := NewSelector(1)
	available := confirmedUTXOs(5000, 3000, 2000)

	sel, err := s.Select(available, 6000, 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// Largest-first: 5000 alone misses 6000, adding 3000 covers it.
	if len(sel.UTXOs) != 2 {
		t.Fatalf("selected %d utxos, want 2", len(sel.UTXOs))
	}
	if sel.UTXOs[0].Amount != 5000 || sel.UTXOs[1].Amount != 3000 {
		t.Errorf("selected %d and %d, want 5000 and 3000", sel.UTXOs[0].Amount, sel.UTXOs[1].Amount)
	}
	if sel.Total != 8000 {
		t.Errorf("total = %d, want 8000", sel.Total)
	}
	if sel.Fee != 0 {
		t.Errorf("fee = %d, want 0 at zero rate", sel.Fee)
	}
}

func TestSelectAccountsForFees(t *testing.T) {
	s := NewSelector(1)

	// Plenty of leftover: the change output is priced into the fee.
	// One input, two outputs: (10 + 2*31 + 68) * 5 = 700.
	sel, err := s.Select(confirmedUTXOs(20000), 9000, 5)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	wantFee := uint64(TxOverheadVBytes+2*OutputVBytes+InputVBytes) * 5
	if sel.Fee != wantFee {
		t.Errorf("fee = %d, want %d", sel.Fee, wantFee)
	}

	// Leftover below dust: no change output, the remainder burns as fee.
	sel, err = s.Select(confirmedUTXOs(10000), 9000, 5)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Fee != 1000 {
		t.Errorf("fee = %d, want the full 1000 leftover", sel.Fee)
	}

	// Even the one-output fee cannot be covered: (10 + 31 + 68) * 5 = 545,
	// and 9500 + 545 > 10000.
	_, err = s.Select(confirmedUTXOs(10000), 9500, 5)
	var insufficientErr *InsufficientFundsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	minFee := uint64(TxOverheadVBytes+OutputVBytes+InputVBytes) * 5
	if insufficientErr.Shortfall != 9500+minFee-10000 {
		t.Errorf("shortfall = %d, want %d", insufficientErr.Shortfall, 9500+minFee-10000)
	}
}

func TestSelectAvoidsExtraInputForDustChange(t *testing.T) {
	s := NewSelector(1)
	available := confirmedUTXOs(5000, 3000, 2000)

	// At 10 sat/vB two inputs cost (10 + 31 + 2*68) * 10 = 1770 without a
	// change output. 5000 + 3000 covers 6000 + 1770, and the 230 leftover is
	// dust, so no third input is needed to pay for change.
	sel, err := s.Select(available, 6000, 10)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(sel.UTXOs) != 2 {
		t.Fatalf("selected %d utxos, want 2", len(sel.UTXOs))
	}
	if sel.UTXOs[0].Amount != 5000 || sel.UTXOs[1].Amount != 3000 {
		t.Errorf("selected %d and %d, want 5000 and 3000", sel.UTXOs[0].Amount, sel.UTXOs[1].Amount)
	}
	if sel.Fee != 2000 {
		t.Errorf("fee = %d, want 2000 with the leftover burned", sel.Fee)
	}
}

func TestSelectSkipsUnconfirmed(t *testing.T) {
	s := NewSelector(3)
	available := []backend.UTXO{
		{TxID: "a", Vout: 0, Amount: 50000, Confirmations: 1},
		{TxID: "b", Vout: 0, Amount: 20000, Confirmations: 6},
	}

	sel, err := s.Select(available, 10000, 1)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(sel.UTXOs) != 1 || sel.UTXOs[0].TxID != "b" {
		t.Errorf("selected %+v, want only the confirmed output", sel.UTXOs)
	}

	// Nothing spendable at all.
	_, err = s.Select(available[:1], 10000, 1)
	if !errors.Is(err, ErrNoUTXOs) {
		t.Errorf("err = %v, want ErrNoUTXOs", err)
	}
}

func TestReserveExcludesFromNextSelect(t *testing.T) {
	s := NewSelector(1)
	available := confirmedUTXOs(5000, 3000)

	first, err := s.Select(available, 4000, 0)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	s.Reserve(first)

	if s.Reserved() != 1 {
		t.Errorf("reserved = %d, want 1", s.Reserved())
	}

	// The 5000 output is taken; only 3000 remains, not enough for 4000.
	_, err = s.Select(available, 4000, 0)
	var insufficientErr *InsufficientFundsError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}

	s.Release(first)
	if s.Reserved() != 0 {
		t.Errorf("reserved = %d after release, want 0", s.Reserved())
	}

	if _, err := s.Select(available, 4000, 0); err != nil {
		t.Errorf("Select after release failed: %v", err)
	}
}

func TestSelectorConcurrentReservations(t *testing.T) {
	s := NewSelector(1)
	available := confirmedUTXOs(10000, 10000, 10000, 10000)

	var wg sync.WaitGroup
	selections := make(chan *Selection, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := s.SelectAndReserve(available, 9000, 1)
			if err != nil {
				return
			}
			selections <- sel
		}()
	}
	wg.Wait()
	close(selections)

	// However the races resolved, no output may be reserved twice.
	seen := make(map[string]bool)
	for sel := range selections {
		for _, u := range sel.UTXOs {
			key := u.TxID + string(rune(u.Vout))
			if seen[key] {
				t.Fatal("output reserved by two selections")
			}
			seen[key] = true
		}
	}
}
