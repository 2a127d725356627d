package escrow

import "sync"

type key struct {
	hash [32]byte
	side Side
}

// Ledger is the in-memory view of escrow legs in flight, keyed by order hash
// and side. Persistence lives in the storage package.
type Ledger struct {
	mu      sync.RWMutex
	records map[key]*Record
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[key]*Record)}
}

// Put inserts or replaces a record.
func (l *Ledger) Put(r *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key{r.OrderHash, r.Side}] = r.Clone()
}

// Get returns a copy of the record for an order's side, or ErrEscrowNotFound.
func (l *Ledger) Get(orderHash [32]byte, side Side) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[key{orderHash, side}]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return r.Clone(), nil
}

// Update applies fn to the stored record under the lock. fn sees the live
// record; returning an error leaves nothing half-applied only if fn itself
// mutates nothing before failing.
func (l *Ledger) Update(orderHash [32]byte, side Side, fn func(*Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[key{orderHash, side}]
	if !ok {
		return ErrEscrowNotFound
	}
	return fn(r)
}

// Pending returns copies of all non-terminal records.
func (l *Ledger) Pending() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for _, r := range l.records {
		if !r.State.Terminal() {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Delete removes both sides of an order from the working set.
func (l *Ledger) Delete(orderHash [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key{orderHash, SideSource})
	delete(l.records, key{orderHash, SideDestination})
}
