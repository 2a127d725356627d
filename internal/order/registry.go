package order

import (
	"encoding/hex"
	"sync"
)

// Registry is the mutex-guarded in-memory view of orders the resolver is
// tracking. Persistence lives in the storage package; the registry is the
// hot working set.
type Registry struct {
	mu     sync.RWMutex
	orders map[[32]byte]*SwapOrder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{orders: make(map[[32]byte]*SwapOrder)}
}

// Put inserts or replaces an order.
func (r *Registry) Put(o *SwapOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.OrderHash] = o.Clone()
}

// Get returns a copy of the order, or ErrOrderNotFound.
func (r *Registry) Get(hash [32]byte) (*SwapOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[hash]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// SetStatus transitions an order's status. Terminal orders reject further
// transitions; matching an already matched order reports the race
// explicitly so callers can back off.
func (r *Registry) SetStatus(hash [32]byte, status Status, resolver string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[hash]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return ErrOrderTerminal
	}
	if status == StatusMatched && o.Status == StatusMatched && o.Resolver != resolver {
		return ErrOrderAlreadyMatched
	}

	o.Status = status
	if resolver != "" {
		o.Resolver = resolver
	}
	return nil
}

// List returns copies of all orders with the given status; an empty status
// returns everything.
func (r *Registry) List(status Status) []*SwapOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*SwapOrder
	for _, o := range r.orders {
		if status == "" || o.Status == status {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Delete removes an order from the working set.
func (r *Registry) Delete(hash [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, hash)
}

// Len returns the number of tracked orders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// HashString renders an order hash for logs.
func HashString(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
