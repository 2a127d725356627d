// Package storage - order persistence.
package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/order"
)

// Order errors
var (
	ErrOrderNotFound = errors.New("order not found")
)

// SaveOrder inserts or updates an order.
func (s *Storage) SaveOrder(o *order.SwapOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO orders (
			order_hash, maker, status,
			source_chain, source_amount, dest_chain, dest_amount, dest_recipient,
			hashlock, execution_params, resolver_fee, safety_deposit, resolver,
			created_at, expires_at, updated_at, created_block, created_tx
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_hash) DO UPDATE SET
			status = excluded.status,
			resolver = excluded.resolver,
			updated_at = excluded.updated_at
	`,
		order.HashString(o.OrderHash), o.Maker, string(o.Status),
		o.SourceChain, bigString(o.SourceAmount),
		o.DestChain, bigString(o.DestAmount), o.DestRecipient,
		hex.EncodeToString(o.Hashlock[:]), o.ExecutionParams,
		bigString(o.ResolverFee), bigString(o.SafetyDeposit), o.Resolver,
		o.CreatedAt.Unix(), o.Expiry.Unix(), time.Now().Unix(),
		o.CreatedBlock, o.CreatedTx,
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by hash.
func (s *Storage) GetOrder(orderHash [32]byte) (*order.SwapOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT order_hash, maker, status,
			source_chain, source_amount, dest_chain, dest_amount, dest_recipient,
			hashlock, execution_params, resolver_fee, safety_deposit, resolver,
			created_at, expires_at, created_block, created_tx
		FROM orders WHERE order_hash = ?
	`, order.HashString(orderHash))

	return scanOrder(row)
}

// ListOrdersByStatus returns all orders with the given status; an empty
// status returns everything.
func (s *Storage) ListOrdersByStatus(status order.Status) ([]*order.SwapOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT order_hash, maker, status,
			source_chain, source_amount, dest_chain, dest_amount, dest_recipient,
			hashlock, execution_params, resolver_fee, safety_deposit, resolver,
			created_at, expires_at, created_block, created_tx
		FROM orders`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*order.SwapOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetOrderStatus updates an order's status and matched resolver.
func (s *Storage) SetOrderStatus(orderHash [32]byte, status order.Status, resolver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE orders SET status = ?, resolver = CASE WHEN ? != '' THEN ? ELSE resolver END,
			updated_at = ?
		WHERE order_hash = ?
	`, string(status), resolver, resolver, time.Now().Unix(), order.HashString(orderHash))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// scanner lets scanOrder work on both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*order.SwapOrder, error) {
	var (
		o                                  order.SwapOrder
		hashHex, lockHex, status           string
		srcAmt, dstAmt, fee, deposit       sql.NullString
		recipient, resolver, createdTx     sql.NullString
		params                             []byte
		createdAt, expiresAt, createdBlock int64
	)

	err := row.Scan(
		&hashHex, &o.Maker, &status,
		&o.SourceChain, &srcAmt, &o.DestChain, &dstAmt, &recipient,
		&lockHex, &params, &fee, &deposit, &resolver,
		&createdAt, &expiresAt, &createdBlock, &createdTx,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	if err := decodeHash32(hashHex, &o.OrderHash); err != nil {
		return nil, fmt.Errorf("bad order hash: %w", err)
	}
	if err := decodeHash32(lockHex, &o.Hashlock); err != nil {
		return nil, fmt.Errorf("bad hashlock: %w", err)
	}

	o.Status = order.Status(status)
	o.SourceAmount = parseBig(srcAmt)
	o.DestAmount = parseBig(dstAmt)
	o.ResolverFee = parseBig(fee)
	o.SafetyDeposit = parseBig(deposit)
	o.DestRecipient = recipient.String
	o.Resolver = resolver.String
	o.ExecutionParams = params
	o.CreatedAt = time.Unix(createdAt, 0)
	o.Expiry = time.Unix(expiresAt, 0)
	o.CreatedBlock = uint64(createdBlock)
	o.CreatedTx = createdTx.String
	return &o, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(v sql.NullString) *big.Int {
	if !v.Valid || v.String == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil
	}
	return n
}

func decodeHash32(s string, out *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}
