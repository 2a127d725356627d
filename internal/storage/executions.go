package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/destchain"
	"github.com/crossmesh/fusion-resolver/internal/order"
)

// Execution errors
var (
	ErrExecutionNotFound = errors.New("execution not found")
)

// Execution is one swap attempt's persisted state machine row. The engine
// writes it at every state transition so a restart can resume mid-swap.
type Execution struct {
	ID        string
	OrderHash [32]byte
	State     string

	// DestLock references the destination-side HTLC once funded.
	DestLock *destchain.Lock

	// TxRefs collects transaction ids per chain symbol.
	TxRefs map[string][]string

	RealizedProfit *big.Int
	FailureReason  string

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// AddTxRef appends a transaction reference for a chain.
func (e *Execution) AddTxRef(chainSymbol, txid string) {
	if e.TxRefs == nil {
		e.TxRefs = make(map[string][]string)
	}
	e.TxRefs[chainSymbol] = append(e.TxRefs[chainSymbol], txid)
}

// SaveExecution inserts or updates an execution row.
func (s *Storage) SaveExecution(e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	destLock, err := jsonOrEmpty(e.DestLock)
	if err != nil {
		return fmt.Errorf("failed to encode dest lock: %w", err)
	}
	txRefs, err := jsonOrEmpty(e.TxRefs)
	if err != nil {
		return fmt.Errorf("failed to encode tx refs: %w", err)
	}

	var completed interface{}
	if e.CompletedAt != nil {
		completed = e.CompletedAt.Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO executions (
			id, order_hash, state, dest_lock, tx_refs,
			realized_profit, failure_reason,
			started_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			dest_lock = excluded.dest_lock,
			tx_refs = excluded.tx_refs,
			realized_profit = excluded.realized_profit,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		e.ID, order.HashString(e.OrderHash), e.State, destLock, txRefs,
		bigString(e.RealizedProfit), e.FailureReason,
		e.StartedAt.Unix(), time.Now().Unix(), completed,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (s *Storage) GetExecution(id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, order_hash, state, dest_lock, tx_refs,
			realized_profit, failure_reason,
			started_at, updated_at, completed_at
		FROM executions WHERE id = ?
	`, id)
	return scanExecution(row)
}

// LoadActiveExecutions returns executions that have not reached a terminal
// state, oldest first. The terminal states are passed in by the caller since
// storage does not own the state machine.
func (s *Storage) LoadActiveExecutions(terminalStates ...string) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, order_hash, state, dest_lock, tx_refs,
			realized_profit, failure_reason,
			started_at, updated_at, completed_at
		FROM executions`
	args := make([]interface{}, 0, len(terminalStates))
	if len(terminalStates) > 0 {
		query += " WHERE state NOT IN (?" + repeatPlaceholder(len(terminalStates)-1) + ")"
		for _, st := range terminalStates {
			args = append(args, st)
		}
	}
	query += " ORDER BY started_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveExecutionForOrder returns the most recent non-terminal execution for
// an order, or ErrExecutionNotFound.
func (s *Storage) ActiveExecutionForOrder(orderHash [32]byte, terminalStates ...string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, order_hash, state, dest_lock, tx_refs,
			realized_profit, failure_reason,
			started_at, updated_at, completed_at
		FROM executions WHERE order_hash = ?`
	args := []interface{}{order.HashString(orderHash)}
	if len(terminalStates) > 0 {
		query += " AND state NOT IN (?" + repeatPlaceholder(len(terminalStates)-1) + ")"
		for _, st := range terminalStates {
			args = append(args, st)
		}
	}
	query += " ORDER BY started_at DESC LIMIT 1"

	return scanExecution(s.db.QueryRow(query, args...))
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		e                      Execution
		hashHex                string
		destLock, txRefs       sql.NullString
		profit, failure        sql.NullString
		startedAt, updatedAt   int64
		completedAt            sql.NullInt64
	)

	err := row.Scan(
		&e.ID, &hashHex, &e.State, &destLock, &txRefs,
		&profit, &failure, &startedAt, &updatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if err := decodeHash32(hashHex, &e.OrderHash); err != nil {
		return nil, fmt.Errorf("bad order hash: %w", err)
	}
	if destLock.Valid && destLock.String != "" {
		var lock destchain.Lock
		if err := json.Unmarshal([]byte(destLock.String), &lock); err != nil {
			return nil, fmt.Errorf("bad dest lock: %w", err)
		}
		e.DestLock = &lock
	}
	if txRefs.Valid && txRefs.String != "" {
		if err := json.Unmarshal([]byte(txRefs.String), &e.TxRefs); err != nil {
			return nil, fmt.Errorf("bad tx refs: %w", err)
		}
	}

	e.RealizedProfit = parseBig(profit)
	e.FailureReason = failure.String
	e.StartedAt = time.Unix(startedAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		e.CompletedAt = &t
	}
	return &e, nil
}

// jsonOrEmpty marshals v, returning "" for nil values so the column stays
// NULL-ish rather than holding "null".
func jsonOrEmpty(v interface{}) (string, error) {
	switch x := v.(type) {
	case *destchain.Lock:
		if x == nil {
			return "", nil
		}
	case map[string][]string:
		if len(x) == 0 {
			return "", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
