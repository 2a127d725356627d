package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/chain"
	"github.com/crossmesh/fusion-resolver/internal/escrow"
	"github.com/crossmesh/fusion-resolver/internal/htlc"
	"github.com/crossmesh/fusion-resolver/internal/order"
)

// SaveEscrow inserts or updates an escrow leg.
func (s *Storage) SaveEscrow(r *escrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timelocks, err := encodeTimelocks(r.Timelocks)
	if err != nil {
		return fmt.Errorf("failed to encode timelocks: %w", err)
	}

	var secret string
	if r.Secret != nil {
		secret = hex.EncodeToString(r.Secret[:])
	}

	_, err = s.db.Exec(`
		INSERT INTO escrows (
			order_hash, side, chain, network, hashlock,
			maker, taker, asset, amount, safety_deposit,
			address, state, timelocks,
			lock_txid, claim_txid, refund_txid, secret,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_hash, side) DO UPDATE SET
			state = excluded.state,
			address = excluded.address,
			lock_txid = excluded.lock_txid,
			claim_txid = excluded.claim_txid,
			refund_txid = excluded.refund_txid,
			secret = CASE WHEN excluded.secret != '' THEN excluded.secret ELSE secret END,
			updated_at = excluded.updated_at
	`,
		order.HashString(r.OrderHash), string(r.Side), r.Chain, string(r.Network),
		hex.EncodeToString(r.Hashlock[:]),
		r.Maker, r.Taker, r.Asset, bigString(r.Amount), bigString(r.SafetyDeposit),
		r.Address, string(r.State), timelocks,
		r.LockTx, r.ClaimTx, r.RefundTx, secret,
		r.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save escrow: %w", err)
	}
	return nil
}

// GetEscrow retrieves one leg of an order's escrow pair.
func (s *Storage) GetEscrow(orderHash [32]byte, side escrow.Side) (*escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT order_hash, side, chain, network, hashlock,
			maker, taker, asset, amount, safety_deposit,
			address, state, timelocks,
			lock_txid, claim_txid, refund_txid, secret, created_at
		FROM escrows WHERE order_hash = ? AND side = ?
	`, order.HashString(orderHash), string(side))

	return scanEscrow(row)
}

// PendingEscrows returns every leg that is not in a terminal state, for
// restart recovery.
func (s *Storage) PendingEscrows() ([]*escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_hash, side, chain, network, hashlock,
			maker, taker, asset, amount, safety_deposit,
			address, state, timelocks,
			lock_txid, claim_txid, refund_txid, secret, created_at
		FROM escrows WHERE state = ? ORDER BY created_at
	`, string(escrow.StateInitialized))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending escrows: %w", err)
	}
	defer rows.Close()

	var out []*escrow.Record
	for rows.Next() {
		r, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanEscrow(row scanner) (*escrow.Record, error) {
	var (
		r                            escrow.Record
		hashHex, side, network       string
		lockHex, state               string
		amount, deposit              sql.NullString
		addr, timelocks              sql.NullString
		lockTx, claimTx, refundTx    sql.NullString
		maker, taker, asset, secret  sql.NullString
		createdAt                    int64
	)

	err := row.Scan(
		&hashHex, &side, &r.Chain, &network, &lockHex,
		&maker, &taker, &asset, &amount, &deposit,
		&addr, &state, &timelocks,
		&lockTx, &claimTx, &refundTx, &secret, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}

	if err := decodeHash32(hashHex, &r.OrderHash); err != nil {
		return nil, fmt.Errorf("bad order hash: %w", err)
	}
	if err := decodeHash32(lockHex, &r.Hashlock); err != nil {
		return nil, fmt.Errorf("bad hashlock: %w", err)
	}
	if timelocks.Valid && timelocks.String != "" {
		sched, err := decodeTimelocks(timelocks.String)
		if err != nil {
			return nil, fmt.Errorf("bad timelocks: %w", err)
		}
		r.Timelocks = *sched
	}
	if secret.Valid && secret.String != "" {
		var sec [32]byte
		if err := decodeHash32(secret.String, &sec); err != nil {
			return nil, fmt.Errorf("bad secret: %w", err)
		}
		r.Secret = &sec
	}

	r.Side = escrow.Side(side)
	r.Network = chain.Network(network)
	r.State = escrow.State(state)
	r.Maker = maker.String
	r.Taker = taker.String
	r.Asset = asset.String
	r.Amount = parseBig(amount)
	r.SafetyDeposit = parseBig(deposit)
	r.Address = addr.String
	r.LockTx = lockTx.String
	r.ClaimTx = claimTx.String
	r.RefundTx = refundTx.String
	r.CreatedAt = time.Unix(createdAt, 0)
	return &r, nil
}

// encodeTimelocks stores the schedule as a JSON array of unix seconds. A
// zero schedule stores as empty.
func encodeTimelocks(s htlc.TimelockSchedule) (string, error) {
	stages := s.Stages()
	if !htlc.MonotonicStages(stages) {
		return "", nil
	}
	secs := make([]int64, len(stages))
	for i, st := range stages {
		secs[i] = st.Unix()
	}
	raw, err := json.Marshal(secs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeTimelocks(raw string) (*htlc.TimelockSchedule, error) {
	var secs []int64
	if err := json.Unmarshal([]byte(raw), &secs); err != nil {
		return nil, err
	}
	stages := make([]time.Time, len(secs))
	for i, s := range secs {
		stages[i] = time.Unix(s, 0)
	}
	return htlc.ScheduleFromStages(stages)
}
