package escrowfactory

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// How often the polling fallback scans for new logs on HTTP-only endpoints.
const defaultPollInterval = 5 * time.Second

// EventKind discriminates the factory's log types.
type EventKind string

const (
	KindOrderCreated   EventKind = "orderCreated"
	KindOrderMatched   EventKind = "orderMatched"
	KindOrderCompleted EventKind = "orderCompleted"
	KindOrderCancelled EventKind = "orderCancelled"
)

// OrderCreatedEvent mirrors the OrderCreated log.
type OrderCreatedEvent struct {
	OrderHash       [32]byte
	Maker           common.Address
	SourceAmount    *big.Int
	DestChain       string
	DestAmount      *big.Int
	DestRecipient   string
	Hashlock        [32]byte
	ExecutionParams []byte
	ResolverFee     *big.Int
	SafetyDeposit   *big.Int
	Expiry          *big.Int
	Raw             types.Log
}

// OrderMatchedEvent mirrors the OrderMatched log.
type OrderMatchedEvent struct {
	OrderHash     [32]byte
	Resolver      common.Address
	SafetyDeposit *big.Int
	Raw           types.Log
}

// OrderCompletedEvent mirrors the OrderCompleted log. Secret is the revealed
// hashlock preimage.
type OrderCompletedEvent struct {
	OrderHash [32]byte
	Resolver  common.Address
	Secret    [32]byte
	Raw       types.Log
}

// OrderCancelledEvent mirrors the OrderCancelled log.
type OrderCancelledEvent struct {
	OrderHash [32]byte
	Raw       types.Log
}

// Event is one factory log, decoded. Exactly one of the typed fields is set,
// matching Kind.
type Event struct {
	Kind      EventKind
	OrderHash [32]byte
	Block     uint64
	TxHash    common.Hash

	Created   *OrderCreatedEvent
	Matched   *OrderMatchedEvent
	Completed *OrderCompletedEvent
	Cancelled *OrderCancelledEvent
}

// factoryQuery matches all four factory event types.
func (c *Client) factoryQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{{
			orderCreatedID, orderMatchedID, orderCompletedID, orderCancelledID,
		}},
		FromBlock: from,
		ToBlock:   to,
	}
}

// parseLog decodes a raw factory log into an Event. Logs with an unknown
// topic return nil without error so callers can skip them.
func (c *Client) parseLog(lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	switch lg.Topics[0] {
	case orderCreatedID:
		var ev OrderCreatedEvent
		if err := c.bound.UnpackLog(&ev, "OrderCreated", lg); err != nil {
			return nil, fmt.Errorf("failed to unpack OrderCreated: %w", err)
		}
		ev.Raw = lg
		return &Event{
			Kind: KindOrderCreated, OrderHash: ev.OrderHash,
			Block: lg.BlockNumber, TxHash: lg.TxHash, Created: &ev,
		}, nil

	case orderMatchedID:
		var ev OrderMatchedEvent
		if err := c.bound.UnpackLog(&ev, "OrderMatched", lg); err != nil {
			return nil, fmt.Errorf("failed to unpack OrderMatched: %w", err)
		}
		ev.Raw = lg
		return &Event{
			Kind: KindOrderMatched, OrderHash: ev.OrderHash,
			Block: lg.BlockNumber, TxHash: lg.TxHash, Matched: &ev,
		}, nil

	case orderCompletedID:
		var ev OrderCompletedEvent
		if err := c.bound.UnpackLog(&ev, "OrderCompleted", lg); err != nil {
			return nil, fmt.Errorf("failed to unpack OrderCompleted: %w", err)
		}
		ev.Raw = lg
		return &Event{
			Kind: KindOrderCompleted, OrderHash: ev.OrderHash,
			Block: lg.BlockNumber, TxHash: lg.TxHash, Completed: &ev,
		}, nil

	case orderCancelledID:
		var ev OrderCancelledEvent
		if err := c.bound.UnpackLog(&ev, "OrderCancelled", lg); err != nil {
			return nil, fmt.Errorf("failed to unpack OrderCancelled: %w", err)
		}
		ev.Raw = lg
		return &Event{
			Kind: KindOrderCancelled, OrderHash: ev.OrderHash,
			Block: lg.BlockNumber, TxHash: lg.TxHash, Cancelled: &ev,
		}, nil
	}
	return nil, nil
}

// FilterEvents returns decoded factory events in the block range [from, to],
// in log order. Used for gap reconciliation after reconnects.
func (c *Client) FilterEvents(ctx context.Context, from, to uint64) ([]*Event, error) {
	q := c.factoryQuery(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to))
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter factory logs: %w", err)
	}

	events := make([]*Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := c.parseLog(lg)
		if err != nil {
			c.log.Warn("skipping malformed factory log",
				"block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// WatchEvents streams factory events into sink until ctx is cancelled. It
// prefers a live log subscription and falls back to polling FilterLogs when
// the endpoint does not support subscriptions (plain HTTP).
func (c *Client) WatchEvents(ctx context.Context, fromBlock uint64, sink chan<- *Event) error {
	logs := make(chan types.Log, 64)
	sub, err := c.eth.SubscribeFilterLogs(ctx, c.factoryQuery(nil, nil), logs)
	if err != nil {
		c.log.Info("log subscription unavailable, polling instead", "error", err)
		return c.pollEvents(ctx, fromBlock, sink)
	}
	defer sub.Unsubscribe()
	c.log.Debug("subscribed to factory logs")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("factory log subscription failed: %w", err)
		case lg := <-logs:
			if lg.Removed {
				continue
			}
			ev, err := c.parseLog(lg)
			if err != nil {
				c.log.Warn("skipping malformed factory log",
					"block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "error", err)
				continue
			}
			if ev == nil {
				continue
			}
			select {
			case sink <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pollEvents is the HTTP fallback: scan [last+1, head] on a ticker.
func (c *Client) pollEvents(ctx context.Context, fromBlock uint64, sink chan<- *Event) error {
	last := fromBlock
	if last > 0 {
		last--
	}

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		head, err := c.eth.BlockNumber(ctx)
		if err != nil {
			c.log.Warn("failed to get chain head while polling", "error", err)
			continue
		}
		if head <= last {
			continue
		}

		events, err := c.FilterEvents(ctx, last+1, head)
		if err != nil {
			c.log.Warn("failed to poll factory logs",
				"from", last+1, "to", head, "error", err)
			continue
		}
		for _, ev := range events {
			select {
			case sink <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		last = head
	}
}
