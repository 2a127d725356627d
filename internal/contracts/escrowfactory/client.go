package escrowfactory

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/crossmesh/fusion-resolver/internal/order"
	"github.com/crossmesh/fusion-resolver/pkg/logging"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// On-chain order status values.
const (
	statusCreated   = 0
	statusMatched   = 1
	statusCompleted = 2
	statusCancelled = 3
)

// Client talks to the escrow factory contract on the source chain. Bindings
// are hand-rolled over bind.BoundContract so the contract surface stays in
// one place instead of a generated file.
type Client struct {
	eth      *ethclient.Client
	bound    *bind.BoundContract
	address  common.Address
	chainID  *big.Int
	symbol   string
	privKey  *ecdsa.PrivateKey
	resolver common.Address
	log      *logging.Logger
}

// Config holds what the client needs to reach the factory.
type Config struct {
	RPCURL          string
	ContractAddress string
	ChainSymbol     string // registry symbol of the source chain, e.g. "ETH"
	PrivateKey      string // hex, no 0x prefix; empty for a read-only client
}

// New dials the source chain and binds the factory contract.
func New(ctx context.Context, cfg Config, log *logging.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.RPCURL, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	c := &Client{
		eth:     eth,
		bound:   bind.NewBoundContract(addr, parsedABI, eth, eth, eth),
		address: addr,
		chainID: chainID,
		symbol:  cfg.ChainSymbol,
		log:     log.With("contract", addr.Hex(), "chain", cfg.ChainSymbol),
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("invalid resolver key: %w", err)
		}
		c.privKey = key
		c.resolver = crypto.PubkeyToAddress(key.PublicKey)
	}

	c.log.Info("connected to escrow factory", "chain_id", chainID)
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ResolverAddress returns the address transactions are signed with.
func (c *Client) ResolverAddress() common.Address {
	return c.resolver
}

// ContractAddress returns the factory address.
func (c *Client) ContractAddress() common.Address {
	return c.address
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// GetOrder fetches the full order record for a hash. Orders the factory has
// never seen come back as order.ErrOrderNotFound.
func (c *Client) GetOrder(ctx context.Context, orderHash [32]byte) (*order.SwapOrder, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getOrder", orderHash)
	if err != nil {
		return nil, fmt.Errorf("getOrder call failed: %w", err)
	}

	maker := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if maker == (common.Address{}) {
		return nil, order.ErrOrderNotFound
	}

	expiry := *abi.ConvertType(out[9], new(*big.Int)).(**big.Int)
	o := &order.SwapOrder{
		OrderHash:       orderHash,
		Maker:           maker.Hex(),
		SourceChain:     c.symbol,
		SourceAmount:    *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		DestChain:       *abi.ConvertType(out[2], new(string)).(*string),
		DestAmount:      *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		DestRecipient:   *abi.ConvertType(out[4], new(string)).(*string),
		Hashlock:        *abi.ConvertType(out[5], new([32]byte)).(*[32]byte),
		ExecutionParams: *abi.ConvertType(out[6], new([]byte)).(*[]byte),
		ResolverFee:     *abi.ConvertType(out[7], new(*big.Int)).(**big.Int),
		SafetyDeposit:   *abi.ConvertType(out[8], new(*big.Int)).(**big.Int),
		Expiry:          time.Unix(expiry.Int64(), 0),
		Status:          contractStatus(*abi.ConvertType(out[10], new(uint8)).(*uint8)),
	}
	resolver := *abi.ConvertType(out[11], new(common.Address)).(*common.Address)
	if resolver != (common.Address{}) {
		o.Resolver = resolver.Hex()
	}
	return o, nil
}

// GetSupportedChains returns the destination chain symbols the factory
// accepts orders for.
func (c *Client) GetSupportedChains(ctx context.Context) ([]string, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getSupportedChains")
	if err != nil {
		return nil, fmt.Errorf("getSupportedChains call failed: %w", err)
	}
	return *abi.ConvertType(out[0], new([]string)).(*[]string), nil
}

// CalculateMinSafetyDeposit returns the deposit the factory requires to
// match an order of the given source amount.
func (c *Client) CalculateMinSafetyDeposit(ctx context.Context, amount *big.Int) (*big.Int, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "calculateMinSafetyDeposit", amount)
	if err != nil {
		return nil, fmt.Errorf("calculateMinSafetyDeposit call failed: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// EstimateExecutionCost returns the factory's cost estimate for delivering
// an order on the named destination chain, in source-chain wei.
func (c *Client) EstimateExecutionCost(ctx context.Context, orderHash [32]byte, destChain string) (*big.Int, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "estimateExecutionCost", orderHash, destChain)
	if err != nil {
		return nil, fmt.Errorf("estimateExecutionCost call failed: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// IsAuthorizedResolver reports whether the address is on the factory's
// resolver allowlist.
func (c *Client) IsAuthorizedResolver(ctx context.Context, resolver common.Address) (bool, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "isAuthorizedResolver", resolver)
	if err != nil {
		return false, fmt.Errorf("isAuthorizedResolver call failed: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// MinSafetyDepositBps returns the factory's deposit rate in basis points.
func (c *Client) MinSafetyDepositBps(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "minSafetyDepositBps")
	if err != nil {
		return nil, fmt.Errorf("minSafetyDepositBps call failed: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// MatchOrder commits this resolver to an order, staking the safety deposit
// as the transaction value.
func (c *Client) MatchOrder(ctx context.Context, orderHash [32]byte, deposit *big.Int) (*types.Transaction, error) {
	opts, err := c.transactor(ctx)
	if err != nil {
		return nil, err
	}
	opts.Value = deposit

	tx, err := c.bound.Transact(opts, "matchOrder", orderHash)
	if err != nil {
		return nil, fmt.Errorf("matchOrder failed: %w", err)
	}
	c.log.Info("match submitted",
		"order", order.HashString(orderHash), "tx", tx.Hash().Hex(), "deposit", deposit)
	return tx, nil
}

// CompleteOrder claims the maker's source-chain funds by revealing the
// secret, releasing the safety deposit and resolver fee.
func (c *Client) CompleteOrder(ctx context.Context, orderHash [32]byte, secret [32]byte) (*types.Transaction, error) {
	opts, err := c.transactor(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := c.bound.Transact(opts, "completeOrder", orderHash, secret)
	if err != nil {
		return nil, fmt.Errorf("completeOrder failed: %w", err)
	}
	c.log.Info("completion submitted",
		"order", order.HashString(orderHash), "tx", tx.Hash().Hex())
	return tx, nil
}

// CancelOrder abandons a matched order after its cancellation window opens.
// The factory slashes part of the deposit; the remainder comes back.
func (c *Client) CancelOrder(ctx context.Context, orderHash [32]byte) (*types.Transaction, error) {
	opts, err := c.transactor(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := c.bound.Transact(opts, "cancelOrder", orderHash)
	if err != nil {
		return nil, fmt.Errorf("cancelOrder failed: %w", err)
	}
	c.log.Info("cancellation submitted",
		"order", order.HashString(orderHash), "tx", tx.Hash().Hex())
	return tx, nil
}

// SuggestGasPrice returns the source chain's current gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// WaitMined blocks until the transaction confirms and returns its receipt.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

// GetSecretFromCompletion extracts the revealed secret from a completion
// transaction's OrderCompleted log.
func (c *Client) GetSecretFromCompletion(ctx context.Context, txHash common.Hash) ([32]byte, error) {
	var secret [32]byte

	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return secret, fmt.Errorf("failed to get receipt for %s: %w", txHash.Hex(), err)
	}

	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) == 0 || lg.Topics[0] != orderCompletedID {
			continue
		}
		var ev OrderCompletedEvent
		if err := c.bound.UnpackLog(&ev, "OrderCompleted", *lg); err != nil {
			return secret, fmt.Errorf("failed to unpack OrderCompleted log: %w", err)
		}
		return ev.Secret, nil
	}
	return secret, fmt.Errorf("no OrderCompleted log in tx %s", txHash.Hex())
}

func (c *Client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	if c.privKey == nil {
		return nil, fmt.Errorf("client is read-only, no resolver key configured")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.privKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// OrderFromCreated builds the order model from an OrderCreated event. The
// monitor still confirms against GetOrder before acting; this covers feeds
// where the read call is briefly behind the log stream.
func (c *Client) OrderFromCreated(ev *OrderCreatedEvent) *order.SwapOrder {
	return &order.SwapOrder{
		OrderHash:       ev.OrderHash,
		Maker:           ev.Maker.Hex(),
		SourceChain:     c.symbol,
		SourceAmount:    ev.SourceAmount,
		DestChain:       ev.DestChain,
		DestAmount:      ev.DestAmount,
		DestRecipient:   ev.DestRecipient,
		Hashlock:        ev.Hashlock,
		ExecutionParams: ev.ExecutionParams,
		ResolverFee:     ev.ResolverFee,
		SafetyDeposit:   ev.SafetyDeposit,
		Expiry:          time.Unix(ev.Expiry.Int64(), 0),
		Status:          order.StatusCreated,
		CreatedBlock:    ev.Raw.BlockNumber,
		CreatedTx:       ev.Raw.TxHash.Hex(),
	}
}

// contractStatus maps the on-chain enum to the order model's status.
func contractStatus(s uint8) order.Status {
	switch s {
	case statusMatched:
		return order.StatusMatched
	case statusCompleted:
		return order.StatusCompleted
	case statusCancelled:
		return order.StatusCancelled
	default:
		return order.StatusCreated
	}
}
