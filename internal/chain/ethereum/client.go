package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"LoanSolver-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// receiptPollInterval is how often WaitForReceipt polls when the node does
// not push inclusion notifications.
const receiptPollInterval = time.Second

// receiptFailureLimit is how many consecutive non-NotFound RPC failures
// WaitForReceipt tolerates before reporting the connection as broken.
const receiptFailureLimit = 3

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
}

// Client implements the chain.Client interface for EVM compatible chains.
type Client struct {
	name         string
	rpcClient    *gethrpc.Client
	eth          *ethclient.Client
	eventClient  logSubscriber
	receipts     receiptReader
	pollInterval time.Duration
	mu           sync.Mutex
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// receiptReader mirrors the subset of methods required for receipt polling.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum: rpc url is not configured")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", cfg.Name, err)
	}

	eth := ethclient.NewClient(rpcClient)

	// Log subscriptions need a push-capable transport; fall back to the
	// HTTP client when no websocket endpoint is configured.
	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	return &Client{
		name:         cfg.Name,
		rpcClient:    rpcClient,
		eth:          eth,
		eventClient:  eventClient,
		receipts:     eth,
		pollInterval: receiptPollInterval,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.receipts = nil
	c.rpcClient = nil
}

// ChainID reports the chain id the node believes it is serving.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("ethereum: client is not initialised")
	}
	return c.eth.ChainID(ctx)
}

// BalanceAt returns the latest balance of the given account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("ethereum: client is not initialised")
	}
	return c.eth.BalanceAt(ctx, account, nil)
}

// PendingNonceAt returns the next nonce for the account including pending
// transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("ethereum: client is not initialised")
	}
	return c.eth.PendingNonceAt(ctx, account)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if c == nil || c.eth == nil {
		return errors.New("ethereum: client is not initialised")
	}
	return c.eth.SendTransaction(ctx, tx)
}

// WaitForReceipt polls for the inclusion receipt of txHash until it appears
// or the timeout elapses. A timeout is returned as context.DeadlineExceeded;
// a persistently failing RPC connection is returned as the underlying error
// so callers can tell "not confirmed in time" from "confirmation unknowable".
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*coretypes.Receipt, error) {
	if c == nil || c.receipts == nil {
		return nil, errors.New("ethereum: client is not initialised")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	interval := c.pollInterval
	if interval <= 0 {
		interval = receiptPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		receipt, err := c.receipts.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, gethcore.NotFound) {
			failures = 0
		} else {
			failures++
			if failures >= receiptFailureLimit {
				return nil, fmt.Errorf("ethereum: fetch receipt: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*chain.EventSubscription, error) {
	if c == nil {
		return nil, errors.New("ethereum: client is not initialised")
	}
	c.mu.Lock()
	subscriber := c.eventClient
	c.mu.Unlock()
	if subscriber == nil {
		return nil, errors.New("ethereum: client does not support event subscriptions")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("ethereum: subscribe logs: %w", err)
	}
	return chain.NewEventSubscription(logs, sub), nil
}

var _ chain.Client = (*Client)(nil)
