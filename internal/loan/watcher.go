package loan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"LoanSolver-Chain/internal/chain"
	xerrors "LoanSolver-Chain/internal/errors"
	"LoanSolver-Chain/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

const (
	watcherInitialBackoff = time.Second
	watcherMaxBackoff     = 30 * time.Second
	defaultSeenLimit      = 8192
)

// Watcher 订阅单条链上贷款合约的日志。观测到新的贷款公告后
// 解码为意向并投递到意向队列；同一笔贷款的重复公告以及已经
// 出现过生命周期事件（放款、领取、撤销）的贷款会被忽略。
// 去重窗口有固定上限，最老的记录先被淘汰，长期运行不会
// 无限占用内存。订阅断开后按指数退避自动重连。
type Watcher struct {
	chainID     uint64
	client      chain.Client
	contract    common.Address
	producer    Producer
	maxAttempts int
	fromBlock   *big.Int
	seenLimit   int
	logger      *slog.Logger

	mu    sync.Mutex
	seen  map[Key]struct{}
	order []Key
}

// WatcherOption 定义可选的观察器配置。
type WatcherOption func(*Watcher)

// WithWatcherFromBlock 指定订阅的起始区块，默认从最新区块开始。
func WithWatcherFromBlock(fromBlock uint64) WatcherOption {
	return func(w *Watcher) {
		if fromBlock > 0 {
			w.fromBlock = new(big.Int).SetUint64(fromBlock)
		}
	}
}

// WithWatcherSeenLimit 配置去重窗口可以记住的贷款数量。
func WithWatcherSeenLimit(limit int) WatcherOption {
	return func(w *Watcher) {
		if limit > 0 {
			w.seenLimit = limit
		}
	}
}

// NewWatcher 创建针对单条链的日志观察器。
func NewWatcher(chainID uint64, client chain.Client, contract common.Address, producer Producer, maxAttempts int, opts ...WatcherOption) *Watcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	w := &Watcher{
		chainID:     chainID,
		client:      client,
		contract:    contract,
		producer:    producer,
		maxAttempts: maxAttempts,
		seenLimit:   defaultSeenLimit,
		logger:      logger.Named("watcher").With("chain_id", chainID),
		seen:        make(map[Key]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run 持续观察链上日志直到 ctx 取消。订阅失败或中断时按
// 指数退避重建订阅，不向上返回临时错误。
func (w *Watcher) Run(ctx context.Context) error {
	backoff := watcherInitialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sub, err := w.subscribe(ctx)
		if err != nil {
			w.logger.Warn("subscription failed, retrying",
				"error", err,
				"backoff", backoff.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = watcherInitialBackoff
		w.logger.Info("watching loan contract", "contract", w.contract.Hex())

		err = w.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("subscription interrupted, resubscribing", "error", err)
	}
}

func (w *Watcher) subscribe(ctx context.Context) (*chain.EventSubscription, error) {
	return w.client.SubscribeEvents(ctx, w.filterQuery())
}

// filterQuery 构造合约日志过滤条件。未指定起始区块时从最新区块
// 开始订阅。
func (w *Watcher) filterQuery() gethcore.FilterQuery {
	return gethcore.FilterQuery{
		Addresses: []common.Address{w.contract},
		FromBlock: w.fromBlock,
	}
}

func (w *Watcher) consume(ctx context.Context, sub *chain.EventSubscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case log, ok := <-sub.Logs():
			if !ok {
				return fmt.Errorf("log channel closed")
			}
			w.handleLog(ctx, log)
		}
	}
}

// handleLog 按事件类型分发日志。解码失败只记录日志，坏事件
// 不应中断整个订阅。
func (w *Watcher) handleLog(ctx context.Context, log coretypes.Log) {
	if len(log.Topics) == 0 {
		return
	}
	switch log.Topics[0] {
	case newLoanAdvertisedID:
		w.handleAdvertisement(ctx, log)
	case loanFilledID:
		w.markSeen("LoanFilled", log)
	case loanClaimedID:
		w.markSeen("LoanClaimed", log)
	case loanOfferRevokedID:
		w.markSeen("LoanOfferRevoked", log)
	}
}

func (w *Watcher) handleAdvertisement(ctx context.Context, log coretypes.Log) {
	intent, err := decodeNewLoanAdvertised(w.chainID, log)
	if err != nil {
		w.logger.Warn("skipping undecodable advertisement",
			"tx_hash", log.TxHash.Hex(),
			"error", err)
		return
	}
	if err := intent.Validate(); err != nil {
		w.logger.Warn("skipping invalid advertisement",
			"loan", intent.Key().String(),
			"error", err)
		return
	}

	key := intent.Key()
	if !w.markNew(key) {
		w.logger.Debug("skipping duplicate advertisement", "loan", key.String())
		return
	}

	envelope := Envelope{
		ID:          uuid.NewString(),
		Intent:      intent,
		Attempts:    0,
		MaxAttempts: w.maxAttempts,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		w.logger.Error("marshal intent envelope", "loan", key.String(), "error", err)
		return
	}
	if err := w.producer.Publish(ctx, payload); err != nil {
		// 投递失败时撤销去重标记，下次重连补到同一事件仍有机会入队。
		w.forget(key)
		wrapped := xerrors.Wrap(CodeIntentPublish, err,
			fmt.Sprintf("投递贷款意向 %s 失败", key.String()))
		w.logger.Error("publish intent", "loan", key.String(), "error", wrapped)
		return
	}
	w.logger.Info("loan advertisement queued",
		"loan", key.String(),
		"borrower", intent.Borrower.Hex(),
		"loan_chain", intent.LoanChain,
		"loan_amount", intent.LoanAmount.String())
}

// markSeen 记录生命周期事件对应的贷款，之后再收到同一笔贷款的
// 公告（例如重连后的历史日志）直接忽略。
func (w *Watcher) markSeen(event string, log coretypes.Log) {
	key, err := decodeLifecycleKey(w.chainID, event, log)
	if err != nil {
		w.logger.Warn("skipping undecodable lifecycle event",
			"event", event,
			"tx_hash", log.TxHash.Hex(),
			"error", err)
		return
	}
	w.mu.Lock()
	w.remember(key)
	w.mu.Unlock()
	w.logger.Debug("loan lifecycle event observed", "event", event, "loan", key.String())
}

// markNew 在贷款第一次出现时返回 true 并记录。
func (w *Watcher) markNew(key Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[key]; ok {
		return false
	}
	w.remember(key)
	return true
}

// remember 记录一笔贷款并在窗口超限时淘汰最老的记录。
// 调用方必须持有 w.mu。
func (w *Watcher) remember(key Key) {
	if _, ok := w.seen[key]; !ok {
		w.order = append(w.order, key)
	}
	w.seen[key] = struct{}{}
	for len(w.seen) > w.seenLimit && len(w.order) > 0 {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
}

func (w *Watcher) forget(key Key) {
	w.mu.Lock()
	delete(w.seen, key)
	w.mu.Unlock()
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > watcherMaxBackoff {
		return watcherMaxBackoff
	}
	return next
}
