package loan

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"LoanSolver-Chain/internal/chain"
	xerrors "LoanSolver-Chain/internal/errors"
	"LoanSolver-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	defaultSubmitRetries = 3
	defaultSubmitBackoff = 2 * time.Second
)

// ClientSource 提供按链查询客户端与节点配置的能力。
type ClientSource interface {
	Client(chainID uint64) (chain.Client, bool)
	Endpoint(chainID uint64) (chain.Endpoint, bool)
}

// Confirmation 描述一笔已确认交易的关键信息。
type Confirmation struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	ConfirmedAt time.Time
}

// Submitter 负责构造、签名并提交链上交易。同一条链上的
// nonce 获取、签名与广播在一把锁内完成，避免并发提交时
// nonce 冲突。广播前的失败可以安全重试；广播之后的任何
// 失败都不再自动重试，由调用方根据错误码处理。
type Submitter struct {
	chains  ClientSource
	wallet  *Wallet
	retries int
	backoff time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	chainLock map[uint64]*sync.Mutex
}

// SubmitterOption 定义可选的 Submitter 配置。
type SubmitterOption func(*Submitter)

// WithSubmitRetries 配置广播前的重试次数与退避基数。
func WithSubmitRetries(retries int, backoff time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if retries > 0 {
			s.retries = retries
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithSubmitterLogger 指定日志器。
func WithSubmitterLogger(l *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSubmitter 创建交易提交器。
func NewSubmitter(chains ClientSource, wallet *Wallet, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		chains:    chains,
		wallet:    wallet,
		retries:   defaultSubmitRetries,
		backoff:   defaultSubmitBackoff,
		logger:    logger.Named("submitter"),
		chainLock: make(map[uint64]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FundLoan 在放款链上执行放款。ERC20 贷款先授权合约额度并等待
// 授权确认，原生资产贷款直接随交易附带 value。
func (s *Submitter) FundLoan(ctx context.Context, intent Intent) (*Confirmation, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	endpoint, ok := s.chains.Endpoint(intent.LoanChain)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未配置放款链 %d 的节点", intent.LoanChain))
	}

	value := big.NewInt(0)
	if intent.NativeAsset() {
		value = intent.LoanAmount
	} else {
		if _, err := s.GrantAllowance(ctx, intent.LoanChain, intent.LoanToken,
			intent.LoanAmount, endpoint.ContractAddress); err != nil {
			return nil, err
		}
	}

	data, err := fulfillCalldata(intent)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造放款调用数据失败")
	}

	s.logger.Info("submitting fund transaction",
		"loan", intent.Key().String(),
		"chain_id", intent.LoanChain,
		"native_asset", intent.NativeAsset(),
		"loan_amount", intent.LoanAmount.String())
	return s.submit(ctx, intent.LoanChain, endpoint.ContractAddress, value, data)
}

// ClaimLoan 在源链上领取一笔到期贷款的抵押品。
func (s *Submitter) ClaimLoan(ctx context.Context, key Key) (*Confirmation, error) {
	endpoint, ok := s.chains.Endpoint(key.SourceChain)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未配置源链 %d 的节点", key.SourceChain))
	}
	data, err := claimCalldata(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造领取调用数据失败")
	}

	s.logger.Info("submitting claim transaction",
		"loan", key.String(),
		"chain_id", key.SourceChain)
	conf, err := s.submit(ctx, key.SourceChain, endpoint.ContractAddress, big.NewInt(0), data)
	if err != nil {
		return nil, xerrors.Wrap(CodeClaimFailure, err, fmt.Sprintf("领取贷款 %s 失败", key.String()))
	}
	return conf, nil
}

// GrantAllowance 授权 spender 使用指定数量的 ERC20 token，并等待授权
// 交易确认后返回。
func (s *Submitter) GrantAllowance(ctx context.Context, chainID uint64, token common.Address, amount *big.Int, spender common.Address) (*Confirmation, error) {
	data, err := approveCalldata(spender, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造授权调用数据失败")
	}
	s.logger.Info("submitting allowance transaction",
		"chain_id", chainID,
		"token", token.Hex(),
		"spender", spender.Hex(),
		"amount", amount.String())
	return s.submit(ctx, chainID, token, big.NewInt(0), data)
}

// submit 完成一笔交易从构造到确认的全过程。
func (s *Submitter) submit(ctx context.Context, chainID uint64, to common.Address, value *big.Int, data []byte) (*Confirmation, error) {
	client, ok := s.chains.Client(chainID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未配置链 %d 的客户端", chainID))
	}
	endpoint, ok := s.chains.Endpoint(chainID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未配置链 %d 的节点", chainID))
	}

	signed, err := s.broadcast(ctx, chainID, client, endpoint, to, value, data)
	if err != nil {
		return nil, err
	}

	receipt, err := client.WaitForReceipt(ctx, signed.Hash(), endpoint.ConfirmationTimeout)
	if err != nil {
		if ctx.Err() != nil || err == context.DeadlineExceeded {
			return nil, xerrors.Wrap(CodeSubmissionTimeout, err,
				"交易已广播但未在限定时间内确认",
				xerrors.WithMetadata("tx_hash", signed.Hash().Hex()),
				xerrors.WithMetadata("chain_id", fmt.Sprintf("%d", chainID)))
		}
		return nil, xerrors.Wrap(CodeConfirmationUnknown, err,
			"交易已广播但确认状态未知",
			xerrors.WithMetadata("tx_hash", signed.Hash().Hex()),
			xerrors.WithMetadata("chain_id", fmt.Sprintf("%d", chainID)))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, xerrors.New(CodeSubmissionFailure,
			fmt.Sprintf("交易 %s 被链上回滚", signed.Hash().Hex()),
			xerrors.WithRetryable(false))
	}

	conf := &Confirmation{
		TxHash:      signed.Hash(),
		GasUsed:     receipt.GasUsed,
		ConfirmedAt: time.Now(),
	}
	if receipt.BlockNumber != nil {
		conf.BlockNumber = receipt.BlockNumber.Uint64()
	}
	s.logger.Info("transaction confirmed",
		"tx_hash", conf.TxHash.Hex(),
		"chain_id", chainID,
		"block", conf.BlockNumber,
		"gas_used", conf.GasUsed)
	return conf, nil
}

// broadcast 在同链锁内完成 nonce 获取、签名与广播。
func (s *Submitter) broadcast(ctx context.Context, chainID uint64, client chain.Client, endpoint chain.Endpoint, to common.Address, value *big.Int, data []byte) (*coretypes.Transaction, error) {
	lock := s.lockFor(chainID)
	lock.Lock()
	defer lock.Unlock()

	var nonce uint64
	err := s.withRetries(ctx, func() error {
		var fetchErr error
		nonce, fetchErr = client.PendingNonceAt(ctx, s.wallet.Address())
		return fetchErr
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeSubmissionFailure, err, "获取账户 nonce 失败")
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      endpoint.GasLimit,
		GasPrice: endpoint.GasPrice(),
		Data:     data,
	})
	signed, err := s.wallet.SignTx(tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, xerrors.Wrap(CodeSubmissionFailure, err, "交易签名失败")
	}

	err = s.withRetries(ctx, func() error {
		return client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeSubmissionFailure, err, "广播交易失败",
			xerrors.WithMetadata("tx_hash", signed.Hash().Hex()))
	}
	return signed, nil
}

func (s *Submitter) lockFor(chainID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.chainLock[chainID]
	if !ok {
		lock = &sync.Mutex{}
		s.chainLock[chainID] = lock
	}
	return lock
}

// withRetries 以固定上限、逐次翻倍的退避执行 fn。
func (s *Submitter) withRetries(ctx context.Context, fn func() error) error {
	backoff := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == s.retries {
			break
		}
		s.logger.Warn("chain rpc call failed, retrying",
			"attempt", attempt,
			"max_attempts", s.retries,
			"error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
