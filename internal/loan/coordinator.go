package loan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	xerrors "LoanSolver-Chain/internal/errors"
	"LoanSolver-Chain/internal/observability/alerting"
	"LoanSolver-Chain/pkg/logger"
)

// Envelope 是意向在队列中的传输格式，随消息携带重试计数。
type Envelope struct {
	ID          string `json:"id"`
	Intent      Intent `json:"intent"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
}

// FundSubmitter 定义协调器所需的放款能力。
type FundSubmitter interface {
	FundLoan(ctx context.Context, intent Intent) (*Confirmation, error)
}

// Coordinator 消费意向队列并完成评估、放款与登记。
// 放款失败且可重试时把消息带着递增的重试计数重新入队；
// 不可重试或重试耗尽的意向触发告警后丢弃。
type Coordinator struct {
	consumer  Consumer
	producer  Producer
	policy    *Policy
	submitter FundSubmitter
	registry  Registry
	alerts    alerting.Dispatcher
	workers   int
	logger    *slog.Logger
}

// CoordinatorOption 定义可选的协调器配置。
type CoordinatorOption func(*Coordinator)

// WithCoordinatorWorkers 配置并发消费的 worker 数量。
func WithCoordinatorWorkers(workers int) CoordinatorOption {
	return func(c *Coordinator) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

// WithCoordinatorAlerts 配置告警分发器。
func WithCoordinatorAlerts(alerts alerting.Dispatcher) CoordinatorOption {
	return func(c *Coordinator) {
		if alerts != nil {
			c.alerts = alerts
		}
	}
}

// NewCoordinator 创建意向协调器。
func NewCoordinator(queue Queue, policy *Policy, submitter FundSubmitter, registry Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		consumer:  queue,
		producer:  queue,
		policy:    policy,
		submitter: submitter,
		registry:  registry,
		alerts:    alerting.NewFanout(),
		workers:   4,
		logger:    logger.Named("coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Run 阻塞消费意向队列直到 ctx 取消。
func (c *Coordinator) Run(ctx context.Context) error {
	return c.consumer.Consume(ctx, c.workers, c.handle)
}

// handle 处理一条意向消息。返回 nil 表示消息已处理完毕，
// 无论决策结果如何；只有消息本身无法解析时才返回错误。
func (c *Coordinator) handle(ctx context.Context, payload []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.logger.Error("dropping unparseable intent message", "error", err)
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析意向消息失败")
	}

	intent := envelope.Intent
	key := intent.Key()
	log := c.logger.With("loan", key.String(), "envelope_id", envelope.ID)

	if err := intent.Validate(); err != nil {
		log.Warn("dropping invalid intent", "error", err)
		return nil
	}

	// 已登记的贷款说明此前某次放款已经确认，直接跳过，
	// 保证重复投递不会二次放款。
	if _, err := c.registry.Get(ctx, key); err == nil {
		log.Info("loan already registered, skipping")
		return nil
	} else if !errors.Is(err, ErrLoanNotFound) {
		log.Error("registry lookup failed", "error", err)
		return c.handleFundFailure(ctx, envelope,
			xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询贷款登记表失败"))
	}

	decision := c.policy.Evaluate(ctx, intent)
	if !decision.Accepted {
		logger.Audit().Info("loan rejected",
			"loan", key.String(),
			"borrower", intent.Borrower.Hex(),
			"reason", string(decision.Reason),
			"rating", decision.Rating)
		return nil
	}

	conf, err := c.submitter.FundLoan(ctx, intent)
	if err != nil {
		return c.handleFundFailure(ctx, envelope, err)
	}

	maturesAt := conf.ConfirmedAt.Unix() + int64(intent.DurationSeconds)
	if err := c.registry.Insert(ctx, key, maturesAt); err != nil {
		if errors.Is(err, ErrLoanConflict) {
			// 同一笔贷款被并发处理且都放款成功，说明上游去重失效。
			event := alerting.NewEvent(err, key.String())
			event.Message = fmt.Sprintf("贷款 %s 重复登记，可能发生了重复放款", key.String())
			_ = c.alerts.Notify(ctx, event)
			return nil
		}
		log.Error("registering funded loan failed", "matures_at", maturesAt, "error", err)
		event := alerting.NewEvent(err, key.String())
		_ = c.alerts.Notify(ctx, event)
		return err
	}

	logger.Audit().Info("loan funded",
		"loan", key.String(),
		"borrower", intent.Borrower.Hex(),
		"tx_hash", conf.TxHash.Hex(),
		"matures_at", maturesAt,
		"rating", decision.Rating)
	return nil
}

// handleFundFailure 决定放款失败后的去向：可重试错误在次数内
// 重新入队，其余触发告警后丢弃。广播后超时与状态未知永远不会
// 自动重试，避免重复放款。
func (c *Coordinator) handleFundFailure(ctx context.Context, envelope Envelope, cause error) error {
	key := envelope.Intent.Key()
	log := c.logger.With("loan", key.String(), "envelope_id", envelope.ID)

	if xerrors.RetryableError(cause) && envelope.Attempts+1 < envelope.MaxAttempts {
		log.Warn("funding failed, requeueing",
			"attempts", envelope.Attempts+1,
			"max_attempts", envelope.MaxAttempts,
			"error", cause)
		return c.requeue(ctx, envelope, cause)
	}

	log.Error("funding abandoned", "attempts", envelope.Attempts+1, "error", cause)
	if xerrors.ShouldAlert(cause) || envelope.Attempts+1 >= envelope.MaxAttempts {
		event := alerting.NewEvent(cause, key.String())
		event.Attempts = envelope.Attempts + 1
		event.MaxAttempts = envelope.MaxAttempts
		_ = c.alerts.Notify(ctx, event)
	}
	return nil
}

func (c *Coordinator) requeue(ctx context.Context, envelope Envelope, cause error) error {
	envelope.Attempts++
	payload, err := json.Marshal(envelope)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化重试消息失败")
	}
	if err := c.producer.Publish(ctx, payload); err != nil {
		event := alerting.NewEvent(
			xerrors.Wrap(CodeIntentPublish, err, "重新入队失败"),
			envelope.Intent.Key().String())
		_ = c.alerts.Notify(ctx, event)
		return err
	}
	return cause
}
