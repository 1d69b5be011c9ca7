package loan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"LoanSolver-Chain/internal/observability/alerting"
	"LoanSolver-Chain/pkg/logger"
)

// ClaimSubmitter 定义调度器所需的领取能力。
type ClaimSubmitter interface {
	ClaimLoan(ctx context.Context, key Key) (*Confirmation, error)
}

// Scheduler 周期性扫描登记表，对到期贷款发起领取。
// 领取在独立 goroutine 中异步执行，同一笔贷款在上一次领取
// 结束前不会被再次触发；领取失败的贷款保持待领取状态，
// 由下一轮扫描重试，连续失败达到阈值时告警。
// 已发起的领取脱离调度器的生命周期，由 claimTimeout 单独约束，
// 进程收到停止信号时进行中的领取仍会完成确认或超时。
type Scheduler struct {
	registry     Registry
	submitter    ClaimSubmitter
	alerts       alerting.Dispatcher
	interval     time.Duration
	alertAfter   int
	claimTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	inFlight map[Key]struct{}
	failures map[Key]int
	wg       sync.WaitGroup
}

// SchedulerOption 定义可选的调度器配置。
type SchedulerOption func(*Scheduler)

// WithSchedulerInterval 配置扫描周期。
func WithSchedulerInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSchedulerAlerts 配置告警分发器与连续失败阈值。
func WithSchedulerAlerts(alerts alerting.Dispatcher, alertAfter int) SchedulerOption {
	return func(s *Scheduler) {
		if alerts != nil {
			s.alerts = alerts
		}
		if alertAfter > 0 {
			s.alertAfter = alertAfter
		}
	}
}

// WithSchedulerClaimTimeout 配置单笔领取的确认超时。
func WithSchedulerClaimTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.claimTimeout = timeout
		}
	}
}

// WithSchedulerClock 替换时间源，测试用。
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScheduler 创建领取调度器。
func NewScheduler(registry Registry, submitter ClaimSubmitter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry:     registry,
		submitter:    submitter,
		alerts:       alerting.NewFanout(),
		interval:     2 * time.Second,
		alertAfter:   10,
		claimTimeout: 5 * time.Minute,
		clock:        time.Now,
		logger:       logger.Named("scheduler"),
		inFlight:     make(map[Key]struct{}),
		failures:     make(map[Key]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 按固定周期扫描直到 ctx 取消，返回前等待所有进行中的
// 领取结束。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan 执行一轮到期扫描。对外暴露以便测试直接驱动。
func (s *Scheduler) Scan(ctx context.Context) {
	now := s.clock().Unix()
	due, err := s.registry.DueForClaim(ctx, now)
	if err != nil {
		s.logger.Error("scanning registry failed", "error", err)
		return
	}
	for _, pending := range due {
		s.dispatch(ctx, pending.Key)
	}
}

// dispatch 异步领取一笔到期贷款。若该贷款已有进行中的领取
// 则直接跳过。领取使用与扫描脱钩的上下文，调度器停止不会
// 在交易广播后中断确认等待，claimTimeout 保证其不会悬挂。
func (s *Scheduler) dispatch(ctx context.Context, key Key) {
	s.mu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()

	claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.claimTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
		}()
		s.claim(claimCtx, key)
	}()
}

func (s *Scheduler) claim(ctx context.Context, key Key) {
	conf, err := s.submitter.ClaimLoan(ctx, key)
	if err != nil {
		s.mu.Lock()
		s.failures[key]++
		count := s.failures[key]
		s.mu.Unlock()

		s.logger.Warn("claim failed, will retry on next scan",
			"loan", key.String(),
			"consecutive_failures", count,
			"error", err)
		if count == s.alertAfter {
			event := alerting.NewEvent(err, key.String())
			event.Attempts = count
			_ = s.alerts.Notify(ctx, event)
		}
		return
	}

	if err := s.registry.MarkClaimed(ctx, key); err != nil {
		// 链上已领取但本地状态落后，下一轮扫描会重复发起领取，
		// 合约侧幂等，这里只告警。
		s.logger.Error("marking loan claimed failed", "loan", key.String(), "error", err)
		event := alerting.NewEvent(err, key.String())
		_ = s.alerts.Notify(ctx, event)
		return
	}

	s.mu.Lock()
	delete(s.failures, key)
	s.mu.Unlock()

	logger.Audit().Info("loan claimed",
		"loan", key.String(),
		"tx_hash", conf.TxHash.Hex(),
		"block", conf.BlockNumber)
}
