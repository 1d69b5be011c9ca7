package loan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubClaimer 记录领取调用，可配置失败与阻塞。
type stubClaimer struct {
	mu      sync.Mutex
	calls   map[Key]int
	err     error
	release chan struct{}
	started chan Key
	ctxErrs chan error
}

func newStubClaimer() *stubClaimer {
	return &stubClaimer{calls: make(map[Key]int)}
}

func (c *stubClaimer) ClaimLoan(ctx context.Context, key Key) (*Confirmation, error) {
	c.mu.Lock()
	c.calls[key]++
	c.mu.Unlock()
	if c.started != nil {
		c.started <- key
	}
	if c.release != nil {
		<-c.release
	}
	if c.ctxErrs != nil {
		c.ctxErrs <- ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return &Confirmation{ConfirmedAt: time.Now()}, nil
}

func (c *stubClaimer) callCount(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func fixedClock(at int64) func() time.Time {
	return func() time.Time { return time.Unix(at, 0) }
}

func TestSchedulerClaimsOnlyMaturedLoans(t *testing.T) {
	registry := NewMemoryRegistry()
	claimer := newStubClaimer()
	scheduler := NewScheduler(registry, claimer, WithSchedulerClock(fixedClock(1000)))

	early := Key{SourceChain: 1, LoanChain: 2, LoanID: "1"}
	due := Key{SourceChain: 1, LoanChain: 2, LoanID: "2"}
	ctx := context.Background()
	if err := registry.Insert(ctx, early, 2000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := registry.Insert(ctx, due, 1000); err != nil {
		t.Fatalf("insert: %v", err)
	}

	scheduler.Scan(ctx)
	scheduler.wg.Wait()

	if claimer.callCount(early) != 0 {
		t.Fatal("loans must never be claimed before maturity")
	}
	if claimer.callCount(due) != 1 {
		t.Fatalf("matured loan must be claimed once, got %d", claimer.callCount(due))
	}

	pending, err := registry.Get(ctx, due)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !pending.Claimed {
		t.Fatal("successful claim must be recorded")
	}

	scheduler.Scan(ctx)
	scheduler.wg.Wait()
	if claimer.callCount(due) != 1 {
		t.Fatal("claimed loans must not be claimed again")
	}
}

func TestSchedulerSkipsInFlightClaims(t *testing.T) {
	registry := NewMemoryRegistry()
	claimer := newStubClaimer()
	claimer.release = make(chan struct{})
	claimer.started = make(chan Key, 1)
	scheduler := NewScheduler(registry, claimer, WithSchedulerClock(fixedClock(1000)))

	key := Key{SourceChain: 1, LoanChain: 2, LoanID: "3"}
	ctx := context.Background()
	if err := registry.Insert(ctx, key, 500); err != nil {
		t.Fatalf("insert: %v", err)
	}

	scheduler.Scan(ctx)
	<-claimer.started

	// 第一次领取还卡在链上确认时，后续扫描不得重复发起。
	scheduler.Scan(ctx)
	scheduler.Scan(ctx)
	close(claimer.release)
	scheduler.wg.Wait()

	if count := claimer.callCount(key); count != 1 {
		t.Fatalf("overlapping scans must claim at most once, got %d", count)
	}
}

func TestSchedulerShutdownDoesNotAbortInFlightClaims(t *testing.T) {
	registry := NewMemoryRegistry()
	claimer := newStubClaimer()
	claimer.release = make(chan struct{})
	claimer.started = make(chan Key, 1)
	claimer.ctxErrs = make(chan error, 1)
	scheduler := NewScheduler(registry, claimer, WithSchedulerClock(fixedClock(1000)))

	key := Key{SourceChain: 1, LoanChain: 2, LoanID: "5"}
	ctx, cancel := context.WithCancel(context.Background())
	if err := registry.Insert(ctx, key, 500); err != nil {
		t.Fatalf("insert: %v", err)
	}

	scheduler.Scan(ctx)
	<-claimer.started

	// 领取交易可能已经广播，停止调度器不得中断确认等待。
	cancel()
	close(claimer.release)
	if ctxErr := <-claimer.ctxErrs; ctxErr != nil {
		t.Fatalf("in-flight claim must outlive the scan context, got %v", ctxErr)
	}
	scheduler.wg.Wait()

	pending, err := registry.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !pending.Claimed {
		t.Fatal("claim finished after shutdown must still be recorded")
	}
}

func TestSchedulerClaimTimeoutBoundsDetachedClaims(t *testing.T) {
	registry := NewMemoryRegistry()
	claimer := newStubClaimer()
	claimer.release = make(chan struct{})
	claimer.started = make(chan Key, 1)
	claimer.ctxErrs = make(chan error, 1)
	scheduler := NewScheduler(registry, claimer,
		WithSchedulerClock(fixedClock(1000)),
		WithSchedulerClaimTimeout(10*time.Millisecond))

	key := Key{SourceChain: 1, LoanChain: 2, LoanID: "6"}
	ctx := context.Background()
	if err := registry.Insert(ctx, key, 500); err != nil {
		t.Fatalf("insert: %v", err)
	}

	scheduler.Scan(ctx)
	<-claimer.started

	time.Sleep(30 * time.Millisecond)
	close(claimer.release)
	if ctxErr := <-claimer.ctxErrs; !errors.Is(ctxErr, context.DeadlineExceeded) {
		t.Fatalf("detached claim must expire with the claim timeout, got %v", ctxErr)
	}
	scheduler.wg.Wait()
}

func TestSchedulerRetriesFailedClaims(t *testing.T) {
	registry := NewMemoryRegistry()
	claimer := newStubClaimer()
	claimer.err = errors.New("rpc unavailable")
	alerts := &captureAlerts{}
	scheduler := NewScheduler(registry, claimer,
		WithSchedulerClock(fixedClock(1000)),
		WithSchedulerAlerts(alerts, 2))

	key := Key{SourceChain: 1, LoanChain: 2, LoanID: "4"}
	ctx := context.Background()
	if err := registry.Insert(ctx, key, 500); err != nil {
		t.Fatalf("insert: %v", err)
	}

	scheduler.Scan(ctx)
	scheduler.wg.Wait()
	if claimer.callCount(key) != 1 {
		t.Fatalf("expected first claim attempt, got %d", claimer.callCount(key))
	}
	if len(alerts.all()) != 0 {
		t.Fatal("no alert expected before the failure threshold")
	}

	// 失败的贷款保持待领取，下一轮继续尝试。
	scheduler.Scan(ctx)
	scheduler.wg.Wait()
	if claimer.callCount(key) != 2 {
		t.Fatalf("failed claims must be retried on the next scan, got %d", claimer.callCount(key))
	}
	if len(alerts.all()) != 1 {
		t.Fatalf("expected alert at the failure threshold, got %d", len(alerts.all()))
	}

	// 达到阈值后继续重试，但不再重复告警。
	scheduler.Scan(ctx)
	scheduler.wg.Wait()
	if claimer.callCount(key) != 3 {
		t.Fatalf("claims must keep retrying after alerting, got %d", claimer.callCount(key))
	}
	if len(alerts.all()) != 1 {
		t.Fatalf("threshold alert must fire once, got %d", len(alerts.all()))
	}

	// 恢复后领取成功并复位失败计数。
	claimer.err = nil
	scheduler.Scan(ctx)
	scheduler.wg.Wait()
	pending, err := registry.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !pending.Claimed {
		t.Fatal("claim must succeed once the chain recovers")
	}
	scheduler.mu.Lock()
	_, tracked := scheduler.failures[key]
	scheduler.mu.Unlock()
	if tracked {
		t.Fatal("failure counter must reset after a successful claim")
	}
}
