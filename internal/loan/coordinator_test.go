package loan

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "LoanSolver-Chain/internal/errors"
	"LoanSolver-Chain/internal/observability/alerting"
)

// captureQueue 记录重新入队的消息。
type captureQueue struct {
	mu        sync.Mutex
	published [][]byte
}

func (q *captureQueue) Publish(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, payload)
	return nil
}

func (q *captureQueue) Consume(ctx context.Context, _ int, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *captureQueue) Close() error { return nil }

func (q *captureQueue) envelopes(t *testing.T) []Envelope {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	envelopes := make([]Envelope, 0, len(q.published))
	for _, payload := range q.published {
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("unmarshal requeued envelope: %v", err)
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes
}

var _ Queue = (*captureQueue)(nil)

// stubFunder 以固定结果响应放款请求。
type stubFunder struct {
	mu    sync.Mutex
	calls int
	conf  *Confirmation
	err   error
}

func (f *stubFunder) FundLoan(context.Context, Intent) (*Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.conf, nil
}

func (f *stubFunder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// captureAlerts 记录分发的告警事件。
type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *captureAlerts) all() []alerting.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Event(nil), a.events...)
}

var _ alerting.Dispatcher = (*captureAlerts)(nil)

func marshalEnvelope(t *testing.T, envelope Envelope) []byte {
	t.Helper()
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

func TestCoordinatorFundsAcceptedIntent(t *testing.T) {
	confirmedAt := time.Unix(1_700_000_000, 0)
	queue := &captureQueue{}
	funder := &stubFunder{conf: &Confirmation{ConfirmedAt: confirmedAt}}
	registry := NewMemoryRegistry()

	coordinator := NewCoordinator(queue, NewPolicy(), funder, registry)

	intent := acceptableIntent()
	payload := marshalEnvelope(t, Envelope{ID: "e1", Intent: intent, MaxAttempts: 3})
	if err := coordinator.handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if funder.callCount() != 1 {
		t.Fatalf("expected one funding call, got %d", funder.callCount())
	}
	pending, err := registry.Get(context.Background(), intent.Key())
	if err != nil {
		t.Fatalf("loan must be registered after funding: %v", err)
	}
	wantMaturity := confirmedAt.Unix() + int64(intent.DurationSeconds)
	if pending.MaturesAt != wantMaturity {
		t.Fatalf("maturity must be confirmation time plus duration: got %d want %d",
			pending.MaturesAt, wantMaturity)
	}
}

func TestCoordinatorRejectedIntentTouchesNoChain(t *testing.T) {
	queue := &captureQueue{}
	funder := &stubFunder{conf: &Confirmation{ConfirmedAt: time.Now()}}
	registry := NewMemoryRegistry()
	coordinator := NewCoordinator(queue, NewPolicy(), funder, registry)

	intent := acceptableIntent()
	intent.CollateralAmount = big.NewInt(0)
	payload := marshalEnvelope(t, Envelope{ID: "e2", Intent: intent, MaxAttempts: 3})
	if err := coordinator.handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if funder.callCount() != 0 {
		t.Fatal("rejected intents must not reach the submitter")
	}
	if _, err := registry.Get(context.Background(), intent.Key()); err == nil {
		t.Fatal("rejected intents must not be registered")
	}
	if len(queue.envelopes(t)) != 0 {
		t.Fatal("rejected intents must not be requeued")
	}
}

func TestCoordinatorSkipsRegisteredLoan(t *testing.T) {
	queue := &captureQueue{}
	funder := &stubFunder{conf: &Confirmation{ConfirmedAt: time.Now()}}
	registry := NewMemoryRegistry()
	coordinator := NewCoordinator(queue, NewPolicy(), funder, registry)

	intent := acceptableIntent()
	if err := registry.Insert(context.Background(), intent.Key(), 123); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	payload := marshalEnvelope(t, Envelope{ID: "e3", Intent: intent, MaxAttempts: 3})
	if err := coordinator.handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if funder.callCount() != 0 {
		t.Fatal("already registered loans must never be funded twice")
	}
}

func TestCoordinatorRequeuesRetryableFailure(t *testing.T) {
	queue := &captureQueue{}
	funder := &stubFunder{err: xerrors.New(CodeSubmissionFailure, "broadcast failed")}
	registry := NewMemoryRegistry()
	alerts := &captureAlerts{}
	coordinator := NewCoordinator(queue, NewPolicy(), funder, registry,
		WithCoordinatorAlerts(alerts))

	payload := marshalEnvelope(t, Envelope{ID: "e4", Intent: acceptableIntent(), Attempts: 0, MaxAttempts: 3})
	if err := coordinator.handle(context.Background(), payload); err == nil {
		t.Fatal("expected error to be surfaced for requeued message")
	}

	requeued := queue.envelopes(t)
	if len(requeued) != 1 {
		t.Fatalf("expected one requeued envelope, got %d", len(requeued))
	}
	if requeued[0].Attempts != 1 {
		t.Fatalf("requeued envelope must carry incremented attempts, got %d", requeued[0].Attempts)
	}
	if len(alerts.all()) != 0 {
		t.Fatal("no alert expected while retries remain")
	}
}

func TestCoordinatorAlertsWhenRetriesExhausted(t *testing.T) {
	queue := &captureQueue{}
	funder := &stubFunder{err: xerrors.New(CodeSubmissionFailure, "broadcast failed")}
	registry := NewMemoryRegistry()
	alerts := &captureAlerts{}
	coordinator := NewCoordinator(queue, NewPolicy(), funder, registry,
		WithCoordinatorAlerts(alerts))

	payload := marshalEnvelope(t, Envelope{ID: "e5", Intent: acceptableIntent(), Attempts: 2, MaxAttempts: 3})
	if err := coordinator.handle(context.Background(), payload); err != nil {
		t.Fatalf("exhausted intents are dropped, not retried: %v", err)
	}

	if len(queue.envelopes(t)) != 0 {
		t.Fatal("exhausted intents must not be requeued")
	}
	events := alerts.all()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	if events[0].Attempts != 3 || events[0].MaxAttempts != 3 {
		t.Fatalf("alert must carry attempt counters, got %+v", events[0])
	}
}

func TestCoordinatorNeverRetriesAfterTimeout(t *testing.T) {
	queue := &captureQueue{}
	funder := &stubFunder{err: ErrSubmissionTimeout}
	registry := NewMemoryRegistry()
	alerts := &captureAlerts{}
	coordinator := NewCoordinator(queue, NewPolicy(), funder, registry,
		WithCoordinatorAlerts(alerts))

	payload := marshalEnvelope(t, Envelope{ID: "e6", Intent: acceptableIntent(), Attempts: 0, MaxAttempts: 3})
	if err := coordinator.handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(queue.envelopes(t)) != 0 {
		t.Fatal("a possibly-landed transaction must never be retried")
	}
	if len(alerts.all()) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.all()))
	}
}

func TestCoordinatorAlertsOnRegistryConflict(t *testing.T) {
	queue := &captureQueue{}
	funder := &stubFunder{conf: &Confirmation{ConfirmedAt: time.Now()}}
	registry := NewMemoryRegistry()
	alerts := &captureAlerts{}
	coordinator := NewCoordinator(queue, NewPolicy(), funder, registry,
		WithCoordinatorAlerts(alerts))

	intent := acceptableIntent()
	coordinator.registry = &conflictOnInsert{Registry: registry}

	payload := marshalEnvelope(t, Envelope{ID: "e7", Intent: intent, MaxAttempts: 3})
	if err := coordinator.handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := alerts.all()
	if len(events) != 1 || events[0].Code != CodeRegistryConflict {
		t.Fatalf("expected a registry conflict alert, got %+v", events)
	}
}

// conflictOnInsert 在插入时报冲突，模拟并发放款竞争。
type conflictOnInsert struct {
	Registry
}

func (r *conflictOnInsert) Insert(context.Context, Key, int64) error {
	return ErrLoanConflict
}
