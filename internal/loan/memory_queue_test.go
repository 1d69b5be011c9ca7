package loan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueDeliversToHandler(t *testing.T) {
	queue := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 2, func(context.Context, []byte) error {
			handled.Add(1)
			return nil
		})
	}()

	for i := 0; i < 5; i++ {
		if err := queue.Publish(ctx, []byte("intent")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for handled.Load() != 5 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 5 handled messages, got %d", handled.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(8)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), []byte("late")); !errors.Is(err, errQueueClosed) {
		t.Fatalf("publish after close must fail, got %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("repeated close must be a no-op: %v", err)
	}
}

func TestMemoryQueueCloseDuringConcurrentPublish(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := queue.Publish(ctx, []byte("intent")); err != nil {
					return
				}
			}
		}()
	}

	// 队列容量为 1，发布方会阻塞在发送上；并发关闭不得触发
	// 向已关闭通道发送的 panic，阻塞中的发布方必须全部返回。
	time.Sleep(time.Millisecond)
	_ = queue.Close()
	wg.Wait()
}

func TestMemoryQueueConsumeStopsOnClose(t *testing.T) {
	queue := NewMemoryQueue(8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(context.Background(), 2, func(context.Context, []byte) error {
			return nil
		})
	}()

	_ = queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume must return once the queue is closed")
	}
}
