package loan

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 模拟消息队列，主要用于测试。
// 关闭通过独立的 done 信号广播，数据通道从不关闭，因此
// Publish 与 Close 并发执行也不会向已关闭的通道发送。
type MemoryQueue struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Publish 将意向投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed
	case q.ch <- payload:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的意向。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case payload := <-q.ch:
					_ = handler(ctx, payload)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，可以安全地重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		close(q.done)
	})
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
