package reconcile

import (
	"context"
	"sync"

	xerrors "ShadowStream/internal/errors"
)

// MemoryQueue 使用 channel 实现的单进程队列。
type MemoryQueue struct {
	ch chan string

	mu     sync.Mutex
	queued map[string]struct{}
	closed bool
}

// NewMemoryQueue 创建内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan string, size), queued: make(map[string]struct{})}
}

// Publish 投递活动 ID。已在队列中的 ID 直接忽略。
func (q *MemoryQueue) Publish(ctx context.Context, activityID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	if _, dup := q.queued[activityID]; dup {
		q.mu.Unlock()
		return nil
	}
	q.queued[activityID] = struct{}{}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.release(activityID)
		return ctx.Err()
	case q.ch <- activityID:
		return nil
	}
}

// Len 返回尚未被取走的 ID 数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动 workerCount 个协程消费队列，直到 ctx 结束或队列关闭。
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
				case activityID, ok := <-q.ch:
					if !ok {
						return
					}
					q.release(activityID)
					_ = handler(ctx, activityID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) release(activityID string) {
	q.mu.Lock()
	delete(q.queued, activityID)
	q.mu.Unlock()
}

// Close 关闭队列，消费协程在取完剩余 ID 后退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
