package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "ShadowStream/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 保存待对账 ID，并用一个 set 去重。
type RedisQueue struct {
	client  *redis.Client
	queue   string
	pending string
	wait    time.Duration
}

// 入队与去重在同一个脚本中完成。
var publishScript = redis.NewScript(`
if redis.call("SADD", KEYS[2], ARGV[1]) == 1 then
  redis.call("LPUSH", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "shadowstream:reconcile"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, pending: queue + ":pending", wait: wait}
}

// Publish 投递活动 ID。已在队列中的 ID 直接忽略。
func (q *RedisQueue) Publish(ctx context.Context, activityID string) error {
	if err := publishScript.Run(ctx, q.client, []string{q.queue, q.pending}, activityID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递对账任务失败")
	}
	return nil
}

// Len 返回队列长度。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// Consume 通过 BRPOP 取出 ID。处理失败不重新入队。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取对账任务失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				activityID := values[1]
				_ = q.client.SRem(ctx, q.pending, activityID).Err()
				_ = handler(ctx, activityID)
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
