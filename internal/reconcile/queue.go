package reconcile

import (
	"context"
)

// Handler 处理从队列取出的活动 ID。
type Handler func(ctx context.Context, activityID string) error

// Producer 负责投递待对账的活动。
type Producer interface {
	Publish(ctx context.Context, activityID string) error
	Close() error
}

// Consumer 负责消费待对账的活动。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。同一 ID 在被消费前重复投递只保留一份，
// 处理失败的 ID 不会重新入队，由下一轮扫描再次投递。
type Queue interface {
	Producer
	Consumer
}
