// Package event 提供系统的事件总线：观察者（链上监控、GitHub 轮询、
// Webhook 入口、调度器）把事件投递到队列，派发器消费后交给
// 处理器注册表并发分发。队列实现可选内存、Redis 或 RabbitMQ。
package event

import (
	"context"
	"encoding/json"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/handler"
)

// HandleFunc 处理从队列中取出的单个事件。
type HandleFunc func(ctx context.Context, event handler.Event) error

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, event handler.Event) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, fn HandleFunc) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// encodeEvent 把事件编码为跨进程传输的 JSON。
func encodeEvent(event handler.Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码事件失败")
	}
	return raw, nil
}

// decodeEvent 还原队列中的事件，非法载荷直接报错丢弃。
func decodeEvent(raw []byte) (handler.Event, error) {
	var event handler.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return handler.Event{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解码事件失败")
	}
	return event, nil
}
