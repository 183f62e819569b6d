package event

import (
	"context"
	"log/slog"
	"time"

	"ChainSentry/internal/handler"
	"ChainSentry/internal/observability/metrics"
	"ChainSentry/pkg/logger"
)

// Dispatcher 消费事件队列并把事件分发给处理器注册表。
// 它是观察者与处理器之间唯一的桥梁。
type Dispatcher struct {
	queue    Consumer
	handlers *handler.Registry
	workers  int
	timeout  time.Duration
	log      *slog.Logger
}

// DispatcherOption 定义派发器的可选配置。
type DispatcherOption func(*Dispatcher)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(count int) DispatcherOption {
	return func(d *Dispatcher) {
		if count > 0 {
			d.workers = count
		}
	}
}

// WithDispatchTimeout 设置单个事件分发的最长等待时间，
// 超时后慢处理器各自记为失败结果。
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher 创建事件派发器。
func NewDispatcher(queue Consumer, handlers *handler.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		handlers: handlers,
		workers:  4,
		timeout:  30 * time.Second,
		log:      logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Start 阻塞消费事件直到 ctx 取消。
func (d *Dispatcher) Start(ctx context.Context) error {
	d.log.Info("事件派发器启动", slog.Int("workers", d.workers))
	return d.queue.Consume(ctx, d.workers, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, event handler.Event) error {
	if !handler.IsValidTrigger(event.Trigger) {
		d.log.Warn("丢弃未知触发器的事件",
			slog.String("trigger", string(event.Trigger)),
			slog.String("source", event.Source),
		)
		return nil
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	results := d.handlers.Dispatch(dispatchCtx, event.Trigger, event)
	failures := 0
	for _, result := range results {
		if !result.Success {
			failures++
			d.log.Warn("处理器执行失败",
				slog.String("trigger", string(event.Trigger)),
				slog.String("handler", result.Handler),
				slog.String("error", result.Error),
			)
		}
	}
	metrics.ObserveDispatch(string(event.Trigger), len(results), failures, time.Since(start))

	logger.Audit().Info("事件分发完成",
		slog.String("trigger", string(event.Trigger)),
		slog.String("source", event.Source),
		slog.Int("handlers", len(results)),
		slog.Int("failures", failures),
	)
	return nil
}
