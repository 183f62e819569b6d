package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ChainSentry/pkg/logger"
)

// Registry 维护触发器到处理器的订阅关系，并负责事件的并发分发。
// 注册发生在启动期，之后以读为主。
type Registry struct {
	mu       sync.RWMutex
	handlers map[Trigger][]Handler
}

// NewRegistry 创建一个空的处理器注册表。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Trigger][]Handler)}
}

// Register 将处理器索引到它声明的每一个触发器之下，保留注册顺序。
func (r *Registry) Register(h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, trigger := range h.Triggers() {
		r.handlers[trigger] = append(r.handlers[trigger], h)
	}
	logger.L().Info("处理器注册成功",
		slog.String("handler", h.Name()),
		slog.Int("triggers", len(h.Triggers())),
	)
}

// Subscribers 返回订阅指定触发器的处理器数量。
func (r *Registry) Subscribers(trigger Trigger) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[trigger])
}

// Dispatch 并发调用订阅 trigger 的全部处理器，整体延迟由最慢的处理器决定。
// 单个处理器的 panic 在此边界被捕获并降级为失败结果，绝不影响其他处理器。
// 返回结果按注册顺序排列；若调用方的 ctx 先行超时，尚未返回的处理器
// 各自记为失败结果，已完成的结果原样保留。
func (r *Registry) Dispatch(ctx context.Context, trigger Trigger, event Event) []Result {
	r.mu.RLock()
	subscribed := make([]Handler, len(r.handlers[trigger]))
	copy(subscribed, r.handlers[trigger])
	r.mu.RUnlock()

	if len(subscribed) == 0 {
		return nil
	}

	event.Trigger = trigger
	logger.L().Debug("开始分发事件",
		slog.String("trigger", string(trigger)),
		slog.String("source", event.Source),
		slog.Int("handlers", len(subscribed)),
	)

	type outcome struct {
		index  int
		result Result
	}
	ch := make(chan outcome, len(subscribed))
	for i, h := range subscribed {
		go func(index int, h Handler) {
			ch <- outcome{index: index, result: safeHandle(ctx, h, event)}
		}(i, h)
	}

	results := make([]Result, len(subscribed))
	collected := make([]bool, len(subscribed))
	for pending := len(subscribed); pending > 0; {
		select {
		case out := <-ch:
			results[out.index] = out.result
			collected[out.index] = true
			pending--
		case <-ctx.Done():
			// 超时的处理器各自记为失败，不再等待。
			for i, h := range subscribed {
				if !collected[i] {
					results[i] = Result{
						Handler: h.Name(),
						Success: false,
						Error:   fmt.Sprintf("处理器未在限期内完成: %v", ctx.Err()),
					}
				}
			}
			return results
		}
	}
	return results
}

// safeHandle 在单个处理器边界捕获 panic，转换为失败结果。
func safeHandle(ctx context.Context, h Handler, event Event) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.L().Error("处理器执行异常",
				slog.String("handler", h.Name()),
				slog.String("trigger", string(event.Trigger)),
				slog.Any("panic", recovered),
			)
			result = Result{
				Handler: h.Name(),
				Success: false,
				Error:   fmt.Sprintf("handler panic: %v", recovered),
			}
		}
	}()
	result = h.Handle(ctx, event)
	if result.Handler == "" {
		result.Handler = h.Name()
	}
	return result
}
