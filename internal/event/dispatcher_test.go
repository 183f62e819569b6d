package event

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ChainSentry/internal/handler"
)

type countingHandler struct {
	trigger handler.Trigger
	calls   atomic.Int32
	sources chan string
}

func (c *countingHandler) Name() string                { return "counting" }
func (c *countingHandler) Triggers() []handler.Trigger { return []handler.Trigger{c.trigger} }

func (c *countingHandler) Handle(_ context.Context, event handler.Event) handler.Result {
	c.calls.Add(1)
	if c.sources != nil {
		c.sources <- event.Source
	}
	return handler.Result{Handler: "counting", Success: true}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewMemoryQueue(8)
	received := make(chan handler.Event, 1)

	go func() {
		_ = queue.Consume(ctx, 1, func(_ context.Context, event handler.Event) error {
			received <- event
			return nil
		})
	}()

	want := handler.Event{
		Trigger: handler.TriggerGithubPush,
		Source:  "github",
		Payload: map[string]any{"repo": "acme/vault"},
	}
	if err := queue.Publish(ctx, want); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	select {
	case got := <-received:
		if got.Trigger != want.Trigger || got.Source != want.Source {
			t.Fatalf("事件不匹配: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("事件未送达")
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	if err := queue.Publish(context.Background(), handler.Event{}); err == nil {
		t.Fatal("关闭后的投递应当报错")
	}
}

func TestDispatcherRoutesToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := handler.NewRegistry()
	subscriber := &countingHandler{
		trigger: handler.TriggerContractUpgraded,
		sources: make(chan string, 1),
	}
	registry.Register(subscriber)

	queue := NewMemoryQueue(8)
	dispatcher := NewDispatcher(queue, registry, WithWorkerCount(2))
	go func() {
		if err := dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("派发器异常退出: %v", err)
		}
	}()

	err := queue.Publish(ctx, handler.Event{
		Trigger: handler.TriggerContractUpgraded,
		Source:  "monitor",
		Payload: map[string]any{"proxy": "0xabc"},
	})
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	select {
	case source := <-subscriber.sources:
		if source != "monitor" {
			t.Fatalf("事件来源不对: %s", source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("事件未被分发")
	}
}

func TestDispatcherDropsUnknownTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := handler.NewRegistry()
	subscriber := &countingHandler{trigger: handler.TriggerContractUpgraded}
	registry.Register(subscriber)

	queue := NewMemoryQueue(8)
	dispatcher := NewDispatcher(queue, registry)
	go func() { _ = dispatcher.Start(ctx) }()

	if err := queue.Publish(ctx, handler.Event{Trigger: "bogus", Source: "test"}); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	// 再投一条合法事件，确认非法事件没有卡住消费。
	if err := queue.Publish(ctx, handler.Event{Trigger: handler.TriggerContractUpgraded, Source: "test"}); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for subscriber.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("合法事件未被分发")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if subscriber.calls.Load() != 1 {
		t.Fatalf("非法触发器不应触达处理器: %d", subscriber.calls.Load())
	}
}

func TestEventCodecRoundTrip(t *testing.T) {
	raw, err := encodeEvent(handler.Event{
		Trigger: handler.TriggerNewAsset,
		Source:  "scan",
		Payload: map[string]any{"asset": "vault.sol"},
	})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	event, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if event.Trigger != handler.TriggerNewAsset || event.Payload["asset"] != "vault.sol" {
		t.Fatalf("事件不匹配: %+v", event)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := decodeEvent([]byte("not-json")); err == nil {
		t.Fatal("非法载荷应当报错")
	}
}
