package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainSentry/internal/action"
	"ChainSentry/internal/command"
	"ChainSentry/internal/handler"
)

type captureProducer struct {
	mu     sync.Mutex
	events []handler.Event
}

func (p *captureProducer) Publish(_ context.Context, event handler.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *captureProducer) last() handler.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func newTestScheduler(t *testing.T, calls *atomic.Int32) (*Scheduler, *captureProducer) {
	t.Helper()
	registry := action.NewRegistry()
	err := registry.Register("ping", func(context.Context, []string, map[string]string) (string, error) {
		calls.Add(1)
		return "pong", nil
	}, action.Spec{Name: "ping", Description: "health probe"})
	if err != nil {
		t.Fatalf("注册动作失败: %v", err)
	}
	producer := &captureProducer{}
	return New(command.NewBridge(registry), registry, producer), producer
}

func TestScheduleRejectsUnknownAction(t *testing.T) {
	var calls atomic.Int32
	sched, _ := newTestScheduler(t, &calls)
	err := sched.Schedule(Entry{Name: "bad", Command: "/no-such-action", Interval: time.Minute, Enabled: true})
	if err == nil {
		t.Fatal("未注册动作应当拒绝")
	}
}

func TestScheduleRejectsDuplicateName(t *testing.T) {
	var calls atomic.Int32
	sched, _ := newTestScheduler(t, &calls)
	entry := Entry{Name: "probe", Command: "/ping", Interval: time.Minute, Enabled: true}
	if err := sched.Schedule(entry); err != nil {
		t.Fatalf("登记失败: %v", err)
	}
	if err := sched.Schedule(entry); err == nil {
		t.Fatal("重名调度项应当拒绝")
	}
}

func TestSchedulerRunsEntryAndPublishesTick(t *testing.T) {
	var calls atomic.Int32
	sched, producer := newTestScheduler(t, &calls)
	if err := sched.Schedule(Entry{Name: "probe", Command: "/ping", Interval: 20 * time.Millisecond, Enabled: true}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("调度项未被执行")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	sched.Wait()

	if producer.count() == 0 {
		t.Fatal("应发布 schedule-tick 事件")
	}
	evt := producer.last()
	if evt.Trigger != handler.TriggerScheduleTick {
		t.Fatalf("触发器不对: %s", evt.Trigger)
	}
	if evt.Payload["success"] != true || evt.Payload["result"] != "pong" {
		t.Fatalf("载荷不对: %v", evt.Payload)
	}
}

func TestSchedulerSkipsDisabledEntry(t *testing.T) {
	var calls atomic.Int32
	sched, _ := newTestScheduler(t, &calls)
	if err := sched.Schedule(Entry{Name: "probe", Command: "/ping", Interval: 10 * time.Millisecond, Enabled: false}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 0 {
		t.Fatalf("停用的调度项不应执行: %d", calls.Load())
	}
}

func TestSchedulerDisableStopsLoop(t *testing.T) {
	var calls atomic.Int32
	sched, _ := newTestScheduler(t, &calls)
	if err := sched.Schedule(Entry{Name: "probe", Command: "/ping", Interval: 10 * time.Millisecond, Enabled: true}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("调度项未被执行")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := sched.Disable("probe"); err != nil {
		t.Fatalf("停用失败: %v", err)
	}

	stopped := calls.Load()
	time.Sleep(60 * time.Millisecond)
	// 停用后最多再完成一次在途执行。
	if calls.Load() > stopped+1 {
		t.Fatalf("停用后仍在执行: %d -> %d", stopped, calls.Load())
	}
}

func TestSchedulerEnableAfterStart(t *testing.T) {
	var calls atomic.Int32
	sched, _ := newTestScheduler(t, &calls)
	if err := sched.Schedule(Entry{Name: "probe", Command: "/ping", Interval: 10 * time.Millisecond, Enabled: false}); err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	if err := sched.Enable("probe"); err != nil {
		t.Fatalf("启用失败: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("启用后的调度项未被执行")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	sched.Wait()
}

func TestSchedulerListReportsStatus(t *testing.T) {
	var calls atomic.Int32
	sched, _ := newTestScheduler(t, &calls)
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("probe-%d", i)
		if err := sched.Schedule(Entry{Name: name, Command: "/ping", Interval: time.Minute, Enabled: i == 0}); err != nil {
			t.Fatalf("登记失败: %v", err)
		}
	}
	statuses := sched.List()
	if len(statuses) != 2 {
		t.Fatalf("调度项数量不对: %d", len(statuses))
	}
}
