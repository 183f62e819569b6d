// Package scheduler 周期性执行命令桥上的动作。调度项在启动期
// 从配置装配，运行期可单独启停；每次执行完成后发布
// schedule-tick 事件，供处理器做后续响应。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ChainSentry/internal/action"
	"ChainSentry/internal/command"
	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/event"
	"ChainSentry/internal/handler"
	"ChainSentry/pkg/logger"
)

// Entry 描述一个调度项。
type Entry struct {
	Name     string
	Command  string
	Interval time.Duration
	Enabled  bool
}

// Status 是调度项的运行状态快照。
type Status struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Interval time.Duration `json:"interval"`
	Enabled  bool          `json:"enabled"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	LastOK   bool          `json:"last_ok"`
}

type entryState struct {
	Entry
	lastRun time.Time
	lastOK  bool
	cancel  context.CancelFunc
}

// Scheduler 管理全部调度项。
type Scheduler struct {
	bridge   *command.Bridge
	actions  *action.Registry
	producer event.Producer

	mu      sync.Mutex
	entries map[string]*entryState
	running bool
	rootCtx context.Context
	wg      sync.WaitGroup

	log *slog.Logger
}

// New 创建调度器。producer 可以为 nil，此时不发布 schedule-tick 事件。
func New(bridge *command.Bridge, actions *action.Registry, producer event.Producer) *Scheduler {
	return &Scheduler{
		bridge:   bridge,
		actions:  actions,
		producer: producer,
		entries:  make(map[string]*entryState),
		log:      logger.Named("scheduler"),
	}
}

// Schedule 登记一个调度项。命令引用的动作必须已注册。
func (s *Scheduler) Schedule(entry Entry) error {
	if entry.Name == "" || entry.Command == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调度项缺少名称或命令")
	}
	if entry.Interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "调度间隔必须大于零")
	}
	actionName, _ := command.ParseCommand(entry.Command)
	if _, ok := s.actions.Get(actionName); !ok {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("调度项 %s 引用未注册的动作 %s", entry.Name, actionName))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("调度项 %s 已存在", entry.Name))
	}
	state := &entryState{Entry: entry}
	s.entries[entry.Name] = state
	if s.running && entry.Enabled {
		s.launch(state)
	}
	s.log.Info("登记调度项",
		slog.String("name", entry.Name),
		slog.String("command", entry.Command),
		slog.Duration("interval", entry.Interval),
	)
	return nil
}

// Start 启动全部已启用的调度项，随 ctx 结束而停止。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.rootCtx = ctx
	for _, state := range s.entries {
		if state.Enabled {
			s.launch(state)
		}
	}
}

// Wait 阻塞等待全部调度循环退出。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Enable 启用一个调度项。
func (s *Scheduler) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entries[name]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("调度项 %s 不存在", name))
	}
	if state.Enabled {
		return nil
	}
	state.Enabled = true
	if s.running {
		s.launch(state)
	}
	return nil
}

// Disable 停用一个调度项并终止其调度循环。
func (s *Scheduler) Disable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entries[name]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("调度项 %s 不存在", name))
	}
	state.Enabled = false
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	return nil
}

// List 返回全部调度项的状态快照。
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, state := range s.entries {
		out = append(out, Status{
			Name:     state.Name,
			Command:  state.Command,
			Interval: state.Interval,
			Enabled:  state.Enabled,
			LastRun:  state.lastRun,
			LastOK:   state.lastOK,
		})
	}
	return out
}

// launch 启动一个调度循环。调用方必须持有 s.mu。
func (s *Scheduler) launch(state *entryState) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	state.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx, state)
}

func (s *Scheduler) loop(ctx context.Context, state *entryState) {
	defer s.wg.Done()
	ticker := time.NewTicker(state.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, state)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, state *entryState) {
	result, err := s.bridge.ExecuteMessage(ctx, state.Command)
	ok := err == nil
	if err != nil {
		s.log.Warn("调度命令执行失败",
			slog.String("name", state.Name),
			slog.String("command", state.Command),
			slog.Any("error", err),
		)
	}

	now := time.Now()
	s.mu.Lock()
	state.lastRun = now
	state.lastOK = ok
	s.mu.Unlock()

	if s.producer == nil {
		return
	}
	payload := map[string]any{
		"name":    state.Name,
		"command": state.Command,
		"success": ok,
	}
	if ok {
		payload["result"] = result
	} else {
		payload["error"] = err.Error()
	}
	evt := handler.Event{
		Trigger: handler.TriggerScheduleTick,
		Source:  "scheduler",
		Payload: payload,
	}
	if err := s.producer.Publish(ctx, evt); err != nil {
		s.log.Warn("发布调度事件失败", slog.String("name", state.Name), slog.Any("error", err))
	}
}
