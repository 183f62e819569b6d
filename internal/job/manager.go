package job

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/observability/metrics"
	"ChainSentry/pkg/logger"
)

// defaultMaxRetained 是终态任务在内存中的默认保留数量，超过后按完成时间淘汰。
const defaultMaxRetained = 256

// CompletionHook 在任务到达终态后被调用，常用于把任务完成转化为新的事件。
// 钩子在独立协程中执行，不会阻塞状态变更。
type CompletionHook func(ctx context.Context, snapshot Snapshot)

// Manager 负责任务的提交、监督与生命周期记账。在启动期显式构造一次，
// 由调用方按引用传递，不依赖包级全局状态。
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	store       Store
	hook        CompletionHook
	maxRetained int

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// entry 是单个任务的记账单元。状态读写使用自己的锁，
// 互不相关的任务不会在锁上互相排队。
type entry struct {
	mu          sync.Mutex
	id          string
	job         Job
	status      Status
	result      *Result
	errMsg      string
	submittedAt time.Time
	finishedAt  time.Time
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithStore 配置任务记录的持久化存储。
func WithStore(store Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithCompletionHook 配置任务终态回调。
func WithCompletionHook(hook CompletionHook) Option {
	return func(m *Manager) {
		m.hook = hook
	}
}

// WithMaxRetained 设置终态任务的内存保留上限。
func WithMaxRetained(limit int) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.maxRetained = limit
		}
	}
}

// NewManager 构造任务管理器。
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		entries:     make(map[string]*entry),
		maxRetained: defaultMaxRetained,
		rootCtx:     ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Submit 提交一个任务并立即返回其 ID。ID 分配与以 running 状态登记
// 是一个原子临界区，任务的监督协程在登记完成后才会启动，因此 Submit
// 返回后的状态查询一定能看到该任务已处于 running。提交方从不阻塞
// 等待任务完成。
func (m *Manager) Submit(ctx context.Context, j Job) (string, error) {
	if j == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}

	id := uuid.NewString()
	e := &entry{
		id:          id,
		job:         j,
		status:      StatusRunning,
		submittedAt: time.Now(),
	}

	m.mu.Lock()
	m.entries[id] = e
	m.order = append(m.order, id)
	m.mu.Unlock()

	if m.store != nil {
		record := Record{
			ID:          id,
			Name:        j.Name(),
			Status:      StatusRunning,
			SubmittedAt: e.submittedAt.Unix(),
		}
		if err := m.store.Create(ctx, record); err != nil {
			logger.L().Error("写入任务记录失败", slog.Any("error", err), slog.String("job_id", id))
		}
	}

	logger.Audit().Info("任务已提交",
		slog.String("job_id", id),
		slog.String("job_name", j.Name()),
	)

	m.wg.Add(1)
	go m.supervise(id, j)
	return id, nil
}

// supervise 运行任务入口并保证其终态被记录：正常返回记为完成，
// 返回错误或 panic 记为失败，绝不让失败逃逸到进程级别。
func (m *Manager) supervise(id string, j Job) {
	defer m.wg.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.L().Error("任务执行触发 panic",
				slog.String("job_id", id),
				slog.Any("panic", recovered),
				slog.String("stack", string(debug.Stack())),
			)
			m.Fail(id, fmt.Sprintf("job panic: %v", recovered))
		}
	}()

	result, err := j.Start(m.rootCtx)
	if err != nil {
		m.Fail(id, err.Error())
		return
	}
	if result == nil {
		result = &Result{Success: true, Message: "job finished"}
	}
	m.Complete(id, result)
}

// Status 返回任务的当前状态。
func (m *Manager) Status(id string) (Status, error) {
	e, err := m.get(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, nil
}

// Get 返回任务的完整快照。
func (m *Manager) Get(id string) (Snapshot, error) {
	e, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(), nil
}

// List 按提交顺序返回全部在册任务的快照。
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if e, err := m.get(id); err == nil {
			snapshots = append(snapshots, e.snapshot())
		}
	}
	return snapshots
}

// RequestStop 向任务转发停止请求并标记 STOPPING。停止是协作式的：
// 任务自行决定何时退出，终态仍由其执行路径产生。
func (m *Manager) RequestStop(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusStopping
	j := e.job
	e.mu.Unlock()

	logger.Audit().Info("请求停止任务", slog.String("job_id", id))
	if err := j.RequestStop(ctx); err != nil {
		return xerrors.Wrap(CodeJobExecution, err, "任务停止请求失败")
	}
	return nil
}

// Complete 记录任务成功终态。重复记录是带告警日志的空操作：
// 任务自身的收尾和监督协程可能竞争同一次终态写入。
func (m *Manager) Complete(id string, result *Result) {
	m.finish(id, StatusCompleted, result, "")
}

// Fail 记录任务失败终态，语义与 Complete 对称。
func (m *Manager) Fail(id string, message string) {
	m.finish(id, StatusFailed, &Result{Success: false, Message: message}, message)
}

func (m *Manager) finish(id string, status Status, result *Result, errMsg string) {
	e, err := m.get(id)
	if err != nil {
		logger.L().Warn("记录终态时任务不存在", slog.String("job_id", id))
		return
	}

	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		logger.L().Warn("任务终态已记录，忽略重复写入",
			slog.String("job_id", id),
			slog.String("ignored_status", string(status)),
		)
		return
	}
	e.status = status
	e.result = result
	e.errMsg = errMsg
	e.finishedAt = time.Now()
	e.mu.Unlock()

	snapshot := e.snapshot()
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.Finish(ctx, id, status, result, errMsg); err != nil {
			logger.L().Error("更新任务记录失败", slog.Any("error", err), slog.String("job_id", id))
		}
		cancel()
	}

	logger.Audit().Info("任务到达终态",
		slog.String("job_id", id),
		slog.String("job_name", snapshot.Name),
		slog.String("status", string(status)),
		slog.String("error", errMsg),
	)
	metrics.ObserveJobTerminal(snapshot.Name, string(status))

	if m.hook != nil {
		go m.hook(m.rootCtx, snapshot)
	}
	m.evict()
}

// evict 按完成时间淘汰超出保留上限的终态任务，避免长期运行时内存无界增长。
func (m *Manager) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()

	terminal := 0
	for _, id := range m.order {
		if e, ok := m.entries[id]; ok && e.terminal() {
			terminal++
		}
	}
	if terminal <= m.maxRetained {
		return
	}

	kept := m.order[:0]
	for _, id := range m.order {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		if terminal > m.maxRetained && e.terminal() {
			delete(m.entries, id)
			terminal--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Shutdown 向所有未完成任务转发停止请求并等待监督协程退出，
// 直到全部退出或 ctx 超时。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		if status, err := m.Status(id); err == nil && !status.Terminal() {
			if err := m.RequestStop(ctx, id); err != nil {
				logger.L().Warn("停止任务失败", slog.Any("error", err), slog.String("job_id", id))
			}
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return e, nil
}

func (e *entry) terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Terminal()
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := Snapshot{
		ID:          e.id,
		Name:        e.job.Name(),
		Status:      e.status,
		SubmittedAt: e.submittedAt,
		FinishedAt:  e.finishedAt,
		Error:       e.errMsg,
	}
	if e.result != nil {
		resultCopy := *e.result
		snapshot.Result = &resultCopy
	}
	return snapshot
}
