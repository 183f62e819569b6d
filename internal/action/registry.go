package action

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/pkg/logger"
)

// Provider 是扩展模块向注册表提供动作的统一入口。
// 启动流程显式枚举所有 Provider 并依次调用，不做运行时反射探测。
type Provider interface {
	Name() string
	RegisterActions(r *Registry) error
}

// Registry 保存按名称索引的全部可调用动作，启动后以读为主。
type Registry struct {
	mu          sync.RWMutex
	initialized bool
	actions     map[string]Registration
}

// NewRegistry 创建一个空的动作注册表。
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Registration)}
}

// Initialize 依次执行所有 Provider 的注册入口。重复调用是无害的空操作，
// 任一 Provider 失败都会中断初始化并返回错误（启动期视为致命）。
func (r *Registry) Initialize(providers ...Provider) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.mu.Unlock()

	for _, provider := range providers {
		if provider == nil {
			continue
		}
		if err := provider.RegisterActions(r); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("注册动作提供者 %s 失败", provider.Name()))
		}
		logger.L().Info("动作提供者注册完成", slog.String("provider", provider.Name()))
	}
	return nil
}

// Register 注册一个具名动作。名称冲突返回 ErrDuplicateAction。
func (r *Registry) Register(name string, fn Func, spec Spec) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作名称不能为空")
	}
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作函数不能为空")
	}
	if spec.Name == "" {
		spec.Name = name
	}
	if spec.Name != name {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("动作名称不一致: %s != %s", spec.Name, name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return ErrDuplicateAction
	}
	r.actions[name] = Registration{Fn: fn, Spec: spec}
	logger.L().Info("动作注册成功", slog.String("action", name))
	return nil
}

// Get 按名称查找动作。未注册不是错误，返回第二个值为 false。
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.actions[name]
	return reg, ok
}

// Actions 返回当前注册表的快照。调用者持有的是副本，
// 之后的并发注册不会反映在返回值里。
func (r *Registry) Actions() map[string]Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]Registration, len(r.actions))
	for name, reg := range r.actions {
		snapshot[name] = reg
	}
	return snapshot
}

// Names 返回按字典序排列的动作名称列表。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
