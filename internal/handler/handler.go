package handler

import (
	"context"

	xerrors "ChainSentry/internal/errors"
)

// Trigger 是处理器订阅的事件类别，全部在启动期声明，运行期不会新增。
type Trigger string

const (
	TriggerBlockchainEvent  Trigger = "blockchain-event"
	TriggerContractUpgraded Trigger = "contract-upgraded"
	TriggerGithubPush       Trigger = "github-push"
	TriggerGithubPR         Trigger = "github-pr"
	TriggerNewAsset         Trigger = "new-asset"
	TriggerAssetUpdate      Trigger = "asset-update"
	TriggerScheduleTick     Trigger = "schedule-tick"
)

// IsValidTrigger 检查触发器是否为已声明的枚举值。
func IsValidTrigger(trigger Trigger) bool {
	switch trigger {
	case TriggerBlockchainEvent, TriggerContractUpgraded,
		TriggerGithubPush, TriggerGithubPR,
		TriggerNewAsset, TriggerAssetUpdate, TriggerScheduleTick:
		return true
	default:
		return false
	}
}

// Event 是一次事件分发携带的上下文。Payload 在派发后归处理器所有，
// 注册表不会再修改它。
type Event struct {
	Trigger Trigger        `json:"trigger"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

// Result 是处理器单次执行的结果，一次性返回，不支持流式输出。
type Result struct {
	Handler string         `json:"handler"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Handler 是事件响应逻辑的统一契约。Triggers 在注册时读取一次，
// Handle 的每次调用使用独立的事件上下文。
type Handler interface {
	Name() string
	Triggers() []Trigger
	Handle(ctx context.Context, event Event) Result
}

const (
	// CodeHandlerExecution 标记处理器内部的未预期失败。
	// 该错误在 Dispatch 边界被降级为失败结果，不会向外传播。
	CodeHandlerExecution xerrors.Code = "HANDLER_EXECUTION"
)

func init() {
	xerrors.Register(CodeHandlerExecution, xerrors.Attributes{
		Message:  "handler execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
