package job

import (
	"context"
	"time"

	xerrors "ChainSentry/internal/errors"
)

// Status 表示任务在生命周期中的位置。终态不可回退。
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreated, StatusRunning, StatusStopping, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Result 保存一次任务执行的终态产出。
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Job 是长耗时异步工作的统一契约。提交后任务由 Manager 独占管理，
// 生命周期状态只允许经由 Manager 变更。
//
// Start 是任务的执行入口，返回值与错误由 Manager 记录为终态；
// RequestStop 是协作式停止钩子，任务自行决定在安全点响应，
// Manager 绝不强制终止。
type Job interface {
	Name() string
	Start(ctx context.Context) (*Result, error)
	RequestStop(ctx context.Context) error
}

// Snapshot 是任务状态的只读副本，用于状态查询。
type Snapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
)

const (
	CodeJobNotFound  xerrors.Code = "JOB_NOT_FOUND"
	CodeJobExecution xerrors.Code = "JOB_EXECUTION"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExecution, xerrors.Attributes{
		Message:  "job execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}
