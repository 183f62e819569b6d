package action

import (
	"context"
	"strings"

	xerrors "ChainSentry/internal/errors"
)

// Argument 描述动作的一个参数。
type Argument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Spec 是动作的静态描述，在注册时固定，供命令桥与前端生成帮助信息。
type Spec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	HelpText    string     `json:"help_text,omitempty"`
	AgentHint   string     `json:"agent_hint,omitempty"`
	Arguments   []Argument `json:"arguments,omitempty"`
}

// Func 是动作的统一调用形态。args 为位置参数，kwargs 为关键字参数，
// 两者由命令桥按 Spec 绑定后传入。
type Func func(ctx context.Context, args []string, kwargs map[string]string) (string, error)

// Registration 将动作函数与其描述绑定在一起。
type Registration struct {
	Fn   Func
	Spec Spec
}

// RequiredArguments 返回按声明顺序排列的必填参数名。
func (s Spec) RequiredArguments() []string {
	var required []string
	for _, arg := range s.Arguments {
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	return required
}

// PositionalHint 判断 agent 提示是否声明首个参数按位置绑定。
func (s Spec) PositionalHint() bool {
	hint := strings.ToLower(s.AgentHint)
	return strings.Contains(hint, "first argument") || strings.Contains(hint, "first parameter")
}

var (
	// ErrDuplicateAction 表示动作名称已被占用。注册冲突属于启动期配置错误。
	ErrDuplicateAction = xerrors.New(CodeActionDuplicate, "action already registered", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeActionDuplicate xerrors.Code = "ACTION_DUPLICATE"
	CodeActionUnknown   xerrors.Code = "ACTION_UNKNOWN"
)

func init() {
	xerrors.Register(CodeActionDuplicate, xerrors.Attributes{
		Message:  "action already registered",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeActionUnknown, xerrors.Attributes{
		Message:  "unknown action",
		Severity: xerrors.SeverityInfo,
	})
}
