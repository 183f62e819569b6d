package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"ChainSentry/internal/action"
	xerrors "ChainSentry/internal/errors"
	"ChainSentry/pkg/logger"
)

const (
	// CodeParameterFormat 表示参数串无法按动作契约绑定。
	CodeParameterFormat xerrors.Code = "PARAMETER_FORMAT"

	// structuredQueryArg 是结构化查询参数的约定名。携带该参数的动作
	// 接收一段 JSON 查询描述，由桥接层先行校验。
	structuredQueryArg = "query"

	// defaultQueryLimit 是结构化查询未显式给出 limit 时注入的默认值，
	// 防止动作把全量结果灌回 LLM 上下文。
	defaultQueryLimit = 10
)

var (
	// ErrUnknownAction 表示命令名未在动作注册表中登记。
	ErrUnknownAction = xerrors.New(action.CodeActionUnknown, "unknown action")

	// ErrParameterFormat 表示参数串解析或校验失败，动作不会被调用。
	ErrParameterFormat = xerrors.New(CodeParameterFormat, "invalid parameter format")
)

func init() {
	xerrors.Register(CodeParameterFormat, xerrors.Attributes{
		Message:  "invalid parameter format",
		Severity: xerrors.SeverityInfo,
	})
}

// Bridge 把 LLM 规划器产出的命令落到注册表中的动作上：
// 解析参数串、按动作声明绑定、执行并裁剪结果。
// 绑定失败时动作一定不会被调用。
type Bridge struct {
	actions *action.Registry
	log     *slog.Logger
}

// NewBridge 创建命令桥接器。
func NewBridge(actions *action.Registry) *Bridge {
	return &Bridge{
		actions: actions,
		log:     logger.Named("command"),
	}
}

// Execute 解析并执行一条命令，返回裁剪后的结果文本。
func (b *Bridge) Execute(ctx context.Context, name string, paramStr string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", xerrors.New(CodeParameterFormat, "命令名不能为空")
	}

	registration, ok := b.actions.Get(name)
	if !ok {
		return "", xerrors.Wrap(action.CodeActionUnknown, ErrUnknownAction, fmt.Sprintf("未登记的命令: %s", name))
	}
	spec := registration.Spec

	b.log.Info("执行命令", slog.String("action", name), slog.String("params", paramStr))

	args, kwargs, err := b.bind(spec, paramStr)
	if err != nil {
		return "", err
	}

	result, err := registration.Fn(ctx, args, kwargs)
	if err != nil {
		return "", err
	}
	return TruncateResult(result), nil
}

// ExecuteMessage 解析完整命令消息（如聊天入口的 "/jobs list"）并执行。
func (b *Bridge) ExecuteMessage(ctx context.Context, message string) (string, error) {
	name, paramStr := ParseCommand(message)
	return b.Execute(ctx, name, paramStr)
}

// bind 把原始参数串绑定成位置参数与关键字参数。
func (b *Bridge) bind(spec action.Spec, paramStr string) ([]string, map[string]string, error) {
	// 结构化查询参数走专用校验路径。
	if hasArgument(spec, structuredQueryArg) {
		query, err := normalizeStructuredQuery(paramStr)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]string{structuredQueryArg: query}, nil
	}

	// 无参数的动作忽略多余输入。
	if len(spec.Arguments) == 0 {
		return nil, nil, nil
	}

	paramStr = trimQuotes(paramStr)

	if strings.Contains(paramStr, "=") {
		kwargs, err := parseKeywordArgs(paramStr)
		if err != nil {
			return nil, nil, err
		}
		if err := validateKeywordArgs(spec, kwargs); err != nil {
			return nil, nil, err
		}
		return nil, kwargs, nil
	}

	var args []string
	switch {
	case paramStr == "":
		args = nil
	case spec.PositionalHint() && len(spec.RequiredArguments()) > 0:
		// 声明了"首个参数"提示的动作把参数串整体绑给首个必填参数。
		args = []string{paramStr}
	default:
		split, err := SplitArgs(paramStr)
		if err != nil {
			return nil, nil, err
		}
		args = split
	}
	if err := validatePositionalArgs(spec, args); err != nil {
		return nil, nil, err
	}
	return args, nil, nil
}

// normalizeStructuredQuery 校验结构化查询 JSON 并注入默认 limit。
func normalizeStructuredQuery(paramStr string) (string, error) {
	paramStr = strings.TrimSpace(paramStr)
	paramStr = strings.TrimPrefix(paramStr, structuredQueryArg+"=")
	paramStr = trimQuotes(paramStr)

	var query map[string]any
	if err := json.Unmarshal([]byte(paramStr), &query); err != nil {
		return "", xerrors.Wrap(CodeParameterFormat, err, "结构化查询不是合法的 JSON 对象")
	}
	if _, ok := query["limit"]; !ok {
		query["limit"] = defaultQueryLimit
	}
	normalized, err := json.Marshal(query)
	if err != nil {
		return "", xerrors.Wrap(CodeParameterFormat, err, "重编码结构化查询失败")
	}
	return string(normalized), nil
}

// parseKeywordArgs 解析 key=value 形式的参数，值两侧的引号被剥除。
// 不含 "=" 的片段被忽略，与值内空格的歧义由引号消解。
func parseKeywordArgs(paramStr string) (map[string]string, error) {
	kwargs := make(map[string]string)
	parts, err := SplitArgs(paramStr)
	if err != nil {
		return nil, err
	}
	for _, part := range parts {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, xerrors.New(CodeParameterFormat, "空的参数名")
		}
		kwargs[key] = trimQuotes(value)
	}
	return kwargs, nil
}

func validateKeywordArgs(spec action.Spec, kwargs map[string]string) error {
	valid := make(map[string]bool, len(spec.Arguments))
	for _, arg := range spec.Arguments {
		valid[arg.Name] = true
	}
	var missing []string
	for _, name := range spec.RequiredArguments() {
		if _, ok := kwargs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return xerrors.New(CodeParameterFormat,
			fmt.Sprintf("缺少必填参数: %s", strings.Join(missing, ", ")))
	}
	var unknown []string
	for name := range kwargs {
		if !valid[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return xerrors.New(CodeParameterFormat,
			fmt.Sprintf("未知参数: %s", strings.Join(unknown, ", ")))
	}
	return nil
}

func validatePositionalArgs(spec action.Spec, args []string) error {
	required := len(spec.RequiredArguments())
	if len(args) < required {
		return xerrors.New(CodeParameterFormat,
			fmt.Sprintf("参数不足: 需要 %d 个，实际 %d 个", required, len(args)))
	}
	if max := len(spec.Arguments); len(args) > max {
		return xerrors.New(CodeParameterFormat,
			fmt.Sprintf("参数过多: 最多 %d 个，实际 %d 个", max, len(args)))
	}
	return nil
}

func hasArgument(spec action.Spec, name string) bool {
	for _, arg := range spec.Arguments {
		if arg.Name == name {
			return true
		}
	}
	return false
}
