package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ChainSentry/internal/action"
	"ChainSentry/internal/command"
	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/knowledge"
	"ChainSentry/internal/llm"
	"ChainSentry/pkg/logger"
)

// Plan 是大模型为下一步给出的结构化决策。
type Plan struct {
	Reasoning  string `json:"reasoning"`
	Action     string `json:"action"`
	Parameters string `json:"parameters"`
	IsFinal    bool   `json:"is_final"`
}

// Step 记录规划循环中一次已执行的步骤。
type Step struct {
	Number     int    `json:"number"`
	Action     string `json:"action"`
	Parameters string `json:"parameters"`
	Reasoning  string `json:"reasoning"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Outcome 汇总一次任务的最终产出与完整执行轨迹。
type Outcome struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Steps   []Step `json:"steps"`
}

// Planner 驱动"规划-执行-观察"循环：每一步请求大模型给出下一个命令，
// 经命令桥接执行后把结果并入状态，直到模型声明完成或步数耗尽。
type Planner struct {
	llmClient  llm.Client
	actions    *action.Registry
	bridge     *command.Bridge
	knowledge  knowledge.Provider
	maxSteps   int
	llmTimeout time.Duration
	log        *slog.Logger
}

// Option 定义可选的 Planner 配置。
type Option func(*Planner)

const defaultMaxSteps = 5

// WithMaxSteps 设置单个任务允许的最大步数。
func WithMaxSteps(steps int) Option {
	return func(p *Planner) {
		if steps > 0 {
			p.maxSteps = steps
		}
	}
}

// WithKnowledgeProvider 配置知识库，用于在系统提示中补充领域背景。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(p *Planner) {
		p.knowledge = provider
	}
}

// WithLLMTimeout 设置单次大模型调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(p *Planner) {
		if timeout > 0 {
			p.llmTimeout = timeout
		}
	}
}

// New 创建 Planner。
func New(llmClient llm.Client, actions *action.Registry, bridge *command.Bridge, opts ...Option) *Planner {
	p := &Planner{
		llmClient: llmClient,
		actions:   actions,
		bridge:    bridge,
		maxSteps:  defaultMaxSteps,
		log:       logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Execute 运行完整的规划循环直到任务完成。
func (p *Planner) Execute(ctx context.Context, task string) (*Outcome, error) {
	if p.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}

	systemPrompt := p.buildSystemPrompt(task)
	state := map[string]any{"task": task}
	outcome := &Outcome{}

	for stepNumber := 1; stepNumber <= p.maxSteps; stepNumber++ {
		plan, err := p.planNextStep(ctx, systemPrompt, state)
		if err != nil {
			return nil, err
		}

		// 空动作的收尾步骤：直接给出总结。
		if plan.Action == "" && plan.IsFinal {
			outcome.Success = true
			outcome.Result = p.summarize(outcome.Steps, plan.Reasoning)
			return outcome, nil
		}

		step := Step{
			Number:     stepNumber,
			Action:     plan.Action,
			Parameters: plan.Parameters,
			Reasoning:  plan.Reasoning,
		}

		result, err := p.bridge.Execute(ctx, plan.Action, plan.Parameters)
		if err != nil {
			step.Error = err.Error()
			outcome.Steps = append(outcome.Steps, step)
			// 把失败回灌给模型，让它换一条路径。
			state["last_error"] = err.Error()
			p.log.Warn("命令执行失败",
				slog.String("action", plan.Action),
				slog.Any("error", err),
			)
			continue
		}
		step.Result = result
		outcome.Steps = append(outcome.Steps, step)

		delete(state, "last_error")
		state["last_action"] = plan.Action
		state["last_result"] = result

		if plan.IsFinal {
			outcome.Success = true
			outcome.Result = result
			return outcome, nil
		}
	}

	// 步数耗尽时以最后一次结果收尾，避免无限循环。
	outcome.Success = true
	outcome.Result = p.summarize(outcome.Steps, "Task completed after maximum steps")
	return outcome, nil
}

// planNextStep 请求大模型给出下一步决策并解析为 Plan。
func (p *Planner) planNextStep(ctx context.Context, systemPrompt string, state map[string]any) (*Plan, error) {
	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化任务状态失败")
	}

	messages := []llm.Message{
		llm.SystemMessage(systemPrompt),
		llm.SystemMessage(planningInstructions),
		llm.UserMessage("Current state: " + string(stateJSON)),
	}

	llmCtx := ctx
	if p.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, p.llmTimeout)
		defer cancel()
	}

	response, err := p.llmClient.Complete(llmCtx, messages)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "大模型推理失败")
	}

	plan, err := parsePlan(response)
	if err != nil {
		return nil, err
	}
	p.log.Info("规划下一步",
		slog.String("action", plan.Action),
		slog.Bool("is_final", plan.IsFinal),
	)
	return plan, nil
}

const planningInstructions = `Plan the next step based on the current state and available commands.
Your response must be a JSON object with these fields:
{
    "reasoning": "Your thought process for choosing this step",
    "action": "command_name (no preceding slash)",
    "parameters": "parameter string for the command",
    "is_final": boolean (true if this should be the last step)
}
Do not enter loops and aim to complete the task in the least number of steps.`

// buildSystemPrompt 基于注册表中的动作声明拼装系统提示，
// 让模型只能从真实可用的命令中选择。
func (p *Planner) buildSystemPrompt(task string) string {
	var builder strings.Builder
	builder.WriteString("You are the reasoning engine of an on-chain security monitoring bot.\n")
	builder.WriteString("Task: " + task + "\n\n")
	builder.WriteString("Available commands:\n\n")

	for _, name := range p.actions.Names() {
		registration, ok := p.actions.Get(name)
		if !ok {
			continue
		}
		spec := registration.Spec
		builder.WriteString(name + "\n")
		if spec.Description != "" {
			builder.WriteString("Description: " + spec.Description + "\n")
		}
		if spec.HelpText != "" {
			builder.WriteString("Help: " + spec.HelpText + "\n")
		}
		if spec.AgentHint != "" {
			builder.WriteString("Usage hint: " + spec.AgentHint + "\n")
		}
		builder.WriteString("\n")
	}

	if p.knowledge != nil {
		if snippets := p.knowledge.Query(task); len(snippets) > 0 {
			builder.WriteString("Relevant knowledge:\n")
			for _, snippet := range snippets {
				builder.WriteString(fmt.Sprintf("- %s: %s\n", snippet.Title, snippet.Content))
			}
		}
	}
	return builder.String()
}

// parsePlan 剥掉可能的 markdown 代码块并解析决策 JSON。
// 四个字段都必须出现，防止模型漏填 is_final 导致死循环。
func parsePlan(response string) (*Plan, error) {
	raw := response
	if idx := strings.Index(raw, "```json"); idx >= 0 {
		raw = raw[idx+len("```json"):]
	}
	if idx := strings.Index(raw, "```"); idx >= 0 {
		raw = raw[:idx]
	}
	raw = strings.TrimSpace(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, xerrors.Wrap(command.CodeParameterFormat, err, "规划结果不是合法 JSON")
	}
	for _, required := range []string{"reasoning", "action", "parameters", "is_final"} {
		if _, ok := fields[required]; !ok {
			return nil, xerrors.New(command.CodeParameterFormat,
				fmt.Sprintf("规划结果缺少字段: %s", required))
		}
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, xerrors.Wrap(command.CodeParameterFormat, err, "解析规划结果失败")
	}
	plan.Action = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(plan.Action), "/"))
	return &plan, nil
}

// summarize 把执行轨迹折叠成一段可读的结论。
func (p *Planner) summarize(steps []Step, closing string) string {
	if len(steps) == 0 {
		return closing
	}
	var builder strings.Builder
	for _, step := range steps {
		builder.WriteString(fmt.Sprintf("[%d] %s", step.Number, step.Action))
		if step.Error != "" {
			builder.WriteString(" -> error: " + step.Error)
		} else if step.Result != "" {
			builder.WriteString(" -> " + step.Result)
		}
		builder.WriteString("\n")
	}
	if closing != "" {
		builder.WriteString(closing)
	}
	return command.TruncateResult(builder.String())
}
