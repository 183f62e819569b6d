package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ChainSentry/internal/diff"
	"ChainSentry/internal/etherscan"
	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/handler"
	"ChainSentry/internal/llm"
	"ChainSentry/internal/notify"
	"ChainSentry/pkg/logger"
)

// upgradeAnalysisPrompt 是升级安全分析的系统提示词。
const upgradeAnalysisPrompt = `You are a security researcher analyzing smart contract upgrades. For each analysis:

1. Provide a single paragraph summarizing the implementation changes and their potential security relevance
2. On a new line, add "Security Impact: Yes" or "Security Impact: No"

Focus on:
- State variable changes
- Access control modifications
- New functionality that could impact existing state
- Changes to core business logic
- Potential vulnerabilities introduced

Be concise and direct in your analysis.`

const upgradeAnalysisInstruction = "Analyze this implementation upgrade and provide a single paragraph summary " +
	"of the changes and potential security impact. Always end with " +
	"'Security Impact: Yes' or 'Security Impact: No':"

// maxDiffChars 限制送入 LLM 的 diff 文本长度，避免超出上下文窗口。
const maxDiffChars = 24000

// SourceFetcher 是分析器对区块浏览器客户端的最小依赖。
type SourceFetcher interface {
	FetchVerifiedSource(ctx context.Context, address string) (*etherscan.VerifiedSource, error)
}

// UpgradeAnalyzerConfig 描述升级分析处理器的依赖。
// Explorers 按链名索引各链的区块浏览器客户端。
type UpgradeAnalyzerConfig struct {
	Explorers map[string]SourceFetcher
	LLM       llm.Client
	Notifier  notify.Dispatcher
}

// UpgradeAnalyzer 响应 contract-upgraded 事件：拉取新旧实现的已验证
// 源码，计算差异，交给 LLM 评估，确认有安全影响时外发提醒。
type UpgradeAnalyzer struct {
	explorers map[string]SourceFetcher
	llmClient llm.Client
	notifier  notify.Dispatcher
	log       *slog.Logger
}

// NewUpgradeAnalyzer 创建升级分析处理器。
func NewUpgradeAnalyzer(cfg UpgradeAnalyzerConfig) *UpgradeAnalyzer {
	return &UpgradeAnalyzer{
		explorers: cfg.Explorers,
		llmClient: cfg.LLM,
		notifier:  cfg.Notifier,
		log:       logger.Named("upgrade-analyzer"),
	}
}

// Name 实现 handler.Handler。
func (a *UpgradeAnalyzer) Name() string { return "upgrade-analyzer" }

// Triggers 实现 handler.Handler。
func (a *UpgradeAnalyzer) Triggers() []handler.Trigger {
	return []handler.Trigger{handler.TriggerContractUpgraded}
}

// Handle 实现 handler.Handler。
func (a *UpgradeAnalyzer) Handle(ctx context.Context, evt handler.Event) handler.Result {
	chainName, _ := evt.Payload["chain"].(string)
	proxy, _ := evt.Payload["proxy"].(string)
	oldImpl, _ := evt.Payload["old_implementation"].(string)
	newImpl, _ := evt.Payload["new_implementation"].(string)

	if proxy == "" || newImpl == "" {
		return failure(a.Name(), "事件缺少 proxy 或 new_implementation 字段")
	}
	explorer, ok := a.explorers[chainName]
	if !ok {
		return failure(a.Name(), fmt.Sprintf("链 %s 未配置区块浏览器", chainName))
	}

	newSource, err := explorer.FetchVerifiedSource(ctx, newImpl)
	if err != nil {
		return failure(a.Name(), fmt.Sprintf("拉取新实现源码失败: %v", err))
	}

	var oldSources map[string]string
	if oldImpl != "" {
		oldSource, err := explorer.FetchVerifiedSource(ctx, oldImpl)
		if err != nil {
			// 旧实现可能未验证，按空白基线继续分析。
			a.log.Warn("拉取旧实现源码失败",
				slog.String("address", oldImpl),
				slog.Any("error", err),
			)
		} else {
			oldSources = oldSource.Sources
		}
	}

	diffText := renderDiff(oldSources, newSource.Sources)
	if diffText == "" {
		return handler.Result{
			Handler: a.Name(),
			Success: true,
			Data:    map[string]any{"message": "新旧实现源码无差异"},
		}
	}

	analysis, err := a.analyze(ctx, evt, diffText)
	if err != nil {
		return failure(a.Name(), fmt.Sprintf("LLM 分析失败: %v", err))
	}

	if !analysis.HasSecurityImpact {
		return handler.Result{
			Handler: a.Name(),
			Success: true,
			Data: map[string]any{
				"message":  "未发现安全影响",
				"proxy":    proxy,
				"analysis": analysis.Text,
			},
		}
	}

	alert := notify.Alert{
		Title:    "发现安全相关的代理升级",
		Body:     analysis.Text,
		Severity: xerrors.SeverityCritical,
		Source:   chainName,
		Metadata: map[string]string{
			"proxy":              proxy,
			"old_implementation": oldImpl,
			"new_implementation": newImpl,
			"block":              fmt.Sprintf("%v", evt.Payload["block"]),
		},
		OccurredAt: time.Now(),
	}
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, alert); err != nil {
			a.log.Warn("外发升级提醒失败", slog.Any("error", err))
		}
	}

	return handler.Result{
		Handler: a.Name(),
		Success: true,
		Data: map[string]any{
			"proxy":               proxy,
			"new_implementation":  newImpl,
			"analysis":            analysis.Text,
			"has_security_impact": true,
		},
	}
}

// Analysis 是 LLM 升级评估的解析结果。
type Analysis struct {
	Text              string
	HasSecurityImpact bool
}

func (a *UpgradeAnalyzer) analyze(ctx context.Context, evt handler.Event, diffText string) (Analysis, error) {
	content := fmt.Sprintf("%s\n\nImplementation Diff:\n%s\n\nUpgrade Event:\nBlock Number: %v\nProxy: %v\n",
		upgradeAnalysisInstruction, diffText, evt.Payload["block"], evt.Payload["proxy"])

	response, err := a.llmClient.Complete(ctx, []llm.Message{
		llm.SystemMessage(upgradeAnalysisPrompt),
		llm.UserMessage(content),
	})
	if err != nil {
		return Analysis{}, err
	}
	return parseAnalysis(response), nil
}

// parseAnalysis 解析 LLM 响应：末行携带 Security Impact 判定，
// 其余行为分析正文。单行响应把判定内联在正文里。
func parseAnalysis(response string) Analysis {
	lines := strings.Split(strings.TrimSpace(response), "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return Analysis{Text: "分析结果为空"}
	}
	if len(lines) > 1 {
		return Analysis{
			Text:              strings.TrimSpace(strings.Join(lines[:len(lines)-1], "\n")),
			HasSecurityImpact: strings.Contains(lines[len(lines)-1], "Security Impact: Yes"),
		}
	}
	text := lines[0]
	impact := strings.Contains(text, "Security Impact: Yes")
	text = strings.ReplaceAll(text, "Security Impact: Yes", "")
	text = strings.ReplaceAll(text, "Security Impact: No", "")
	return Analysis{Text: strings.TrimSpace(text), HasSecurityImpact: impact}
}

// renderDiff 生成跨文件的统一 diff 文本并限制总长度。
func renderDiff(oldSources, newSources map[string]string) string {
	results := diff.CompareSources(oldSources, newSources)
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for _, result := range results {
		b.WriteString(result.ToUnifiedDiff())
		b.WriteString("\n")
		if b.Len() > maxDiffChars {
			break
		}
	}
	text := b.String()
	if len(text) > maxDiffChars {
		text = text[:maxDiffChars] + "\n... (diff truncated)"
	}
	return text
}

func failure(name, message string) handler.Result {
	return handler.Result{
		Handler: name,
		Success: false,
		Error:   message,
	}
}
