package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/job"
)

// CoreProvider 注册系统内置动作：健康探测、帮助、任务查询与停止，
// 以及面向任务记录的结构化查询。
type CoreProvider struct {
	manager *job.Manager
	store   job.Store
}

// NewCoreProvider 创建内置动作提供者。store 可以为 nil，
// 此时 db-query 动作只在内存快照上工作。
func NewCoreProvider(manager *job.Manager, store job.Store) *CoreProvider {
	return &CoreProvider{manager: manager, store: store}
}

// Name 实现 Provider。
func (p *CoreProvider) Name() string { return "core" }

// RegisterActions 实现 Provider。
func (p *CoreProvider) RegisterActions(r *Registry) error {
	registrations := []struct {
		name string
		fn   Func
		spec Spec
	}{
		{
			name: "ping",
			fn: func(context.Context, []string, map[string]string) (string, error) {
				return "pong", nil
			},
			spec: Spec{
				Name:        "ping",
				Description: "健康探测，返回 pong",
			},
		},
		{
			name: "help",
			fn:   p.help(r),
			spec: Spec{
				Name:        "help",
				Description: "列出全部动作，或展示指定动作的帮助信息",
				AgentHint:   "Pass the action name as the first argument to get detailed help.",
				Arguments: []Argument{
					{Name: "action", Description: "动作名称", Required: false},
				},
			},
		},
		{
			name: "jobs",
			fn:   p.listJobs,
			spec: Spec{
				Name:        "jobs",
				Description: "列出当前管理的任务及其状态",
			},
		},
		{
			name: "job",
			fn:   p.jobDetail,
			spec: Spec{
				Name:        "job",
				Description: "展示单个任务的状态详情",
				AgentHint:   "Pass the job ID as the first argument.",
				Arguments: []Argument{
					{Name: "id", Description: "任务 ID", Required: true},
				},
			},
		},
		{
			name: "stop-job",
			fn:   p.stopJob,
			spec: Spec{
				Name:        "stop-job",
				Description: "向指定任务发出协作式停止请求",
				AgentHint:   "Pass the job ID as the first argument.",
				Arguments: []Argument{
					{Name: "id", Description: "任务 ID", Required: true},
				},
			},
		},
		{
			name: "db-query",
			fn:   p.queryRecords,
			spec: Spec{
				Name:        "db-query",
				Description: "对任务记录执行结构化查询",
				HelpText: `查询为 JSON 对象，支持的字段:
  from   查询目标，当前仅支持 "jobs"
  status 按任务状态过滤 (created/running/stopping/completed/failed)
  name   按任务名称前缀过滤
  limit  返回条数上限`,
				AgentHint: `Pass a JSON object in the "query" argument, e.g. {"from": "jobs", "status": "failed", "limit": 5}.`,
				Arguments: []Argument{
					{Name: "query", Description: "JSON 查询对象", Required: true},
				},
			},
		},
	}

	for _, reg := range registrations {
		if err := r.Register(reg.name, reg.fn, reg.spec); err != nil {
			return err
		}
	}
	return nil
}

func (p *CoreProvider) help(r *Registry) Func {
	return func(_ context.Context, args []string, kwargs map[string]string) (string, error) {
		target := ""
		if len(args) > 0 {
			target = args[0]
		} else if v, ok := kwargs["action"]; ok {
			target = v
		}

		if target == "" {
			var b strings.Builder
			b.WriteString("可用动作:\n")
			for _, name := range r.Names() {
				reg, _ := r.Get(name)
				fmt.Fprintf(&b, "  %s - %s\n", name, reg.Spec.Description)
			}
			return b.String(), nil
		}

		reg, ok := r.Get(target)
		if !ok {
			return "", xerrors.New(CodeActionUnknown, fmt.Sprintf("动作 %s 未注册", target))
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s - %s\n", reg.Spec.Name, reg.Spec.Description)
		if reg.Spec.HelpText != "" {
			b.WriteString(reg.Spec.HelpText)
			b.WriteString("\n")
		}
		for _, arg := range reg.Spec.Arguments {
			required := "可选"
			if arg.Required {
				required = "必填"
			}
			fmt.Fprintf(&b, "  %s (%s) %s\n", arg.Name, required, arg.Description)
		}
		return b.String(), nil
	}
}

func (p *CoreProvider) listJobs(_ context.Context, _ []string, _ map[string]string) (string, error) {
	snapshots := p.manager.List()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].SubmittedAt.After(snapshots[j].SubmittedAt)
	})
	raw, err := json.Marshal(snapshots)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "编码任务列表失败")
	}
	return string(raw), nil
}

func (p *CoreProvider) jobDetail(_ context.Context, args []string, kwargs map[string]string) (string, error) {
	id := firstValue(args, kwargs, "id")
	if id == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID")
	}
	snapshot, err := p.manager.Get(id)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "编码任务详情失败")
	}
	return string(raw), nil
}

func (p *CoreProvider) stopJob(ctx context.Context, args []string, kwargs map[string]string) (string, error) {
	id := firstValue(args, kwargs, "id")
	if id == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID")
	}
	if err := p.manager.RequestStop(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("已向任务 %s 发出停止请求", id), nil
}

// recordQuery 是 db-query 动作支持的查询形态。
type recordQuery struct {
	From   string `json:"from"`
	Status string `json:"status"`
	Name   string `json:"name"`
	Limit  int    `json:"limit"`
}

func (p *CoreProvider) queryRecords(ctx context.Context, _ []string, kwargs map[string]string) (string, error) {
	raw, ok := kwargs["query"]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少 query 参数")
	}
	var query recordQuery
	if err := json.Unmarshal([]byte(raw), &query); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "查询对象解析失败")
	}
	if query.From != "" && query.From != "jobs" {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的查询目标: %s", query.From))
	}
	if query.Status != "" && !job.IsValidStatus(job.Status(query.Status)) {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的任务状态: %s", query.Status))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}

	records, err := p.fetchRecords(ctx, limit)
	if err != nil {
		return "", err
	}

	filtered := records[:0:0]
	for _, record := range records {
		if query.Status != "" && string(record.Status) != query.Status {
			continue
		}
		if query.Name != "" && !strings.HasPrefix(record.Name, query.Name) {
			continue
		}
		filtered = append(filtered, record)
		if len(filtered) >= limit {
			break
		}
	}

	out, err := json.Marshal(map[string]any{
		"results": filtered,
		"count":   len(filtered),
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "编码查询结果失败")
	}
	return string(out), nil
}

// fetchRecords 优先走持久化存储，未配置时退化为内存快照。
// 过滤在内存中进行，多取一批以免过滤后不足 limit。
func (p *CoreProvider) fetchRecords(ctx context.Context, limit int) ([]job.Record, error) {
	fetch := limit * 4
	if p.store != nil {
		return p.store.List(ctx, fetch)
	}
	snapshots := p.manager.List()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].SubmittedAt.After(snapshots[j].SubmittedAt)
	})
	if len(snapshots) > fetch {
		snapshots = snapshots[:fetch]
	}
	records := make([]job.Record, 0, len(snapshots))
	for _, s := range snapshots {
		record := job.Record{
			ID:          s.ID,
			Name:        s.Name,
			Status:      s.Status,
			SubmittedAt: s.SubmittedAt.Unix(),
			Result:      s.Result,
			Error:       s.Error,
		}
		if !s.FinishedAt.IsZero() {
			record.FinishedAt = s.FinishedAt.Unix()
		}
		records = append(records, record)
	}
	return records, nil
}

func firstValue(args []string, kwargs map[string]string, key string) string {
	if len(args) > 0 {
		return args[0]
	}
	return kwargs[key]
}
