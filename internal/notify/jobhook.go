package notify

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/job"
	"ChainSentry/pkg/logger"
)

// JobFailureHook 构造一个任务完成钩子：后台任务以 failed 终态结束时
// 通过 dispatcher 外发提醒，正常完成的任务不产生噪音。
func JobFailureHook(dispatcher Dispatcher) job.CompletionHook {
	log := logger.Named("notify")
	return func(ctx context.Context, snapshot job.Snapshot) {
		if snapshot.Status != job.StatusFailed {
			return
		}
		alert := Alert{
			Title:    "后台任务失败",
			Body:     fmt.Sprintf("任务 %s (%s) 执行失败: %s", snapshot.Name, snapshot.ID, snapshot.Error),
			Severity: xerrors.SeverityWarning,
			Source:   snapshot.Name,
			Metadata: map[string]string{
				"job_id": snapshot.ID,
			},
			OccurredAt: snapshot.FinishedAt,
		}
		if err := dispatcher.Notify(ctx, alert); err != nil {
			log.Warn("任务失败提醒外发失败",
				slog.String("job_id", snapshot.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
