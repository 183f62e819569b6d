// Package notify 把监控产生的安全提醒投递到外部渠道。
// 处理器只依赖 Dispatcher 抽象，渠道在启动期装配。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelTelegram Channel = "telegram"
	ChannelLog      Channel = "log"
)

// Alert 描述一次需要外发的安全提醒。
type Alert struct {
	Title      string
	Body       string
	Severity   xerrors.Severity
	Source     string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将提醒发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, alert Alert) error
}

// Dispatcher 将提醒广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, alert Alert) error
}

// FanoutDispatcher 实现将提醒投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将提醒广播至所有注册渠道。单个渠道失败不会阻断其余渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, alert Alert) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把提醒写入审计日志，供未配置外部渠道时兜底。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录提醒。
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	logger.Audit().Info("安全提醒",
		slog.String("title", alert.Title),
		slog.String("severity", string(alert.Severity)),
		slog.String("source", alert.Source),
		slog.String("body", alert.Body),
	)
	return nil
}

// Render 把提醒格式化为单条消息文本。
func Render(alert Alert) string {
	occurred := alert.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	content := fmt.Sprintf("[%s] %s\n时间: %s\n来源: %s\n%s",
		alert.Severity, alert.Title, occurred.Format(time.RFC3339), alert.Source, alert.Body)
	if len(alert.Metadata) > 0 {
		content += "\n详情:\n"
		for k, v := range alert.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return content
}
