package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "ChainSentry/internal/errors"
)

// CodeNotifyFailure 表示通知渠道投递失败。
const CodeNotifyFailure xerrors.Code = "NOTIFY_FAILURE"

func init() {
	xerrors.Register(CodeNotifyFailure, xerrors.Attributes{
		Message:   "通知投递失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// telegramMaxMessageLength 是 Bot API 单条消息的长度上限，超长消息按此分片。
const telegramMaxMessageLength = 4096

// TelegramConfig 描述 Telegram 机器人渠道的连接参数。
type TelegramConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 发送提醒。
type TelegramNotifier struct {
	botToken   string
	chatID     string
	baseURL    string
	httpClient *http.Client
}

// NewTelegramNotifier 创建 Telegram 通知器。
func NewTelegramNotifier(cfg TelegramConfig) (*TelegramNotifier, error) {
	if cfg.BotToken == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 Telegram bot token")
	}
	if cfg.ChatID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 Telegram chat ID")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TelegramNotifier{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Channel 返回 Telegram 渠道。
func (n *TelegramNotifier) Channel() Channel { return ChannelTelegram }

// Notify 发送提醒。超长消息拆分为多条顺序发送。
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	text := Render(alert)
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMessageLength {
			chunk = chunk[:telegramMaxMessageLength]
		}
		text = text[len(chunk):]
		if err := n.sendMessage(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (n *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return xerrors.Wrap(CodeNotifyFailure, err, "编码 Telegram 消息失败")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return xerrors.Wrap(CodeNotifyFailure, err, "构造 Telegram 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeNotifyFailure, err, "发送 Telegram 消息失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(CodeNotifyFailure,
			fmt.Sprintf("Telegram 返回 HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}
