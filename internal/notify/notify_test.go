package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/job"
)

type recordingNotifier struct {
	channel Channel
	err     error
	calls   atomic.Int32
	last    Alert
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	n.calls.Add(1)
	n.last = alert
	return n.err
}

func TestFanoutBroadcastsToAllChannels(t *testing.T) {
	first := &recordingNotifier{channel: ChannelLog}
	second := &recordingNotifier{channel: ChannelTelegram}
	fanout := NewFanout(first, second, nil)

	alert := Alert{Title: "代理合约升级", Severity: xerrors.SeverityCritical, Source: "mainnet"}
	if err := fanout.Notify(context.Background(), alert); err != nil {
		t.Fatalf("广播失败: %v", err)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Fatalf("渠道调用次数不对: %d, %d", first.calls.Load(), second.calls.Load())
	}
	if second.last.Title != "代理合约升级" {
		t.Fatalf("提醒内容不对: %+v", second.last)
	}
}

func TestFanoutCollectsChannelErrors(t *testing.T) {
	broken := &recordingNotifier{channel: ChannelTelegram, err: fmt.Errorf("网络抖动")}
	healthy := &recordingNotifier{channel: ChannelLog}
	fanout := NewFanout(broken, healthy)

	err := fanout.Notify(context.Background(), Alert{Title: "t"})
	if err == nil {
		t.Fatal("渠道失败应当上报")
	}
	if healthy.calls.Load() != 1 {
		t.Fatal("单渠道失败不应阻断其余渠道")
	}
	if !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("错误应标注渠道: %v", err)
	}
}

func TestJobFailureHookNotifiesOnFailure(t *testing.T) {
	recorder := &recordingNotifier{channel: ChannelLog}
	hook := JobFailureHook(NewFanout(recorder))

	hook(context.Background(), job.Snapshot{
		ID:     "job-1",
		Name:   "proxy-sweep-mainnet",
		Status: job.StatusFailed,
		Error:  "rpc unreachable",
	})
	if recorder.calls.Load() != 1 {
		t.Fatalf("失败任务应触发一次提醒: %d", recorder.calls.Load())
	}
	if recorder.last.Title != "后台任务失败" {
		t.Fatalf("提醒标题不对: %q", recorder.last.Title)
	}
	if !strings.Contains(recorder.last.Body, "rpc unreachable") {
		t.Fatalf("提醒正文缺少失败原因: %q", recorder.last.Body)
	}
	if recorder.last.Metadata["job_id"] != "job-1" {
		t.Fatalf("提醒缺少任务 ID: %+v", recorder.last.Metadata)
	}

	hook(context.Background(), job.Snapshot{
		ID:     "job-2",
		Name:   "proxy-sweep-mainnet",
		Status: job.StatusCompleted,
	})
	if recorder.calls.Load() != 1 {
		t.Fatalf("正常完成不应触发提醒: %d", recorder.calls.Load())
	}
}

func TestRenderIncludesMetadata(t *testing.T) {
	text := Render(Alert{
		Title:    "实现合约变更",
		Body:     "0xAAAA -> 0xBBBB",
		Severity: xerrors.SeverityWarning,
		Source:   "mainnet",
		Metadata: map[string]string{"proxy": "0x1111"},
	})
	for _, want := range []string{"实现合约变更", "0xAAAA -> 0xBBBB", "proxy: 0x1111", "mainnet"} {
		if !strings.Contains(text, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifierSendsMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	notifier, err := NewTelegramNotifier(TelegramConfig{BotToken: "token123", ChatID: "42", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建通知器失败: %v", err)
	}
	if err := notifier.Notify(context.Background(), Alert{Title: "升级提醒", Body: "detail"}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if gotPath != "/bottoken123/sendMessage" {
		t.Fatalf("请求路径不对: %s", gotPath)
	}
	if gotBody["chat_id"] != "42" || !strings.Contains(gotBody["text"], "升级提醒") {
		t.Fatalf("请求体不对: %v", gotBody)
	}
}

func TestTelegramNotifierSplitsLongMessages(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count.Add(1)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	notifier, err := NewTelegramNotifier(TelegramConfig{BotToken: "t", ChatID: "1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建通知器失败: %v", err)
	}
	long := strings.Repeat("x", telegramMaxMessageLength+100)
	if err := notifier.Notify(context.Background(), Alert{Title: "t", Body: long}); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if count.Load() != 2 {
		t.Fatalf("超长消息应拆成两条: %d", count.Load())
	}
}

func TestTelegramNotifierReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	notifier, err := NewTelegramNotifier(TelegramConfig{BotToken: "t", ChatID: "1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("创建通知器失败: %v", err)
	}
	if err := notifier.Notify(context.Background(), Alert{Title: "t"}); err == nil {
		t.Fatal("HTTP 400 应当报错")
	}
}

func TestNewTelegramNotifierValidation(t *testing.T) {
	if _, err := NewTelegramNotifier(TelegramConfig{ChatID: "1"}); err == nil {
		t.Fatal("缺 token 应当报错")
	}
	if _, err := NewTelegramNotifier(TelegramConfig{BotToken: "t"}); err == nil {
		t.Fatal("缺 chat ID 应当报错")
	}
}
