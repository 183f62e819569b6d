package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ChainSentry/internal/action"
	"ChainSentry/internal/auth"
	"ChainSentry/internal/command"
	"ChainSentry/internal/handler"
	"ChainSentry/internal/job"
)

type captureProducer struct {
	mu     sync.Mutex
	events []handler.Event
}

func (p *captureProducer) Publish(_ context.Context, evt handler.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) snapshot() []handler.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]handler.Event(nil), p.events...)
}

type blockingJob struct {
	stopOnce sync.Once
	stop     chan struct{}
}

func newBlockingJob() *blockingJob {
	return &blockingJob{stop: make(chan struct{})}
}

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Start(ctx context.Context) (*job.Result, error) {
	select {
	case <-j.stop:
	case <-ctx.Done():
	}
	return &job.Result{Success: true, Message: "done"}, nil
}

func (j *blockingJob) RequestStop(context.Context) error {
	j.stopOnce.Do(func() { close(j.stop) })
	return nil
}

func newTestServer(t *testing.T) (*Server, *job.Manager, *captureProducer) {
	t.Helper()

	registry := action.NewRegistry()
	err := registry.Register("echo",
		func(_ context.Context, args []string, _ map[string]string) (string, error) {
			return strings.Join(args, " "), nil
		},
		action.Spec{Name: "echo", Description: "回显输入"})
	if err != nil {
		t.Fatalf("注册动作失败: %v", err)
	}

	manager := job.NewManager()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	producer := &captureProducer{}
	server, err := NewServer(Config{
		Address:  ":0",
		Bridge:   command.NewBridge(registry),
		Jobs:     manager,
		Actions:  registry,
		Producer: producer,
	})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	return server, manager, producer
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleCommandsExecutesMessage(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/v1/commands",
		`{"message": "/echo hello world"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("状态码错误: %d body=%s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["result"] != "hello world" {
		t.Fatalf("命令结果错误: %q", resp["result"])
	}
}

func TestHandleCommandsUnknownActionReturns404(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/commands",
		`{"message": "/missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("未知动作应返回 404，实际 %d", rec.Code)
	}
}

func TestHandleCommandsRejectsEmptyBody(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/commands", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("空命令应返回 400，实际 %d", rec.Code)
	}
}

func TestHandleTasksWithoutPlanner(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/tasks",
		`{"task": "check proxies"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("未启用规划器应返回 503，实际 %d", rec.Code)
	}
}

func TestJobLifecycleEndpoints(t *testing.T) {
	server, manager, _ := newTestServer(t)
	h := server.Handler()

	id, err := manager.Submit(context.Background(), newBlockingJob())
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("列表状态码错误: %d", rec.Code)
	}
	var list []job.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("解析任务列表失败: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("任务列表内容错误: %+v", list)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/jobs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("详情状态码错误: %d", rec.Code)
	}
	var snapshot job.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("解析任务详情失败: %v", err)
	}
	if snapshot.Name != "blocking" {
		t.Fatalf("任务名称错误: %s", snapshot.Name)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/jobs/"+id+"/stop", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("停止状态码错误: %d body=%s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := manager.Get(id)
		if err != nil {
			t.Fatalf("查询任务失败: %v", err)
		}
		if got.Status.Terminal() {
			if got.Status != job.StatusCompleted {
				t.Fatalf("终态错误: %s", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("任务未在期限内结束，状态 %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleJobNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodGet, "/api/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("缺失任务应返回 404，实际 %d", rec.Code)
	}
}

func TestHandleListActions(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodGet, "/api/v1/actions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("状态码错误: %d", rec.Code)
	}
	var specs []action.Spec
	if err := json.Unmarshal(rec.Body.Bytes(), &specs); err != nil {
		t.Fatalf("解析动作列表失败: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "echo" {
		t.Fatalf("动作列表内容错误: %+v", specs)
	}
}

func TestChainWebhookPublishesEvent(t *testing.T) {
	server, _, producer := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/webhooks/chain",
		`{"source": "mainnet", "payload": {"address": "0xabc", "topics": ["0x1"]}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("状态码错误: %d body=%s", rec.Code, rec.Body.String())
	}

	events := producer.snapshot()
	if len(events) != 1 {
		t.Fatalf("事件数量错误: %d", len(events))
	}
	if events[0].Trigger != handler.TriggerBlockchainEvent || events[0].Source != "mainnet" {
		t.Fatalf("事件内容错误: %+v", events[0])
	}
	if events[0].Payload["address"] != "0xabc" {
		t.Fatalf("事件负载错误: %+v", events[0].Payload)
	}
}

func TestChainWebhookRejectsEmptyPayload(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/webhooks/chain",
		`{"source": "mainnet"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("空负载应返回 400，实际 %d", rec.Code)
	}
}

func TestAuthMiddlewareGuardsEndpoints(t *testing.T) {
	registry := action.NewRegistry()
	err := registry.Register("ping",
		func(context.Context, []string, map[string]string) (string, error) {
			return "pong", nil
		},
		action.Spec{Name: "ping"})
	if err != nil {
		t.Fatalf("注册动作失败: %v", err)
	}

	manager := job.NewManager()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeStatic,
		Tokens: []auth.StaticToken{
			{Token: "reader-token", Name: "reader", Permissions: []string{"jobs:read"}},
		},
	})
	if err != nil {
		t.Fatalf("构造认证服务失败: %v", err)
	}

	server, err := NewServer(Config{
		Address: ":0",
		Bridge:  command.NewBridge(registry),
		Jobs:    manager,
		Actions: registry,
		Auth:    svc,
	})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	h := server.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/v1/jobs", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无令牌应返回 401，实际 %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer reader-token")
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("合法令牌应返回 200，实际 %d", recorder.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/commands",
		strings.NewReader(`{"message": "/ping"}`))
	req.Header.Set("Authorization", "Bearer reader-token")
	recorder = httptest.NewRecorder()
	h.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("权限不足应返回 403，实际 %d", recorder.Code)
	}
}
