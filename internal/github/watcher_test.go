package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ChainSentry/internal/handler"
)

type captureProducer struct {
	mu     sync.Mutex
	events []handler.Event
}

func (p *captureProducer) Publish(_ context.Context, event handler.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) snapshot() []handler.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]handler.Event, len(p.events))
	copy(out, p.events)
	return out
}

// fakeGithub 模拟提交与 PR 列表接口，内容可按测试推进更新。
type fakeGithub struct {
	mu      sync.Mutex
	commits string
	pulls   string
	auth    string
}

func (f *fakeGithub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/repos/acme/vault/commits":
			fmt.Fprint(w, f.commits)
		case r.URL.Path == "/repos/acme/vault/pulls":
			fmt.Fprint(w, f.pulls)
		default:
			t.Errorf("未知请求路径: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func (f *fakeGithub) set(commits, pulls string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = commits
	f.pulls = pulls
}

const (
	initialCommits = `[{"sha":"aaa111","commit":{"message":"init","author":{"name":"dev"}},"html_url":"u1"}]`
	initialPulls   = `[{"number":7,"title":"old pr","state":"closed","html_url":"p7","user":{"login":"dev"}}]`
)

func newTestWatcher(t *testing.T, fake *fakeGithub) (*Watcher, *captureProducer) {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	producer := &captureProducer{}
	watcher := NewWatcher(WatcherConfig{
		Repos:    []string{"acme/vault"},
		APIToken: "token",
		BaseURL:  srv.URL,
		Producer: producer,
	})
	return watcher, producer
}

func TestWatcherBaselinesWithoutEvents(t *testing.T) {
	fake := &fakeGithub{}
	fake.set(initialCommits, initialPulls)
	watcher, producer := newTestWatcher(t, fake)

	result, err := watcher.Start(context.Background())
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("结果不对: %+v", result)
	}
	if len(producer.snapshot()) != 0 {
		t.Fatalf("首轮不应发事件: %v", producer.snapshot())
	}
	if fake.auth != "Bearer token" {
		t.Fatalf("应携带 API token: %q", fake.auth)
	}
}

func TestWatcherPublishesNewCommitAndPR(t *testing.T) {
	fake := &fakeGithub{}
	fake.set(initialCommits, initialPulls)
	watcher, producer := newTestWatcher(t, fake)

	if _, err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("首轮失败: %v", err)
	}

	fake.set(
		`[{"sha":"bbb222","commit":{"message":"remove access check","author":{"name":"dev"}},"html_url":"u2"},`+initialCommits[1:],
		`[{"number":8,"title":"new pr","state":"open","html_url":"p8","user":{"login":"dev"}},`+initialPulls[1:],
	)

	result, err := watcher.Start(context.Background())
	if err != nil {
		t.Fatalf("第二轮失败: %v", err)
	}
	if result.Data["pushes"] != 1 || result.Data["prs"] != 1 {
		t.Fatalf("计数不对: %+v", result.Data)
	}

	events := producer.snapshot()
	if len(events) != 2 {
		t.Fatalf("应发布两个事件: %v", events)
	}
	var push, pr *handler.Event
	for i := range events {
		switch events[i].Trigger {
		case handler.TriggerGithubPush:
			push = &events[i]
		case handler.TriggerGithubPR:
			pr = &events[i]
		}
	}
	if push == nil || push.Payload["sha"] != "bbb222" {
		t.Fatalf("提交事件不对: %v", events)
	}
	if pr == nil || pr.Payload["number"] != 8 {
		t.Fatalf("PR 事件不对: %v", events)
	}
}

func TestWatcherIgnoresKnownState(t *testing.T) {
	fake := &fakeGithub{}
	fake.set(initialCommits, initialPulls)
	watcher, producer := newTestWatcher(t, fake)

	for i := 0; i < 3; i++ {
		if _, err := watcher.Start(context.Background()); err != nil {
			t.Fatalf("轮询失败: %v", err)
		}
	}
	if len(producer.snapshot()) != 0 {
		t.Fatalf("状态未变不应发事件: %v", producer.snapshot())
	}
}

func TestWatcherSurvivesAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"rate limited"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	watcher := NewWatcher(WatcherConfig{
		Repos:    []string{"acme/vault"},
		BaseURL:  srv.URL,
		Producer: &captureProducer{},
	})
	result, err := watcher.Start(context.Background())
	if err != nil {
		t.Fatalf("单仓库失败不应让任务失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("结果不对: %+v", result)
	}
}
