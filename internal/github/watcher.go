// Package github 轮询 GitHub API，发现受监控仓库的新提交与新 PR
// 后发布对应事件，供事件处理器做安全审查。
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/event"
	"ChainSentry/internal/handler"
	"ChainSentry/internal/job"
	"ChainSentry/pkg/logger"
)

// CodeGithubAPI 表示 GitHub API 调用失败。
const CodeGithubAPI xerrors.Code = "GITHUB_API_FAILURE"

func init() {
	xerrors.Register(CodeGithubAPI, xerrors.Attributes{
		Message:   "GitHub API 调用失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

const defaultAPIBaseURL = "https://api.github.com"

// WatcherConfig 描述 GitHub 轮询任务的参数。
// Repos 为 owner/name 形式的仓库列表；Interval 为零时只轮询一轮。
type WatcherConfig struct {
	Repos    []string
	APIToken string
	BaseURL  string
	Interval time.Duration
	Producer event.Producer
}

type repoState struct {
	lastCommitSHA string
	lastPRNumber  int
	baselined     bool
}

// Watcher 轮询仓库的提交与 PR 列表。首轮只记录基线，
// 之后出现的新提交发布 github-push 事件，新 PR 发布 github-pr 事件。
type Watcher struct {
	repos      []string
	apiToken   string
	baseURL    string
	interval   time.Duration
	producer   event.Producer
	httpClient *http.Client

	mu       sync.Mutex
	state    map[string]*repoState
	stopOnce sync.Once
	stop     chan struct{}

	log *slog.Logger
}

// NewWatcher 创建 GitHub 轮询任务。
func NewWatcher(cfg WatcherConfig) *Watcher {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return &Watcher{
		repos:      cfg.Repos,
		apiToken:   cfg.APIToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		interval:   cfg.Interval,
		producer:   cfg.Producer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		state:      make(map[string]*repoState, len(cfg.Repos)),
		stop:       make(chan struct{}),
		log:        logger.Named("github-watcher"),
	}
}

// Name 实现 job.Job。
func (w *Watcher) Name() string { return "github-watcher" }

// RequestStop 实现协作式停止。
func (w *Watcher) RequestStop(_ context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	return nil
}

// Start 实现 job.Job。
func (w *Watcher) Start(ctx context.Context) (*job.Result, error) {
	pushes, prs := w.pollOnce(ctx)
	if w.interval <= 0 {
		return w.result(1, pushes, prs), nil
	}

	rounds := 1
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return w.result(rounds, pushes, prs), nil
		case <-w.stop:
			w.log.Info("轮询任务收到停止请求")
			return w.result(rounds, pushes, prs), nil
		case <-ticker.C:
			p, r := w.pollOnce(ctx)
			rounds++
			pushes += p
			prs += r
		}
	}
}

func (w *Watcher) result(rounds, pushes, prs int) *job.Result {
	return &job.Result{
		Success: true,
		Message: fmt.Sprintf("轮询 %d 轮，发现 %d 个新提交、%d 个新 PR", rounds, pushes, prs),
		Data: map[string]any{
			"rounds":  rounds,
			"pushes":  pushes,
			"prs":     prs,
			"watched": len(w.repos),
		},
	}
}

// pollOnce 检查全部仓库一轮。单仓库失败只记日志。
func (w *Watcher) pollOnce(ctx context.Context) (pushes, prs int) {
	for _, repo := range w.repos {
		select {
		case <-ctx.Done():
			return pushes, prs
		case <-w.stop:
			return pushes, prs
		default:
		}

		p, r, err := w.checkRepo(ctx, repo)
		if err != nil {
			w.log.Warn("检查仓库失败", slog.String("repo", repo), slog.Any("error", err))
			continue
		}
		pushes += p
		prs += r
	}
	return pushes, prs
}

type commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	HTMLURL string `json:"html_url"`
}

type pullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (w *Watcher) checkRepo(ctx context.Context, repo string) (pushes, prs int, err error) {
	commits, err := w.fetchCommits(ctx, repo)
	if err != nil {
		return 0, 0, err
	}
	pulls, err := w.fetchPulls(ctx, repo)
	if err != nil {
		return 0, 0, err
	}

	state := w.repoState(repo)

	w.mu.Lock()
	baselined := state.baselined
	lastSHA := state.lastCommitSHA
	lastPR := state.lastPRNumber
	w.mu.Unlock()

	var newCommits []commit
	if baselined {
		for _, c := range commits {
			if c.SHA == lastSHA {
				break
			}
			newCommits = append(newCommits, c)
		}
	}
	var newPulls []pullRequest
	for _, pr := range pulls {
		if baselined && pr.Number > lastPR {
			newPulls = append(newPulls, pr)
		}
		if pr.Number > lastPR {
			lastPR = pr.Number
		}
	}
	if len(commits) > 0 {
		lastSHA = commits[0].SHA
	}

	w.mu.Lock()
	state.lastCommitSHA = lastSHA
	state.lastPRNumber = lastPR
	state.baselined = true
	w.mu.Unlock()

	// API 返回最新在前，事件按时间正序发布。
	for i := len(newCommits) - 1; i >= 0; i-- {
		c := newCommits[i]
		evt := handler.Event{
			Trigger: handler.TriggerGithubPush,
			Source:  w.Name(),
			Payload: map[string]any{
				"repository": repo,
				"sha":        c.SHA,
				"message":    c.Commit.Message,
				"author":     c.Commit.Author.Name,
				"url":        c.HTMLURL,
			},
		}
		if err := w.producer.Publish(ctx, evt); err != nil {
			w.log.Warn("发布提交事件失败", slog.String("repo", repo), slog.Any("error", err))
			continue
		}
		pushes++
	}
	for i := len(newPulls) - 1; i >= 0; i-- {
		pr := newPulls[i]
		evt := handler.Event{
			Trigger: handler.TriggerGithubPR,
			Source:  w.Name(),
			Payload: map[string]any{
				"repository": repo,
				"number":     pr.Number,
				"title":      pr.Title,
				"state":      pr.State,
				"author":     pr.User.Login,
				"url":        pr.HTMLURL,
			},
		}
		if err := w.producer.Publish(ctx, evt); err != nil {
			w.log.Warn("发布 PR 事件失败", slog.String("repo", repo), slog.Any("error", err))
			continue
		}
		prs++
	}
	return pushes, prs, nil
}

func (w *Watcher) repoState(repo string) *repoState {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.state[repo]
	if !ok {
		state = &repoState{}
		w.state[repo] = state
	}
	return state
}

func (w *Watcher) fetchCommits(ctx context.Context, repo string) ([]commit, error) {
	var commits []commit
	endpoint := fmt.Sprintf("%s/repos/%s/commits?%s", w.baseURL, repo,
		url.Values{"per_page": {"30"}}.Encode())
	if err := w.getJSON(ctx, endpoint, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

func (w *Watcher) fetchPulls(ctx context.Context, repo string) ([]pullRequest, error) {
	var pulls []pullRequest
	endpoint := fmt.Sprintf("%s/repos/%s/pulls?%s", w.baseURL, repo,
		url.Values{"state": {"all"}, "sort": {"created"}, "direction": {"desc"}, "per_page": {"30"}}.Encode())
	if err := w.getJSON(ctx, endpoint, &pulls); err != nil {
		return nil, err
	}
	return pulls, nil
}

func (w *Watcher) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return xerrors.Wrap(CodeGithubAPI, err, "构造请求失败")
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if w.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeGithubAPI, err, "请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(CodeGithubAPI,
			fmt.Sprintf("GitHub 返回 HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(CodeGithubAPI, err, "解析响应失败")
	}
	return nil
}
