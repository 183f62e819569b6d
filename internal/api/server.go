package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ChainSentry/internal/action"
	"ChainSentry/internal/agent"
	"ChainSentry/internal/auth"
	"ChainSentry/internal/command"
	xerrors "ChainSentry/internal/errors"
	"ChainSentry/internal/event"
	"ChainSentry/internal/handler"
	"ChainSentry/internal/job"
	"ChainSentry/internal/observability/metrics"
	"ChainSentry/pkg/logger"

	"log/slog"
)

// Server 暴露 REST 接口：命令执行、智能体任务、后台任务管理与链上事件回调。
type Server struct {
	addr     string
	bridge   *command.Bridge
	planner  *agent.Planner
	jobs     *job.Manager
	actions  *action.Registry
	producer event.Producer
	auth     *auth.Service
	log      *slog.Logger
}

// Config 汇总 Server 依赖的组件。Planner、Producer 与 Auth 允许为空，
// 对应的接口在缺失时返回 503。
type Config struct {
	Address  string
	Bridge   *command.Bridge
	Planner  *agent.Planner
	Jobs     *job.Manager
	Actions  *action.Registry
	Producer event.Producer
	Auth     *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供监听地址")
	}
	if cfg.Bridge == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供命令桥")
	}
	if cfg.Jobs == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供任务管理器")
	}
	if cfg.Actions == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供动作注册表")
	}

	return &Server{
		addr:     cfg.Address,
		bridge:   cfg.Bridge,
		planner:  cfg.Planner,
		jobs:     cfg.Jobs,
		actions:  cfg.Actions,
		producer: cfg.Producer,
		auth:     cfg.Auth,
		log:      logger.Named("api"),
	}, nil
}

// Handler 返回完整路由，供测试与 Start 复用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/commands", s.route("commands", map[string][]string{
		http.MethodPost: {"commands:execute"},
	}, s.handleCommands))
	mux.Handle("/api/v1/tasks", s.route("tasks", map[string][]string{
		http.MethodPost: {"tasks:execute"},
	}, s.handleTasks))
	mux.Handle("/api/v1/jobs", s.route("jobs", map[string][]string{
		http.MethodGet: {"jobs:read"},
	}, s.handleListJobs))
	mux.Handle("/api/v1/jobs/", s.route("job", map[string][]string{
		http.MethodGet:  {"jobs:read"},
		http.MethodPost: {"jobs:stop"},
	}, s.handleJob))
	mux.Handle("/api/v1/actions", s.route("actions", map[string][]string{
		http.MethodGet: {"actions:read"},
	}, s.handleListActions))
	mux.Handle("/api/v1/webhooks/chain", s.route("webhook_chain", map[string][]string{
		http.MethodPost: {"events:publish"},
	}, s.handleChainWebhook))

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 为单个端点叠加指标采集与认证授权。
func (s *Server) route(name string, perms map[string][]string, fn http.HandlerFunc) http.Handler {
	var h http.Handler = fn
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: perms,
			AuditEvent:          "api_" + name,
		})(h)
	}
	return instrument(name, h)
}

type commandRequest struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Params  string `json:"params"`
}

// handleCommands 执行一条 LLM 风格的命令消息，或按 name/params 直接调用动作。
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var (
		result string
		err    error
	)
	switch {
	case req.Message != "":
		result, err = s.bridge.ExecuteMessage(ctx, req.Message)
	case req.Name != "":
		result, err = s.bridge.Execute(ctx, req.Name, req.Params)
	default:
		http.Error(w, "message 或 name 至少提供一个", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

type taskRequest struct {
	Task string `json:"task"`
}

// handleTasks 把自然语言任务交给规划器执行。
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.planner == nil {
		http.Error(w, "规划器未启用", http.StatusServiceUnavailable)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		http.Error(w, "task 不能为空", http.StatusBadRequest)
		return
	}

	outcome, err := s.planner.Execute(r.Context(), req.Task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.List())
}

// handleJob 处理 /api/v1/jobs/{id} 与 /api/v1/jobs/{id}/stop。
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	id, verb, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	switch {
	case verb == "" && r.Method == http.MethodGet:
		snapshot, err := s.jobs.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case verb == "stop" && r.Method == http.MethodPost:
		if err := s.jobs.RequestStop(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "stopping"})
	default:
		http.Error(w, "不支持的任务操作", http.StatusNotFound)
	}
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	registrations := s.actions.Actions()
	specs := make([]action.Spec, 0, len(registrations))
	for _, name := range s.actions.Names() {
		specs = append(specs, registrations[name].Spec)
	}
	writeJSON(w, http.StatusOK, specs)
}

type chainWebhookRequest struct {
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

// handleChainWebhook 接收外部节点回调的链上日志，转投递到事件队列。
func (s *Server) handleChainWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.producer == nil {
		http.Error(w, "事件队列未启用", http.StatusServiceUnavailable)
		return
	}

	var req chainWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload 不能为空", http.StatusBadRequest)
		return
	}
	source := req.Source
	if source == "" {
		source = "webhook"
	}

	evt := handler.Event{
		Trigger: handler.TriggerBlockchainEvent,
		Source:  source,
		Payload: req.Payload,
	}
	if err := s.producer.Publish(r.Context(), evt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误码映射 HTTP 状态，未知错误一律 500。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := xerrors.CodeUnknown
	if xe, ok := xerrors.From(err); ok {
		code = xe.Code()
		switch code {
		case xerrors.CodeInvalidArgument, command.CodeParameterFormat:
			status = http.StatusBadRequest
		case xerrors.CodeNotFound, job.CodeJobNotFound, action.CodeActionUnknown:
			status = http.StatusNotFound
		case xerrors.CodeConflict, action.CodeActionDuplicate:
			status = http.StatusConflict
		case xerrors.CodeTimeout:
			status = http.StatusGatewayTimeout
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

// instrument 记录每次请求的指标。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
