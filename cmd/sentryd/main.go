package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainSentry/internal/action"
	"ChainSentry/internal/agent"
	"ChainSentry/internal/api"
	"ChainSentry/internal/auth"
	"ChainSentry/internal/chain"
	"ChainSentry/internal/command"
	"ChainSentry/internal/config"
	"ChainSentry/internal/etherscan"
	"ChainSentry/internal/event"
	"ChainSentry/internal/github"
	"ChainSentry/internal/handler"
	"ChainSentry/internal/job"
	"ChainSentry/internal/knowledge"
	"ChainSentry/internal/llm"
	"ChainSentry/internal/llm/openai"
	"ChainSentry/internal/monitor"
	"ChainSentry/internal/notify"
	"ChainSentry/internal/observability/metrics"
	"ChainSentry/internal/scheduler"
	"ChainSentry/pkg/logger"
)

// main 是 ChainSentry 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("sentryd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SENTRY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sentry.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditPath != "",
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	mainLog := logger.Named("sentryd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 任务记录存储。
	var jobStore job.Store
	switch cfg.Storage.JobStore.Driver {
	case "", "memory":
		// Manager 自带内存快照，不需要额外存储。
	case "mysql":
		store, err := job.NewMySQLStore(cfg.Storage.JobStore.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		jobStore = store
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.JobStore.Driver)
	}

	// 提醒渠道：日志渠道始终开启，Telegram 按配置叠加。
	notifiers := []notify.Notifier{&notify.LogNotifier{}}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		telegram, err := notify.NewTelegramNotifier(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, telegram)
	}
	dispatcher := notify.NewFanout(notifiers...)

	// 常驻任务失败时通过提醒渠道外发。
	managerOpts := []job.Option{
		job.WithCompletionHook(notify.JobFailureHook(dispatcher)),
	}
	if jobStore != nil {
		managerOpts = append(managerOpts, job.WithStore(jobStore))
	}
	manager := job.NewManager(managerOpts...)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			mainLog.Warn("任务管理器关停超时", "error", err)
		}
	}()

	// 动作注册表与命令桥。
	registry := action.NewRegistry()
	if err := registry.Initialize(action.NewCoreProvider(manager, jobStore)); err != nil {
		return err
	}
	bridge := command.NewBridge(registry)

	// 大模型客户端与规划器。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	plannerOpts := []agent.Option{}
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		plannerOpts = append(plannerOpts, agent.WithKnowledgeProvider(provider))
	}
	planner := agent.New(llmClient, registry, bridge, plannerOpts...)

	// 事件队列。
	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			mainLog.Warn("关闭事件队列失败", "error", err)
		}
	}()

	// 链定义、节点客户端与浏览器客户端。
	defs, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}

	clients := make(map[string]*chain.Client, len(defs.Chains))
	explorers := make(map[string]monitor.SourceFetcher)
	defer func() {
		for _, client := range clients {
			client.Close()
		}
	}()
	for name, def := range defs.Chains {
		client, err := chain.NewClient(ctx, chain.Config{
			Name:   name,
			RPCURL: def.RPCURL,
			WSURL:  def.WSURL,
		})
		if err != nil {
			return fmt.Errorf("连接链 %s 失败: %w", name, err)
		}
		clients[name] = client

		if def.ExplorerAPI != "" {
			explorer, err := etherscan.NewClient(etherscan.Config{
				APIURL: def.ExplorerAPI,
				APIKey: def.ExplorerKey,
			})
			if err != nil {
				return fmt.Errorf("构造链 %s 的浏览器客户端失败: %w", name, err)
			}
			explorers[name] = explorer
		}
	}

	// 事件处理器注册与派发器。
	handlers := handler.NewRegistry()
	handlers.Register(monitor.NewUpgradeAnalyzer(monitor.UpgradeAnalyzerConfig{
		Explorers: explorers,
		LLM:       llmClient,
		Notifier:  dispatcher,
	}))
	handlers.Register(monitor.NewUpgradeLogRelay(queue))

	eventDispatcher := event.NewDispatcher(queue, handlers)
	go func() {
		if err := eventDispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("事件派发器异常退出", "error", err)
		}
	}()

	// 代理巡检任务：每条配置了代理地址的链提交一个常驻任务。
	sweepInterval := time.Duration(cfg.Chains.SweepIntervalSeconds) * time.Second
	for name, def := range defs.Chains {
		if len(def.Proxies) == 0 {
			continue
		}
		proxies := make([]common.Address, 0, len(def.Proxies))
		for _, raw := range def.Proxies {
			if !common.IsHexAddress(raw) {
				return fmt.Errorf("链 %s 配置了非法代理地址: %s", name, raw)
			}
			proxies = append(proxies, common.HexToAddress(raw))
		}
		sweep := monitor.NewProxySweep(monitor.ProxySweepConfig{
			Chain:    clients[name],
			Proxies:  proxies,
			Producer: queue,
			Interval: sweepInterval,
		})
		if _, err := manager.Submit(ctx, sweep); err != nil {
			return err
		}
	}

	// GitHub 仓库巡检任务。
	if len(cfg.Github.Repos) > 0 {
		watcher := github.NewWatcher(github.WatcherConfig{
			Repos:    cfg.Github.Repos,
			APIToken: cfg.Github.APIToken,
			Interval: time.Duration(cfg.Github.PollIntervalSeconds) * time.Second,
			Producer: queue,
		})
		if _, err := manager.Submit(ctx, watcher); err != nil {
			return err
		}
	}

	// 周期命令调度。
	sched := scheduler.New(bridge, registry, queue)
	for _, entry := range cfg.Scheduler {
		err := sched.Schedule(scheduler.Entry{
			Name:     entry.Name,
			Command:  entry.Command,
			Interval: time.Duration(entry.IntervalMinutes) * time.Minute,
			Enabled:  entry.Enabled,
		})
		if err != nil {
			return fmt.Errorf("登记调度项 %s 失败: %w", entry.Name, err)
		}
	}
	sched.Start(ctx)
	defer sched.Wait()

	// 指标服务。
	go func() {
		if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("指标服务异常退出", "error", err)
		}
	}()

	// 认证服务与 API。
	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Config{
		Address:  cfg.Server.Address,
		Bridge:   bridge,
		Planner:  planner,
		Jobs:     manager,
		Actions:  registry,
		Producer: queue,
		Auth:     authService,
	})
	if err != nil {
		return err
	}

	mainLog.Info("sentryd 启动完成",
		"chains", len(clients),
		"repos", len(cfg.Github.Repos),
		"schedules", len(cfg.Scheduler),
	)
	return server.Start(ctx)
}

// createLLMClient 按配置选择大模型提供方。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或环境变量 OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// createQueue 按配置选择事件队列后端。
func createQueue(cfg *config.Config) (event.Queue, error) {
	switch cfg.Queue.Backend {
	case "", "memory":
		return event.NewMemoryQueue(1024), nil
	case "redis":
		return event.NewRedisQueue(event.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return event.NewRabbitMQQueue(event.RabbitMQConfig{
			URL:     cfg.Queue.RabbitMQ.URL,
			Queue:   cfg.Queue.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的事件队列后端: %s", cfg.Queue.Backend)
	}
}
