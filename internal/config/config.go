package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ChainSentry/internal/auth"
)

// Config 描述 ChainSentry 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig     `json:"server"`
	Logging   LoggingConfig    `json:"logging"`
	Auth      auth.Config      `json:"auth"`
	Storage   StorageConfig    `json:"storage"`
	Queue     QueueConfig      `json:"queue"`
	LLM       LLMConfig        `json:"llm"`
	Chains    ChainsConfig     `json:"chains"`
	Github    GithubConfig     `json:"github"`
	Telegram  TelegramConfig   `json:"telegram"`
	Knowledge KnowledgeConfig  `json:"knowledge"`
	Scheduler []ScheduledEntry `json:"scheduler,omitempty"`
	Runtime   RuntimeConfig    `json:"runtime"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level      string   `json:"level"`
	Format     string   `json:"format"`
	Outputs    []string `json:"outputs,omitempty"`
	AuditPath  string   `json:"audit_path"`
	MaxSizeMB  int      `json:"max_size_mb"`
	MaxBackups int      `json:"max_backups"`
}

// KnowledgeConfig 指向注入规划器提示词的知识片段文件。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述任务记录后端的连接信息。
type StorageConfig struct {
	JobStore JobStoreConfig `json:"job_store"`
}

// JobStoreConfig 选择任务记录的持久化后端：memory 或 mysql。
type JobStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 选择事件队列后端：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Backend  string         `json:"backend"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// ChainsConfig 描述链上巡检的参数。链与代理地址定义在独立的 YAML 文件里。
type ChainsConfig struct {
	DefinitionsPath      string `json:"definitions_path"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds"`
}

// GithubConfig 描述 GitHub 仓库轮询的参数，仓库用 owner/name 形式列出。
type GithubConfig struct {
	Repos               []string `json:"repos,omitempty"`
	APIToken            string   `json:"api_token"`
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
}

// TelegramConfig 描述 Telegram 提醒渠道，两个字段都非空时渠道才启用。
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// ScheduledEntry 描述一个周期执行的命令。
type ScheduledEntry struct {
	Name            string `json:"name"`
	Command         string `json:"command"`
	IntervalMinutes int    `json:"interval_minutes"`
	Enabled         bool   `json:"enabled"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}

	if c.Chains.SweepIntervalSeconds <= 0 {
		c.Chains.SweepIntervalSeconds = 60
	}
	if c.Chains.DefinitionsPath != "" && !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Github.PollIntervalSeconds <= 0 {
		c.Github.PollIntervalSeconds = 3600
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
