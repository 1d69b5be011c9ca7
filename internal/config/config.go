package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 LoanSolver 在启动阶段需要加载的核心配置。
type Config struct {
	Chains    ChainsConfig    `json:"chains"`
	Wallet    WalletConfig    `json:"wallet"`
	Policy    PolicyConfig    `json:"policy"`
	Registry  RegistryConfig  `json:"registry"`
	Intents   IntentsConfig   `json:"intents"`
	Submitter SubmitterConfig `json:"submitter"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logger    LoggerConfig    `json:"logger"`
}

// ChainsConfig 指向链端点定义文件，并声明需要监听的链。
// FromBlock 为 0 时从最新区块开始订阅。
type ChainsConfig struct {
	ConfigPath string   `json:"config_path"`
	Watch      []uint64 `json:"watch"`
	FromBlock  uint64   `json:"from_block"`
}

// WalletConfig 描述放款账户的签名私钥来源。
// 优先读取 PrivateKeyEnv 指定的环境变量，避免把密钥写进配置文件。
type WalletConfig struct {
	PrivateKey    string `json:"private_key,omitempty"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// PolicyConfig 控制放款决策规则与外部信誉服务。
type PolicyConfig struct {
	MinRating float64      `json:"min_rating"`
	Oracle    OracleConfig `json:"oracle"`
}

// OracleConfig 描述信誉查询服务的调用方式。
type OracleConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RegistryConfig 描述待领取贷款登记表的持久化后端。
type RegistryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// IntentsConfig 描述贷款意向队列的驱动与消费参数。
type IntentsConfig struct {
	Driver      string         `json:"driver"`
	Worker      int            `json:"worker"`
	MaxAttempts int            `json:"max_attempts"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SubmitterConfig 控制交易提交时的本地重试策略。
type SubmitterConfig struct {
	MaxRetries          int `json:"max_retries"`
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`
}

// SchedulerConfig 控制领取调度器的扫描节奏。
type SchedulerConfig struct {
	IntervalSeconds    int `json:"interval_seconds"`
	AlertAfterFailures int `json:"alert_after_failures"`
}

// LoggerConfig 控制日志输出行为。
type LoggerConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Chains.ConfigPath == "" {
		c.Chains.ConfigPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.ConfigPath) {
		c.Chains.ConfigPath = filepath.Join(baseDir, c.Chains.ConfigPath)
	}

	if c.Wallet.PrivateKeyEnv == "" && c.Wallet.PrivateKey == "" {
		c.Wallet.PrivateKeyEnv = "LOANSOLVER_PRIVATE_KEY"
	}

	if c.Policy.Oracle.TimeoutSeconds <= 0 {
		c.Policy.Oracle.TimeoutSeconds = 10
	}

	if c.Registry.Driver == "" {
		c.Registry.Driver = "memory"
	}

	if c.Intents.Driver == "" {
		c.Intents.Driver = "memory"
	}
	if c.Intents.Worker <= 0 {
		c.Intents.Worker = 4
	}
	if c.Intents.MaxAttempts <= 0 {
		c.Intents.MaxAttempts = 3
	}

	if c.Submitter.MaxRetries <= 0 {
		c.Submitter.MaxRetries = 3
	}
	if c.Submitter.RetryBackoffSeconds <= 0 {
		c.Submitter.RetryBackoffSeconds = 2
	}

	if c.Scheduler.IntervalSeconds <= 0 {
		c.Scheduler.IntervalSeconds = 2
	}
	if c.Scheduler.AlertAfterFailures <= 0 {
		c.Scheduler.AlertAfterFailures = 10
	}
}

// validate 检查无法通过默认值修复的配置错误。
func (c *Config) validate() error {
	if len(c.Chains.Watch) == 0 {
		return errors.New("chains.watch 至少需要声明一条监听链")
	}
	if c.Policy.Oracle.Enabled && c.Policy.Oracle.BaseURL == "" {
		return errors.New("启用信誉查询时必须配置 oracle.base_url")
	}
	if c.Registry.Driver == "mysql" && c.Registry.DSN == "" {
		return errors.New("registry.driver 为 mysql 时必须配置 DSN")
	}
	return nil
}
