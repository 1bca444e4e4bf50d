package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "DEFIFLOW_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件。
const DefaultPath = "configs/defiflow.json"

// Config 描述了 DefiFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Alerting  AlertingConfig  `json:"alerting"`
	Storage   StorageConfig   `json:"storage"`
	Events    EventsConfig    `json:"events"`
	Web3      Web3Config      `json:"web3"`
	Wallet    WalletConfig    `json:"wallet"`
	PriceFeed PriceFeedConfig `json:"price_feed"`
	Resolver  ResolverConfig  `json:"resolver"`
	LLM       LLMConfig       `json:"llm"`
	Engine    EngineConfig    `json:"engine"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	// APITokenEnv 为空时不启用令牌校验。
	APITokenEnv         string  `json:"api_token_env"`
	IntentRatePerMinute float64 `json:"intent_rate_per_minute"`
	IntentBurst         int     `json:"intent_burst"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制运行状态审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

// AlertingConfig 描述运行失败时的通知渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StorageConfig 统一描述运行记录存储的连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 支持 memory 与 mysql 两种实现。
type RunStoreConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
	AutoMigrate     bool   `json:"auto_migrate"`
}

// EventsConfig 描述运行事件的发布渠道。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 为多个组件共享的 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig 描述事件投递的队列。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// Web3Config 包含链定义文件与合约地址。
type Web3Config struct {
	ChainConfig  string          `json:"chain_config"`
	DefaultChain string          `json:"default_chain"`
	Contracts    ContractsConfig `json:"contracts"`
	// ConfirmPollMillis 为等待交易回执时的轮询间隔。
	ConfirmPollMillis int `json:"confirm_poll_millis"`
}

// ContractsConfig 描述兑换与批量发薪合约。
type ContractsConfig struct {
	SwapChain            string `json:"swap_chain"`
	SwapExecutor         string `json:"swap_executor"`
	SwapTokenOut         string `json:"swap_token_out"`
	SwapTokenOutDecimals uint8  `json:"swap_token_out_decimals"`
	SwapPoolFee          uint32 `json:"swap_pool_fee"`
	PayrollChain         string `json:"payroll_chain"`
	PayrollContract      string `json:"payroll_contract"`
	PayrollToken         string `json:"payroll_token"`
	PayrollTokenDecimals uint8  `json:"payroll_token_decimals"`
}

// WalletConfig 描述服务端签名钱包。
type WalletConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
}

// PriceFeedConfig 描述价格源。
type PriceFeedConfig struct {
	Driver          string      `json:"driver"`
	URL             string      `json:"url"`
	Symbol          string      `json:"symbol"`
	Redis           RedisConfig `json:"redis"`
	Static          []float64   `json:"static"`
	IntervalMillis  int         `json:"interval_millis"`
	HandshakeMillis int         `json:"handshake_millis"`
}

// ResolverConfig 描述名称解析服务。
type ResolverConfig struct {
	Driver          string            `json:"driver"`
	Chain           string            `json:"chain"`
	RegistryAddress string            `json:"registry_address"`
	RatePerSecond   float64           `json:"rate_per_second"`
	Burst           int               `json:"burst"`
	Static          map[string]string `json:"static"`
	Cache           ResolverCache     `json:"cache"`
}

// ResolverCache 为解析结果的 Redis 缓存。
type ResolverCache struct {
	Enabled    bool        `json:"enabled"`
	Redis      RedisConfig `json:"redis"`
	TTLSeconds int         `json:"ttl_seconds"`
}

// LLMConfig 用于配置意图编译服务的调用方式。
type LLMConfig struct {
	Provider       string             `json:"provider"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	OpenAI         OpenAIConfig       `json:"openai"`
	Python         PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述兼容 OpenAI Chat Completions 的服务。
type OpenAIConfig struct {
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	APIKeyEnv   string  `json:"api_key_env"`
	Temperature float32 `json:"temperature"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// EngineConfig 控制运行引擎。
type EngineConfig struct {
	StepTimeoutSeconds int `json:"step_timeout_seconds"`
	MaxRecipients      int `json:"max_recipients"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// StepTimeout 返回单步执行的超时时间。
func (e EngineConfig) StepTimeout() time.Duration {
	return time.Duration(e.StepTimeoutSeconds) * time.Second
}

// PathFromEnv 返回配置文件路径，优先读取环境变量。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
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
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.IntentRatePerMinute <= 0 {
		c.Server.IntentRatePerMinute = 12
	}
	if c.Server.IntentBurst <= 0 {
		c.Server.IntentBurst = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join("logs", "audit.log")
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "defiflow:runs"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "defiflow.runs"
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	if c.Web3.ConfirmPollMillis <= 0 {
		c.Web3.ConfirmPollMillis = 1000
	}
	contracts := &c.Web3.Contracts
	if contracts.SwapPoolFee == 0 {
		contracts.SwapPoolFee = 3000
	}
	if contracts.SwapTokenOutDecimals == 0 {
		contracts.SwapTokenOutDecimals = 6
	}
	if contracts.PayrollTokenDecimals == 0 {
		contracts.PayrollTokenDecimals = 6
	}
	if contracts.SwapChain == "" {
		contracts.SwapChain = c.Web3.DefaultChain
	}
	if contracts.PayrollChain == "" {
		contracts.PayrollChain = c.Web3.DefaultChain
	}

	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = "DEFIFLOW_PRIVATE_KEY"
	}

	if c.PriceFeed.Driver == "" {
		c.PriceFeed.Driver = "binance"
	}
	if c.PriceFeed.URL == "" && c.PriceFeed.Driver == "binance" {
		c.PriceFeed.URL = "wss://stream.binance.com:9443/ws/ethusdt@trade"
	}
	if c.PriceFeed.Symbol == "" {
		c.PriceFeed.Symbol = "ETHUSDT"
	}
	if c.PriceFeed.Redis.Channel == "" {
		c.PriceFeed.Redis.Channel = "defiflow:prices"
	}
	if c.PriceFeed.IntervalMillis <= 0 {
		c.PriceFeed.IntervalMillis = 1000
	}
	if c.PriceFeed.HandshakeMillis <= 0 {
		c.PriceFeed.HandshakeMillis = 10000
	}

	if c.Resolver.Driver == "" {
		c.Resolver.Driver = "ens"
	}
	if c.Resolver.Chain == "" {
		c.Resolver.Chain = c.Web3.DefaultChain
	}
	if c.Resolver.RegistryAddress == "" {
		c.Resolver.RegistryAddress = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"
	}
	if c.Resolver.RatePerSecond <= 0 {
		c.Resolver.RatePerSecond = 5
	}
	if c.Resolver.Burst <= 0 {
		c.Resolver.Burst = 5
	}
	if c.Resolver.Cache.TTLSeconds <= 0 {
		c.Resolver.Cache.TTLSeconds = 600
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir)
	}
	c.LLM.Python.ScriptPath = resolvePath(baseDir, c.LLM.Python.ScriptPath)

	if c.Engine.StepTimeoutSeconds <= 0 {
		c.Engine.StepTimeoutSeconds = 120
	}
	if c.Engine.MaxRecipients <= 0 {
		c.Engine.MaxRecipients = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

// validate 检查驱动名称等枚举字段。
func (c *Config) validate() error {
	if err := oneOf("storage.run_store.driver", c.Storage.RunStore.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Storage.RunStore.Driver == "mysql" && strings.TrimSpace(c.Storage.RunStore.DSN) == "" {
		return errors.New("storage.run_store.dsn 不能为空")
	}
	if err := oneOf("events.driver", c.Events.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := oneOf("price_feed.driver", c.PriceFeed.Driver, "binance", "redis", "static", "none"); err != nil {
		return err
	}
	if err := oneOf("resolver.driver", c.Resolver.Driver, "ens", "static"); err != nil {
		return err
	}
	if err := oneOf("llm.provider", c.LLM.Provider, "openai", "python_bridge"); err != nil {
		return err
	}
	if c.Engine.MaxRecipients > 5 {
		return fmt.Errorf("engine.max_recipients 最大为 5，当前为 %d", c.Engine.MaxRecipients)
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s 不支持取值 %q，可选 %s", field, value, strings.Join(allowed, "/"))
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
