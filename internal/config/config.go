package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"AgentPay/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTPAY_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件。
const DefaultPath = "configs/agentpay.json"

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Replay   ReplayConfig   `json:"replay"`
	Events   EventsConfig   `json:"events"`
	Web3     Web3Config     `json:"web3"`
	Session  SessionConfig  `json:"session"`
	Spending SpendingConfig `json:"spending"`
	Auth     AuthConfig     `json:"auth"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  logger.Config  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。metrics_address 非空时另起独立的指标端口。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	MetricsAddress      string `json:"metrics_address"`
}

// StorageConfig 描述持久化存储。driver 取值 memory、mysql 或 sqlite。
type StorageConfig struct {
	Driver             string `json:"driver"`
	DSN                string `json:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_seconds"`
	RunMigrations      bool   `json:"run_migrations"`
}

// ReplayConfig 描述已消费交易集合的后端。driver 取值 memory、sql 或 redis。
type ReplayConfig struct {
	Driver     string `json:"driver"`
	RedisAddr  string `json:"redis_addr"`
	RedisDB    int    `json:"redis_db"`
	Password   string `json:"redis_password"`
	KeyPrefix  string `json:"key_prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// EventsConfig 描述履约结果事件的投递通道。driver 取值 memory、redis、rabbitmq 或 nats。
type EventsConfig struct {
	Driver    string `json:"driver"`
	URL       string `json:"url"`
	Topic     string `json:"topic"`
	Workers   int    `json:"workers"`
	Buffer    int    `json:"buffer"`
	RedisDB   int    `json:"redis_db"`
	Password  string `json:"password"`
	BlockSecs int    `json:"block_seconds"`
}

// Web3Config 包含结算网络的定义文件与确认数要求。
type Web3Config struct {
	ChainConfig    string `json:"chain_config"`
	DefaultNetwork string `json:"default_network"`
	Confirmations  uint64 `json:"confirmations"`
}

// SessionConfig 控制履约会话的生命周期。
type SessionConfig struct {
	TTLSeconds             int  `json:"ttl_seconds"`
	ProviderTimeoutSeconds int  `json:"provider_timeout_seconds"`
	ReapIntervalSeconds    int  `json:"reap_interval_seconds"`
	ProbeCandidates        bool `json:"probe_candidates"`
}

// SpendingConfig 为未单独配置额度的身份提供默认上限，0 表示不限制。
type SpendingConfig struct {
	PerTransactionLimit int64 `json:"per_transaction_limit"`
	DailyLimit          int64 `json:"daily_limit"`
	MonthlyLimit        int64 `json:"monthly_limit"`
}

// AuthConfig 控制调用方身份的识别方式。mode 取值 disabled 或 jwt。
type AuthConfig struct {
	Mode     string `json:"mode"`
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer"`
	Header   string `json:"header"`
	AdminKey string `json:"admin_key"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Load 解析指定路径的 JSON 配置文件，并叠加 .env 与环境变量。
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

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 使用 AGENTPAY_CONFIG 指定的路径加载配置，未设置时回退到默认路径。
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// applyEnv 允许部署环境覆盖敏感或随环境变化的配置项。
func (c *Config) applyEnv() {
	_ = godotenv.Load()

	setString(&c.Server.Address, "AGENTPAY_SERVER_ADDRESS")
	setString(&c.Server.MetricsAddress, "AGENTPAY_METRICS_ADDRESS")
	setString(&c.Storage.Driver, "AGENTPAY_STORAGE_DRIVER")
	setString(&c.Storage.DSN, "AGENTPAY_STORAGE_DSN")
	setString(&c.Replay.Driver, "AGENTPAY_REPLAY_DRIVER")
	setString(&c.Replay.RedisAddr, "AGENTPAY_REDIS_ADDR")
	setString(&c.Replay.Password, "AGENTPAY_REDIS_PASSWORD")
	setString(&c.Events.Driver, "AGENTPAY_EVENTS_DRIVER")
	setString(&c.Events.URL, "AGENTPAY_EVENTS_URL")
	setString(&c.Web3.ChainConfig, "AGENTPAY_CHAIN_CONFIG")
	setString(&c.Auth.Mode, "AGENTPAY_AUTH_MODE")
	setString(&c.Auth.Secret, "AGENTPAY_AUTH_SECRET")
	setString(&c.Auth.AdminKey, "AGENTPAY_ADMIN_KEY")
	setString(&c.Alerting.WebhookURL, "AGENTPAY_ALERT_WEBHOOK")
	setString(&c.Logging.Level, "AGENTPAY_LOG_LEVEL")
	setInt(&c.Session.TTLSeconds, "AGENTPAY_SESSION_TTL_SECONDS")
	setInt(&c.Replay.TTLSeconds, "AGENTPAY_REPLAY_TTL_SECONDS")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 60
	}

	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "file:" + filepath.Join(baseDir, "data", "agentpay.db")
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetimeSec <= 0 {
		c.Storage.ConnMaxLifetimeSec = 300
	}

	c.Replay.Driver = strings.ToLower(c.Replay.Driver)
	if c.Replay.Driver == "" {
		if c.Storage.Driver == "memory" {
			c.Replay.Driver = "memory"
		} else {
			c.Replay.Driver = "sql"
		}
	}
	if c.Replay.KeyPrefix == "" {
		c.Replay.KeyPrefix = "agentpay:used_tx"
	}

	c.Events.Driver = strings.ToLower(c.Events.Driver)
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "agentpay.fulfillment.outcomes"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 2
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.BlockSecs <= 0 {
		c.Events.BlockSecs = 5
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.Confirmations == 0 {
		c.Web3.Confirmations = 1
	}

	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 600
	}
	if c.Session.ProviderTimeoutSeconds <= 0 {
		c.Session.ProviderTimeoutSeconds = 30
	}
	if c.Session.ReapIntervalSeconds <= 0 {
		c.Session.ReapIntervalSeconds = 30
	}

	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-Agent-Identity"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn 在 mysql 模式下不能为空")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Replay.Driver {
	case "memory":
	case "sql":
		if c.Storage.Driver == "memory" {
			return errors.New("replay.driver=sql 需要持久化存储")
		}
	case "redis":
		if c.Replay.RedisAddr == "" {
			return errors.New("replay.redis_addr 在 redis 模式下不能为空")
		}
	default:
		return fmt.Errorf("不支持的防重放驱动: %s", c.Replay.Driver)
	}

	switch c.Events.Driver {
	case "memory":
	case "redis", "rabbitmq", "nats":
		if c.Events.URL == "" {
			return fmt.Errorf("events.url 在 %s 模式下不能为空", c.Events.Driver)
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}

	switch c.Auth.Mode {
	case "disabled":
	case "jwt":
		if c.Auth.Secret == "" {
			return errors.New("auth.secret 在 jwt 模式下不能为空")
		}
	default:
		return fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode)
	}
	return nil
}

// SessionTTL 返回会话有效期。
func (c SessionConfig) SessionTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ProviderTimeout 返回单次调用服务商的超时时间。
func (c SessionConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// ReapInterval 返回过期会话清理的周期。
func (c SessionConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// TTL 返回防重放记录的保留时长，0 表示永久保留。
func (c ReplayConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ConnMaxLifetime 返回连接最大存活时间。
func (c StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSec) * time.Second
}

func setString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*target = value
	}
}

func setInt(target *int, key string) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*target = parsed
	}
}
