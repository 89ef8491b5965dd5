package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Token     TokenConfig     `yaml:"token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	KeyFile string `yaml:"key_file"` // API 密钥文件路径
}

// UpstreamConfig 上游服务配置
type UpstreamConfig struct {
	BaseURL              string   `yaml:"base_url"`
	Models               []string `yaml:"models"`
	DefaultModel         string   `yaml:"default_model"`
	ConnectTimeout       int      `yaml:"connect_timeout"`        // 秒
	ReadTimeout          int      `yaml:"read_timeout"`           // 秒，流式长超时
	MaxRetries           int      `yaml:"max_retries"`            // 流式请求重试次数
	EmptyResponseTimeout int      `yaml:"empty_response_timeout"` // 秒，流打开后无数据的上限
}

// TokenConfig 上游凭证配置
type TokenConfig struct {
	StorageType      string `yaml:"storage_type"` // memory | file | sqlite | redis
	DBPath           string `yaml:"db_path"`
	StoragePath      string `yaml:"storage_path"`
	RedisURL         string `yaml:"redis_url"`
	PoolSize         int    `yaml:"pool_size"`
	MaxRetries       int    `yaml:"max_retries"`       // 获取凭证的重试次数
	InitialDelayMs   int    `yaml:"initial_delay_ms"`  // 退避初始延迟
	MaxDelayMs       int    `yaml:"max_delay_ms"`      // 退避延迟上限
	LifetimeSeconds  int    `yaml:"lifetime_seconds"`  // 凭证有效期（上游未返回时的默认值）
	RefreshMargin    int    `yaml:"refresh_margin"`    // 秒，剩余低于该值进入 expiring
	RefreshInterval  int    `yaml:"refresh_interval"`  // 秒，后台刷新扫描周期
	AcquirePerMinute int    `yaml:"acquire_per_minute"` // 向上游取凭证的全局限速
	CacheEnabled     bool   `yaml:"cache_enabled"`
}

// RateLimitConfig 限速配置
type RateLimitConfig struct {
	IPEnabled      bool `yaml:"ip_enabled"`
	IPMaxRequests  int  `yaml:"ip_max_requests"`
	WindowSeconds  int  `yaml:"window_seconds"`
	KeyEnabled     bool `yaml:"key_enabled"`
	KeyDefaultRate int  `yaml:"key_default_rate"` // 密钥未自定义时的默认限速
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	EnableIPBlocking   bool     `yaml:"enable_ip_blocking"`
	BlockThreshold     int      `yaml:"block_threshold"`
	BlockDuration      int      `yaml:"block_duration"` // 秒
	IPWhitelist        []string `yaml:"ip_whitelist"`
	SuspiciousPatterns []string `yaml:"suspicious_patterns"` // 追加的自定义正则
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load 从文件加载配置，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18080
	}
	if cfg.Server.KeyFile == "" {
		cfg.Server.KeyFile = ".KEY"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://app.unlimitedai.chat"
	}
	if len(cfg.Upstream.Models) == 0 {
		cfg.Upstream.Models = []string{"chat-model-reasoning", "chat-model-reasoning-thinking"}
	}
	if cfg.Upstream.DefaultModel == "" {
		cfg.Upstream.DefaultModel = "chat-model-reasoning"
	}
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = 10
	}
	if cfg.Upstream.ReadTimeout == 0 {
		cfg.Upstream.ReadTimeout = 120
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 3
	}
	if cfg.Upstream.EmptyResponseTimeout == 0 {
		cfg.Upstream.EmptyResponseTimeout = 5
	}
	if cfg.Token.StorageType == "" {
		cfg.Token.StorageType = "sqlite"
	}
	if cfg.Token.DBPath == "" {
		cfg.Token.DBPath = "./data/tokens.db"
	}
	if cfg.Token.StoragePath == "" {
		cfg.Token.StoragePath = ".unlimited"
	}
	if cfg.Token.RedisURL == "" {
		cfg.Token.RedisURL = "redis://localhost:6379/0"
	}
	if cfg.Token.PoolSize == 0 {
		cfg.Token.PoolSize = 4
	}
	if cfg.Token.MaxRetries == 0 {
		cfg.Token.MaxRetries = 3
	}
	if cfg.Token.InitialDelayMs == 0 {
		cfg.Token.InitialDelayMs = 500
	}
	if cfg.Token.MaxDelayMs == 0 {
		cfg.Token.MaxDelayMs = 10000
	}
	if cfg.Token.LifetimeSeconds == 0 {
		cfg.Token.LifetimeSeconds = 3600
	}
	if cfg.Token.RefreshMargin == 0 {
		cfg.Token.RefreshMargin = 300
	}
	if cfg.Token.RefreshInterval == 0 {
		cfg.Token.RefreshInterval = 60
	}
	if cfg.Token.AcquirePerMinute == 0 {
		cfg.Token.AcquirePerMinute = 10
	}
	if cfg.RateLimit.IPMaxRequests == 0 {
		cfg.RateLimit.IPMaxRequests = 30
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.KeyDefaultRate == 0 {
		cfg.RateLimit.KeyDefaultRate = 20
	}
	if cfg.Security.BlockThreshold == 0 {
		cfg.Security.BlockThreshold = 10
	}
	if cfg.Security.BlockDuration == 0 {
		cfg.Security.BlockDuration = 3600
	}
	if len(cfg.Security.IPWhitelist) == 0 {
		cfg.Security.IPWhitelist = []string{"127.0.0.1", "::1"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// CredentialLifetime Token 默认有效期
func (c *TokenConfig) CredentialLifetime() time.Duration {
	return time.Duration(c.LifetimeSeconds) * time.Second
}

// RefreshMarginDuration 刷新阈值
func (c *TokenConfig) RefreshMarginDuration() time.Duration {
	return time.Duration(c.RefreshMargin) * time.Second
}
