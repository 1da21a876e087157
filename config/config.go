package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config 本地进程配置
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Models  ModelsConfig  `toml:"models"`
}

// ServerConfig 本地控制接口
type ServerConfig struct {
	Listen    string  `toml:"listen"`
	APIToken  string  `toml:"api_token"` // 为空时不鉴权
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

type StorageConfig struct {
	DatabasePath     string `toml:"database_path"`
	LegacyImportPath string `toml:"legacy_import_path"`
	EventRetain      int    `toml:"event_retain"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	Backups   int    `toml:"backups"`
}

// ModelsConfig 模型目录与拉取
type ModelsConfig struct {
	CacheTTL     time.Duration `toml:"cache_ttl"`
	FetchTimeout time.Duration `toml:"fetch_timeout"`
	FetchRate    float64       `toml:"fetch_rate"` // 每秒请求数
	FetchBurst   int           `toml:"fetch_burst"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    "127.0.0.1:8765",
			RateLimit: 20,
			RateBurst: 40,
		},
		Storage: StorageConfig{
			DatabasePath: "chathub.db",
			EventRetain:  1000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			File:      "logs/chathub.log",
			MaxSizeMB: 10,
			Backups:   3,
		},
		Models: ModelsConfig{
			CacheTTL:     5 * time.Minute,
			FetchTimeout: 30 * time.Second,
			FetchRate:    2,
			FetchBurst:   4,
		},
	}
}

// Load 默认值 <- TOML 文件 <- 环境变量，最后校验
// path 为空或文件不存在时只使用默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides CHATHUB_* 环境变量覆盖文件配置，无法解析的值被忽略
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATHUB_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v, ok := os.LookupEnv("CHATHUB_API_TOKEN"); ok {
		c.Server.APIToken = v
	}
	if v := os.Getenv("CHATHUB_DB"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("CHATHUB_LEGACY_FILE"); v != "" {
		c.Storage.LegacyImportPath = v
	}
	if v := os.Getenv("CHATHUB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv("CHATHUB_LOG_FILE"); ok {
		c.Logging.File = v
	}
	if v := os.Getenv("CHATHUB_MODEL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Models.CacheTTL = d
		}
	}
	if v := os.Getenv("CHATHUB_FETCH_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.Models.FetchRate = r
		}
	}
}

// ValidationError 单个字段的校验错误
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors 校验错误集合
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate 校验配置；监听地址必须是回环地址
func (c *Config) Validate() error {
	var errs ValidateErrors

	host, port, err := net.SplitHostPort(c.Server.Listen)
	switch {
	case err != nil:
		errs = append(errs, ValidationError{"server.listen", err.Error()})
	case !isLoopback(host):
		errs = append(errs, ValidationError{"server.listen", fmt.Sprintf("host %q is not a loopback address", host)})
	case port == "":
		errs = append(errs, ValidationError{"server.listen", "port is required"})
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, ValidationError{"server.rate_limit", "must be >= 0"})
	}

	if strings.TrimSpace(c.Storage.DatabasePath) == "" {
		errs = append(errs, ValidationError{"storage.database_path", "must not be empty"})
	}
	if c.Storage.EventRetain < 0 {
		errs = append(errs, ValidationError{"storage.event_retain", "must be >= 0"})
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{"logging.level", err.Error()})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{"logging.max_size_mb", "must be >= 0"})
	}

	if c.Models.CacheTTL <= 0 {
		errs = append(errs, ValidationError{"models.cache_ttl", "must be positive"})
	}
	if c.Models.FetchTimeout <= 0 {
		errs = append(errs, ValidationError{"models.fetch_timeout", "must be positive"})
	}
	if c.Models.FetchRate < 0 {
		errs = append(errs, ValidationError{"models.fetch_rate", "must be >= 0"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
