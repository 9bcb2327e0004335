// Package config loads the relay configuration from YAML, .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/o1relay/internal/billing"
	"github.com/router-for-me/o1relay/internal/ledger"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "config.yaml"

// Environment overrides.
const (
	EnvConfigPath  = "O1RELAY_CONFIG"
	EnvDatabaseDSN = "O1RELAY_DATABASE_DSN"
	EnvListenAddr  = "O1RELAY_LISTEN"
	EnvAPIKey      = "OPENAI_API_KEY"
	EnvBaseURL     = "OPENAI_BASE_URL"
	EnvRedisAddr   = "O1RELAY_REDIS_ADDR"
	EnvJWTSecret   = "O1RELAY_JWT_SECRET"
	EnvLogLevel    = "O1RELAY_LOG_LEVEL"
)

// AppConfig carries process-level options resolved from flags.
type AppConfig struct {
	ConfigPath string
}

// Config is the full relay configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Upstream UpstreamConfig  `yaml:"upstream"`
	Pricing  billing.Pricing `yaml:"pricing"`
	Limits   LimitsConfig    `yaml:"limits"`
	Redis    RedisConfig     `yaml:"redis"`
	Admin    AdminConfig     `yaml:"admin"`
	Logging  LoggingConfig   `yaml:"logging"`
	Usage    UsageConfig     `yaml:"usage"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read-timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	TrustedProxies  []string      `yaml:"trusted-proxies"`
}

// DatabaseConfig selects the database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// UpstreamConfig configures the model endpoint.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base-url"`
	APIKey  string        `yaml:"api-key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// LimitsConfig holds admission thresholds.
type LimitsConfig struct {
	DailyRequestCeiling int     `yaml:"daily-request-ceiling"`
	DefaultUsageLimit   float64 `yaml:"default-usage-limit"`
}

// RedisConfig enables shared in-flight slots. An empty address keeps them in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Username     string    `yaml:"username"`
	PasswordHash string    `yaml:"password-hash"`
	TOTPSecret   string    `yaml:"totp-secret"`
	JWT          JWTConfig `yaml:"jwt"`
}

// JWTConfig configures admin token signing.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// UsageConfig configures the usage log.
type UsageConfig struct {
	RetentionDays int `yaml:"retention-days"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8011",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{DSN: "data/o1relay.db"},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "o1",
			Timeout: 10 * time.Minute,
		},
		Pricing: billing.DefaultPricing(),
		Limits: LimitsConfig{
			DailyRequestCeiling: ledger.DefaultDailyRequestCeiling,
			DefaultUsageLimit:   ledger.DefaultUsageLimit,
		},
		Admin: AdminConfig{
			Username: "admin",
			JWT:      JWTConfig{Expiry: 12 * time.Hour},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Usage: UsageConfig{RetentionDays: 90},
	}
}

// ResolveConfigPath returns the config path from the flag, the environment, or the default.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return filepath.Clean(trimmed)
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return filepath.Clean(env)
	}
	return DefaultConfigPath
}

// LoadDotenvIfPresent loads .env files that exist and skips missing ones.
func LoadDotenvIfPresent(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, errStat := os.Stat(path); errStat != nil {
			if errors.Is(errStat, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat dotenv file failed path=%s: %w", path, errStat)
		}
		if errLoad := godotenv.Load(path); errLoad != nil {
			return fmt.Errorf("load dotenv file failed path=%s: %w", path, errLoad)
		}
	}
	return nil
}

// Load reads path on top of the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(raw, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	if errEnv := cfg.applyEnv(); errEnv != nil {
		return Config{}, errEnv
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// LoadDatabaseDSN returns only the database DSN from path.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString(EnvDatabaseDSN, &c.Database.DSN)
	setString(EnvListenAddr, &c.Server.Listen)
	setString(EnvAPIKey, &c.Upstream.APIKey)
	setString(EnvBaseURL, &c.Upstream.BaseURL)
	setString(EnvRedisAddr, &c.Redis.Addr)
	setString(EnvJWTSecret, &c.Admin.JWT.Secret)
	setString(EnvLogLevel, &c.Logging.Level)

	if v, ok := os.LookupEnv("O1RELAY_DAILY_REQUEST_CEILING"); ok && strings.TrimSpace(v) != "" {
		n, errParse := strconv.Atoi(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: O1RELAY_DAILY_REQUEST_CEILING: %w", errParse)
		}
		c.Limits.DailyRequestCeiling = n
	}
	return nil
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if c.Limits.DailyRequestCeiling <= 0 {
		return fmt.Errorf("config: limits.daily-request-ceiling must be positive, got %d", c.Limits.DailyRequestCeiling)
	}
	if limit := c.Limits.DefaultUsageLimit; limit <= 0 || math.IsNaN(limit) || math.IsInf(limit, 0) {
		return fmt.Errorf("config: limits.default-usage-limit must be positive, got %v", limit)
	}
	if errPricing := c.Pricing.Validate(); errPricing != nil {
		return fmt.Errorf("config: %w", errPricing)
	}
	if c.Upstream.Timeout < 0 {
		return errors.New("config: upstream.timeout must not be negative")
	}
	if c.Usage.RetentionDays < 0 {
		return errors.New("config: usage.retention-days must not be negative")
	}
	return nil
}

// AdminEnabled reports whether the admin HTTP API can issue tokens.
func (c Config) AdminEnabled() bool {
	return strings.TrimSpace(c.Admin.PasswordHash) != "" && strings.TrimSpace(c.Admin.JWT.Secret) != ""
}

// Policy returns the admission policy from the limits section.
func (c Config) Policy() ledger.Policy {
	return ledger.Policy{DailyRequestCeiling: c.Limits.DailyRequestCeiling}
}
