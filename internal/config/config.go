package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration. Values come from a config.yaml
// (optional) overlaid with the environment variables named in the env tags.
type Config struct {
	Port        int    `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	LogLevel    string `mapstructure:"log_level"`

	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`

	PlatformAppID          int64  `mapstructure:"platform_app_id"`
	PlatformPrivateKey     string `mapstructure:"platform_private_key"`      // PEM text
	PlatformPrivateKeyPath string `mapstructure:"platform_private_key_path"` // or a file holding it
	PlatformWebhookSecret  string `mapstructure:"platform_webhook_secret"`
	PlatformAPIBaseURL     string `mapstructure:"platform_api_base_url"`

	PlatformOAuthClientID     string `mapstructure:"platform_oauth_client_id"`
	PlatformOAuthClientSecret string `mapstructure:"platform_oauth_client_secret"`
	JWTSecret                 string `mapstructure:"jwt_secret"`

	GenModelAPIKey  string `mapstructure:"genmodel_api_key"`
	GenModelModel   string `mapstructure:"genmodel_model"`
	GenModelBaseURL string `mapstructure:"genmodel_base_url"`

	ChatEnabled       bool   `mapstructure:"chat_enabled"`
	ChatWebhookURL    string `mapstructure:"chat_webhook_url"`
	ChatRiskThreshold int    `mapstructure:"chat_risk_threshold"`

	FrontendBaseURL string `mapstructure:"frontend_base_url"`
	AppBaseURL      string `mapstructure:"app_base_url"`

	WorkerConcurrency  int `mapstructure:"worker_concurrency"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
}

// envBindings maps viper keys to the environment variable names the runtime
// documents. MONGODB_URI is accepted as a legacy alias for the store DSN.
var envBindings = map[string][]string{
	"port":                         {"PORT"},
	"database_url":                 {"DATABASE_URL", "MONGODB_URI"},
	"log_level":                    {"LOG_LEVEL"},
	"redis_host":                   {"REDIS_HOST"},
	"redis_port":                   {"REDIS_PORT"},
	"redis_password":               {"REDIS_PASSWORD"},
	"platform_app_id":              {"PLATFORM_APP_ID"},
	"platform_private_key":         {"PLATFORM_PRIVATE_KEY"},
	"platform_private_key_path":    {"PLATFORM_PRIVATE_KEY_PATH"},
	"platform_webhook_secret":      {"PLATFORM_WEBHOOK_SECRET"},
	"platform_api_base_url":        {"PLATFORM_API_BASE_URL"},
	"platform_oauth_client_id":     {"PLATFORM_OAUTH_CLIENT_ID"},
	"platform_oauth_client_secret": {"PLATFORM_OAUTH_CLIENT_SECRET"},
	"jwt_secret":                   {"JWT_SECRET"},
	"genmodel_api_key":             {"GENMODEL_API_KEY"},
	"genmodel_model":               {"GENMODEL_MODEL"},
	"genmodel_base_url":            {"GENMODEL_BASE_URL"},
	"chat_enabled":                 {"CHAT_ENABLED"},
	"chat_webhook_url":             {"CHAT_WEBHOOK_URL"},
	"chat_risk_threshold":          {"CHAT_RISK_THRESHOLD"},
	"frontend_base_url":            {"FRONTEND_BASE_URL"},
	"app_base_url":                 {"APP_BASE_URL"},
	"worker_concurrency":           {"WORKER_CONCURRENCY"},
	"shutdown_timeout_sec":         {"SHUTDOWN_TIMEOUT_SEC"},
}

// Load reads configuration from config.yaml (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/prsentry/")
	v.AddConfigPath(".")

	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("platform_api_base_url", "https://api.github.com")
	v.SetDefault("genmodel_base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("genmodel_model", "gemini-2.0-flash")
	v.SetDefault("chat_enabled", false)
	v.SetDefault("chat_risk_threshold", 60)
	v.SetDefault("frontend_base_url", "http://localhost:5173")
	v.SetDefault("app_base_url", "http://localhost:8080")
	v.SetDefault("worker_concurrency", 5)
	v.SetDefault("shutdown_timeout_sec", 15)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; env vars and defaults only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate asserts the startup requirements. It is called once from main;
// a non-nil error is fatal.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL (or MONGODB_URI) is required")
	}
	if c.PlatformAppID == 0 {
		return fmt.Errorf("PLATFORM_APP_ID is required")
	}
	if c.PlatformPrivateKey == "" && c.PlatformPrivateKeyPath == "" {
		return fmt.Errorf("one of PLATFORM_PRIVATE_KEY or PLATFORM_PRIVATE_KEY_PATH is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.ChatEnabled && c.ChatWebhookURL == "" {
		return fmt.Errorf("CHAT_ENABLED is true but CHAT_WEBHOOK_URL is not set")
	}
	return nil
}

// PrivateKeyPEM returns the platform App private key, reading the key file
// when only a path was configured.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.PlatformPrivateKey != "" {
		return []byte(c.PlatformPrivateKey), nil
	}
	b, err := os.ReadFile(c.PlatformPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", c.PlatformPrivateKeyPath, err)
	}
	return b, nil
}

// RedisAddr returns host:port for the queue backing store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
