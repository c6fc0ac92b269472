package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime configuration for the VidFriends client and its dev server.
type Config struct {
	APIBaseURL  string        `yaml:"apiBaseUrl"`
	ChannelURL  string        `yaml:"channelUrl"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	LogLevel    string        `yaml:"logLevel"`
	LogFormat   string        `yaml:"logFormat"`
	MetricsAddr string        `yaml:"metricsAddr"`

	Retry       RetryConfig       `yaml:"retry"`
	Channel     ChannelConfig     `yaml:"channel"`
	TokenStore  TokenStoreConfig  `yaml:"tokenStore"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	DevServer   DevServerConfig   `yaml:"devServer"`
}

// RetryConfig bounds transport retries on network and 5xx failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`

	// KeepSessionOnRefreshOutage keeps the stored login when the refresh endpoint is down.
	KeepSessionOnRefreshOutage bool `yaml:"keepSessionOnRefreshOutage"`
}

// ChannelConfig controls the presence channel connection lifecycle.
type ChannelConfig struct {
	ConnectTimeout     time.Duration `yaml:"connectTimeout"`
	ReconnectAttempts  int           `yaml:"reconnectAttempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnectBaseDelay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnectMaxDelay"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
}

// TokenStoreConfig selects the durable credential store.
type TokenStoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisAddr   string `yaml:"redisAddr"`
	Namespace   string `yaml:"namespace"`
}

// OutboxConfig sizes the optimistic send pipeline.
type OutboxConfig struct {
	QueueSize   int           `yaml:"queueSize"`
	Workers     int           `yaml:"workers"`
	SendTimeout time.Duration `yaml:"sendTimeout"`
	SendRate    int           `yaml:"sendRate"`
	SendWindow  time.Duration `yaml:"sendWindow"`
}

// EntitlementConfig holds the client-side (advisory) free quotas.
type EntitlementConfig struct {
	FreeUploadQuota int  `yaml:"freeUploadQuota"`
	RefreshOnStart  bool `yaml:"refreshOnStart"`
}

// ObjectStoreConfig configures the S3-compatible bucket used for photo uploads.
type ObjectStoreConfig struct {
	Bucket        string `yaml:"bucket"`
	Endpoint      string `yaml:"endpoint"`
	Region        string `yaml:"region"`
	PublicBaseURL string `yaml:"publicBaseUrl"`
}

// DevServerConfig configures the reference backend served by `vidfriends devserver`.
type DevServerConfig struct {
	Port           int           `yaml:"port"`
	AccessTTL      time.Duration `yaml:"accessTtl"`
	RefreshTTL     time.Duration `yaml:"refreshTtl"`
	SigningSecret  string        `yaml:"signingSecret"`
	FixturesPath   string        `yaml:"fixturesPath"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	FreeUploads    int           `yaml:"freeUploads"`
	DatabaseURL    string        `yaml:"databaseUrl"`
}

// Default returns the built-in configuration for local development.
func Default() Config {
	return Config{
		APIBaseURL:  "http://localhost:8080",
		ChannelURL:  "ws://localhost:8080/ws",
		HTTPTimeout: 10 * time.Second,
		LogLevel:    "info",
		LogFormat:   "json",
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		Channel: ChannelConfig{
			ConnectTimeout:     10 * time.Second,
			ReconnectAttempts:  5,
			ReconnectBaseDelay: 500 * time.Millisecond,
			ReconnectMaxDelay:  30 * time.Second,
			HeartbeatInterval:  30 * time.Second,
		},
		TokenStore: TokenStoreConfig{
			Driver:    "sqlite",
			Path:      "data/vidfriends.db",
			Namespace: "vidfriends",
		},
		Outbox: OutboxConfig{
			QueueSize:   64,
			Workers:     2,
			SendTimeout: 30 * time.Second,
			SendRate:    10,
			SendWindow:  10 * time.Second,
		},
		Entitlement: EntitlementConfig{
			FreeUploadQuota: 3,
			RefreshOnStart:  true,
		},
		ObjectStore: ObjectStoreConfig{
			Region: "us-east-1",
		},
		DevServer: DevServerConfig{
			Port:           8080,
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     24 * time.Hour,
			SigningSecret:  "vidfriends-dev-secret",
			FixturesPath:   "fixtures/dev.yaml",
			AllowedOrigins: []string{"*"},
			FreeUploads:    3,
		},
	}
}

// Load reads configuration from defaults, an optional .env file, an optional YAML file
// named by VIDFRIENDS_CONFIG, and finally environment variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("VIDFRIENDS_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIBaseURL = getString("VIDFRIENDS_API_URL", cfg.APIBaseURL)
	cfg.ChannelURL = getString("VIDFRIENDS_CHANNEL_URL", cfg.ChannelURL)
	cfg.HTTPTimeout = getDuration("VIDFRIENDS_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.LogLevel = getString("VIDFRIENDS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getString("VIDFRIENDS_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsAddr = getString("VIDFRIENDS_METRICS_ADDR", cfg.MetricsAddr)

	cfg.Retry.MaxRetries = getInt("VIDFRIENDS_RETRY_MAX", cfg.Retry.MaxRetries)
	cfg.Retry.BaseDelay = getDuration("VIDFRIENDS_RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = getDuration("VIDFRIENDS_RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.Retry.KeepSessionOnRefreshOutage = getBool("VIDFRIENDS_KEEP_SESSION_ON_REFRESH_OUTAGE", cfg.Retry.KeepSessionOnRefreshOutage)

	cfg.Channel.ConnectTimeout = getDuration("VIDFRIENDS_CHANNEL_CONNECT_TIMEOUT", cfg.Channel.ConnectTimeout)
	cfg.Channel.ReconnectAttempts = getInt("VIDFRIENDS_CHANNEL_RECONNECT_ATTEMPTS", cfg.Channel.ReconnectAttempts)
	cfg.Channel.ReconnectBaseDelay = getDuration("VIDFRIENDS_CHANNEL_RECONNECT_BASE_DELAY", cfg.Channel.ReconnectBaseDelay)
	cfg.Channel.ReconnectMaxDelay = getDuration("VIDFRIENDS_CHANNEL_RECONNECT_MAX_DELAY", cfg.Channel.ReconnectMaxDelay)
	cfg.Channel.HeartbeatInterval = getDuration("VIDFRIENDS_CHANNEL_HEARTBEAT", cfg.Channel.HeartbeatInterval)

	cfg.TokenStore.Driver = getString("VIDFRIENDS_TOKEN_STORE", cfg.TokenStore.Driver)
	cfg.TokenStore.Path = getString("VIDFRIENDS_TOKEN_STORE_PATH", cfg.TokenStore.Path)
	cfg.TokenStore.DatabaseURL = getString("VIDFRIENDS_DATABASE_URL", cfg.TokenStore.DatabaseURL)
	cfg.TokenStore.RedisAddr = getString("VIDFRIENDS_REDIS_ADDR", cfg.TokenStore.RedisAddr)
	cfg.TokenStore.Namespace = getString("VIDFRIENDS_TOKEN_NAMESPACE", cfg.TokenStore.Namespace)

	cfg.Outbox.QueueSize = getInt("VIDFRIENDS_OUTBOX_QUEUE", cfg.Outbox.QueueSize)
	cfg.Outbox.Workers = getInt("VIDFRIENDS_OUTBOX_WORKERS", cfg.Outbox.Workers)
	cfg.Outbox.SendTimeout = getDuration("VIDFRIENDS_OUTBOX_SEND_TIMEOUT", cfg.Outbox.SendTimeout)
	cfg.Outbox.SendRate = getInt("VIDFRIENDS_OUTBOX_SEND_RATE", cfg.Outbox.SendRate)
	cfg.Outbox.SendWindow = getDuration("VIDFRIENDS_OUTBOX_SEND_WINDOW", cfg.Outbox.SendWindow)

	cfg.Entitlement.FreeUploadQuota = getInt("VIDFRIENDS_FREE_UPLOADS", cfg.Entitlement.FreeUploadQuota)
	cfg.Entitlement.RefreshOnStart = getBool("VIDFRIENDS_ENTITLEMENT_REFRESH_ON_START", cfg.Entitlement.RefreshOnStart)

	cfg.ObjectStore.Bucket = getString("VIDFRIENDS_S3_BUCKET", cfg.ObjectStore.Bucket)
	cfg.ObjectStore.Endpoint = getString("VIDFRIENDS_S3_ENDPOINT", cfg.ObjectStore.Endpoint)
	cfg.ObjectStore.Region = getString("VIDFRIENDS_S3_REGION", cfg.ObjectStore.Region)
	cfg.ObjectStore.PublicBaseURL = getString("VIDFRIENDS_S3_PUBLIC_URL", cfg.ObjectStore.PublicBaseURL)

	cfg.DevServer.Port = getInt("VIDFRIENDS_PORT", cfg.DevServer.Port)
	cfg.DevServer.AccessTTL = getDuration("VIDFRIENDS_ACCESS_TTL", cfg.DevServer.AccessTTL)
	cfg.DevServer.RefreshTTL = getDuration("VIDFRIENDS_REFRESH_TTL", cfg.DevServer.RefreshTTL)
	cfg.DevServer.SigningSecret = getString("VIDFRIENDS_SIGNING_SECRET", cfg.DevServer.SigningSecret)
	cfg.DevServer.FixturesPath = getString("VIDFRIENDS_FIXTURES", cfg.DevServer.FixturesPath)
	cfg.DevServer.AllowedOrigins = getList("VIDFRIENDS_ALLOWED_ORIGINS", cfg.DevServer.AllowedOrigins)
	cfg.DevServer.FreeUploads = getInt("VIDFRIENDS_DEV_FREE_UPLOADS", cfg.DevServer.FreeUploads)
	cfg.DevServer.DatabaseURL = getString("VIDFRIENDS_DEV_DATABASE_URL", cfg.DevServer.DatabaseURL)
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	switch c.TokenStore.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown token store driver %q", c.TokenStore.Driver)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("config: retry ceiling must not be negative")
	}
	if c.Channel.ReconnectAttempts < 0 {
		return errors.New("config: reconnect attempts must not be negative")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return errors.New("config: api base url is required")
	}
	return nil
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
