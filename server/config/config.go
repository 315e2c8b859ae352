// Package config reads settings from the environment, after an optional
// .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	SourceBackend   = "backend"
	SourcePostGIS   = "postgis"
	SourceOverpass  = "overpass"
	SourceSimulated = "simulated"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Backend    BackendConfig    `json:"backend"`
	Hotspots   HotspotConfig    `json:"hotspots"`
	Sessions   SessionConfig    `json:"sessions"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Telegram   TelegramConfig   `json:"telegram"`
	Security   SecurityConfig   `json:"security"`
	Cache      CacheConfig      `json:"cache"`
	Logging    LoggingConfig    `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type BackendConfig struct {
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	AnalysisCacheTTL    time.Duration `json:"analysis_cache_ttl"`
}

type HotspotConfig struct {
	Source           string        `json:"source"`
	LoadTimeout      time.Duration `json:"load_timeout"`
	DatabaseURL      string        `json:"-"`
	OverpassEndpoint string        `json:"overpass_endpoint"`
	OverpassBoxes    []string      `json:"overpass_boxes"`
	SimulatedTotal   int           `json:"simulated_total"`
	Seed             int64         `json:"seed"`
}

type SessionConfig struct {
	IdleTTL time.Duration `json:"idle_ttl"`
}

type DispatcherConfig struct {
	Workers   int           `json:"workers"`
	QueueSize int           `json:"queue_size"`
	Timeout   time.Duration `json:"timeout"`
}

type TelegramConfig struct {
	Token    string        `json:"-"`
	ChatID   int64         `json:"chat_id"`
	Cooldown time.Duration `json:"cooldown"`
}

func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

type SecurityConfig struct {
	AdminSecretKey string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type CacheConfig struct {
	MaxItems int           `json:"max_items"`
	TTL      time.Duration `json:"ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads .env when present; real environment variables win.
func LoadConfig() *Config {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Backend: BackendConfig{
			BaseURL:             getEnv("BACKEND_BASE_URL", "http://localhost:5001"),
			Timeout:             getEnvAsDuration("BACKEND_TIMEOUT", 30*time.Second),
			MaxRetries:          getEnvAsInt("BACKEND_MAX_RETRIES", 3),
			RetryDelay:          getEnvAsDuration("BACKEND_RETRY_DELAY", 1*time.Second),
			HealthCheckInterval: getEnvAsDuration("BACKEND_HEALTH_CHECK_INTERVAL", 30*time.Second),
			AnalysisCacheTTL:    getEnvAsDuration("BACKEND_ANALYSIS_CACHE_TTL", 10*time.Minute),
		},
		Hotspots: HotspotConfig{
			Source:           strings.ToLower(getEnv("HOTSPOT_SOURCE", SourceBackend)),
			LoadTimeout:      getEnvAsDuration("HOTSPOT_LOAD_TIMEOUT", 2*time.Minute),
			DatabaseURL:      getEnv("HOTSPOT_DATABASE_URL", ""),
			OverpassEndpoint: getEnv("OVERPASS_ENDPOINT", ""),
			OverpassBoxes:    getEnvAsList("OVERPASS_BBOXES", ";", nil),
			SimulatedTotal:   getEnvAsInt("SIMULATED_HOTSPOTS", 1200),
			Seed:             getEnvAsInt64("HOTSPOT_SEED", time.Now().UnixNano()),
		},
		Sessions: SessionConfig{
			IdleTTL: getEnvAsDuration("SESSION_IDLE_TTL", 30*time.Minute),
		},
		Dispatcher: DispatcherConfig{
			Workers:   getEnvAsInt("DISPATCHER_WORKERS", 8),
			QueueSize: getEnvAsInt("DISPATCHER_QUEUE_SIZE", 256),
			Timeout:   getEnvAsDuration("DISPATCHER_JOB_TIMEOUT", 90*time.Second),
		},
		Telegram: TelegramConfig{
			Token:    getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
			Cooldown: getEnvAsDuration("TELEGRAM_ALERT_COOLDOWN", 10*time.Minute),
		},
		Security: SecurityConfig{
			AdminSecretKey: getEnv("ADMIN_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", ",", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 1024*1024), // 1MB
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Cache: CacheConfig{
			MaxItems: getEnvAsInt("CACHE_MAX_ITEMS", 1000),
			TTL:      getEnvAsDuration("CACHE_TTL", 10*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	switch c.Hotspots.Source {
	case SourceBackend:
	case SourcePostGIS:
		if c.Hotspots.DatabaseURL == "" {
			errors = append(errors, "HOTSPOT_DATABASE_URL is required for the postgis source")
		}
	case SourceOverpass:
		if len(c.Hotspots.OverpassBoxes) == 0 {
			errors = append(errors, "OVERPASS_BBOXES is required for the overpass source")
		}
	case SourceSimulated:
		if c.Hotspots.SimulatedTotal <= 0 {
			errors = append(errors, "simulated hotspot count must be positive")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown hotspot source %q", c.Hotspots.Source))
	}

	// feeds and analyses always come from the backend
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, "backend base URL must be an absolute URL")
	}

	if c.Backend.MaxRetries < 0 {
		errors = append(errors, "backend max retries must not be negative")
	}

	if c.Dispatcher.Workers < 1 {
		errors = append(errors, "dispatcher needs at least one worker")
	}

	if c.Dispatcher.QueueSize < 1 {
		errors = append(errors, "dispatcher queue size must be positive")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "CERT_FILE and KEY_FILE are required when HTTPS is enabled")
	}

	if c.Security.AdminSecretKey == "" {
		logger.Warn("Admin secret key not set, using random key")
	}

	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		logger.Warn("Telegram token set without TELEGRAM_CHAT_ID, risk alerts disabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key, separator string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, separator) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
