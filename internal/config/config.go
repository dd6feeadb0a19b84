// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Service    ServiceConfig
	Server     ServerConfig
	Database   DatabaseConfig
	WeCom      WeComConfig
	NATS       NATSConfig
	Reconciler ReconcilerConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// DSN renders the pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// WeComConfig holds credentials for the external approval platform.
type WeComConfig struct {
	BaseURL        string
	CorpID         string
	AgentID        string
	CorpSecret     string
	CallbackToken  string // shared secret for msg_signature
	EncodingAESKey string // 43-char base64 key for callback AES-CBC
	TemplateID     string // approval template used for submissions
}

// NATSConfig holds the optional notification transport settings.
type NATSConfig struct {
	URL string // empty disables NATS notifications
}

// ReconcilerConfig controls the compensation sweep.
type ReconcilerConfig struct {
	Interval       time.Duration
	StuckThreshold time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "quote-approval-service"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "quotes"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		WeCom: WeComConfig{
			BaseURL:        getEnv("WECOM_BASE_URL", "https://qyapi.weixin.qq.com"),
			CorpID:         os.Getenv("WECOM_CORP_ID"),
			AgentID:        os.Getenv("WECOM_AGENT_ID"),
			CorpSecret:     os.Getenv("WECOM_CORP_SECRET"),
			CallbackToken:  os.Getenv("WECOM_CALLBACK_TOKEN"),
			EncodingAESKey: os.Getenv("WECOM_ENCODING_AES_KEY"),
			TemplateID:     os.Getenv("WECOM_APPROVAL_TEMPLATE_ID"),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
		Reconciler: ReconcilerConfig{
			Interval:       getEnvDuration("RECONCILE_INTERVAL", 2*time.Minute),
			StuckThreshold: getEnvDuration("RECONCILE_STUCK_THRESHOLD", 10*time.Minute),
		},
	}

	if cfg.WeCom.CorpID == "" {
		return nil, fmt.Errorf("WECOM_CORP_ID is required")
	}
	if cfg.WeCom.CallbackToken == "" || cfg.WeCom.EncodingAESKey == "" {
		return nil, fmt.Errorf("WECOM_CALLBACK_TOKEN and WECOM_ENCODING_AES_KEY are required")
	}
	if len(cfg.WeCom.EncodingAESKey) != 43 {
		return nil, fmt.Errorf("WECOM_ENCODING_AES_KEY must be 43 characters, got %d", len(cfg.WeCom.EncodingAESKey))
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
