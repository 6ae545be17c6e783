package config

import (
	"fmt"
	"time"

	"teleconsult-backend/pkg/constants"
	"teleconsult-backend/pkg/env"
)

// Config holds all configuration for the signaling service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Signaling SignalingConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	MaxConns   int
	MinConns   int
	MaxRetries int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SignalingConfig holds the socket hub and chat store settings
type SignalingConfig struct {
	MaxConnections    int
	SendBuffer        int
	ChatCacheTTL      time.Duration
	LocalCacheCleanup time.Duration // sweep interval of the in-process cache fallback
}

// RateLimitConfig bounds HTTP write requests per client IP
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8083),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "signaling-service"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://127.0.0.1:3000",
			}),
			RequestTimeout: env.GetDuration("HTTP_REQUEST_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:       env.GetString("DB_HOST", "localhost"),
			Port:       env.GetInt("DB_PORT", 26257),
			User:       env.GetString("DB_USER", "root"),
			Password:   env.GetStringFromFile("DB_PASSWORD", ""),
			Database:   env.GetString("DB_NAME", "teleconsult"),
			SSLMode:    env.GetString("DB_SSL_MODE", "disable"),
			MaxConns:   env.GetInt("DB_MAX_CONNS", 25),
			MinConns:   env.GetInt("DB_MIN_CONNS", 5),
			MaxRetries: env.GetInt("DB_MAX_RETRIES", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Log: LogConfig{
			Level:      env.GetString("LOG_LEVEL", "info"),
			Format:     env.GetString("LOG_FORMAT", "json"),
			Output:     env.GetString("LOG_OUTPUT", "stdout"),
			FilePath:   env.GetString("LOG_FILE_PATH", "/logs/signaling.log"),
			MaxSizeMB:  env.GetInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: env.GetInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: env.GetInt("LOG_MAX_AGE_DAYS", 14),
		},
		Signaling: SignalingConfig{
			MaxConnections:    env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", constants.DefaultMaxConnections),
			SendBuffer:        env.GetInt("WS_SEND_BUFFER", constants.WebSocketSendBuffer),
			ChatCacheTTL:      env.GetDuration("CHAT_CACHE_TTL", constants.ChatSnapshotTTL),
			LocalCacheCleanup: env.GetDuration("CHAT_LOCAL_CACHE_CLEANUP", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:           env.GetBool("RATE_LIMIT_ENABLED", true),
			RequestsPerWindow: env.GetInt("RATE_LIMIT_REQUESTS", 120),
			Window:            env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Server.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Server.Environment)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Server.Port)
	}
	if c.Signaling.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_SIGNALING_CONNECTIONS must be positive")
	}
	if c.Signaling.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	if c.Signaling.ChatCacheTTL <= 0 {
		return fmt.Errorf("CHAT_CACHE_TTL must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("HTTP_REQUEST_TIMEOUT must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window < time.Second) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive and RATE_LIMIT_WINDOW at least 1s")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Server.Environment == "production" && c.Log.Format != "json" {
		return fmt.Errorf("LOG_FORMAT must be json in production")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
