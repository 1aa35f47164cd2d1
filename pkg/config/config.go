// Package config loads application configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Discord   DiscordConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	LogLevel  string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for probes and scraping)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional Redis connection used by the distributed
// rate limiter. An empty Addr falls back to the in-process limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds identity settings. BotSecret may be empty, which
// disables the bot trust tier entirely.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	BotSecret string
}

// DiscordConfig holds the optional guild member sync settings.
type DiscordConfig struct {
	BotToken     string
	GuildID      string
	SyncInterval time.Duration
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
	LocalCacheSize    int
}

// AuditConfig holds audit log retention settings.
type AuditConfig struct {
	RetentionDays   int
	CleanupSchedule string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("WIKIBOT_HOST", "0.0.0.0"),
			Port:            getEnv("WIKIBOT_PORT", "8080"),
			ReadTimeout:     getEnvDuration("WIKIBOT_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("WIKIBOT_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("WIKIBOT_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("WIKIBOT_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("WIKIBOT_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("WIKIBOT_DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("WIKIBOT_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("WIKIBOT_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("WIKIBOT_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("WIKIBOT_REDIS_ADDR", ""),
			Password: getEnv("WIKIBOT_REDIS_PASSWORD", ""),
			DB:       getEnvInt("WIKIBOT_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("WIKIBOT_JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("WIKIBOT_TOKEN_TTL", 24*time.Hour),
			BotSecret: getEnv("WIKIBOT_BOT_SECRET", ""),
		},
		Discord: DiscordConfig{
			BotToken:     getEnv("WIKIBOT_DISCORD_TOKEN", ""),
			GuildID:      getEnv("WIKIBOT_DISCORD_GUILD_ID", ""),
			SyncInterval: getEnvDuration("WIKIBOT_DISCORD_SYNC_INTERVAL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("WIKIBOT_RATE_LIMIT_REQUESTS", 300),
			WindowDuration:    getEnvDuration("WIKIBOT_RATE_LIMIT_WINDOW", time.Minute),
			LocalCacheSize:    getEnvInt("WIKIBOT_RATE_LIMIT_CACHE_SIZE", 10000),
		},
		Audit: AuditConfig{
			RetentionDays:   getEnvInt("WIKIBOT_AUDIT_RETENTION_DAYS", 365),
			CleanupSchedule: getEnv("WIKIBOT_AUDIT_CLEANUP_SCHEDULE", "0 3 * * *"),
		},
		LogLevel: getEnv("WIKIBOT_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("WIKIBOT_DATABASE_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("WIKIBOT_JWT_SECRET is required")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("WIKIBOT_AUDIT_RETENTION_DAYS must be positive")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("WIKIBOT_RATE_LIMIT_REQUESTS must be positive")
	}
	if c.Discord.BotToken != "" && c.Discord.GuildID == "" {
		return fmt.Errorf("WIKIBOT_DISCORD_GUILD_ID is required when a Discord token is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
