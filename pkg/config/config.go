package config

import (
	"fmt"
	"time"

	"wellcall-backend/pkg/env"
)

// Mailbox backends
const (
	MailboxPostgres = "postgres"
	MailboxRedis    = "redis"
)

// Config holds all configuration for the call service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	SMTP     SMTPConfig
	Push     PushConfig
	JWT      JWTConfig
	Log      LogConfig
	Call     CallConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port               int
	Environment        string // development, staging, production
	ServiceName        string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	RateLimitPerMinute int // per participant, 0 disables
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
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

// SMTPConfig holds SMTP configuration for missed-call emails
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	AppURL   string
}

// PushConfig selects and configures the push provider
type PushConfig struct {
	Provider           string // mock, fcm, apns
	FCMProjectID       string
	FCMCredentialsPath string
	APNsBundleID       string
	APNsKeyPath        string
	APNsKeyID          string
	APNsTeamID         string
	APNsProduction     bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds the call relay settings
type CallConfig struct {
	Mailbox            string        // postgres, redis
	RingTimeout        time.Duration // ringing calls older than this are reaped as missed
	MaxDuration        time.Duration // active calls older than this are reaped as ended
	ReaperSchedule     string        // cron spec, "off" disables the reaper
	IncomingCacheTTL   time.Duration
	NotifyTimeout      time.Duration
	HistoryDefaultSize int
	HistoryMaxSize     int
	EventsMaxConns     int // WebSocket event streams, redis mailbox only
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8083),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:8080",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:8080",
			}),
			RequestTimeout:     env.GetDuration("REQUEST_TIMEOUT", 15*time.Second),
			RateLimitPerMinute: env.GetInt("RATE_LIMIT_PER_MINUTE", 600),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "wellcall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     env.GetString("SMTP_HOST", ""),
			Port:     env.GetInt("SMTP_PORT", 587),
			Username: env.GetString("SMTP_USERNAME", ""),
			Password: env.GetStringFromFile("SMTP_PASSWORD", ""),
			From:     env.GetString("SMTP_FROM", "noreply@wellcall.local"),
			AppURL:   env.GetString("APP_URL", "http://localhost:3000"),
		},
		Push: PushConfig{
			Provider:           env.GetString("PUSH_PROVIDER", "mock"),
			FCMProjectID:       env.GetStringFromFile("FCM_PROJECT_ID", ""),
			FCMCredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			APNsBundleID:       env.GetString("APNS_BUNDLE_ID", ""),
			APNsKeyPath:        env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
			APNsProduction:     env.GetBool("APNS_PRODUCTION", false),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "wellcall-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: CallConfig{
			Mailbox:            env.GetString("CALL_MAILBOX", MailboxPostgres),
			RingTimeout:        env.GetDuration("CALL_RING_TIMEOUT", 2*time.Minute),
			MaxDuration:        env.GetDuration("CALL_MAX_DURATION", 4*time.Hour),
			ReaperSchedule:     env.GetString("CALL_REAPER_SCHEDULE", "@every 1m"),
			IncomingCacheTTL:   env.GetDuration("CALL_INCOMING_CACHE_TTL", 3*time.Second),
			NotifyTimeout:      env.GetDuration("CALL_NOTIFY_TIMEOUT", 10*time.Second),
			HistoryDefaultSize: 20,
			HistoryMaxSize:     100,
			EventsMaxConns:     env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with ENV=production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.IsProduction() && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	switch c.Call.Mailbox {
	case MailboxPostgres, MailboxRedis:
	default:
		return fmt.Errorf("CALL_MAILBOX must be %q or %q, got %q", MailboxPostgres, MailboxRedis, c.Call.Mailbox)
	}

	if c.Call.RingTimeout <= 0 || c.Call.MaxDuration <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT and CALL_MAX_DURATION must be positive")
	}

	if c.IsProduction() && c.Push.Provider == "mock" {
		return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
	}

	return nil
}
