package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SOCIALLY"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "socially.db"
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 5
	defaultLogLevel        = "info"
	defaultEnvironment     = "development"
	defaultCookieName      = "app_session"
	defaultSessionIssuer   = "tauth"
	defaultSessionTTL      = 60 * time.Minute
	defaultRedisURL        = "redis://localhost:6379/0"
	defaultAllowedOrigin   = "*"
	minSigningSecretLength = 16
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	Environment    string
	LogLevel       string
	Database       DatabaseConfig
	Redis          RedisConfig
	Session        SessionConfig
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Driver       string
	Path         string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig controls the feed invalidation channel.
type RedisConfig struct {
	Enabled bool
	URL     string
}

// SessionConfig describes how identity-provider sessions are validated.
type SessionConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
	TTL           time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("app.environment", defaultEnvironment)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	configViper.SetDefault("redis.enabled", false)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		Environment:    configViper.GetString("app.environment"),
		LogLevel:       configViper.GetString("log.level"),
		Database: DatabaseConfig{
			Driver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:         configViper.GetString("database.path"),
			DSN:          configViper.GetString("database.dsn"),
			MaxOpenConns: configViper.GetInt("database.max_open_conns"),
			MaxIdleConns: configViper.GetInt("database.max_idle_conns"),
		},
		Redis: RedisConfig{
			Enabled: configViper.GetBool("redis.enabled"),
			URL:     configViper.GetString("redis.url"),
		},
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			Issuer:        configViper.GetString("session.issuer"),
			CookieName:    configViper.GetString("session.cookie_name"),
			TTL:           configViper.GetDuration("session.ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.Session.SigningSecret)) < minSigningSecretLength {
		return fmt.Errorf("session.signing_secret must be at least %d characters", minSigningSecretLength)
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.Session.Issuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
