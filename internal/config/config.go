package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      int
		JWTSecret string `mapstructure:"jwt_secret"`
		// AuthEnabled protects /api/v1 with bearer tokens.
		AuthEnabled bool `mapstructure:"auth_enabled"`
	}
	Database struct {
		Driver string
		Path   string
		DSN    string
	}
	Log struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int `mapstructure:"max_size_mb"`
		MaxBackups int `mapstructure:"max_backups"`
		MaxAgeDays int `mapstructure:"max_age_days"`
	}
	Monitor struct {
		Enabled             bool
		SweepInterval       time.Duration `mapstructure:"sweep_interval"`
		HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
		SweepConcurrency    int           `mapstructure:"sweep_concurrency"`
	}
	Lock struct {
		Backend string
		TTL     time.Duration
		Redis   struct {
			Addr     string
			Password string
			DB       int
		}
	}
	Notify struct {
		RatePerSecond float64       `mapstructure:"rate_per_second"`
		RetryAttempts int           `mapstructure:"retry_attempts"`
		RetryDelay    time.Duration `mapstructure:"retry_delay"`
		Slack         struct {
			Token   string
			Channel string
		}
		Email struct {
			SMTPHost string `mapstructure:"smtp_host"`
			SMTPPort int    `mapstructure:"smtp_port"`
			From     string
			Password string
		}
		SMS struct {
			AccountSID string `mapstructure:"account_sid"`
			AuthToken  string `mapstructure:"auth_token"`
			FromNumber string `mapstructure:"from_number"`
		}
		Telegram struct {
			BotToken string `mapstructure:"bot_token"`
			ChatID   int64  `mapstructure:"chat_id"`
		}
	}
	Events struct {
		KafkaBrokers []string `mapstructure:"kafka_brokers"`
		KafkaTopic   string   `mapstructure:"kafka_topic"`
	}
	Voice struct {
		Enabled       bool
		AccountSID    string        `mapstructure:"account_sid"`
		AuthToken     string        `mapstructure:"auth_token"`
		FromNumber    string        `mapstructure:"from_number"`
		PublicBaseURL string        `mapstructure:"public_base_url"`
		CallTimeout   time.Duration `mapstructure:"call_timeout"`
	}
	Report struct {
		From       string
		Recipients []string
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/storehealth.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.sweep_interval", 15*time.Minute)
	v.SetDefault("monitor.health_check_interval", time.Hour)
	v.SetDefault("monitor.sweep_concurrency", 8)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("notify.rate_per_second", 5.0)
	v.SetDefault("notify.retry_attempts", 3)
	v.SetDefault("notify.retry_delay", time.Second)
	v.SetDefault("notify.email.smtp_port", 587)
	v.SetDefault("events.kafka_topic", "store-health-events")
	v.SetDefault("voice.call_timeout", 30*time.Second)
}

// LoadConfig reads config.yaml from path (or ./ and ./config when path is
// empty), a .env file if one exists, and STOREHEALTH_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("STOREHEALTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("lock.redis.addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unsupported lock backend: %s", c.Lock.Backend)
	}

	if c.Server.AuthEnabled && c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required when auth is enabled")
	}
	if c.Monitor.SweepConcurrency < 1 {
		c.Monitor.SweepConcurrency = 1
	}
	return nil
}
