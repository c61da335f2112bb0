package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alecgard/keypool/internal/usage"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Pool     PoolConfig     `yaml:"pool"`
	Reset    ResetConfig    `yaml:"reset"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Pricing  usage.Pricing  `yaml:"pricing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// URL is a postgres connection string or a SQLite file path.
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type CryptoConfig struct {
	Key        string `yaml:"key"` // hex, 32 bytes
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

type PoolConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type ResetConfig struct {
	Enabled bool          `yaml:"enabled"`
	At      string        `yaml:"at"` // "HH:MM", UTC
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// RedisConfig is optional. With an empty Addr the daily reset runs without a
// cross-instance lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   DriverSQLite,
			URL:      "keypool.db",
			MaxConns: 10,
		},
		Crypto: CryptoConfig{
			Salt: "keypool",
		},
		Pool: PoolConfig{
			MaxAttempts: 3,
		},
		Reset: ResetConfig{
			Enabled: true,
			At:      "00:00",
			LockTTL: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"KEYPOOL_DATABASE_DRIVER":       &cfg.Database.Driver,
		"KEYPOOL_DATABASE_URL":          &cfg.Database.URL,
		"KEYPOOL_HOST":                  &cfg.Server.Host,
		"KEYPOOL_ENCRYPTION_KEY":        &cfg.Crypto.Key,
		"KEYPOOL_ENCRYPTION_PASSPHRASE": &cfg.Crypto.Passphrase,
		"KEYPOOL_REDIS_ADDR":            &cfg.Redis.Addr,
		"KEYPOOL_LOG_LEVEL":             &cfg.Log.Level,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("KEYPOOL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KEYPOOL_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be %q or %q", c.Database.Driver, DriverPostgres, DriverSQLite))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Crypto.Key == "" && c.Crypto.Passphrase != "" && c.Crypto.Salt == "" {
		errs = append(errs, errors.New("crypto.salt is required with crypto.passphrase"))
	}
	if c.Pool.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pool.max_attempts must be at least 1, got %d", c.Pool.MaxAttempts))
	}
	if _, err := c.ResetAt(); err != nil {
		errs = append(errs, err)
	}
	if c.Reset.LockTTL <= 0 {
		errs = append(errs, errors.New("reset.lock_ttl must be positive"))
	}
	for model, p := range c.Pricing {
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			errs = append(errs, fmt.Errorf("pricing.%s: prices must not be negative", model))
		}
	}

	return errors.Join(errs...)
}

// ResetAt parses reset.at into an offset from UTC midnight.
func (c *Config) ResetAt() (time.Duration, error) {
	t, err := time.Parse("15:04", c.Reset.At)
	if err != nil {
		return 0, fmt.Errorf("reset.at %q: want HH:MM", c.Reset.At)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
