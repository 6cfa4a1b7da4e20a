// Package config loads lifeflow settings from a YAML file, LIFEFLOW_*
// environment variables and built-in defaults, in that order of
// precedence from last to first.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: store.dsn is read from
// LIFEFLOW_STORE_DSN.
const EnvPrefix = "LIFEFLOW"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type (
	// Config holds every lifeflow setting.
	Config struct {
		Log       LogConfig       `mapstructure:"log"`
		Store     StoreConfig     `mapstructure:"store"`
		Lock      LockConfig      `mapstructure:"lock"`
		Engine    EngineConfig    `mapstructure:"engine"`
		Worker    WorkerConfig    `mapstructure:"worker"`
		Retention RetentionConfig `mapstructure:"retention"`
		Server    ServerConfig    `mapstructure:"server"`
	}

	LogConfig struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	// StoreConfig selects the storage backend. Path is used by sqlite,
	// DSN by postgres.
	StoreConfig struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
		DSN    string `mapstructure:"dsn"`
	}

	// LockConfig enables the Redis instance lock when RedisAddr is set.
	LockConfig struct {
		RedisAddr string        `mapstructure:"redis_addr"`
		TTL       time.Duration `mapstructure:"ttl"`
	}

	EngineConfig struct {
		OrgID    string `mapstructure:"org_id"`
		MaxSteps int    `mapstructure:"max_steps"`
	}

	WorkerConfig struct {
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		TimerInterval  time.Duration `mapstructure:"timer_interval"`
		BatchSize      int           `mapstructure:"batch_size"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		Lease          time.Duration `mapstructure:"lease"`
		BackoffBase    time.Duration `mapstructure:"backoff_base"`
		BackoffMax     time.Duration `mapstructure:"backoff_max"`
		WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
		StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
		StuckInterval  time.Duration `mapstructure:"stuck_interval"`
	}

	// RetentionConfig drives the receipts pruner. An empty ArchiveURL
	// deletes without archiving.
	RetentionConfig struct {
		ReceiptAge    time.Duration `mapstructure:"receipt_age"`
		PruneInterval time.Duration `mapstructure:"prune_interval"`
		ArchiveURL    string        `mapstructure:"archive_url"`
		ArchivePrefix string        `mapstructure:"archive_prefix"`
	}

	ServerConfig struct {
		Addr string `mapstructure:"addr"`
	}
)

var (
	ErrInvalidDriver        = errors.New("store driver must be sqlite or postgres")
	ErrMissingPath          = errors.New("sqlite store requires store.path")
	ErrMissingDSN           = errors.New("postgres store requires store.dsn")
	ErrInvalidLogFormat     = errors.New("log format must be text or json")
	ErrInvalidBatchSize     = errors.New("worker batch size must be positive")
	ErrInvalidMaxAttempts   = errors.New("worker max attempts must be positive")
	ErrInvalidInterval      = errors.New("worker intervals must be positive")
	ErrInvalidBackoff       = errors.New("backoff base must be positive and <= backoff max")
	ErrInvalidRetention     = errors.New("retention receipt age must be positive")
	ErrInvalidMaxSteps      = errors.New("engine max steps cannot be negative")
	ErrInvalidLockTTL       = errors.New("lock ttl must be positive")
	ErrMissingOrgID         = errors.New("engine org id is required")
	ErrInvalidServerAddress = errors.New("server address is required")
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: DriverSQLite, Path: "lifeflow.db"},
		Lock:  LockConfig{TTL: 30 * time.Second},
		Engine: EngineConfig{
			OrgID:    "default",
			MaxSteps: 1000,
		},
		Worker: WorkerConfig{
			PollInterval:   time.Second,
			TimerInterval:  5 * time.Second,
			BatchSize:      10,
			MaxAttempts:    5,
			Lease:          5 * time.Minute,
			BackoffBase:    time.Second,
			BackoffMax:     5 * time.Minute,
			WebhookTimeout: 10 * time.Second,
			StuckThreshold: time.Hour,
			StuckInterval:  5 * time.Minute,
		},
		Retention: RetentionConfig{
			ReceiptAge:    30 * 24 * time.Hour,
			PruneInterval: time.Hour,
			ArchivePrefix: "receipts",
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load reads path (optional) and the environment over the defaults and
// validates the result. With no path, ./lifeflow.yaml is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("lifeflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("lock.redis_addr", d.Lock.RedisAddr)
	v.SetDefault("lock.ttl", d.Lock.TTL)

	v.SetDefault("engine.org_id", d.Engine.OrgID)
	v.SetDefault("engine.max_steps", d.Engine.MaxSteps)

	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.timer_interval", d.Worker.TimerInterval)
	v.SetDefault("worker.batch_size", d.Worker.BatchSize)
	v.SetDefault("worker.max_attempts", d.Worker.MaxAttempts)
	v.SetDefault("worker.lease", d.Worker.Lease)
	v.SetDefault("worker.backoff_base", d.Worker.BackoffBase)
	v.SetDefault("worker.backoff_max", d.Worker.BackoffMax)
	v.SetDefault("worker.webhook_timeout", d.Worker.WebhookTimeout)
	v.SetDefault("worker.stuck_threshold", d.Worker.StuckThreshold)
	v.SetDefault("worker.stuck_interval", d.Worker.StuckInterval)

	v.SetDefault("retention.receipt_age", d.Retention.ReceiptAge)
	v.SetDefault("retention.prune_interval", d.Retention.PruneInterval)
	v.SetDefault("retention.archive_url", d.Retention.ArchiveURL)
	v.SetDefault("retention.archive_prefix", d.Retention.ArchivePrefix)

	v.SetDefault("server.addr", d.Server.Addr)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return ErrMissingPath
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Store.Driver)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	if c.Engine.OrgID == "" {
		return ErrMissingOrgID
	}
	if c.Engine.MaxSteps < 0 {
		return ErrInvalidMaxSteps
	}
	if c.Lock.RedisAddr != "" && c.Lock.TTL <= 0 {
		return ErrInvalidLockTTL
	}

	w := c.Worker
	if w.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if w.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if w.PollInterval <= 0 || w.TimerInterval <= 0 || w.StuckInterval <= 0 || w.Lease <= 0 {
		return ErrInvalidInterval
	}
	if w.BackoffBase <= 0 || w.BackoffMax < w.BackoffBase {
		return ErrInvalidBackoff
	}

	if c.Retention.ReceiptAge <= 0 || c.Retention.PruneInterval <= 0 {
		return ErrInvalidRetention
	}
	if c.Server.Addr == "" {
		return ErrInvalidServerAddress
	}
	return nil
}
