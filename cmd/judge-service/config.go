package main

import (
	"fmt"
	"os"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/pool"
	"codejudge/internal/judge/progress"
	"codejudge/internal/judge/queue"
	"codejudge/internal/judge/runner/judge0"
	"codejudge/internal/judge/runner/relational"
	"codejudge/internal/judge/runner/tabular"
	"codejudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultStatusTTL       = 24 * time.Hour
	defaultStoreTimeout    = 5 * time.Second
	defaultFinalTopic      = "judge.status.final"
	defaultDatasetPrefix   = "datasets/"
	defaultProblemCacheTTL = 30 * time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DatabaseConfig holds MySQL settings plus schema management.
type DatabaseConfig struct {
	db.MySQLConfig `yaml:",inline"`
	// AutoMigrate creates missing tables at startup.
	AutoMigrate bool `yaml:"autoMigrate"`
}

// KafkaConfig holds final-status publishing settings. Publishing is
// disabled when no brokers are configured.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`
	FinalTopic     string `yaml:"finalTopic"`
}

// ProgressConfig holds websocket and fanout settings.
type ProgressConfig struct {
	progress.SocketConfig `yaml:",inline"`
	ChannelPrefix         string `yaml:"channelPrefix"`
}

// StatusConfig holds status cache settings.
type StatusConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	StoreTimeout time.Duration `yaml:"storeTimeout"`
}

// DatasetConfig locates dataset objects.
type DatasetConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// ProblemConfig holds problem cache settings.
type ProblemConfig struct {
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	EmptyCacheTTL time.Duration `yaml:"emptyCacheTTL"`
}

// RunnersConfig holds execution backend settings. A backend without its
// required settings is not registered.
type RunnersConfig struct {
	Judge0     judge0.Config     `yaml:"judge0"`
	Relational relational.Config `yaml:"relational"`
	Tabular    tabular.Config    `yaml:"tabular"`
	// Disabled lists languages that are never registered.
	Disabled []string `yaml:"disabled"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Database DatabaseConfig      `yaml:"database"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	Queue    queue.Config        `yaml:"queue"`
	Pool     pool.Config         `yaml:"pool"`
	Runners  RunnersConfig       `yaml:"runners"`
	Progress ProgressConfig      `yaml:"progress"`
	Status   StatusConfig        `yaml:"status"`
	Dataset  DatasetConfig       `yaml:"dataset"`
	Problem  ProblemConfig       `yaml:"problem"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.Progress.JWTSecret == "" {
		return fmt.Errorf("progress jwtSecret is required")
	}
	cfg.Redis.ApplyDefaults()
	applyMySQLDefaults(&cfg.Database.MySQLConfig)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.Queue.ApplyDefaults()
	cfg.Pool.ApplyDefaults()
	if cfg.Queue.VisibilityTimeout <= cfg.Pool.JobTimeout {
		return fmt.Errorf("queue visibilityTimeout (%s) must exceed pool jobTimeout (%s)", cfg.Queue.VisibilityTimeout, cfg.Pool.JobTimeout)
	}

	if cfg.Runners.Judge0.BaseURL != "" {
		cfg.Runners.Judge0.ApplyDefaults()
	}
	if cfg.Kafka.FinalTopic == "" {
		cfg.Kafka.FinalTopic = defaultFinalTopic
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Status.StoreTimeout == 0 {
		cfg.Status.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Dataset.Bucket == "" {
		cfg.Dataset.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Dataset.Prefix == "" {
		cfg.Dataset.Prefix = defaultDatasetPrefix
	}
	if cfg.Problem.CacheTTL == 0 {
		cfg.Problem.CacheTTL = defaultProblemCacheTTL
	}
	if cfg.Problem.EmptyCacheTTL == 0 {
		cfg.Problem.EmptyCacheTTL = cfg.Problem.CacheTTL / 6
	}
	return nil
}

func applyMySQLDefaults(cfg *db.MySQLConfig) {
	defaults := db.DefaultMySQLConfig()
	if cfg.MaxOpenConnections == 0 {
		cfg.MaxOpenConnections = defaults.MaxOpenConnections
	}
	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = defaults.MaxIdleConnections
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
}
