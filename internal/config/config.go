package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Search    SearchConfig    `yaml:"search"`
	Redis     RedisConfig     `yaml:"redis"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"             env:"DATABASE_DRIVER"             env-default:"postgres"`
	DSN             string        `yaml:"dsn"                env:"DATABASE_URL"                env-default:"postgres://h:h@localhost:5432/h?sslmode=disable"`
	MaxConns        int32         `yaml:"max_conns"          env:"DATABASE_MAX_CONNS"          env-default:"20"`
	MinConns        int32         `yaml:"min_conns"          env:"DATABASE_MIN_CONNS"          env-default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"DATABASE_MAX_CONN_LIFETIME"  env-default:"30m"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"5m"`
}

type SearchConfig struct {
	MeiliURL       string `yaml:"meili_url"        env:"MEILI_URL"               env-default:"http://localhost:7700"`
	MeiliMasterKey string `yaml:"meili_master_key" env:"MEILI_MASTER_KEY"`
	Index          string `yaml:"index"            env:"SEARCH_INDEX"            env-default:"annotations"`
	ChunkSize      int    `yaml:"chunk_size"       env:"SEARCH_CHUNK_SIZE"       env-default:"500"`
	ScanBatchSize  int    `yaml:"scan_batch_size"  env:"SEARCH_SCAN_BATCH_SIZE"  env-default:"2000"`
	ReplyPageSize  int    `yaml:"reply_page_size"  env:"SEARCH_REPLY_PAGE_SIZE"  env-default:"200"`
	MaxTotalHits   int64  `yaml:"max_total_hits"   env:"SEARCH_MAX_TOTAL_HITS"   env-default:"100000"`
}

type RedisConfig struct {
	URL     string `yaml:"url"     env:"REDIS_URL"     env-default:"redis://localhost:6379/0"`
	Channel string `yaml:"channel" env:"REDIS_CHANNEL" env-default:"annotation-events"`
}

// ArchiveConfig points at the object store that keeps reconciliation reports.
// An empty endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"   env:"ARCHIVE_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ARCHIVE_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"ARCHIVE_SECRET_KEY"`
	Bucket    string `yaml:"bucket"     env:"ARCHIVE_BUCKET"     env-default:"h-reconcile"`
	UseSSL    bool   `yaml:"use_ssl"    env:"ARCHIVE_USE_SSL"    env-default:"false"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL" env-default:"1h"`
}

type LogConfig struct {
	Mode string `yaml:"mode" env:"LOG_MODE" env-default:"development"`
}

// Load reads configuration from an optional YAML file and the environment.
// ENV overrides YAML, which overrides the env-default tags. The file comes
// from CONFIG_PATH, falling back to ./config.yaml when present.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, memory", c.Database.Driver))
	}
	if c.Search.ChunkSize <= 0 {
		errs = append(errs, errors.New("search.chunk_size must be positive"))
	}
	if c.Search.ScanBatchSize <= 0 {
		errs = append(errs, errors.New("search.scan_batch_size must be positive"))
	}
	if c.Search.ReplyPageSize <= 0 {
		errs = append(errs, errors.New("search.reply_page_size must be positive"))
	}
	if c.Search.MaxTotalHits <= 0 {
		errs = append(errs, errors.New("search.max_total_hits must be positive"))
	}
	if c.Reconcile.Interval < 0 {
		errs = append(errs, errors.New("reconcile.interval must not be negative"))
	}
	return errors.Join(errs...)
}
