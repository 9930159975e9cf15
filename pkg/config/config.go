// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Indexer, Builder, Search, DocStore,
// Analytics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Builder   BuilderConfig   `yaml:"builder"`
	Search    SearchConfig    `yaml:"search"`
	DocStore  DocStoreConfig  `yaml:"docstore"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
	// UploadsPerMinute caps write requests per client address; 0 disables it.
	UploadsPerMinute int      `yaml:"uploadsPerMinute"`
	AllowOrigins     []string `yaml:"allowOrigins"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. The upload consumer and
// the flush notifier only run when Enabled is set.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Uploads         string `yaml:"uploads"`
	IndexFlushed    string `yaml:"indexFlushed"`
	AnalyticsEvents string `yaml:"analyticsEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexerConfig controls where segments live, how often the working buffer
// is flushed and how segment files are encoded.
type IndexerConfig struct {
	DataDir            string        `yaml:"dataDir"`
	MainName           string        `yaml:"mainName"`
	FlushInterval      time.Duration `yaml:"flushInterval"`
	FlushRetryAttempts int           `yaml:"flushRetryAttempts"`
	Compression        string        `yaml:"compression"`
	MergeIOLimit       int           `yaml:"mergeIOLimit"`
	BloomFalsePositive float64       `yaml:"bloomFalsePositive"`
	TopK               int           `yaml:"topK"`
}

// BuilderConfig sizes the parallel bulk builder.
type BuilderConfig struct {
	Workers       int    `yaml:"workers"`
	QueueCapacity int    `yaml:"queueCapacity"`
	OutputName    string `yaml:"outputName"`
}

// SearchConfig controls result filtering and page sizes.
type SearchConfig struct {
	MinScore     uint32 `yaml:"minScore"`
	DefaultLimit int    `yaml:"defaultLimit"`
	MaxResults   int    `yaml:"maxResults"`
}

// DocStoreConfig selects the document store backend.
type DocStoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AnalyticsConfig controls search and upload event collection. Events go
// to Kafka when kafka is enabled; totals are snapshotted to PostgreSQL when
// the document store runs on it.
type AnalyticsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BufferSize       int           `yaml:"bufferSize"`
	BatchSize        int           `yaml:"batchSize"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects settings the index cannot run with.
func (c *Config) Validate() error {
	if c.Indexer.DataDir == "" {
		return fmt.Errorf("indexer.dataDir is required")
	}
	if c.Indexer.MainName == "" {
		return fmt.Errorf("indexer.mainName is required")
	}
	switch c.Indexer.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("indexer.compression must be one of none, zstd, lz4 (got %q)", c.Indexer.Compression)
	}
	if c.Builder.Workers <= 0 {
		return fmt.Errorf("builder.workers must be positive")
	}
	if c.Builder.QueueCapacity <= 0 {
		return fmt.Errorf("builder.queueCapacity must be positive")
	}
	switch c.DocStore.Driver {
	case "bolt", "postgres":
	default:
		return fmt.Errorf("docstore.driver must be bolt or postgres (got %q)", c.DocStore.Driver)
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			ShutdownTimeout:  15 * time.Second,
			MaxUploadBytes:   32 << 20,
			UploadsPerMinute: 120,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "imgrepo",
			User:            "imgrepo",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "imgrepo-indexer",
			Topics: KafkaTopics{
				Uploads:         "picture-uploads",
				IndexFlushed:    "index-flushed",
				AnalyticsEvents: "analytics-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Indexer: IndexerConfig{
			DataDir:            "testfile",
			MainName:           "main",
			FlushInterval:      30 * time.Second,
			FlushRetryAttempts: 3,
			Compression:        "zstd",
			BloomFalsePositive: 0.01,
			TopK:               40,
		},
		Builder: BuilderConfig{
			Workers:       15,
			QueueCapacity: 50,
			OutputName:    "par-index",
		},
		Search: SearchConfig{
			MinScore:     4,
			DefaultLimit: 20,
			MaxResults:   40,
		},
		DocStore: DocStoreConfig{
			Driver: "bolt",
			Path:   "testfile/test-imgrepo.db",
		},
		Analytics: AnalyticsConfig{
			Enabled:          true,
			BufferSize:       10000,
			BatchSize:        100,
			FlushInterval:    5 * time.Second,
			SnapshotInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads IMGREPO_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IMGREPO_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("IMGREPO_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("IMGREPO_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("IMGREPO_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("IMGREPO_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("IMGREPO_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("IMGREPO_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = parseBool(v, cfg.Kafka.Enabled)
	}
	if v := os.Getenv("IMGREPO_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("IMGREPO_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = parseBool(v, cfg.Redis.Enabled)
	}
	if v := os.Getenv("IMGREPO_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("IMGREPO_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("IMGREPO_INDEXER_DATA_DIR"); v != "" {
		cfg.Indexer.DataDir = v
	}
	if v := os.Getenv("IMGREPO_INDEXER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.FlushInterval = d
		}
	}
	if v := os.Getenv("IMGREPO_INDEXER_COMPRESSION"); v != "" {
		cfg.Indexer.Compression = v
	}
	if v := os.Getenv("IMGREPO_BUILDER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Builder.Workers = n
		}
	}
	if v := os.Getenv("IMGREPO_BUILDER_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Builder.QueueCapacity = n
		}
	}
	if v := os.Getenv("IMGREPO_DOCSTORE_DRIVER"); v != "" {
		cfg.DocStore.Driver = v
	}
	if v := os.Getenv("IMGREPO_DOCSTORE_PATH"); v != "" {
		cfg.DocStore.Path = v
	}
	if v := os.Getenv("IMGREPO_ANALYTICS_ENABLED"); v != "" {
		cfg.Analytics.Enabled = parseBool(v, cfg.Analytics.Enabled)
	}
	if v := os.Getenv("IMGREPO_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("IMGREPO_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
