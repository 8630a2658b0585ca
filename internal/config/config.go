package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Database DatabaseConfig
	LLM      LLMConfig
	Pipeline PipelineConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"postgres"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"funding_pipeline"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// LLMConfig holds the analysis-pass LLM provider configuration.
type LLMConfig struct {
	APIKey          string        `env:"LLM_API_KEY" envDefault:""`
	Model           string        `env:"LLM_MODEL" envDefault:"gemini-2.0-flash"`
	Timeout         time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
	MaxBatchSize    int           `env:"LLM_MAX_BATCH_SIZE" envDefault:"10"`
	NetworkDisabled bool          `env:"LLM_NETWORK_DISABLED" envDefault:"false"`
}

// IsConfigured returns true if the LLM provider can be called.
func (l *LLMConfig) IsConfigured() bool {
	if l.NetworkDisabled {
		return false
	}
	return l.APIKey != ""
}

// PipelineConfig controls chunking, worker concurrency, and retention
// behavior shared across the processing stages.
type PipelineConfig struct {
	// ChunkSize is the number of raw opportunities grouped into a single
	// processing job.
	ChunkSize int `env:"PIPELINE_CHUNK_SIZE" envDefault:"5"`

	// WorkerPoolSize is logged at startup only; the funding module runs a
	// single PipelineWorker whatever its value.
	WorkerPoolSize int `env:"PIPELINE_WORKER_POOL_SIZE" envDefault:"3"`

	// PollInterval is how often idle workers poll for pending jobs.
	PollInterval time.Duration `env:"PIPELINE_POLL_INTERVAL" envDefault:"2s"`

	// StageTimeout is parsed but not applied: no stage or job runs under
	// a timeout taken from it.
	StageTimeout time.Duration `env:"PIPELINE_STAGE_TIMEOUT" envDefault:"120s"`

	// MaxAttempts is parsed but not applied: a job's retry ceiling is
	// CreateJobParams.MaxRetries (3 when unset), and a failed job reaches
	// the dead letter state once its retry count hits that ceiling.
	MaxAttempts int `env:"PIPELINE_MAX_ATTEMPTS" envDefault:"5"`

	// StaleAfter is how long a job may sit in the processing state before
	// a recovery sweep resets it back to pending.
	StaleAfter time.Duration `env:"PIPELINE_STALE_AFTER" envDefault:"10m"`

	// RetentionDays controls how long completed jobs are kept before the
	// worker's cleanup sweep deletes them. Dead-letter jobs are not
	// removed by that sweep.
	RetentionDays int `env:"PIPELINE_RETENTION_DAYS" envDefault:"30"`

	// DuplicateTitleLengthThreshold is the title length a title must
	// exceed to take part in title-only duplicate matching.
	DuplicateTitleLengthThreshold int `env:"PIPELINE_DUPLICATE_TITLE_MIN_LEN" envDefault:"10"`

	// StalenessWindowDays bounds how long ago a persisted record may have
	// been updated before the duplicate detector classifies a match as
	// UPDATE even when the upstream timestamp is not newer. The worker
	// still applies its materiality check to such candidates.
	StalenessWindowDays int `env:"PIPELINE_STALENESS_WINDOW_DAYS" envDefault:"90"`

	// MaxZeroScoreComponents is the number of zero-valued core score
	// components tolerated before the filter stage excludes an opportunity.
	MaxZeroScoreComponents int `env:"PIPELINE_MAX_ZERO_SCORE_COMPONENTS" envDefault:"1"`
}

// NewConfig loads configuration from environment variables.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.Int("chunk_size", cfg.Pipeline.ChunkSize),
		slog.Int("worker_pool_size", cfg.Pipeline.WorkerPoolSize),
	)

	return cfg, nil
}
