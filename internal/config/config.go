package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Worker   WorkerConfig   `yaml:"worker" mapstructure:"worker"`
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"` // sqlite file path
}

// QueueConfig configures the queue fabric and its broker.
type QueueConfig struct {
	Broker                     string `yaml:"broker" mapstructure:"broker"` // "memory" or "postgres"
	DatabaseURL                string `yaml:"database_url" mapstructure:"database_url"`
	MaxAttempts                int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSecs            int    `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	CompletedRetentionCount    int    `yaml:"completed_retention_count" mapstructure:"completed_retention_count"`
	CompletedRetentionAgeHours int    `yaml:"completed_retention_age_hours" mapstructure:"completed_retention_age_hours"`
	FailedRetentionAgeHours    int    `yaml:"failed_retention_age_hours" mapstructure:"failed_retention_age_hours"`
	ActiveLeaseSecs            int    `yaml:"active_lease_secs" mapstructure:"active_lease_secs"`

	// OverridesPath points at a YAML file of per-queue policy overrides,
	// keyed by queue name. Empty means every queue uses the shared policy.
	OverridesPath string `yaml:"overrides_path" mapstructure:"overrides_path"`
}

// QueueOverride tunes a single queue away from the shared policy. Zero
// fields keep the shared value.
type QueueOverride struct {
	MaxAttempts                int `yaml:"max_attempts"`
	BackoffBaseSecs            int `yaml:"backoff_base_secs"`
	CompletedRetentionCount    int `yaml:"completed_retention_count"`
	CompletedRetentionAgeHours int `yaml:"completed_retention_age_hours"`
	FailedRetentionAgeHours    int `yaml:"failed_retention_age_hours"`
	ActiveLeaseSecs            int `yaml:"active_lease_secs"`
}

// LoadQueueOverrides reads a per-queue override file. The file maps queue
// names to QueueOverride blocks:
//
//	report-generation:
//	  max_attempts: 5
//	  backoff_base_secs: 10
func LoadQueueOverrides(path string) (map[string]QueueOverride, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read queue overrides %s", path)
	}

	overrides := make(map[string]QueueOverride)
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, eris.Wrapf(err, "config: parse queue overrides %s", path)
	}
	return overrides, nil
}

// WorkerConfig configures the stage worker pool.
type WorkerConfig struct {
	Concurrency           int `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalMS        int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	RatePerSec            int `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MinEvidenceStages     int `yaml:"min_evidence_stages" mapstructure:"min_evidence_stages"`
	ReportWaitTimeoutSecs int `yaml:"report_wait_timeout_secs" mapstructure:"report_wait_timeout_secs"`
}

// AnalysisConfig holds settings for the external analysis collaborators.
type AnalysisConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DILIGENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "diligence.db")
	v.SetDefault("queue.broker", "memory")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_secs", 2)
	v.SetDefault("queue.completed_retention_count", 1000)
	v.SetDefault("queue.completed_retention_age_hours", 24)
	v.SetDefault("queue.failed_retention_age_hours", 168)
	v.SetDefault("queue.active_lease_secs", 900)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.rate_per_sec", 5)
	v.SetDefault("worker.min_evidence_stages", 1)
	v.SetDefault("worker.report_wait_timeout_secs", 600)
	v.SetDefault("analysis.base_url", "http://localhost:9090")
	v.SetDefault("analysis.timeout_secs", 120)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
