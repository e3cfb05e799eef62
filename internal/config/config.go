package config

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// SourceConfig points at the dialer's read-only operational database.
type SourceConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	DSN          string        `yaml:"dsn" mapstructure:"dsn"`
	RecordPrefix string        `yaml:"record_prefix" mapstructure:"record_prefix"`
	DetailPrefix string        `yaml:"detail_prefix" mapstructure:"detail_prefix"`
	NumberPrefix string        `yaml:"number_prefix" mapstructure:"number_prefix"`
	GroupTable   string        `yaml:"group_table" mapstructure:"group_table"`
	PingTimeout  time.Duration `yaml:"ping_timeout" mapstructure:"ping_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

// StoreConfig configures the enriched/snapshot database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ClassifierConfig selects and configures the sentiment/risk classifier.
type ClassifierConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	Model       string  `yaml:"model" mapstructure:"model"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	LexiconPath string  `yaml:"lexicon_path" mapstructure:"lexicon_path"`
}

// EnrichConfig bounds the enrichment worker pool.
type EnrichConfig struct {
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConcurrency   int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	RatePerSecond    float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst            int           `yaml:"burst" mapstructure:"burst"`
	CallTimeout      time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	ClaimLease       time.Duration `yaml:"claim_lease" mapstructure:"claim_lease"`
	MaxDialogueTurns int           `yaml:"max_dialogue_turns" mapstructure:"max_dialogue_turns"`
	DefaultLimit     int           `yaml:"default_limit" mapstructure:"default_limit"`
}

// RetryConfig configures classifier call retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the classifier circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// SyncConfig configures the ETL step.
type SyncConfig struct {
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ChunkSize int           `yaml:"chunk_size" mapstructure:"chunk_size"`
}

// SchedulerConfig configures the periodic driver.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Timezone      string `yaml:"timezone" mapstructure:"timezone"`
	SyncHour      int    `yaml:"sync_hour" mapstructure:"sync_hour"`
	SyncMinute    int    `yaml:"sync_minute" mapstructure:"sync_minute"`
	AnalyzeLimit  int    `yaml:"analyze_limit" mapstructure:"analyze_limit"`
	AnalyzeRounds int    `yaml:"analyze_rounds" mapstructure:"analyze_rounds"`
}

// ServerConfig configures the admin/read HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PORTRAIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.driver", "mysql")
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.record_prefix", "autodialer_call_record_")
	v.SetDefault("source.detail_prefix", "autodialer_call_record_detail_")
	v.SetDefault("source.number_prefix", "autodialer_number_")
	v.SetDefault("source.group_table", "autodialer_task")
	v.SetDefault("source.ping_timeout", 5*time.Second)
	v.SetDefault("source.max_open_conns", 5)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("classifier.provider", "rules")
	v.SetDefault("classifier.model", "claude-haiku-4-5-20251001")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.base_url", "")
	v.SetDefault("classifier.max_tokens", 500)
	v.SetDefault("classifier.temperature", 0.3)
	v.SetDefault("classifier.lexicon_path", "")

	v.SetDefault("enrich.batch_size", 50)
	v.SetDefault("enrich.max_concurrency", 5)
	v.SetDefault("enrich.rate_per_second", 2.0)
	v.SetDefault("enrich.burst", 5)
	v.SetDefault("enrich.call_timeout", 30*time.Second)
	v.SetDefault("enrich.claim_lease", 10*time.Minute)
	v.SetDefault("enrich.max_dialogue_turns", 40)
	v.SetDefault("enrich.default_limit", 500)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("circuit.failure_threshold", 10)
	v.SetDefault("circuit.reset_timeout", time.Minute)

	v.SetDefault("sync.timeout", 5*time.Minute)
	v.SetDefault("sync.chunk_size", 1000)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.sync_hour", 2)
	v.SetDefault("scheduler.sync_minute", 0)
	v.SetDefault("scheduler.analyze_limit", 500)
	v.SetDefault("scheduler.analyze_rounds", 20)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Classifier.Provider {
	case "rules", "anthropic", "openai":
	default:
		return eris.Errorf("config: unknown classifier provider %q", c.Classifier.Provider)
	}
	if c.Enrich.BatchSize <= 0 || c.Enrich.MaxConcurrency <= 0 {
		return eris.New("config: enrich.batch_size and enrich.max_concurrency must be positive")
	}
	if c.Enrich.RatePerSecond <= 0 {
		return eris.New("config: enrich.rate_per_second must be positive")
	}
	if c.Scheduler.SyncHour < 0 || c.Scheduler.SyncHour > 23 || c.Scheduler.SyncMinute < 0 || c.Scheduler.SyncMinute > 59 {
		return eris.Errorf("config: invalid schedule time %02d:%02d", c.Scheduler.SyncHour, c.Scheduler.SyncMinute)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return eris.Wrapf(err, "config: load timezone %q", c.Scheduler.Timezone)
	}
	return nil
}

// Location returns the scheduler's time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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
