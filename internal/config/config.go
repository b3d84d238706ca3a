// Package config loads the application configuration from file and
// environment and owns global logger setup.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/scout/internal/cache"
	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/orchestrator"
	"github.com/sells-group/scout/internal/resilience"
	"github.com/sells-group/scout/internal/runner"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig                        `yaml:"store" mapstructure:"store"`
	Providers    map[string]resilience.RateConfig   `yaml:"providers" mapstructure:"providers"`
	Breaker      resilience.BreakerConfig           `yaml:"breaker" mapstructure:"breaker"`
	Retry        RetryConfig                        `yaml:"retry" mapstructure:"retry"`
	Orchestrator orchestrator.Config                `yaml:"orchestrator" mapstructure:"orchestrator"`
	Runner       runner.Config                      `yaml:"runner" mapstructure:"runner"`
	Dedup        DedupConfig                        `yaml:"dedup" mapstructure:"dedup"`
	Cache        cache.Config                       `yaml:"cache" mapstructure:"cache"`
	Server       ServerConfig                       `yaml:"server" mapstructure:"server"`
	Log          LogConfig                          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RetryConfig configures same-call retry of transient provider failures.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// DedupConfig configures the fuzzy fallback of the deduplicator.
type DedupConfig struct {
	TitleSimilarity float64 `yaml:"title_similarity" mapstructure:"title_similarity"`
}

// ServerConfig configures the status API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Resilience converts the retry section into the resilience package's
// config type.
func (c RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
}

// DedupSettings converts the dedup section into the dedup package's
// config type.
func (c DedupConfig) DedupSettings() dedup.Config {
	return dedup.Config{TitleSimilarity: c.TitleSimilarity}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "scout.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "60s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("orchestrator.max_concurrent", 8)
	v.SetDefault("orchestrator.call_timeout", "30s")
	v.SetDefault("orchestrator.max_results", 25)
	v.SetDefault("orchestrator.fusion_k", 60)
	v.SetDefault("runner.max_in_flight", 4)
	v.SetDefault("dedup.title_similarity", dedup.DefaultTitleSimilarity)
	v.SetDefault("cache.size", 2048)
	v.SetDefault("cache.ttl", "15m")

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

// Validate checks the fields the given command mode depends on and
// aggregates every violation into one error.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "run", "status", "providers":
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if mode == "run" {
		if c.Runner.MaxInFlight < 1 || c.Runner.MaxInFlight > 64 {
			problems = append(problems, "runner.max_in_flight must be between 1 and 64")
		}
		if c.Orchestrator.MaxConcurrent < 1 {
			problems = append(problems, "orchestrator.max_concurrent must be >= 1")
		}
		if c.Dedup.TitleSimilarity < 0 || c.Dedup.TitleSimilarity > 1 {
			problems = append(problems, "dedup.title_similarity must be within [0, 1]")
		}
		if c.Breaker.FailureThreshold < 1 {
			problems = append(problems, "breaker.failure_threshold must be >= 1")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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
