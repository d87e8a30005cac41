// Package config loads service configuration from defaults, an optional
// config file, a .env file and MISPESOS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dvloznov/mispesos/internal/extract"
	"github.com/dvloznov/mispesos/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. MISPESOS_AI_PROVIDER.
const EnvPrefix = "MISPESOS"

// Config holds application configuration.
type Config struct {
	ConfidenceThreshold float64        `mapstructure:"confidence_threshold"`
	AITimeoutMS         int            `mapstructure:"ai_timeout_ms"`
	LearningRate        float64        `mapstructure:"learning_rate"`
	WeightCap           float64        `mapstructure:"weight_cap"`
	MinActivation       float64        `mapstructure:"min_activation"`
	ReconcileTolerance  float64        `mapstructure:"reconcile_tolerance"`
	RegexScores         extract.Scores `mapstructure:"regex_scores"`

	AI       AIConfig       `mapstructure:"ai"`
	History  HistoryConfig  `mapstructure:"history"`
	Keywords KeywordsConfig `mapstructure:"keywords"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      logger.Config  `mapstructure:"log"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	Queue    QueueConfig    `mapstructure:"queue"`
}

// AIConfig selects the language-model provider.
type AIConfig struct {
	Provider  string        `mapstructure:"provider"` // ollama, gemini, anthropic or none
	Model     string        `mapstructure:"model"`
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// ResolveAPIKey returns the configured key or, failing that, the value of
// the environment variable named by APIKeyEnv.
func (c AIConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

// HistoryConfig controls the naive Bayes fallback classifier.
type HistoryConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Threshold float64 `mapstructure:"threshold"`
}

// KeywordsConfig selects the keyword table backend.
type KeywordsConfig struct {
	Backend  string `mapstructure:"backend"` // memory, bolt or sqlite
	Path     string `mapstructure:"path"`
	SeedFile string `mapstructure:"seed_file"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// BigQueryConfig enables persistence when Project is set.
type BigQueryConfig struct {
	Project string `mapstructure:"project"`
	Dataset string `mapstructure:"dataset"`
}

// GCSConfig enables receipt image archiving when Bucket is set.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// QueueConfig sizes the correction queue.
type QueueConfig struct {
	Shards     int `mapstructure:"shards"`
	Buffer     int `mapstructure:"buffer"`
	MaxRetries int `mapstructure:"max_retries"`
}

// AITimeout is AITimeoutMS as a duration.
func (c Config) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutMS) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("confidence_threshold", 0.75)
	v.SetDefault("ai_timeout_ms", 5000)
	v.SetDefault("learning_rate", 0.1)
	v.SetDefault("weight_cap", 5.0)
	v.SetDefault("min_activation", 0.5)
	v.SetDefault("reconcile_tolerance", 0.01)
	v.SetDefault("regex_scores.shorthand", extract.DefaultScores.Shorthand)
	v.SetDefault("regex_scores.separated", extract.DefaultScores.Separated)
	v.SetDefault("regex_scores.plain", extract.DefaultScores.Plain)

	v.SetDefault("ai.provider", "ollama")
	v.SetDefault("ai.model", "llama3.2:3b")
	v.SetDefault("ai.url", "http://localhost:11434")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.api_key_env", "")
	v.SetDefault("ai.cache_ttl", time.Hour)
	v.SetDefault("ai.cache_size", 1000)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.threshold", 0.8)

	v.SetDefault("keywords.backend", "memory")
	v.SetDefault("keywords.path", "")
	v.SetDefault("keywords.seed_file", "")

	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("bigquery.project", "")
	v.SetDefault("bigquery.dataset", "mispesos")
	v.SetDefault("gcs.bucket", "")

	v.SetDefault("queue.shards", 4)
	v.SetDefault("queue.buffer", 100)
	v.SetDefault("queue.max_retries", 3)
}

// Load reads configuration. A .env file in the working directory is loaded
// first when present; MISPESOS_CONFIG points at an explicit config file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	cfgPath := os.Getenv(EnvPrefix + "_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("mispesos")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "mispesos"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	// Zero would be replaced by the built-in default downstream, so it is
	// rejected here instead of silently ignored.
	positiveUnit := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within (0,1], got %v", name, v))
		}
	}
	positiveUnit("confidence_threshold", c.ConfidenceThreshold)
	positiveUnit("reconcile_tolerance", c.ReconcileTolerance)
	unit("history.threshold", c.History.Threshold)
	unit("regex_scores.shorthand", c.RegexScores.Shorthand)
	unit("regex_scores.separated", c.RegexScores.Separated)
	unit("regex_scores.plain", c.RegexScores.Plain)

	if c.AITimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("ai_timeout_ms must be positive, got %d", c.AITimeoutMS))
	}
	if c.LearningRate < 0 {
		errs = append(errs, fmt.Errorf("learning_rate must not be negative, got %v", c.LearningRate))
	}
	if c.WeightCap <= 0 {
		errs = append(errs, fmt.Errorf("weight_cap must be positive, got %v", c.WeightCap))
	}
	if c.MinActivation < 0 {
		errs = append(errs, fmt.Errorf("min_activation must not be negative, got %v", c.MinActivation))
	}
	switch c.AI.Provider {
	case "ollama", "gemini", "anthropic", "none":
	default:
		errs = append(errs, fmt.Errorf("ai.provider %q is not one of ollama, gemini, anthropic, none", c.AI.Provider))
	}
	switch c.Keywords.Backend {
	case "memory":
	case "bolt", "sqlite":
		if c.Keywords.Path == "" {
			errs = append(errs, fmt.Errorf("keywords.path is required for the %s backend", c.Keywords.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("keywords.backend %q is not one of memory, bolt, sqlite", c.Keywords.Backend))
	}
	if c.Queue.Shards <= 0 {
		errs = append(errs, fmt.Errorf("queue.shards must be positive, got %d", c.Queue.Shards))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
