// Package config handles configuration loading for chain-sentinel.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chain-sentinel/internal/analyzer"
	"chain-sentinel/internal/enrich"
	"chain-sentinel/internal/flow"
	"chain-sentinel/internal/investigation"
	"chain-sentinel/internal/manipulation"
	"chain-sentinel/internal/profile"
	"chain-sentinel/internal/source"
	"chain-sentinel/internal/storage"
	"chain-sentinel/internal/storage/s3"
	"chain-sentinel/internal/trigger"
)

// Config holds the complete application configuration.
type Config struct {
	Logging       LoggingConfig        `yaml:"logging"`
	Pipeline      PipelineConfig       `yaml:"pipeline"`
	Validation    ValidationConfig     `yaml:"validation"`
	Analyzer      analyzer.Config      `yaml:"analyzer"`
	Enrich        enrich.Config        `yaml:"enrich"`
	Triggers      TriggersConfig       `yaml:"triggers"`
	Profile       profile.Config       `yaml:"profile"`
	Flow          flow.Config          `yaml:"flow"`
	Manipulation  manipulation.Config  `yaml:"manipulation"`
	Investigation investigation.Config `yaml:"investigation"`
	RegistryPath  string               `yaml:"registry_path"`
	Source        source.Config        `yaml:"source"`
	Storage       StorageConfig        `yaml:"storage"`
	Archive       ArchiveConfig        `yaml:"archive"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PipelineConfig holds pipeline worker settings.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// ValidationConfig holds inbound transaction validation settings.
type ValidationConfig struct {
	MaxTxAge  time.Duration `yaml:"max_tx_age"`
	MaxFuture time.Duration `yaml:"max_future"`
}

// TriggersConfig holds trigger engine settings.
type TriggersConfig struct {
	// Files are YAML trigger definition files loaded at startup.
	Files  []string             `yaml:"files"`
	Engine trigger.EngineConfig `yaml:"engine"`
	Redis  RedisConfig          `yaml:"redis"`
}

// RedisConfig holds the optional shared cooldown store settings.
// When disabled, cooldowns are tracked in process memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// ArchiveConfig holds SAR archival settings.
type ArchiveConfig struct {
	Enabled  bool              `yaml:"enabled"`
	S3       s3.Config         `yaml:"s3"`
	Archiver s3.ArchiverConfig `yaml:"archiver"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    100000,
			ShutdownWait: 30 * time.Second,
		},
		Validation: ValidationConfig{
			MaxTxAge:  30 * 24 * time.Hour,
			MaxFuture: 5 * time.Minute,
		},
		Analyzer: analyzer.DefaultConfig(),
		Enrich:   enrich.DefaultConfig(),
		Triggers: TriggersConfig{
			Engine: trigger.DefaultEngineConfig(),
		},
		Profile:       profile.DefaultConfig(),
		Flow:          flow.DefaultConfig(),
		Manipulation:  manipulation.DefaultConfig(),
		Investigation: investigation.DefaultConfig(),
		Source:        *source.DefaultConfig(),
		Storage: StorageConfig{
			Enabled:     false, // Disabled by default for development without ClickHouse
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			S3:       *s3.DefaultConfig(),
			Archiver: *s3.DefaultArchiverConfig(),
		},
	}
}

// Load loads configuration from the given file, falling back to the
// SENTINEL_CONFIG_PATH environment variable and then defaults when
// path is empty.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Source.Brokers = splitAndTrim(brokers, ",")
	}

	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.Source.Topic = topic
	}

	if enabled := os.Getenv("SENTINEL_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Triggers.Redis.Enabled = true
		c.Triggers.Redis.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Triggers.Redis.Password = pass
	}

	if key := os.Getenv("SENTINEL_ENRICH_API_KEY"); key != "" {
		c.Enrich.APIKey = key
	}
}

// normalize derives fields the YAML form cannot express directly.
// Value thresholds are configured in whole ETH and converted to wei.
func (c *Config) normalize() {
	if c.Analyzer.LargeValueEth > 0 {
		c.Analyzer.LargeValueWei = ethToWei(c.Analyzer.LargeValueEth)
	}
	if c.Analyzer.VeryLargeValueEth > 0 {
		c.Analyzer.VeryLargeValueWei = ethToWei(c.Analyzer.VeryLargeValueEth)
	}
	// The profile tracker's structuring band keys off the same
	// large-transfer threshold the analyzer uses.
	if c.Analyzer.LargeValueWei != nil {
		c.Profile.LargeValueWei = c.Analyzer.LargeValueWei
	}
}

func ethToWei(eth float64) *big.Int {
	wei, _ := new(big.Float).Mul(
		big.NewFloat(eth),
		big.NewFloat(1e18),
	).Int(nil)
	return wei
}

// splitAndTrim splits a string by separator and trims whitespace from
// each part, dropping empties.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline queue_size must be positive")
	}

	if err := c.Source.Validate(); err != nil {
		return err
	}

	if c.Triggers.Redis.Enabled && c.Triggers.Redis.Addr == "" {
		return fmt.Errorf("redis cooldown enabled but addr is empty")
	}

	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}

	return nil
}
