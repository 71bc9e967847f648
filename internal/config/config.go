package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	s3store "github.com/segcache/segcache/internal/storage/s3"
)

// Configuration represents the complete engine configuration.
type Configuration struct {
	Cache   CacheConfig   `yaml:"cache"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Global  GlobalConfig  `yaml:"global"`
}

// GlobalConfig represents global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// CacheConfig represents the local cache directory and its byte
// capacity. Capacity accepts human-readable sizes like "2GB".
type CacheConfig struct {
	Directory string `yaml:"directory"`
	Capacity  string `yaml:"capacity"`
}

// StorageConfig represents the remote object store settings.
type StorageConfig struct {
	Bucket string         `yaml:"bucket"`
	S3     s3store.Config `yaml:"s3"`
}

// MetricsConfig represents metrics endpoint settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Cache: CacheConfig{
			Directory: "/var/cache/segcache",
			Capacity:  "2GB",
		},
		Storage: StorageConfig{
			S3: s3store.Config{
				Region:         "us-east-1",
				MaxRetries:     3,
				RequestTimeout: 30 * time.Second,
				PoolSize:       8,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "segcache",
		},
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("SEGCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("SEGCACHE_CACHE_DIR"); val != "" {
		c.Cache.Directory = val
	}
	if val := os.Getenv("SEGCACHE_CACHE_CAPACITY"); val != "" {
		c.Cache.Capacity = val
	}
	if val := os.Getenv("SEGCACHE_BUCKET"); val != "" {
		c.Storage.Bucket = val
	}
	if val := os.Getenv("SEGCACHE_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("SEGCACHE_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}
	if val := os.Getenv("SEGCACHE_S3_FORCE_PATH_STYLE"); val != "" {
		c.Storage.S3.ForcePathStyle = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SEGCACHE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SEGCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Cache.Directory == "" {
		return fmt.Errorf("cache directory cannot be empty")
	}

	capacity, err := ParseSize(c.Cache.Capacity)
	if err != nil {
		return fmt.Errorf("invalid cache capacity: %w", err)
	}
	if capacity <= 0 {
		return fmt.Errorf("cache capacity must be greater than 0")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket cannot be empty")
	}

	if c.Storage.S3.PoolSize <= 0 {
		return fmt.Errorf("s3 pool_size must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// CapacityBytes returns the configured cache capacity in bytes.
func (c *Configuration) CapacityBytes() (int64, error) {
	return ParseSize(c.Cache.Capacity)
}

// ParseSize parses a human-readable byte size like "512MB" or "2GB".
// A bare number is taken as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return int64(val * float64(m.factor)), nil
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return val, nil
}
