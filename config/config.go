package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Writer   WriterConfig   `yaml:"writer"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PipelineConfig struct {
	StagingPath       string        `yaml:"staging_path"`
	CleanPath         string        `yaml:"clean_path"`
	StreamPath        string        `yaml:"stream_path"`
	LatestPath        string        `yaml:"latest_path"`
	CatalogPath       string        `yaml:"catalog_path"`
	BatchGranularity  string        `yaml:"batch_granularity"`
	StreamGranularity string        `yaml:"stream_granularity"`
	SymbolAllowList   []string      `yaml:"symbol_allow_list"`
	MaxMalformedRatio float64       `yaml:"max_malformed_ratio"`
	MaxWorkers        int           `yaml:"max_workers"`
	RawBuffer         int           `yaml:"raw_buffer"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
}

type WriterConfig struct {
	Compression    string        `yaml:"compression"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

type StorageConfig struct {
	Backend string           `yaml:"backend"`
	Local   LocalStoreConfig `yaml:"local"`
	S3      S3Config         `yaml:"s3"`
}

type LocalStoreConfig struct {
	Dir string `yaml:"dir"`
}

type S3Config struct {
	Bucket            string `yaml:"bucket"`
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint"`
	PathStyle         bool   `yaml:"path_style"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	AccessKeyID       string `yaml:"access_key_id"`
	SecretAccessKey   string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

func LoadConfig(path string) (*Config, error) {
	resolved := resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})
	if resolved != path {
		// Fall back to the requested file when no environment-specific one
		// has been deployed.
		if _, err := os.Stat(resolved); err == nil {
			path = resolved
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Pipeline: PipelineConfig{
			CatalogPath:       "catalog",
			BatchGranularity:  "year",
			StreamGranularity: "date",
			MaxMalformedRatio: 0.5,
			MaxWorkers:        4,
			RawBuffer:         64,
			ScanInterval:      30 * time.Second,
		},
		Writer: WriterConfig{
			Compression:    "snappy",
			MaxRetries:     3,
			RetryBaseDelay: 100 * time.Millisecond,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if config.Storage.Backend == "" {
		// Development runs default to the local backend; production-like
		// environments must configure storage explicitly.
		if IsProductionLike(AppEnvironment()) {
			return nil, fmt.Errorf("storage.backend is required in %s", AppEnvironment())
		}
		config.Storage.Backend = "local"
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAGING_PATH"); v != "" {
		cfg.Pipeline.StagingPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("CLEAN_PATH"); v != "" {
		cfg.Pipeline.CleanPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("STREAM_PATH"); v != "" {
		cfg.Pipeline.StreamPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("LATEST_PATH"); v != "" {
		cfg.Pipeline.LatestPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("SYMBOL_ALLOW_LIST"); v != "" {
		cfg.Pipeline.SymbolAllowList = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Pipeline.SymbolAllowList = append(cfg.Pipeline.SymbolAllowList, s)
			}
		}
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		cfg.Storage.Backend = "s3"
	}
	if cfg.Storage.Backend == "s3" {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if cfg.Pipeline.StagingPath == "" {
		return fmt.Errorf("pipeline.staging_path is required")
	}
	if cfg.Pipeline.CleanPath == "" {
		return fmt.Errorf("pipeline.clean_path is required")
	}
	if cfg.Pipeline.StreamPath == "" {
		return fmt.Errorf("pipeline.stream_path is required")
	}
	if cfg.Pipeline.LatestPath == "" {
		return fmt.Errorf("pipeline.latest_path is required")
	}
	if cfg.Pipeline.MaxWorkers <= 0 {
		return fmt.Errorf("pipeline.max_workers must be greater than 0")
	}
	if cfg.Pipeline.RawBuffer <= 0 {
		return fmt.Errorf("pipeline.raw_buffer must be greater than 0")
	}
	if cfg.Pipeline.MaxMalformedRatio < 0 || cfg.Pipeline.MaxMalformedRatio > 1 {
		return fmt.Errorf("pipeline.max_malformed_ratio must be between 0 and 1")
	}
	switch cfg.Pipeline.BatchGranularity {
	case "year", "date":
	default:
		return fmt.Errorf("pipeline.batch_granularity must be 'year' or 'date'")
	}
	switch cfg.Pipeline.StreamGranularity {
	case "year", "date":
	default:
		return fmt.Errorf("pipeline.stream_granularity must be 'year' or 'date'")
	}

	if cfg.Writer.MaxRetries < 0 {
		return fmt.Errorf("writer.max_retries must not be negative")
	}

	switch cfg.Storage.Backend {
	case "local":
		if cfg.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required when backend is local")
		}
	case "s3":
		cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when backend is s3")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when backend is s3")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	default:
		return fmt.Errorf("storage.backend must be 'local' or 's3'")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
