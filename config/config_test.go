package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `app:
  name: "TestApp"
  version: "1.0"
pipeline:
  staging_path: staging
  clean_path: clean
  stream_path: stream
  latest_path: latest
storage:
  backend: local
  local:
    dir: /tmp/stockflow-test
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Pipeline.CleanPath != "clean" {
		t.Errorf("unexpected clean path: %s", cfg.Pipeline.CleanPath)
	}

	// Defaults fill in what the file omits.
	if cfg.Pipeline.BatchGranularity != "year" || cfg.Pipeline.StreamGranularity != "date" {
		t.Errorf("unexpected granularities: %s/%s", cfg.Pipeline.BatchGranularity, cfg.Pipeline.StreamGranularity)
	}
	if cfg.Pipeline.MaxWorkers != 4 {
		t.Errorf("unexpected max workers: %d", cfg.Pipeline.MaxWorkers)
	}
	if cfg.Pipeline.CatalogPath != "catalog" {
		t.Errorf("unexpected catalog path: %s", cfg.Pipeline.CatalogPath)
	}
	if cfg.Writer.Compression != "snappy" {
		t.Errorf("unexpected compression: %s", cfg.Writer.Compression)
	}
	if cfg.Writer.RetryBaseDelay != 100*time.Millisecond {
		t.Errorf("unexpected retry delay: %v", cfg.Writer.RetryBaseDelay)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing app name",
			mutate:  func(c string) string { return strings.Replace(c, `name: "TestApp"`, `name: ""`, 1) },
			wantErr: "app.name",
		},
		{
			name:    "missing latest path",
			mutate:  func(c string) string { return strings.Replace(c, "latest_path: latest", "latest_path: ''", 1) },
			wantErr: "latest_path",
		},
		{
			name:    "bad backend",
			mutate:  func(c string) string { return strings.Replace(c, "backend: local", "backend: ftp", 1) },
			wantErr: "storage.backend",
		},
		{
			name:    "local without dir",
			mutate:  func(c string) string { return strings.Replace(c, "dir: /tmp/stockflow-test", "dir: ''", 1) },
			wantErr: "storage.local.dir",
		},
		{
			name: "bad granularity",
			mutate: func(c string) string {
				return strings.Replace(c, "latest_path: latest\n", "latest_path: latest\n  batch_granularity: month\n", 1)
			},
			wantErr: "batch_granularity",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.mutate(minimalConfig))
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CLEAN_PATH", "override/clean")
	t.Setenv("SYMBOL_ALLOW_LIST", "aapl, msft ,")

	path := writeTempConfig(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Pipeline.CleanPath != "override/clean" {
		t.Errorf("CLEAN_PATH override not applied: %s", cfg.Pipeline.CleanPath)
	}
	if len(cfg.Pipeline.SymbolAllowList) != 2 {
		t.Errorf("unexpected allow list: %v", cfg.Pipeline.SymbolAllowList)
	}
}

func TestLoadConfigS3Validation(t *testing.T) {
	content := strings.Replace(minimalConfig,
		"storage:\n  backend: local\n  local:\n    dir: /tmp/stockflow-test\n",
		"storage:\n  backend: s3\n  s3:\n    bucket: 'Invalid_Bucket'\n    region: us-east-1\n", 1)
	path := writeTempConfig(t, content)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected invalid bucket name to be rejected")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"my-bucket", "data.lake.prod", "abc"}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("%s should be valid", name)
		}
	}
	invalid := []string{"ab", "UPPER", "has_underscore", ".leading", "trailing.", "double..dot"}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("%s should be invalid", name)
		}
	}
}
