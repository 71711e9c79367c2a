package cfg

import (
	"strings"
	"testing"
	"time"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.DBPath != "./threat-comb.db" {
		t.Errorf("Expected default db path, got '%s'", cfg.DBPath)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port '8080', got '%s'", cfg.Port)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("Expected worker count 4, got %d", cfg.WorkerCount)
	}
	if cfg.RetryBaseDelay != time.Second || cfg.RetryMaxDelay != 30*time.Second {
		t.Errorf("Expected retry delays 1s..30s, got %s..%s", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.FailureThreshold != 3 || cfg.MaxRetries != 3 {
		t.Errorf("Expected threshold 3 and 3 retries, got %d and %d", cfg.FailureThreshold, cfg.MaxRetries)
	}
	if cfg.ErrorCooldown != 30*time.Minute {
		t.Errorf("Expected cooldown 30m, got %s", cfg.ErrorCooldown)
	}
	if cfg.MergePolicy != "MERGE_FIELDS" {
		t.Errorf("Expected merge policy MERGE_FIELDS, got '%s'", cfg.MergePolicy)
	}
	if cfg.NearWindow != 30*24*time.Hour {
		t.Errorf("Expected near window 720h, got %s", cfg.NearWindow)
	}
	if cfg.APIAccessKey != "" {
		t.Errorf("Expected no API key, got '%s'", cfg.APIAccessKey)
	}
	if cfg.Version == "" {
		t.Error("Expected version to be set")
	}
}

func TestLoadFlagsAndEnvironment(t *testing.T) {
	t.Setenv("API_ACCESS_KEY", "from-env")
	t.Setenv("WORKER_COUNT", "2")

	cfg, err := load([]string{
		"--db-path", "/tmp/intel.db",
		"--worker-count", "8",
		"--error-cooldown", "1h",
		"--merge-policy", "PRIORITIZE_SOURCE",
		"--base-url", "https://intel.example.com/",
		"--debug",
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.DBPath != "/tmp/intel.db" {
		t.Errorf("Expected db path '/tmp/intel.db', got '%s'", cfg.DBPath)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("Expected flag to win over environment, got %d workers", cfg.WorkerCount)
	}
	if cfg.APIAccessKey != "from-env" {
		t.Errorf("Expected API key from environment, got '%s'", cfg.APIAccessKey)
	}
	if cfg.ErrorCooldown != time.Hour {
		t.Errorf("Expected cooldown 1h, got %s", cfg.ErrorCooldown)
	}
	if cfg.MergePolicy != "PRIORITIZE_SOURCE" {
		t.Errorf("Expected merge policy PRIORITIZE_SOURCE, got '%s'", cfg.MergePolicy)
	}
	if cfg.BaseUrl != "https://intel.example.com" {
		t.Errorf("Expected trailing slash trimmed, got '%s'", cfg.BaseUrl)
	}
	if !cfg.Debug {
		t.Error("Expected debug to be enabled")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"zero workers", []string{"--worker-count", "0"}, "worker count"},
		{"inverted delays", []string{"--retry-base-delay", "1m", "--retry-max-delay", "1s"}, "retry delays"},
		{"zero threshold", []string{"--failure-threshold", "0"}, "failure threshold"},
		{"unknown policy", []string{"--merge-policy", "LATEST"}, "merge-policy"},
		{"bad duration", []string{"--run-timeout", "soon"}, "failed to parse configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(tt.args)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
