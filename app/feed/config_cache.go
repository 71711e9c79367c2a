package feed

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lysyi3m/threat-comb/app/cron"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSchedule = "0 * * * *"
	DefaultTimeout  = 30
)

// ConfigCache holds source definitions loaded from one YAML file per source.
// The file name without extension becomes the source ID.
type ConfigCache struct {
	sourcesDir string
	cache      map[string]*Source
	mu         sync.RWMutex
}

func NewConfigCache(sourcesDir string) *ConfigCache {
	return &ConfigCache{
		sourcesDir: sourcesDir,
		cache:      make(map[string]*Source),
	}
}

func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.sourcesDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.sourcesDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		id := strings.TrimSuffix(filepath.Base(file), ".yml")

		src, err := cc.LoadConfig(id)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Source definition loaded", "source", id, "format", src.Format, "schedule", src.Schedule, "enabled", src.Enabled)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(id string) (*Source, error) {
	configFile := cc.getConfigFilePath(id)
	src, err := cc.parseConfig(configFile)
	if err != nil {
		return nil, err
	}

	src.ID = id
	if src.Name == "" {
		src.Name = id
	}

	if err := ValidateSource(src); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[src.ID] = src

	return src, nil
}

func (cc *ConfigCache) GetConfig(id string) (*Source, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	src, ok := cc.cache[id]
	if !ok {
		return nil, fmt.Errorf("source definition '%s' not found", id)
	}
	return src, nil
}

func (cc *ConfigCache) GetConfigs() map[string]*Source {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configsCopy := make(map[string]*Source, len(cc.cache))
	for k, v := range cc.cache {
		configsCopy[k] = v
	}
	return configsCopy
}

func (cc *ConfigCache) GetEnabledConfigs() map[string]*Source {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	enabled := make(map[string]*Source)
	for k, v := range cc.cache {
		if v.Enabled {
			enabled[k] = v
		}
	}
	return enabled
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func (cc *ConfigCache) parseConfig(configFile string) (*Source, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Sources are enabled unless the file says otherwise.
	src := Source{Enabled: true}
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	ApplySourceDefaults(&src)
	return &src, nil
}

func (cc *ConfigCache) getConfigFilePath(id string) string {
	return filepath.Join(cc.sourcesDir, id+".yml")
}

// ApplySourceDefaults fills the optional fields of a source definition.
// Format is left empty when unset so the parser detects it per payload.
func ApplySourceDefaults(src *Source) {
	if src.Kind == "" {
		src.Kind = KindCustom
	}
	if src.Priority == "" {
		src.Priority = PriorityMedium
	}
	if src.Schedule == "" {
		src.Schedule = DefaultSchedule
	}
	if src.Timeout == 0 {
		src.Timeout = DefaultTimeout
	}
	if src.Status == "" {
		src.Status = StatusActive
	}
}

func ValidateSource(src *Source) error {
	if src == nil {
		return &ValidationError{Reason: "source is nil"}
	}

	required := []struct{ field, value string }{
		{"id", src.ID},
		{"name", src.Name},
		{"endpoint", src.Endpoint},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
	}

	switch src.Kind {
	case KindCommercial, KindOpenSource, KindGovernment, KindCommunity, KindCustom:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown source kind %q", src.Kind)}
	}

	if src.Format != "" && !src.Format.Valid() {
		return &ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", src.Format)}
	}
	if src.Priority.Rank() == 0 {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", src.Priority)}
	}
	if src.MergePolicy != "" && !src.MergePolicy.Valid() {
		return &ValidationError{Field: "merge_policy", Reason: fmt.Sprintf("unknown merge policy %q", src.MergePolicy)}
	}
	if src.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must be non-negative"}
	}
	if _, err := cron.Parse(src.Schedule); err != nil {
		return &ValidationError{Field: "schedule", Reason: err.Error()}
	}
	if src.Auth != "" && !strings.HasPrefix(src.Auth, "env:") {
		return &ValidationError{Field: "auth", Reason: "credentials must be referenced as env:NAME"}
	}

	return nil
}
