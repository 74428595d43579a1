// Package config loads Kestrel configuration in three layers: tier defaults,
// an optional YAML file and KESTREL_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix marks the environment variables read as overrides.
	EnvPrefix = "KESTREL_"

	// PathEnvVar names the config file to load.
	PathEnvVar = "KESTREL_CONFIG"

	// DefaultPath is used when PathEnvVar is unset and the file exists.
	DefaultPath = "kestrel.yaml"
)

// sliceKeys are parsed from comma-separated env values.
var sliceKeys = []string{"worker.tenant_ids"}

// Path returns the config file to load, or "" when there is none.
func Path() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load builds the configuration. An empty path loads no file. KESTREL_TIER
// selects the preset the other layers start from.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	known := envKeys(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(name string) string {
		return known[strings.TrimPrefix(name, EnvPrefix)]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &domain.Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeys maps SCORING_ALERT_THRESHOLD style names to the koanf paths the
// defaults define. Unknown variables are ignored.
func envKeys(k *koanf.Koanf) map[string]string {
	out := make(map[string]string)
	for _, key := range k.Keys() {
		out[strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = key
	}
	return out
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// Watcher reloads the configuration when its file changes.
type Watcher struct {
	provider *file.File
	once     sync.Once
}

// Watch calls onChange with the reloaded configuration each time the file
// at path changes. A reload that fails to load or validate is logged and
// skipped, leaving the caller's current configuration in place.
func Watch(path string, onChange func(*domain.Config)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watch requires a file path")
	}

	w := &Watcher{provider: file.Provider(path)}
	err := w.provider.Watch(func(event any, err error) {
		if err != nil {
			slog.Error("config watch failed", "path", path, "error", err)
			return
		}

		cfg, err := Load(path)
		if err != nil {
			slog.Error("config reload rejected", "path", path, "error", err)
			return
		}
		slog.Info("config file changed", "path", path)
		onChange(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() { err = w.provider.Unwatch() })
	return err
}
