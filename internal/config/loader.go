package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, applies defaults and validates the result.
// A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSONC config bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
			cfg.Log.Level = v
		} else {
			cfg.Log.Level = "info"
		}
	}

	if cfg.Scheduler.Weights.isZero() {
		cfg.Scheduler.Weights = DefaultWeights()
	}
	if cfg.Scheduler.PreemptionThreshold == 0 {
		cfg.Scheduler.PreemptionThreshold = 0.15
	}
	if cfg.Scheduler.BriefingSize == 0 {
		cfg.Scheduler.BriefingSize = 5
	}
	if cfg.Scheduler.RecentSwitches == 0 {
		cfg.Scheduler.RecentSwitches = 20
	}

	if cfg.Memory.MaxHotAgents == 0 {
		cfg.Memory.MaxHotAgents = 5
	}
	if cfg.Memory.TokenBudget == 0 {
		cfg.Memory.TokenBudget = 8000
	}

	if cfg.Checkpoint.Schedule == "" {
		cfg.Checkpoint.Schedule = "@every 5m"
	}
	if cfg.Checkpoint.Retention == 0 {
		cfg.Checkpoint.Retention = 10
	}
	if cfg.Checkpoint.LockTimeout == 0 {
		cfg.Checkpoint.LockTimeout = Duration(2 * time.Second)
	}

	if cfg.Locks.RecordTimeout == 0 {
		cfg.Locks.RecordTimeout = Duration(5 * time.Second)
	}
	if cfg.Locks.StateTimeout == 0 {
		cfg.Locks.StateTimeout = Duration(3 * time.Second)
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}
}
