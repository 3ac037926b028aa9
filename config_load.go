package airelay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.MasterKeyHex == "" {
		return fmt.Errorf("master_key_hex is required")
	}
	key, err := cfg.masterKey()
	if err != nil {
		return err
	}
	if len(key) != 32 {
		return fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	switch cfg.softFailurePolicy() {
	case PolicyAcceptLast, PolicyAlwaysError, PolicyAlwaysAccept:
	default:
		return fmt.Errorf("unknown soft-failure policy: %q", cfg.SoftFailure.Policy)
	}

	check := func(plan string, bs []BucketConfig) error {
		for _, b := range bs {
			if b.Name == "" {
				return fmt.Errorf("rate-limit bucket in plan %q has no name", plan)
			}
			if b.Scope != "user" && b.Scope != "org" {
				return fmt.Errorf("bucket %q: scope must be user or org, got %q", b.Name, b.Scope)
			}
			if b.Limit < 0 {
				return fmt.Errorf("bucket %q has negative limit", b.Name)
			}
			if b.WindowSeconds <= 0 {
				return fmt.Errorf("bucket %q has non-positive window", b.Name)
			}
		}
		return nil
	}
	for plan, bs := range cfg.RateLimits.Plans {
		if err := check(plan, bs); err != nil {
			return err
		}
	}
	if err := check("default", cfg.RateLimits.Default); err != nil {
		return err
	}

	if cfg.Breaker.FailureThreshold < 0 || cfg.Breaker.SuccessThreshold < 0 || cfg.Breaker.CooldownSeconds < 0 {
		return fmt.Errorf("breaker thresholds must not be negative")
	}

	for model, tier := range cfg.Selection.Tiers {
		if tier < 0 {
			return fmt.Errorf("model %q has negative tier", model)
		}
	}
	return nil
}
