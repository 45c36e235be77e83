package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*CoordinatorConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.coordinator/config.json
// Project: .coordinator/config.json (relative to cwd)
func LoadDefault() (*CoordinatorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".coordinator", "config.json")
	projectPath := filepath.Join(".coordinator", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *CoordinatorConfig, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Parse JSON
	var loaded CoordinatorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Merge catalog entries (loaded categories replace base categories wholesale)
	for category, phases := range loaded.Catalog {
		base.Catalog[category] = phases
	}

	// Merge tuning sections; zero values keep the base setting
	mergeBus(&base.Bus, loaded.Bus)
	mergeState(&base.State, loaded.State)
	mergeScheduler(&base.Scheduler, loaded.Scheduler)

	return nil
}

func mergeBus(base *BusConfig, loaded BusConfig) {
	if loaded.RetryLimit > 0 {
		base.RetryLimit = loaded.RetryLimit
	}
	if loaded.BaseRetryDelay > 0 {
		base.BaseRetryDelay = loaded.BaseRetryDelay
	}
	if loaded.HistoryMaxAge > 0 {
		base.HistoryMaxAge = loaded.HistoryMaxAge
	}
	if loaded.DeliverEvery > 0 {
		base.DeliverEvery = loaded.DeliverEvery
	}
}

func mergeState(base *StateConfig, loaded StateConfig) {
	if loaded.LockTimeout > 0 {
		base.LockTimeout = loaded.LockTimeout
	}
	if loaded.ManualResolveTimeout > 0 {
		base.ManualResolveTimeout = loaded.ManualResolveTimeout
	}
	if loaded.ReconcileEvery > 0 {
		base.ReconcileEvery = loaded.ReconcileEvery
	}
}

func mergeScheduler(base *SchedulerConfig, loaded SchedulerConfig) {
	if loaded.TickEvery > 0 {
		base.TickEvery = loaded.TickEvery
	}
	if loaded.Retention > 0 {
		base.Retention = loaded.Retention
	}
}
