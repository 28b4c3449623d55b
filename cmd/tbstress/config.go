package main

import (
	"encoding/json"
	"os"

	"tbcache/pkg/errors"
	"tbcache/pkg/tbcache"
)

const ramSize = 64 * 1024

// Config represents the configuration loaded from the JSON file
type Config struct {
	CPUs                 int            `json:"cpus"`
	Iterations           int            `json:"iterations"`
	InvalidateIntervalMs int            `json:"invalidate_interval_ms"` // 0 disables the background invalidator
	FlushIntervalMs      int            `json:"flush_interval_ms"`      // 0 disables periodic flushes
	Seed                 int64          `json:"seed"`
	MetricsAddr          string         `json:"metrics_addr"` // serve /metrics here when set
	Cache                tbcache.Config `json:"cache"`
}

func defaultConfig() Config {
	cache := tbcache.DefaultConfig()
	cache.CodeBufferSize = 256 * 1024
	return Config{
		CPUs:                 4,
		Iterations:           2000,
		InvalidateIntervalMs: 5,
		FlushIntervalMs:      50,
		Seed:                 1,
		Cache:                cache,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config file")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config file")
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.CPUs < 1 || cfg.CPUs > maxCPUs {
		return errors.Newf("cpus must be between 1 and %d, got %d", maxCPUs, cfg.CPUs)
	}
	if cfg.Iterations < 1 || cfg.Iterations > 0xffff {
		return errors.Newf("iterations must be between 1 and 65535, got %d", cfg.Iterations)
	}
	return cfg.Cache.Validate()
}
