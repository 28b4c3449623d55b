package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tbcache/pkg/tbcache"
)

func smallConfig() Config {
	cfg := defaultConfig()
	cfg.CPUs = 2
	cfg.Iterations = 60
	cfg.InvalidateIntervalMs = 1
	cfg.FlushIntervalMs = 3
	cfg.Cache.CodeBufferSize = 8 * 1024
	return cfg
}

func TestRunVerifies(t *testing.T) {
	for _, index := range []string{tbcache.IndexRadix, tbcache.IndexBTree} {
		t.Run(index, func(t *testing.T) {
			cfg := smallConfig()
			cfg.Cache.PageIndex = index

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			s, err := run(ctx, cfg)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if err := verify(cfg, s); err != nil {
				t.Fatalf("verify: %v", err)
			}
			if s.Stats.Publishes == 0 || s.Stats.Invalidations == 0 {
				t.Errorf("stats = %+v, want publishes and invalidations", s.Stats)
			}
			if len(s.RAMDigest) != 64 {
				t.Errorf("digest %q is not a 256-bit hex string", s.RAMDigest)
			}
		})
	}
}

func TestRunDigestIsDeterministic(t *testing.T) {
	cfg := smallConfig()
	cfg.InvalidateIntervalMs = 0
	cfg.FlushIntervalMs = 0

	var digests []string
	for i := 0; i < 2; i++ {
		s, err := run(context.Background(), cfg)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		digests = append(digests, s.RAMDigest)
	}
	if digests[0] != digests[1] {
		t.Errorf("digests differ: %s vs %s", digests[0], digests[1])
	}
}

func TestVerifyCatchesStaleCode(t *testing.T) {
	cfg := smallConfig()
	s := &Summary{
		Counter: uint32(cfg.CPUs * cfg.Iterations),
		Sums:    []uint64{expectedSum(60), expectedSum(60) - 1},
	}
	if err := verify(cfg, s); err == nil {
		t.Error("verify accepted a short sum")
	}
	s.Sums[1]++
	s.Counter--
	if err := verify(cfg, s); err == nil {
		t.Error("verify accepted a lost counter update")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"cpus": 3, "iterations": 10, "cache": {"page_index": "btree", "smc_threshold": 4}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.CPUs != 3 || cfg.Iterations != 10 || cfg.Cache.PageIndex != tbcache.IndexBTree || cfg.Cache.SMCThreshold != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset fields keep their defaults.
	if cfg.Cache.HashShards != tbcache.DefaultConfig().HashShards || cfg.FlushIntervalMs != defaultConfig().FlushIntervalMs {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("loadConfig of a missing file succeeded")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := smallConfig()
	cfg.CPUs = maxCPUs + 1
	if err := cfg.Validate(); err == nil {
		t.Error("too many cpus accepted")
	}
	cfg = smallConfig()
	cfg.Iterations = 0x10000
	if err := cfg.Validate(); err == nil {
		t.Error("iterations beyond the immediate range accepted")
	}
}

func TestProgramLayout(t *testing.T) {
	last := codeBase(maxCPUs - 1)
	if uint64(last)+uint64(len(smcProgram(last, 1))) > counterAddr {
		t.Errorf("code of cpu %d overlaps the counter", maxCPUs-1)
	}
	if expectedSum(4) != 6 {
		t.Errorf("expectedSum(4) = %d, want 6", expectedSum(4))
	}
}
