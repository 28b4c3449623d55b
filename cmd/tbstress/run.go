package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"tbcache/pkg/constants"
	"tbcache/pkg/cpu"
	"tbcache/pkg/errors"
	"tbcache/pkg/exec"
	"tbcache/pkg/ram"
	"tbcache/pkg/tbcache"
	"tbcache/pkg/testisa"
	"tbcache/pkg/types"
)

// Summary is the outcome of one stress run.
type Summary struct {
	RunID      string
	Elapsed    time.Duration
	Counter    uint32
	Sums       []uint64
	Stats      tbcache.Stats
	RAMDigest  string
	ProtectOps [2]uint64
}

// run executes the stress scenario described by cfg.
func run(ctx context.Context, cfg Config) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.New().String()
	log.Printf("run %s: %d cpus, %d iterations, %s index", runID, cfg.CPUs, cfg.Iterations, cfg.Cache.PageIndex)

	memory := ram.NewRAM(ramSize)
	memory.MutateAccessRange(0, ramSize, ram.Mutable)

	cluster := cpu.NewCluster()
	cache, err := tbcache.New(cfg.Cache, memory, cluster)
	if err != nil {
		return nil, err
	}
	defer cache.Close()
	log.Printf("run %s: %d byte code buffer at %#x", runID, cache.CodeBuffer().Capacity(), cache.CodeBuffer().BaseAddress())

	states := make([]*testisa.State, cfg.CPUs)
	cpus := make([]*cpu.CPU, cfg.CPUs)
	for i := range states {
		base := codeBase(i)
		if err := memory.Load(uint64(base), smcProgram(base, uint16(cfg.Iterations))); err != nil {
			return nil, errors.Wrapf(err, "loading program for cpu %d", i)
		}
		states[i] = testisa.NewState(memory, cache, base)
		cpus[i] = cluster.NewCPU(states[i])
	}

	loop := exec.NewLoop(cache, &testisa.Translator{RAM: memory})
	start := time.Now()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	background, bgCtx := errgroup.WithContext(bgCtx)
	if cfg.InvalidateIntervalMs > 0 {
		background.Go(func() error {
			return invalidator(bgCtx, cache, cfg)
		})
	}
	if cfg.FlushIntervalMs > 0 {
		background.Go(func() error {
			return flusher(bgCtx, cache, time.Duration(cfg.FlushIntervalMs)*time.Millisecond)
		})
	}

	workers, workCtx := errgroup.WithContext(ctx)
	for _, c := range cpus {
		c := c
		workers.Go(func() error {
			if err := loop.Run(workCtx, c); err != nil {
				return errors.Wrapf(err, "cpu %d", c.Index)
			}
			return nil
		})
	}
	runErr := workers.Wait()
	stopBackground()
	if err := background.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}

	// Flushes requested after the last CPU halted are still queued.
	cluster.RunSafeWork(nil)

	if err := cache.Check(); err != nil {
		return nil, err
	}

	raw, err := memory.InspectRange(counterAddr, 4)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		RunID:   runID,
		Elapsed: time.Since(start),
		Counter: binary.LittleEndian.Uint32(raw),
		Stats:   cache.Stats(),
	}
	for _, st := range states {
		s.Sums = append(s.Sums, st.Regs[2])
	}
	s.ProtectOps[0], s.ProtectOps[1] = memory.ProtectionCalls()

	digest, err := ramDigest(memory, cfg.CPUs)
	if err != nil {
		return nil, err
	}
	s.RAMDigest = digest
	return s, nil
}

// verify compares a summary against what the guest programs must compute.
func verify(cfg Config, s *Summary) error {
	want := expectedSum(uint16(cfg.Iterations))
	for i, sum := range s.Sums {
		if sum != want {
			return errors.Newf("cpu %d: sum %d, want %d (stale code executed)", i, sum, want)
		}
	}
	if want := uint32(cfg.CPUs * cfg.Iterations); s.Counter != want {
		return errors.Newf("shared counter %d, want %d (lost atomic update)", s.Counter, want)
	}
	return nil
}

// invalidator throws away the blocks of random code pages until ctx ends.
// Every other tick it also drops the CPUs' jump cache entries for the page,
// as a guest remapping it would.
func invalidator(ctx context.Context, cache *tbcache.Cache, cfg Config) error {
	rng := rand.New(rand.NewSource(cfg.Seed))
	ticker := time.NewTicker(time.Duration(cfg.InvalidateIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			base := codeBase(rng.Intn(cfg.CPUs))
			cache.Cluster().RunShared(func() {
				cache.InvalidatePage(nil, types.PageAddr(base))
				if tick%2 == 1 {
					cache.FlushJumpCachePage(base)
				}
			})
		}
	}
}

// flusher requests full flushes until ctx ends.
func flusher(ctx context.Context, cache *tbcache.Cache, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cache.RequestFlush()
		}
	}
}

// ramDigest hashes the code pages and the counter page, so runs with the
// same configuration can be compared.
func ramDigest(memory *ram.RAM, cpus int) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", errors.Wrap(err, "creating digest")
	}
	for i := 0; i < cpus; i++ {
		b, err := memory.InspectRange(uint64(codeBase(i)), constants.PageSize)
		if err != nil {
			return "", err
		}
		h.Write(b)
	}
	b, err := memory.InspectRange(counterAddr, constants.PageSize)
	if err != nil {
		return "", err
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}
