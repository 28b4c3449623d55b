// Command tbstress runs self-modifying guest programs on several emulated
// CPUs sharing one translation cache, with blocks invalidated and the cache
// flushed underneath them, and checks that no stale code ever ran.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tbcache/pkg/errors"
)

func main() {
	configPath := flag.String("config-path", "", "Path to a JSON configuration file")
	cpus := flag.Int("cpus", 0, "Number of emulated CPUs (overrides config)")
	iterations := flag.Int("iterations", 0, "Loop iterations per CPU (overrides config)")
	index := flag.String("page-index", "", "Page index: radix or btree (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve /metrics on (overrides config)")
	timeout := flag.Duration("timeout", 5*time.Minute, "Abort the run after this long")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *cpus > 0 {
		cfg.CPUs = *cpus
	}
	if *iterations > 0 {
		cfg.Iterations = *iterations
	}
	if *index != "" {
		cfg.Cache.PageIndex = *index
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg.Cache.Registerer = reg
		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
		defer srv.Close()
		log.Printf("Serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	summary, err := run(ctx, cfg)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	st := summary.Stats
	log.Printf("run %s finished in %s", summary.RunID, summary.Elapsed)
	log.Printf("blocks: %d live, %d since flush, %d cross-page, %d/%d direct jumps, %d chained",
		st.TBs, st.ArenaTBs, st.CrossPageTBs, st.DirectJumps[0], st.DirectJumps[1], st.ChainedJumps)
	log.Printf("publishes: %d (%d lost races), invalidations: %d, flushes: %d of %d requested, lock retries: %d",
		st.Publishes, st.PublishConflicts, st.Invalidations, st.Flushes, st.FlushRequests, st.LockRetries)
	log.Printf("code buffer: %d of %d bytes, protect/unprotect calls: %d/%d",
		st.CodeBytes, st.CodeCapacity, summary.ProtectOps[0], summary.ProtectOps[1])
	log.Printf("ram digest: %s", summary.RAMDigest)

	if err := verify(cfg, summary); err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	log.Printf("counter %d, all %d cpus computed the expected sum", summary.Counter, cfg.CPUs)
}
