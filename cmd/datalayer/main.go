// Command datalayer wires the node store, subscription registry, and sync
// scheduler together over a data directory. It has no wallet or HTTP
// transport of its own (those are external collaborators); this binary
// exists to demonstrate the wiring and to give the sync loop a process to
// run in.
//
// Usage:
//
//	datalayer --datadir <path> [--fetch-interval 60s]
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/merkledl/datalayer/dlsync"
	"github.com/merkledl/datalayer/log"
	"github.com/merkledl/datalayer/metrics"
	"github.com/merkledl/datalayer/service"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/subscription"
	"github.com/merkledl/datalayer/treehash"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("datalayer", flag.ContinueOnError)
	dataDir := fs.String("datadir", "./datalayer-data", "data directory for the node store and subscription registry")
	fetchInterval := fs.Duration("fetch-interval", 60*time.Second, "how often the sync scheduler sweeps subscribed stores")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus-format metrics at http://<addr>/metrics")
	metricsInterval := fs.Duration("metrics-interval", 15*time.Second, "how often system metrics are collected and reported")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.Default().Module("cmd")

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error("create data directory", "dir", *dataDir, "err", err)
		return 1
	}

	st, err := store.Open(filepath.Join(*dataDir, "store.sqlite"), store.DefaultConfig())
	if err != nil {
		logger.Error("open store", "err", err)
		return 1
	}
	defer st.Close()

	subs, err := subscription.Open(filepath.Join(*dataDir, "subscriptions.sqlite"))
	if err != nil {
		logger.Error("open subscription registry", "err", err)
		return 1
	}
	defer subs.Close()

	wallet := &noTrackingWallet{}
	_ = service.New(st, subs, wallet)

	cfg := dlsync.DefaultConfig()
	cfg.FetchDataInterval = *fetchInterval
	cfg.WorkDir = filepath.Join(*dataDir, "sync-work")
	scheduler := dlsync.NewScheduler(st, subs, wallet, []dlsync.Downloader{dlsync.FilesystemDownloader{}}, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sysMetrics := newWiredSystemMetrics(st, subs)
	reporter := metrics.NewMetricsReporter(metrics.DefaultRegistry, *metricsInterval)
	reporter.RegisterBackend("log", logReportBackend{logger: logger})
	reporter.OnError(func(backend string, err error) {
		logger.Warn("metrics report failed", "backend", backend, "err", err)
	})
	reporter.Start()
	defer reporter.Stop()

	stopCollect := startSystemMetricsCollector(ctx, sysMetrics, reporter, *metricsInterval)
	defer stopCollect()

	if *metricsAddr != "" {
		exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
		srv := &http.Server{Addr: *metricsAddr, Handler: exporter.Handler()}
		go func() {
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting sync scheduler", "datadir", *dataDir, "fetch_interval", *fetchInterval)
	if err := scheduler.Start(ctx); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// newWiredSystemMetrics builds a SystemMetrics whose callbacks aggregate
// across every store this process has subscriptions for: subscribed server
// count sums each store's registered servers, and latest generation is the
// maximum validated generation across stores.
func newWiredSystemMetrics(st *store.Store, subs *subscription.Registry) *metrics.SystemMetrics {
	sm := metrics.NewSystemMetrics()

	sm.SetSubscribedServerCountFunc(func() int {
		ctx := context.Background()
		storeIDs, err := subs.GetSubscriptions(ctx)
		if err != nil {
			return 0
		}
		total := 0
		for _, id := range storeIDs {
			servers, err := subs.GetServers(ctx, id)
			if err != nil {
				continue
			}
			total += len(servers)
		}
		return total
	})

	sm.SetLatestGenerationFunc(func() uint32 {
		ctx := context.Background()
		storeIDs, err := subs.GetSubscriptions(ctx)
		if err != nil {
			return 0
		}
		var maxGen uint32
		for _, id := range storeIDs {
			gen, err := st.GetValidatedGeneration(ctx, id)
			if err != nil {
				continue
			}
			if gen > maxGen {
				maxGen = gen
			}
		}
		return maxGen
	})

	return sm
}

// startSystemMetricsCollector periodically collects runtime and domain
// metrics and feeds them into reporter, until ctx is cancelled. It returns a
// stop function that blocks until the collector goroutine has exited.
func startSystemMetricsCollector(ctx context.Context, sm *metrics.SystemMetrics, reporter *metrics.MetricsReporter, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.Collect()
				reporter.RecordMetric("system.goroutines", float64(sm.GoRoutineCount()))
				reporter.RecordMetric("system.heap_alloc_bytes", float64(sm.MemoryUsage().HeapAlloc))
				reporter.RecordMetric("system.uptime_seconds", sm.UptimeSeconds())
				reporter.RecordMetric("system.subscribed_servers", float64(sm.SubscribedServerCount()))
				reporter.RecordMetric("system.latest_generation", float64(sm.LatestGeneration()))
			}
		}
	}()
	return func() { <-done }
}

// logReportBackend is a ReportBackend that writes each report as a single
// structured log line.
type logReportBackend struct {
	logger *log.Logger
}

func (b logReportBackend) Report(values map[string]float64) error {
	args := make([]any, 0, len(values)*2)
	for name, v := range values {
		args = append(args, name, v)
	}
	b.logger.Info("metrics snapshot", args...)
	return nil
}

// noTrackingWallet is a placeholder Wallet that reports no advertised
// generations for any store. A real deployment supplies its own Wallet
// backed by whatever on-chain RPC tracks store singletons.
type noTrackingWallet struct{}

func (noTrackingWallet) LatestSingleton(ctx context.Context, storeID treehash.Hash) (dlsync.SingletonState, bool, error) {
	return dlsync.SingletonState{}, false, nil
}

func (noTrackingWallet) History(ctx context.Context, storeID treehash.Hash, fromGen uint32) ([]dlsync.HistoryEntry, error) {
	return nil, nil
}

func (noTrackingWallet) Track(ctx context.Context, storeID treehash.Hash) error { return nil }

func (noTrackingWallet) StopTracking(ctx context.Context, storeID treehash.Hash) error { return nil }
