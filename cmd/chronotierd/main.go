// chronotierd is the multi-timeframe market data daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	defaultcfg "github.com/xtxerr/chronotier/config"
	"github.com/xtxerr/chronotier/internal/cache"
	"github.com/xtxerr/chronotier/internal/config"
	"github.com/xtxerr/chronotier/internal/coordinator"
	"github.com/xtxerr/chronotier/internal/events"
	"github.com/xtxerr/chronotier/internal/feed"
	"github.com/xtxerr/chronotier/internal/logging"
	"github.com/xtxerr/chronotier/internal/metrics"
	"github.com/xtxerr/chronotier/internal/scheduler"
	"github.com/xtxerr/chronotier/internal/storage"
	"github.com/xtxerr/chronotier/internal/storage/migration"
	"github.com/xtxerr/chronotier/internal/storage/retention"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "chronotier.yaml", "config file path")
	flag.String("data_dir", "", "data directory (overrides config)")
	flag.String("symbols", "", "comma separated symbols (overrides config)")
	flag.Int("workers", 0, "coordinator workers (overrides config)")
	flag.Int("days_back", 0, "history window in days (overrides config)")
	flag.String("log_level", "", "log level (overrides config)")
	flag.String("listen", "", "metrics listen address (overrides config)")
	once := flag.Bool("once", false, "process all timeframes once and exit")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chronotierd: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	defer logging.Sync()
	log := logging.Component("main")
	log.Info("chronotierd starting", zap.String("version", Version), zap.String("data_dir", cfg.DataDir))

	if err := run(cfg, *once, log); err != nil {
		log.Error("chronotierd failed", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the YAML file, then applies CHRONOTIER_* environment
// variables and explicitly set flags, flags winning. A missing file yields
// the defaults.
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Decode(data)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CHRONOTIER")
	v.AutomaticEnv()
	flag.Visit(func(f *flag.Flag) {
		if f.Name != "config" && f.Name != "once" {
			v.Set(f.Name, f.Value.String())
		}
	})

	if v.IsSet("data_dir") {
		cfg.DataDir = v.GetString("data_dir")
	}
	if v.IsSet("symbols") {
		cfg.Symbols = splitList(v.GetString("symbols"))
	}
	if v.IsSet("workers") {
		cfg.Coordinator.Workers = v.GetInt("workers")
	}
	if v.IsSet("days_back") {
		cfg.Coordinator.DaysBack = v.GetInt("days_back")
	}
	if v.IsSet("log_level") {
		cfg.Logging.Level = v.GetString("log_level")
	}
	if v.IsSet("listen") {
		cfg.Metrics.Listen = v.GetString("listen")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(cfg *config.Config, once bool, log *zap.Logger) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("timeframes: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Metrics and Events
	// =========================================================================

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(promReg)
	sink := events.Multi(events.NewLogSink(logging.Component("events")), recorder)

	// =========================================================================
	// Storage (DuckDB hot tier + Parquet cold tier)
	// =========================================================================

	mgr, err := storage.NewManager(storage.ConfigFrom(cfg), logging.Component("storage"), sink)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer mgr.Close()

	// =========================================================================
	// Cache
	// =========================================================================

	var layer cache.Layer
	if cfg.Cache.Enabled {
		switch cfg.Cache.Layer {
		case "disk":
			disk, err := cache.OpenDisk(cfg.CacheDir())
			if err != nil {
				return fmt.Errorf("open disk cache: %w", err)
			}
			layer = disk
		case "redis":
			rl, err := cache.NewRedisLayer(ctx, cache.RedisConfig{
				Addr:     cfg.Cache.Redis.Addr,
				Password: cfg.Cache.Redis.Password,
				DB:       cfg.Cache.Redis.DB,
				Prefix:   cfg.Cache.Redis.Prefix,
			})
			if err != nil {
				return fmt.Errorf("open redis cache: %w", err)
			}
			layer = rl
		}
	}
	cm := cache.New(cache.ConfigFrom(cfg), reg, layer, logging.Component("cache"))
	defer cm.Close()
	mgr.SetInvalidator(cm)

	recorder.WatchCache(cm)
	recorder.WatchStorage(mgr)

	// =========================================================================
	// Feed and Coordinator
	// =========================================================================

	fetcher, err := feed.New(feed.ConfigFrom(cfg), logging.Component("feed"))
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer fetcher.Close()

	coord, err := coordinator.New(coordinator.ConfigFrom(cfg), coordinator.Deps{
		Fetcher:  fetcher,
		Storage:  mgr,
		Cache:    cm,
		Registry: reg,
		Metrics:  recorder,
		Sink:     sink,
		Logger:   logging.Component("coordinator"),
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	if once {
		res, err := coord.Process(ctx, coordinator.Request{
			Symbols:        cfg.Symbols,
			DaysBack:       cfg.Coordinator.DaysBack,
			UseAggregation: cfg.Coordinator.UseAggregation,
		})
		if err != nil {
			return err
		}
		logResult(log, res)
		if !res.Success {
			return fmt.Errorf("timeframes failed: %s", strings.Join(res.Failed(), ","))
		}
		return nil
	}

	// =========================================================================
	// Background Maintenance
	// =========================================================================

	if cfg.Storage.Migration.Enabled {
		engine, err := migration.New(migration.Config{
			Interval: cfg.Storage.Migration.Interval,
			Workers:  cfg.Storage.Migration.Workers,
			Age:      mgr.HotWindow(),
		}, mgr, logging.Component("migration"))
		if err != nil {
			return fmt.Errorf("create migration engine: %w", err)
		}
		if err := engine.Start(); err != nil {
			return fmt.Errorf("start migration engine: %w", err)
		}
		defer engine.Stop()
	}

	ret := retention.New(retention.Config{
		Cold:         cfg.Storage.Retention.Cold,
		SweepOrphans: cfg.Storage.Retention.SweepOrphans,
		Locks:        mgr,
	}, mgr.Catalog(), mgr.Cold(), logging.Component("retention"))
	go runRetention(ctx, ret, cfg.Storage.Retention.Interval)
	go cm.RunPurge(ctx, defaultcfg.DefaultCachePurgeInterval)

	// =========================================================================
	// HTTP (metrics + health)
	// =========================================================================

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := mgr.Health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok\n"))
		})
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	// =========================================================================
	// Refresh Scheduler
	// =========================================================================

	sched := scheduler.New(scheduler.DefaultConfig(), func(ctx context.Context, tfs []string) error {
		res, err := coord.Process(ctx, coordinator.Request{
			Symbols:        cfg.Symbols,
			DaysBack:       cfg.Coordinator.DaysBack,
			UseAggregation: cfg.Coordinator.UseAggregation,
			Timeframes:     tfs,
		})
		if err != nil {
			return err
		}
		logResult(log, res)
		if !res.Success {
			return fmt.Errorf("timeframes failed: %s", strings.Join(res.Failed(), ","))
		}
		return nil
	})
	for _, name := range reg.Names() {
		interval, err := coord.RefreshInterval(name)
		if err != nil {
			return err
		}
		sched.Add(name, interval)
	}

	log.Info("scheduler running",
		zap.Strings("timeframes", reg.Names()),
		zap.Strings("symbols", cfg.Symbols))
	sched.Run(ctx)

	// =========================================================================
	// Shutdown
	// =========================================================================

	log.Info("shutting down")
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	st := coord.Stats()
	log.Info("stopped",
		zap.Int64("runs", st.Runs),
		zap.Int64("completed", st.Completed),
		zap.Int64("failed", st.Failed),
		zap.Int64("degraded", st.Degraded))
	return nil
}

func runRetention(ctx context.Context, ret *retention.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ret.RunCleanup()
		}
	}
}

func logResult(log *zap.Logger, res *coordinator.CoordinationResult) {
	log.Info("coordination run finished",
		zap.String("run_id", res.RunID),
		zap.Bool("success", res.Success),
		zap.Int("timeframes", len(res.Timeframes)),
		zap.Strings("degraded", res.Degraded()),
		zap.Strings("failed", res.Failed()),
		zap.Duration("duration", res.Duration))
}
