// Command longlived keeps a conference populated for a long time and checks
// it on a heartbeat, for catching leaks and drops that only show up after
// hours.
//
// Usage:
//
//	go run ./cmd/longlived --server-url https://meet.example.com --participants 3 --duration 24h
//	go run ./cmd/longlived --config torture.yaml
//
// Metrics and pprof are served on --metrics-addr when set:
//
//	curl http://localhost:9090/metrics
//	curl http://localhost:9090/debug/pprof/heap > heap.pprof
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/thesyncim/torture/pkg/torture"
	"github.com/thesyncim/torture/pkg/torture/config"
	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/driver/cdpdriver"
	"github.com/thesyncim/torture/pkg/torture/driver/roddriver"
)

const statusInterval = 5 * time.Minute

func main() {
	fs := pflag.NewFlagSet("longlived", pflag.ExitOnError)
	config.RegisterFlags(fs)
	debug := fs.Bool("debug", false, "enable debug logging")

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("long-lived run failed")
		os.Exit(1)
	}
	log.Info().Msg("long-lived run passed")
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := torture.NewMetrics(reg)

	if cfg.MetricsAddr != "" {
		srv := metricsServer(cfg.MetricsAddr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	launcher := newLauncher(cfg.Driver)
	defer launcher.Close()

	r, err := torture.NewRun(launcher, cfg.PoolConfig(cfg.BaseURL()),
		torture.WithLogger(log.Logger),
		torture.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	defer func() {
		teardownCtx, teardownCancel := context.WithTimeout(context.Background(), time.Minute)
		defer teardownCancel()
		if err := r.Teardown(teardownCtx); err != nil {
			log.Warn().Err(err).Msg("teardown incomplete")
		}
	}()

	log.Info().
		Str("url", r.BaseURL().String()).
		Int("participants", cfg.Setup.Participants).
		Dur("duration", cfg.Heartbeat.Duration).
		Msg("starting")

	parts, err := r.Ensure(ctx, cfg.Setup.Participants)
	if err != nil {
		return err
	}

	check := torture.AllOf(torture.CheckInMUC, torture.CheckIceConnected)
	hb, err := r.StartHeartbeat(ctx, parts, cfg.HeartbeatConfig(check), cfg.Heartbeat.InitialDelay, cfg.Heartbeat.Interval)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- hb.Await(context.Background()) }()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return result(hb, err)
		case <-ctx.Done():
			hb.Cancel()
			return result(hb, <-done)
		case <-ticker.C:
			logStatus(ctx, hb, parts)
		}
	}
}

// result maps the monitor's outcome to the command's: an interrupted run
// passes unless a tick had already failed.
func result(hb *torture.Heartbeat, err error) error {
	if !errors.Is(err, torture.ErrMonitorCancelled) {
		return err
	}
	log.Info().Int("ticks", hb.Ticks()).Msg("interrupted")
	return hb.LastFailure()
}

func newLauncher(name string) driver.Launcher {
	if name == config.DriverChromedp {
		return cdpdriver.NewLauncher()
	}
	return roddriver.NewLauncher(roddriver.DefaultConfig())
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Mount("/debug", middleware.Profiler())
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}

func logStatus(ctx context.Context, hb *torture.Heartbeat, parts []*torture.Participant) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Info().
		Int("ticks", hb.Ticks()).
		Float64("heap_mb", float64(mem.HeapAlloc)/(1024*1024)).
		Uint32("gc_cycles", mem.NumGC).
		Msg("status")

	for _, p := range parts {
		up, down, err := p.Bitrate(ctx)
		if err != nil {
			log.Warn().Err(err).Str("participant", p.Name()).Msg("bitrate unavailable")
			continue
		}
		log.Info().
			Str("participant", p.Name()).
			Float64("upload_kbps", up).
			Float64("download_kbps", down).
			Msg("bitrate")
	}
}
