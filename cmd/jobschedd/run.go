package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/azargarov/jobsched"
	"github.com/azargarov/jobsched/internal/api"
	"github.com/azargarov/jobsched/internal/config"
	"github.com/azargarov/jobsched/promexport"
	"github.com/azargarov/jobsched/wsfeed"
)

func newRunCmd() *cobra.Command {
	var (
		addr        string
		concurrency int
		pause       bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Scheduler.MaxConcurrentJobs = concurrency
			}
			if cmd.Flags().Changed("pause-on-high-load") {
				cfg.Scheduler.PauseOnHighLoad = pause
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().IntVar(&concurrency, "concurrency", jobsched.DefaultMaxConcurrentJobs, "maximum concurrently executing jobs")
	cmd.Flags().BoolVar(&pause, "pause-on-high-load", true, "pause dispatch while resource usage is high")
	return cmd
}

func runDaemon(parent context.Context, cfg *config.Config) (err error) {
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = withLogger(ctx, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var generation atomic.Int64
	execs := jobsched.NewRegistry()
	registerDemoExecutors(execs, func() int64 { return generation.Add(1) })

	opts := cfg.Options()
	opts.Executor = execs
	opts.Metrics = promexport.New(reg)
	opts.OnJobError = func(err error) {
		logger.Debug("job attempt failed", zap.Error(err))
	}
	opts.OnInternalError = func(err error) {
		logger.Warn("scheduler internal error", zap.Error(err))
	}

	sched, err := jobsched.New(opts)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewServer(ctx, sched).SetupRoutes(mux)
	if cfg.Server.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	var hub *wsfeed.Hub
	if cfg.Server.FeedEnabled {
		hub = wsfeed.NewHub(ctx, sched.Status)
		defer sched.Subscribe(hub.Publish)()
		mux.Handle("/ws", hub)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// the daemon stops the scheduler itself, so Start gets a context
	// that is never cancelled
	if err := sched.Start(withLogger(context.Background(), logger)); err != nil {
		return err
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("jobschedd listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Strings("job_types", execs.Types()),
			zap.Int("max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-srvErr:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if hub != nil {
		hub.Close()
	}
	err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	if derr := sched.Dispose(shutdownCtx); derr != nil {
		logger.Warn("scheduler did not drain cleanly", zap.Error(derr))
		err = multierr.Append(err, derr)
	}
	logger.Info("jobschedd stopped")
	return err
}
