package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/instance-scheduler/internal/config"
	"github.com/terrpan/instance-scheduler/internal/health"
	"github.com/terrpan/instance-scheduler/internal/otel"
	"github.com/terrpan/instance-scheduler/internal/schedule"
)

const shutdownTimeout = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run jobs on cron schedules and serve /healthz and /metrics",
	Long: `serve keeps running and triggers one job per schedule entry in the
configuration, e.g.

  schedules:
    - name: office-hours-start
      cron: "0 8 * * 1-5"
      action: start
    - name: nightly-stop
      cron: "0 20 * * *"
      action: stop

A trigger that fires while the previous run of the same schedule is still
going is skipped.  On SIGINT or SIGTERM no new runs start and running ones
are allowed to finish.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateSchedules(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagOverrides.Serve.Addr, "addr", "", "Listen address for /healthz and /metrics (default :8080)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	// ---------------------------------------------------------------
	// 1. Logger + telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger(stderr)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("provider", cfg.Provider.Type),
		slog.String("region", cfg.Region()),
		slog.Int("instances", len(cfg.Job.InstanceIDs)),
		slog.Int("schedules", len(cfg.Schedules)),
	)

	registry := otel.NewRegistry()
	shutdownOTel, err := otel.SetupOTelSDK(ctx, serviceName, otel.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
		StdOut:   cfg.OTel.StdOut,
		Registry: registry,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 2. Provider + orchestrator (shared by every schedule)
	// ---------------------------------------------------------------
	prov, err := newProviderFor(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing provider: %w", err)
	}
	defer prov.Close()

	orch := newOrchestrator(cfg, prov, logger)

	// ---------------------------------------------------------------
	// 3. Schedules
	// ---------------------------------------------------------------
	sched := schedule.New(logger.WithGroup("schedule"), nil)
	for _, sc := range cfg.Schedules {
		job, err := cfg.ResolveJob(sc.Action)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		err = sched.Add(schedule.Entry{
			Name: sc.Name,
			Spec: sc.Cron,
			Run: func(ctx context.Context) {
				summary := orch.Run(ctx, job.IDs, job.Action, job.Mode, job.Policy)
				if summary.Failed > 0 {
					logger.Warn("scheduled job had failures",
						slog.String("schedule", sc.Name),
						slog.Int("failed", summary.Failed),
						slog.Int("total", summary.Total),
					)
				}
			},
		})
		if err != nil {
			return err
		}
	}

	// ---------------------------------------------------------------
	// 4. HTTP server
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(cfg.Provider.Type, sched))
	mux.Handle("/metrics", otel.MetricsHandler(registry))

	srv := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Serve.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// ---------------------------------------------------------------
	// 5. Run until signalled
	// ---------------------------------------------------------------
	// Runs in flight at shutdown finish against the control plane.
	sched.Start(context.WithoutCancel(ctx))
	logger.Info("scheduler started", slog.Int("schedules", sched.Len()))
	for _, e := range sched.Entries() {
		logger.Info("next run", slog.String("schedule", e.Name), slog.Time("at", e.Next))
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-srvErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down gracefully")
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	runErr = errors.Join(runErr, sched.Stop(stopCtx), srv.Shutdown(stopCtx))
	return runErr
}
