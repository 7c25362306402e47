package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/terrpan/instance-scheduler/internal/config"
	"github.com/terrpan/instance-scheduler/internal/executor"
	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/orchestrator"
	"github.com/terrpan/instance-scheduler/internal/otel"
	"github.com/terrpan/instance-scheduler/internal/provider"
	"github.com/terrpan/instance-scheduler/internal/report"
)

const serviceName = "instance-scheduler"

// errFailedInstances makes the process exit 1 after a run in which at
// least one instance failed.
var errFailedInstances = errors.New("one or more instances failed")

var (
	cfgPath        string
	flagOverrides  config.Config
	flagIDs        string
	flagContinue   bool
	stdout         io.Writer = os.Stdout
	stderr         io.Writer = os.Stderr
	newProviderFor           = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
		return cfg.NewProvider(ctx, logger)
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "instance-scheduler",
	Short: "Start, stop or check a fixed set of cloud instances as a batch job",
	Long: `instance-scheduler applies one lifecycle action (start, stop or status)
to every instance in a list and exits non-zero when any instance failed,
so it can be driven by cron, CI/CD or Kubernetes CronJobs.

Configuration is read from a YAML file (--config), overlaid with the
environment variables IBM_API_KEY, INSTANCE_IDS, REGION, ACTION,
EXECUTION_MODE, CONTINUE_ON_ERROR, MAX_WORKERS, PROVIDER and CALL_TIMEOUT,
and finally overridden by CLI flags.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateJob(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return run(ctx, cfg)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Provider overrides
	pf.StringVar(&flagOverrides.Provider.Type, "provider", "", "Control plane (vpc, gcp, docker)")
	pf.StringVar(&flagOverrides.Provider.VPC.Region, "region", "", "IBM Cloud region (e.g. us-south, eu-de)")
	pf.DurationVar(&flagOverrides.Provider.CallTimeout, "call-timeout", 0, "Deadline for every remote call (0 = none)")

	// Job overrides
	pf.StringVar(&flagIDs, "instance-ids", "", "Comma-separated instance IDs")
	pf.StringVar(&flagOverrides.Job.Mode, "mode", "", "Execution mode (sequential, concurrent)")
	pf.BoolVar(&flagContinue, "continue-on-error", true, "Keep processing after a failed instance (sequential mode)")
	pf.IntVar(&flagOverrides.Job.MaxWorkers, "max-workers", 0, "Maximum concurrent instances in concurrent mode")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	f := rootCmd.Flags()
	f.StringVar(&flagOverrides.Job.Action, "action", "", "Action to apply ("+actionNames()+")")
	f.StringVar(&flagOverrides.Output, "output", "", "Report format ("+formatNames()+")")

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func actionNames() string {
	names := make([]string, len(instance.Actions))
	for i, a := range instance.Actions {
		names[i] = a.String()
	}
	return strings.Join(names, ", ")
}

func formatNames() string {
	names := make([]string, len(report.Formats))
	for i, f := range report.Formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// loadConfig reads the config file, then the environment, then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	applyFlagOverrides(cmd, cfg)
	return cfg, nil
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if flagOverrides.Provider.Type != "" {
		cfg.Provider.Type = flagOverrides.Provider.Type
	}
	if flagOverrides.Provider.VPC.Region != "" {
		cfg.Provider.VPC.Region = flagOverrides.Provider.VPC.Region
	}
	if flagOverrides.Provider.CallTimeout != 0 {
		cfg.Provider.CallTimeout = flagOverrides.Provider.CallTimeout
	}
	if strings.TrimSpace(flagIDs) != "" {
		cfg.Job.InstanceIDs = instance.ParseIDs(flagIDs)
	}
	if flagOverrides.Job.Action != "" {
		cfg.Job.Action = flagOverrides.Job.Action
	}
	if flagOverrides.Job.Mode != "" {
		cfg.Job.Mode = flagOverrides.Job.Mode
	}
	if cmd.Flags().Changed("continue-on-error") {
		v := flagContinue
		cfg.Job.ContinueOnError = &v
	}
	if flagOverrides.Job.MaxWorkers != 0 {
		cfg.Job.MaxWorkers = flagOverrides.Job.MaxWorkers
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Output != "" {
		cfg.Output = flagOverrides.Output
	}
	if flagOverrides.Serve.Addr != "" {
		cfg.Serve.Addr = flagOverrides.Serve.Addr
	}
}

// run executes one job and writes its report to stdout.
func run(ctx context.Context, cfg *config.Config) error {
	// ---------------------------------------------------------------
	// 1. Logger + telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger(stderr)

	job, err := cfg.ResolveJob("")
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("provider", cfg.Provider.Type),
		slog.String("region", cfg.Region()),
		slog.String("action", job.Action.String()),
		slog.String("mode", job.Mode.String()),
		slog.Bool("continueOnError", job.Policy == instance.ContinueOnError),
		slog.Int("instances", len(job.IDs)),
	)

	var registry *prometheus.Registry
	if cfg.OTel.PushgatewayURL != "" {
		registry = otel.NewRegistry()
	}
	shutdown, err := otel.SetupOTelSDK(ctx, serviceName, otel.Config{
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
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 2. Provider
	// ---------------------------------------------------------------
	prov, err := newProviderFor(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing provider: %w", err)
	}
	defer prov.Close()

	// ---------------------------------------------------------------
	// 3. Run
	// ---------------------------------------------------------------
	orch := newOrchestrator(cfg, prov, logger)
	summary := orch.Run(ctx, job.IDs, job.Action, job.Mode, job.Policy)

	// ---------------------------------------------------------------
	// 4. Report
	// ---------------------------------------------------------------
	if err := report.Write(stdout, report.Format(cfg.Output), reportJob(cfg, job), summary); err != nil {
		logger.Error("failed to write report", slog.String("error", err.Error()))
	}

	if registry != nil {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		err := otel.Push(pushCtx, cfg.OTel.PushgatewayURL, serviceName, registry, map[string]string{
			"action": job.Action.String(),
		})
		cancel()
		if err != nil {
			logger.Warn("failed to push metrics", slog.String("error", err.Error()))
		}
	}

	if summary.ExitCode() != 0 {
		return fmt.Errorf("%w: %d of %d", errFailedInstances, summary.Failed, summary.Total)
	}
	return nil
}

func newOrchestrator(cfg *config.Config, prov provider.Provider, logger *slog.Logger) *orchestrator.Orchestrator {
	exec := executor.New(executor.Config{
		Provider: prov,
		Logger:   logger.WithGroup("executor"),
	})
	return orchestrator.New(orchestrator.Config{
		Executor:   exec,
		MaxWorkers: cfg.Job.MaxWorkers,
		Logger:     logger.WithGroup("orchestrator"),
	})
}

func reportJob(cfg *config.Config, job config.Job) report.Job {
	return report.Job{
		Provider:  cfg.Provider.Type,
		Region:    cfg.Region(),
		Action:    job.Action.String(),
		Mode:      job.Mode.String(),
		Policy:    job.Policy.String(),
		Instances: job.IDs,
	}
}
