// Package config handles loading, validating, and applying
// configuration for the instance scheduler.  Configuration is read from a
// YAML file, overlaid with the legacy environment variables and finally
// overridden by CLI flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/provider"
	"github.com/terrpan/instance-scheduler/internal/provider/docker"
	"github.com/terrpan/instance-scheduler/internal/provider/gcp"
	"github.com/terrpan/instance-scheduler/internal/provider/vpc"
	"github.com/terrpan/instance-scheduler/internal/schedule"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Job       JobConfig        `yaml:"job"`
	Provider  ProviderConfig   `yaml:"provider"`
	Logging   LoggingConfig    `yaml:"logging"`
	OTel      OTelConfig       `yaml:"otel"`
	Schedules []ScheduleConfig `yaml:"schedules" validate:"dive"`
	Serve     ServeConfig      `yaml:"serve"`

	// Output selects the report format: text, json.  Default: text.
	Output string `yaml:"output" validate:"oneof=text json"`
}

// ---------------------------------------------------------------------------
// Job
// ---------------------------------------------------------------------------

// JobConfig describes what a run does.
type JobConfig struct {
	// Action: start, stop, status.  Default: status.
	Action string `yaml:"action" validate:"omitempty,oneof=start stop status"`

	// InstanceIDs lists the instances to act on, in processing order.
	InstanceIDs []string `yaml:"instance_ids"`

	// Mode: sequential, concurrent (alias: parallel).  Default: sequential.
	Mode string `yaml:"mode" validate:"oneof=sequential concurrent parallel"`

	// ContinueOnError keeps going after a failed instance.  Only honored
	// in sequential mode.  Default: true.  A *bool so "not set" can be
	// told apart from an explicit false.
	ContinueOnError *bool `yaml:"continue_on_error"`

	// MaxWorkers caps concurrent mode.  Default: 10.
	MaxWorkers int `yaml:"max_workers" validate:"gte=1,lte=1000"`
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// ProviderConfig selects and configures the remote control plane.
type ProviderConfig struct {
	// Type: vpc, gcp, docker.  Default: vpc.
	Type string `yaml:"type" validate:"oneof=vpc gcp docker"`

	// CallTimeout bounds every remote call.  Default: 0 (no deadline).
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// VPC holds IBM Cloud VPC settings.  Only read when Type == "vpc".
	VPC VPCProviderConfig `yaml:"vpc"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPProviderConfig `yaml:"gcp"`

	// Docker holds Docker settings.  Only read when Type == "docker".
	Docker DockerProviderConfig `yaml:"docker"`
}

// CircuitBreakerConfig makes calls fail fast while the control plane keeps
// failing.  Disabled by default.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled"`

	// ConsecutiveFailures opens the breaker.  Default: 5.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`

	// OpenTimeout is how long the breaker stays open.  Default: 30s.
	OpenTimeout time.Duration `yaml:"open_timeout" validate:"gte=0"`
}

// VPCProviderConfig holds IBM Cloud VPC settings.
type VPCProviderConfig struct {
	// APIKey is the IAM API key (required when provider.type == "vpc").
	APIKey string `yaml:"api_key"`

	// Region, e.g. us-south, us-east, eu-de, jp-tok.  Default: us-east.
	Region string `yaml:"region"`

	// URL overrides the regional endpoint (optional).
	URL string `yaml:"url" validate:"omitempty,url"`
}

// GCPProviderConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC).
type GCPProviderConfig struct {
	// Project is the GCP project ID (required when provider.type == "gcp").
	Project string `yaml:"project"`

	// Zone holds the instances (required).
	Zone string `yaml:"zone"`

	// WaitForOperation blocks until start/stop operations finish.
	// Default: false.
	WaitForOperation bool `yaml:"wait_for_operation"`
}

// DockerProviderConfig holds Docker settings.
type DockerProviderConfig struct {
	// StopTimeout is the grace period before the daemon kills a
	// container.  Default: 0 (daemon default).
	StopTimeout time.Duration `yaml:"stop_timeout" validate:"gte=0"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format" validate:"oneof=text json"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics (for debugging).
	StdOut bool `yaml:"stdout"`

	// PushgatewayURL, when set, pushes the run's metrics to a Prometheus
	// Pushgateway after every job.
	PushgatewayURL string `yaml:"pushgateway_url" validate:"omitempty,url"`
}

// ---------------------------------------------------------------------------
// Serve mode
// ---------------------------------------------------------------------------

// ScheduleConfig triggers one job on a cron schedule.
type ScheduleConfig struct {
	Name   string `yaml:"name" validate:"required"`
	Cron   string `yaml:"cron" validate:"required,cronspec"`
	Action string `yaml:"action" validate:"required,oneof=start stop status"`
}

// ServeConfig configures the HTTP server of serve mode.
type ServeConfig struct {
	// Addr serves /healthz and /metrics.  Default: ":8080".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via env or flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- env and flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// legacyEnv binds config keys to the environment variables the scheduler
// has always been configured with.
var legacyEnv = []struct{ key, env string }{
	{"provider.vpc.api_key", "IBM_API_KEY"},
	{"provider.vpc.region", "REGION"},
	{"provider.type", "PROVIDER"},
	{"provider.call_timeout", "CALL_TIMEOUT"},
	{"job.action", "ACTION"},
	{"job.instance_ids", "INSTANCE_IDS"},
	{"job.mode", "EXECUTION_MODE"},
	{"job.continue_on_error", "CONTINUE_ON_ERROR"},
	{"job.max_workers", "MAX_WORKERS"},
	{"logging.level", "LOG_LEVEL"},
	{"logging.format", "LOG_FORMAT"},
	{"output", "OUTPUT"},
}

// EnvVars lists the environment variables ApplyEnv reads.
func EnvVars() []string {
	names := make([]string, len(legacyEnv))
	for i, b := range legacyEnv {
		names[i] = b.env
	}
	return names
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	for _, b := range legacyEnv {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(b.key, b.env)
	}
	return v
}

// ApplyEnv overlays the legacy environment variables.  Unset or empty
// variables leave the config untouched.
func (c *Config) ApplyEnv() error {
	v := newEnvViper()

	for key, dst := range map[string]*string{
		"provider.vpc.api_key": &c.Provider.VPC.APIKey,
		"provider.vpc.region":  &c.Provider.VPC.Region,
		"provider.type":        &c.Provider.Type,
		"job.action":           &c.Job.Action,
		"job.mode":             &c.Job.Mode,
		"logging.level":        &c.Logging.Level,
		"logging.format":       &c.Logging.Format,
		"output":               &c.Output,
	} {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	if v.IsSet("job.instance_ids") {
		c.Job.InstanceIDs = instance.ParseIDs(v.GetString("job.instance_ids"))
	}
	if v.IsSet("job.continue_on_error") {
		// Anything but "true" means false.
		b := strings.EqualFold(strings.TrimSpace(v.GetString("job.continue_on_error")), "true")
		c.Job.ContinueOnError = &b
	}

	var errs []error
	if v.IsSet("job.max_workers") {
		n, err := cast.ToIntE(strings.TrimSpace(v.GetString("job.max_workers")))
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_WORKERS: %w", err))
		} else {
			c.Job.MaxWorkers = n
		}
	}
	if v.IsSet("provider.call_timeout") {
		d, err := cast.ToDurationE(strings.TrimSpace(v.GetString("provider.call_timeout")))
		if err != nil {
			errs = append(errs, fmt.Errorf("CALL_TIMEOUT: %w", err))
		} else {
			c.Provider.CallTimeout = d
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	// Parsers fold case; the validator tags below do not.
	c.Job.Action = normalizeChoice(c.Job.Action)
	c.Job.Mode = normalizeChoice(c.Job.Mode)
	for i := range c.Schedules {
		c.Schedules[i].Action = normalizeChoice(c.Schedules[i].Action)
	}
	if c.Job.Action == "" {
		c.Job.Action = "status"
	}
	c.Job.InstanceIDs = instance.NormalizeIDs(c.Job.InstanceIDs)
	if c.Job.Mode == "" {
		c.Job.Mode = "sequential"
	}
	if c.Job.ContinueOnError == nil {
		t := true
		c.Job.ContinueOnError = &t
	}
	if c.Job.MaxWorkers == 0 {
		c.Job.MaxWorkers = 10
	}
	if c.Provider.Type == "" {
		c.Provider.Type = "vpc"
	}
	if c.Provider.CircuitBreaker.ConsecutiveFailures == 0 {
		c.Provider.CircuitBreaker.ConsecutiveFailures = 5
	}
	if c.Provider.CircuitBreaker.OpenTimeout == 0 {
		c.Provider.CircuitBreaker.OpenTimeout = 30 * time.Second
	}
	if c.Provider.VPC.Region == "" {
		c.Provider.VPC.Region = vpc.DefaultRegion
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Output == "" {
		c.Output = "text"
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = ":8080"
	}
}

func normalizeChoice(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate checks the settings shared by every command: field rules,
// provider requirements and any configured schedules.  The job itself is
// checked by ValidateJob.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if err := validate.Struct(c); err != nil {
		return describeValidation(err)
	}

	switch c.Provider.Type {
	case "vpc":
		if c.Provider.VPC.APIKey == "" {
			return fmt.Errorf("provider.vpc.api_key is required when provider.type is \"vpc\" (set IBM_API_KEY)")
		}
	case "gcp":
		if c.Provider.GCP.Project == "" {
			return fmt.Errorf("provider.gcp.project is required when provider.type is \"gcp\"")
		}
		if c.Provider.GCP.Zone == "" {
			return fmt.Errorf("provider.gcp.zone is required when provider.type is \"gcp\"")
		}
	}

	return nil
}

// ValidateJob checks that a single run has something to do.
func (c *Config) ValidateJob() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Job.InstanceIDs) == 0 {
		return fmt.Errorf("job.instance_ids: no valid instance IDs (set INSTANCE_IDS, e.g. INSTANCE_IDS='0757_abc123,0757_def456')")
	}
	return nil
}

// ValidateSchedules checks that serve mode has schedules to run.
func (c *Config) ValidateSchedules() error {
	if err := c.ValidateJob(); err != nil {
		return err
	}
	if len(c.Schedules) == 0 {
		return fmt.Errorf("schedules: at least one schedule is required for serve")
	}
	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if seen[s.Name] {
			return fmt.Errorf("schedules[%d].name: duplicate schedule %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := schedule.Parser.Parse(fl.Field().String())
		return err == nil
	})
	return v
}

// describeValidation turns validator errors into dotted-path messages,
// e.g. "job.action: must be one of [start stop status]".
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		errs = append(errs, fmt.Errorf("%s: %s", path, ruleMessage(fe)))
	}
	return errors.Join(errs...)
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "url":
		return fmt.Sprintf("invalid URL %q", fmt.Sprint(fe.Value()))
	case "cronspec":
		return fmt.Sprintf("invalid cron expression %q", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// ---------------------------------------------------------------------------
// Job resolution
// ---------------------------------------------------------------------------

// Job is a validated run request.
type Job struct {
	IDs    []string
	Action instance.Action
	Mode   instance.ExecutionMode
	Policy instance.FailurePolicy
}

// ResolveJob converts the job settings into a Job running action.  An
// empty action uses job.action.
func (c *Config) ResolveJob(action string) (Job, error) {
	if action == "" {
		action = c.Job.Action
	}
	a, err := instance.ParseAction(action)
	if err != nil {
		return Job{}, err
	}
	mode, err := instance.ParseMode(c.Job.Mode)
	if err != nil {
		return Job{}, err
	}
	continueOnError := c.Job.ContinueOnError == nil || *c.Job.ContinueOnError
	return Job{
		IDs:    c.Job.InstanceIDs,
		Action: a,
		Mode:   mode,
		Policy: instance.PolicyFromContinue(continueOnError),
	}, nil
}

// Region returns the region or zone shown in reports for the provider.
func (c *Config) Region() string {
	switch c.Provider.Type {
	case "vpc":
		return c.Provider.VPC.Region
	case "gcp":
		return c.Provider.GCP.Zone
	default:
		return ""
	}
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger writing to w from the Logging
// configuration.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProvider creates the provider selected by provider.type, wrapped in
// the configured call timeout and circuit breaker.
func (c *Config) NewProvider(ctx context.Context, logger *slog.Logger) (provider.Provider, error) {
	var (
		p   provider.Provider
		err error
	)
	switch c.Provider.Type {
	case "vpc":
		p, err = vpc.New(vpc.Config{
			APIKey: c.Provider.VPC.APIKey,
			Region: c.Provider.VPC.Region,
			URL:    c.Provider.VPC.URL,
		}, logger.WithGroup("provider.vpc"))
	case "gcp":
		p, err = gcp.New(ctx, gcp.Config{
			Project:          c.Provider.GCP.Project,
			Zone:             c.Provider.GCP.Zone,
			WaitForOperation: c.Provider.GCP.WaitForOperation,
		}, logger.WithGroup("provider.gcp"))
	case "docker":
		p, err = docker.New(ctx, docker.Config{
			StopTimeout: c.Provider.Docker.StopTimeout,
		}, logger.WithGroup("provider.docker"))
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", c.Provider.Type)
	}
	if err != nil {
		return nil, err
	}

	// Breaker outside the timeout so a timed-out call counts as a failure.
	p = provider.WithCallTimeout(p, c.Provider.CallTimeout)
	if cb := c.Provider.CircuitBreaker; cb.Enabled {
		p = provider.WithCircuitBreaker(p, provider.BreakerConfig{
			Name:                c.Provider.Type,
			ConsecutiveFailures: cb.ConsecutiveFailures,
			OpenTimeout:         cb.OpenTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					slog.String("provider", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}
	return p, nil
}
