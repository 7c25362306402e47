// Package orchestrator applies one action to a list of instances, either
// one at a time or on a bounded pool of workers, and folds the per-instance
// outcomes into a single instance.Summary.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/instance-scheduler/internal/instance"
)

// DefaultMaxWorkers caps the concurrent pool when Config.MaxWorkers is not
// set.
const DefaultMaxWorkers = 10

// Executor runs one action against one instance.  *executor.Executor
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, id string, action instance.Action) instance.Outcome
}

// Config holds the Orchestrator's collaborators.
type Config struct {
	Executor Executor

	// MaxWorkers bounds the number of instances processed at once in
	// concurrent mode.  Default: 10.
	MaxWorkers int

	Logger *slog.Logger
}

// Orchestrator runs jobs.  A single Orchestrator may run several jobs, one
// after the other or at the same time; runs share nothing but the Executor.
type Orchestrator struct {
	executor   Executor
	maxWorkers int
	logger     *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runs metric.Int64Counter
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	o := &Orchestrator{
		executor:   cfg.Executor,
		maxWorkers: cfg.MaxWorkers,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("instance-scheduler/orchestrator"),
		meter:      otel.Meter("instance-scheduler/orchestrator"),
	}

	var err error
	o.runs, err = o.meter.Int64Counter(
		"instance_scheduler.job.runs",
		metric.WithDescription("Total number of job runs, by action, mode and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runs counter", slog.String("error", err.Error()))
	}

	return o
}

// Run applies action to every instance in ids and returns the aggregate
// result.  It never fails: per-instance errors, including panics raised
// while processing an instance, become failed Outcomes.
//
// In sequential mode instances are processed in input order and, under
// HaltOnFirstError, nothing after the first failure is attempted.
// Concurrent mode always processes every instance and ignores the halt
// policy; Outcomes then appear in completion order.
func (o *Orchestrator) Run(
	ctx context.Context,
	ids []string,
	action instance.Action,
	mode instance.ExecutionMode,
	policy instance.FailurePolicy,
) instance.Summary {
	runID := uuid.NewString()

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.action", action.String()),
		attribute.String("run.mode", mode.String()),
		attribute.String("run.policy", policy.String()),
		attribute.Int("run.instances", len(ids)),
	)

	log := o.logger.With(slog.String("run_id", runID))
	log.Info("job started",
		slog.String("action", action.String()),
		slog.String("mode", mode.String()),
		slog.String("policy", policy.String()),
		slog.Int("instances", len(ids)),
	)

	start := time.Now()
	var summary instance.Summary
	switch mode {
	case instance.ModeConcurrent:
		if policy == instance.HaltOnFirstError {
			log.Warn("halt on first error is not supported in concurrent mode, all instances will be processed")
		}
		summary = o.runConcurrent(ctx, ids, action)
	default:
		summary = o.runSequential(ctx, log, ids, action, policy)
	}

	span.SetAttributes(
		attribute.Int("run.succeeded", summary.Succeeded),
		attribute.Int("run.failed", summary.Failed),
	)
	result := "success"
	if summary.Failed > 0 {
		result = "failure"
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d instances failed", summary.Failed, summary.Total))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if o.runs != nil {
		o.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action.String()),
			attribute.String("mode", mode.String()),
			attribute.String("result", result),
		))
	}

	log.Info("job finished",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	return summary
}

func (o *Orchestrator) runSequential(
	ctx context.Context,
	log *slog.Logger,
	ids []string,
	action instance.Action,
	policy instance.FailurePolicy,
) instance.Summary {
	var summary instance.Summary
	for i, id := range ids {
		out := o.execute(ctx, id, action)
		summary.Add(out)

		if !out.Succeeded && policy == instance.HaltOnFirstError {
			log.Warn("halting job after failure",
				slog.String("instance", id),
				slog.Int("skipped", len(ids)-i-1),
			)
			break
		}
	}
	return summary
}

func (o *Orchestrator) runConcurrent(ctx context.Context, ids []string, action instance.Action) instance.Summary {
	var summary instance.Summary
	if len(ids) == 0 {
		return summary
	}

	results := make(chan instance.Outcome, len(ids))
	done := make(chan struct{})

	// Single aggregator: the Summary is only touched here.
	go func() {
		defer close(done)
		for out := range results {
			summary.Add(out)
		}
	}()

	var g errgroup.Group
	g.SetLimit(min(o.maxWorkers, len(ids)))
	for _, id := range ids {
		g.Go(func() error {
			results <- o.execute(ctx, id, action)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-done

	return summary
}

// execute runs one unit and converts a panic into a failed Outcome.
func (o *Orchestrator) execute(ctx context.Context, id string, action instance.Action) (out instance.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("unexpected fault while processing instance",
				slog.String("instance", id),
				slog.Any("panic", r),
			)
			out = instance.Outcome{
				InstanceID: id,
				Err:        fmt.Sprintf("unexpected fault: %v", r),
			}
		}
	}()
	return o.executor.Execute(ctx, id, action)
}
