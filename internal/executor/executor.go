// Package executor runs one lifecycle action against one instance: it
// reads the instance's state, asks the action policy what to do and, when
// needed, submits the action to the provider.
package executor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/provider"
)

// Config holds the Executor's collaborators.
type Config struct {
	Provider provider.Provider
	Logger   *slog.Logger
}

// Executor produces one instance.Outcome per call.  It is stateless apart
// from its instruments and safe for concurrent use.
type Executor struct {
	provider provider.Provider
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	actions  metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Executor{
		provider: cfg.Provider,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("instance-scheduler/executor"),
		meter:    otel.Meter("instance-scheduler/executor"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	e.actions, err = e.meter.Int64Counter(
		"instance_scheduler.instance.actions",
		metric.WithDescription("Instances processed, by action, decision and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create actions counter", slog.String("error", err.Error()))
	}

	e.duration, err = e.meter.Float64Histogram(
		"instance_scheduler.instance.duration",
		metric.WithDescription("Time to process one instance (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create duration histogram", slog.String("error", err.Error()))
	}

	return e
}

// Execute runs action against the instance id and returns its Outcome.
//
// It makes one provider call (Status) or two (Status then Apply).  A
// failed call yields a failed Outcome; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, id string, action instance.Action) instance.Outcome {
	ctx, span := e.tracer.Start(ctx, "executor.Execute")
	defer span.End()

	start := time.Now()
	span.SetAttributes(
		attribute.String("instance.id", id),
		attribute.String("instance.action", action.String()),
	)

	out := e.execute(ctx, id, action)
	out.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("instance.decision", out.Decision.String()),
		attribute.Bool("instance.succeeded", out.Succeeded),
	)
	if out.Succeeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, out.Err)
	}
	e.record(ctx, action, out)

	return out
}

func (e *Executor) execute(ctx context.Context, id string, action instance.Action) instance.Outcome {
	log := e.logger.With(slog.String("instance", id), slog.String("action", action.String()))

	st, err := e.provider.Status(ctx, id)
	if err != nil {
		log.Error("failed to get instance status", slog.String("error", err.Error()))
		return instance.Outcome{InstanceID: id, Err: err.Error()}
	}

	decision := instance.Decide(st.State, action)
	out := instance.Outcome{
		InstanceID: id,
		Name:       st.Name,
		State:      st.State,
		Decision:   decision,
	}

	switch decision {
	case instance.DecisionReportOnly:
		log.Info("instance status",
			slog.String("name", st.Name),
			slog.String("state", st.State.String()),
		)
		out.Succeeded = true

	case instance.DecisionAlreadySatisfied:
		log.Info("instance already in target state",
			slog.String("name", st.Name),
			slog.String("state", st.State.String()),
		)
		out.Succeeded = true

	case instance.DecisionApplyAction:
		switch {
		case st.State.Transient():
			log.Info("instance is transitioning, sending action again",
				slog.String("name", st.Name),
				slog.String("state", st.State.String()),
			)
		case st.State.Known():
			log.Info("sending action",
				slog.String("name", st.Name),
				slog.String("state", st.State.String()),
			)
		default:
			log.Warn("unrecognised instance state, sending action",
				slog.String("name", st.Name),
				slog.String("state", st.State.String()),
			)
		}
		if err := e.provider.Apply(ctx, id, action); err != nil {
			log.Error("action failed",
				slog.String("name", st.Name),
				slog.String("error", err.Error()),
			)
			out.Err = err.Error()
			return out
		}
		// Accepted, not converged: the target state is reported without
		// querying again.
		out.State = action.Target()
		out.Succeeded = true
		log.Info("action accepted", slog.String("name", st.Name))
	}

	return out
}

func (e *Executor) record(ctx context.Context, action instance.Action, out instance.Outcome) {
	result := "success"
	if !out.Succeeded {
		result = "failure"
	}
	if e.actions != nil {
		e.actions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action.String()),
			attribute.String("decision", out.Decision.String()),
			attribute.String("result", result),
		))
	}
	if e.duration != nil {
		e.duration.Record(ctx, out.Duration.Seconds(), metric.WithAttributes(
			attribute.String("action", action.String()),
		))
	}
}
