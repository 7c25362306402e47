// Package gcp implements the provider.Provider interface on top of Google
// Cloud Compute Engine.  Instance IDs are instance names inside the
// configured project and zone.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/provider"
)

// Config holds GCP-specific provider settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone the instances live in (required).
	Zone string

	// WaitForOperation makes Apply block until the zone operation
	// finishes.  By default an accepted request counts as success.
	WaitForOperation bool
}

// operationWaiter is the part of *compute.Operation the provider uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the provider
// calls, narrowed so tests can substitute it.
type instancesAPI interface {
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	op, err := r.c.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	op, err := r.c.Stop(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Close() error { return r.c.Close() }

// Provider manages Compute Engine instances.
type Provider struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Provider satisfies the provider.Provider interface.
var _ provider.Provider = (*Provider)(nil)

// New creates a GCP provider using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Project == "" || cfg.Zone == "" {
		return nil, errors.New("gcp: project and zone are required")
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp provider initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.Bool("wait_for_operation", cfg.WaitForOperation),
	)

	return newProvider(restInstances{c: client}, cfg, logger), nil
}

func newProvider(client instancesAPI, cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("instance-scheduler/provider/gcp"),
	}
}

// Status fetches the instance and maps its Compute Engine status.
func (p *Provider) Status(ctx context.Context, id string) (provider.Status, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Status")
	defer span.End()
	span.SetAttributes(p.attrs(id)...)

	inst, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		span.RecordError(err)
		return provider.Status{}, &provider.RemoteError{Op: "get instance", InstanceID: id, Err: describe(err)}
	}

	st := provider.Status{
		State: MapStatus(inst.GetStatus()),
		Name:  inst.GetName(),
	}
	span.SetAttributes(attribute.String("gcp.status", inst.GetStatus()))
	return st, nil
}

// Apply starts or stops the instance.
func (p *Provider) Apply(ctx context.Context, id string, action instance.Action) error {
	if err := provider.CheckMutating(id, action); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "provider.gcp.Apply")
	defer span.End()
	span.SetAttributes(p.attrs(id)...)
	span.SetAttributes(attribute.String("instance.action", action.String()))

	var (
		op  operationWaiter
		err error
	)
	switch action {
	case instance.ActionStart:
		op, err = p.client.Start(ctx, &computepb.StartInstanceRequest{
			Project:  p.cfg.Project,
			Zone:     p.cfg.Zone,
			Instance: id,
		})
	case instance.ActionStop:
		op, err = p.client.Stop(ctx, &computepb.StopInstanceRequest{
			Project:  p.cfg.Project,
			Zone:     p.cfg.Zone,
			Instance: id,
		})
	}
	if err != nil {
		span.RecordError(err)
		return &provider.RemoteError{Op: action.String() + " instance", InstanceID: id, Err: describe(err)}
	}

	if !p.cfg.WaitForOperation || op == nil {
		return nil
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		span.RecordError(err)
		return &provider.RemoteError{Op: "wait " + action.String(), InstanceID: id, Err: describe(err)}
	}
	p.logger.Debug("gcp operation finished",
		slog.String("instance", id),
		slog.String("action", action.String()),
	)
	return nil
}

// Close closes the API client.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) attrs(id string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("instance.id", id),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
	}
}

// MapStatus converts a Compute Engine instance status to an instance.State.
// Unlisted statuses (SUSPENDED, DEPROVISIONING, ...) are preserved raw.
func MapStatus(status string) instance.State {
	switch strings.ToUpper(status) {
	case "RUNNING":
		return instance.StateRunning
	case "TERMINATED", "STOPPED":
		return instance.StateStopped
	case "STAGING":
		return instance.StateStarting
	case "STOPPING", "SUSPENDING":
		return instance.StateStopping
	case "PROVISIONING", "REPAIRING":
		return instance.StatePending
	default:
		return instance.State(status)
	}
}

// errNotFound marks a 404 from the Compute API.
var errNotFound = errors.New("instance not found")

// describe keeps the API error but labels 404s so the report says what
// went wrong instead of dumping the raw response.
func describe(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %w", errNotFound, err)
	}
	return err
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() == http.StatusNotFound {
		return true
	}
	// Errors that lost their type on the way still carry the text.
	msg := err.Error()
	return strings.Contains(msg, "Error 404") || strings.Contains(msg, "code = NotFound")
}
