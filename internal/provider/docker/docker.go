// Package docker implements the provider.Provider interface against a
// Docker daemon: every container is an instance and its ID (or name) is
// the instance ID.  Useful for exercising jobs locally without a cloud
// account.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/provider"
)

// Config holds Docker-specific settings.
type Config struct {
	// StopTimeout is how long the daemon waits for a container to exit
	// before killing it.  Zero uses the container's own default.
	StopTimeout time.Duration
}

// containerAPI is the subset of *dockerclient.Client the provider calls.
type containerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	Close() error
}

// Provider manages Docker containers as instances.
type Provider struct {
	client      containerAPI
	stopTimeout time.Duration
	logger      *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Provider satisfies the provider.Provider interface.
var _ provider.Provider = (*Provider)(nil)

// New connects to the daemon configured by the environment (DOCKER_HOST
// etc.) and negotiates the API version.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	logger.Info("docker provider initialized", slog.String("host", client.DaemonHost()))

	return newProvider(client, cfg, logger), nil
}

func newProvider(client containerAPI, cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		client:      client,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		tracer:      otel.Tracer("instance-scheduler/provider/docker"),
	}
}

// Status inspects the container.
func (p *Provider) Status(ctx context.Context, id string) (provider.Status, error) {
	ctx, span := p.tracer.Start(ctx, "provider.docker.Status")
	defer span.End()
	span.SetAttributes(attribute.String("instance.id", id))

	resp, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		span.RecordError(err)
		if dockerclient.IsErrNotFound(err) {
			return provider.Status{}, &provider.RemoteError{Op: "inspect container", InstanceID: id, Err: fmt.Errorf("container not found: %w", err)}
		}
		return provider.Status{}, &provider.RemoteError{Op: "inspect container", InstanceID: id, Err: err}
	}

	var raw, name string
	if resp.ContainerJSONBase != nil {
		name = strings.TrimPrefix(resp.Name, "/")
		if resp.State != nil {
			raw = string(resp.State.Status)
		}
	}

	span.SetAttributes(attribute.String("docker.state", raw))
	return provider.Status{State: MapState(raw), Name: name}, nil
}

// Apply starts or stops the container.  The daemon call returns once the
// request is accepted for start, and once the container has exited for
// stop.
func (p *Provider) Apply(ctx context.Context, id string, action instance.Action) error {
	if err := provider.CheckMutating(id, action); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "provider.docker.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.id", id),
		attribute.String("instance.action", action.String()),
	)

	var err error
	switch action {
	case instance.ActionStart:
		err = p.client.ContainerStart(ctx, id, container.StartOptions{})
	case instance.ActionStop:
		opts := container.StopOptions{}
		if p.stopTimeout > 0 {
			// Docker takes whole seconds; 0 would kill immediately.
			secs := int(math.Ceil(p.stopTimeout.Seconds()))
			opts.Timeout = &secs
		}
		err = p.client.ContainerStop(ctx, id, opts)
	}
	if err != nil {
		span.RecordError(err)
		return &provider.RemoteError{Op: action.String() + " container", InstanceID: id, Err: err}
	}

	p.logger.Debug("container action accepted",
		slog.String("containerID", id),
		slog.String("action", action.String()),
	)
	return nil
}

// Close closes the daemon connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// MapState converts a Docker container state to an instance.State.
// paused and unlisted states are preserved raw.
func MapState(state string) instance.State {
	switch state {
	case "running":
		return instance.StateRunning
	case "exited", "dead":
		return instance.StateStopped
	case "created":
		return instance.StatePending
	case "restarting":
		return instance.StateStarting
	case "removing":
		return instance.StateStopping
	default:
		return instance.State(state)
	}
}
