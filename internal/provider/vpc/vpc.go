// Package vpc implements the provider.Provider interface for IBM Cloud VPC
// virtual server instances.
//
// Authentication uses an IAM API key exchanged for bearer tokens by the
// SDK core.  The regional endpoint is https://{region}.iaas.cloud.ibm.com/v1
// unless Config.URL overrides it.
package vpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/IBM/go-sdk-core/v5/core"
	"github.com/IBM/vpc-go-sdk/vpcv1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/instance-scheduler/internal/buildinfo"
	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/provider"
)

// DefaultRegion is used when Config.Region is empty.
const DefaultRegion = "us-east"

// Config holds IBM Cloud VPC settings.
type Config struct {
	// APIKey is the IAM API key (required).
	APIKey string

	// Region selects the regional endpoint, e.g. us-south, eu-de, jp-tok.
	// Default: "us-east".
	Region string

	// URL overrides the endpoint derived from Region (optional).
	URL string
}

// Endpoint returns the service URL for the config.
func (c Config) Endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	region := c.Region
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf("https://%s.iaas.cloud.ibm.com/v1", region)
}

// vpcAPI is the subset of *vpcv1.VpcV1 the provider calls.
type vpcAPI interface {
	GetInstanceWithContext(ctx context.Context, opts *vpcv1.GetInstanceOptions) (*vpcv1.Instance, *core.DetailedResponse, error)
	CreateInstanceActionWithContext(ctx context.Context, opts *vpcv1.CreateInstanceActionOptions) (*vpcv1.InstanceAction, *core.DetailedResponse, error)
}

// Provider manages IBM Cloud VPC instances.
type Provider struct {
	api    vpcAPI
	region string
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Provider satisfies the provider.Provider interface.
var _ provider.Provider = (*Provider)(nil)

// New builds the VPC service client.  No request is made until the first
// Status call.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vpc: api key is required")
	}

	auth, err := core.NewIamAuthenticatorBuilder().SetApiKey(cfg.APIKey).Build()
	if err != nil {
		return nil, fmt.Errorf("vpc iam authenticator: %w", err)
	}

	svc, err := vpcv1.NewVpcV1(&vpcv1.VpcV1Options{
		URL:           cfg.Endpoint(),
		Authenticator: auth,
	})
	if err != nil {
		return nil, fmt.Errorf("vpc service: %w", err)
	}
	svc.Service.SetUserAgent("instance-scheduler/" + buildinfo.Version)

	logger.Info("vpc provider initialized",
		slog.String("region", cfg.Region),
		slog.String("endpoint", cfg.Endpoint()),
	)

	return newProvider(svc, cfg, logger), nil
}

func newProvider(api vpcAPI, cfg Config, logger *slog.Logger) *Provider {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	return &Provider{
		api:    api,
		region: region,
		logger: logger,
		tracer: otel.Tracer("instance-scheduler/provider/vpc"),
	}
}

// Status fetches the instance.
func (p *Provider) Status(ctx context.Context, id string) (provider.Status, error) {
	ctx, span := p.tracer.Start(ctx, "provider.vpc.Status")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.id", id),
		attribute.String("vpc.region", p.region),
	)

	inst, resp, err := p.api.GetInstanceWithContext(ctx, &vpcv1.GetInstanceOptions{ID: core.StringPtr(id)})
	if err != nil {
		span.RecordError(err)
		return provider.Status{}, &provider.RemoteError{Op: "get instance", InstanceID: id, Err: describe(resp, err)}
	}
	if inst == nil {
		return provider.Status{}, &provider.RemoteError{Op: "get instance", InstanceID: id, Err: errors.New("empty response")}
	}

	raw := core.StringNilMapper(inst.Status)
	span.SetAttributes(attribute.String("vpc.status", raw))

	name := core.StringNilMapper(inst.Name)
	if name == "" {
		name = "Unknown"
	}
	return provider.Status{State: instance.ParseState(raw), Name: name}, nil
}

// Apply creates a start or stop instance action.
func (p *Provider) Apply(ctx context.Context, id string, action instance.Action) error {
	if err := provider.CheckMutating(id, action); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "provider.vpc.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.id", id),
		attribute.String("instance.action", action.String()),
		attribute.String("vpc.region", p.region),
	)

	_, resp, err := p.api.CreateInstanceActionWithContext(ctx, &vpcv1.CreateInstanceActionOptions{
		InstanceID: core.StringPtr(id),
		Type:       core.StringPtr(action.String()),
	})
	if err != nil {
		span.RecordError(err)
		return &provider.RemoteError{Op: action.String() + " instance", InstanceID: id, Err: describe(resp, err)}
	}

	p.logger.Debug("instance action accepted",
		slog.String("instance", id),
		slog.String("action", action.String()),
	)
	return nil
}

// Close is a no-op: the SDK holds no long-lived connections of its own.
func (p *Provider) Close() error { return nil }

var errNotFound = errors.New("instance not found")

func describe(resp *core.DetailedResponse, err error) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", errNotFound, err)
	}
	return err
}
