package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/terrpan/instance-scheduler/internal/instance"
)

// ---------------------------------------------------------------------------
// Per-call deadline
// ---------------------------------------------------------------------------

// WithCallTimeout bounds every call made through p by d.  A zero or
// negative d returns p unchanged: calls then wait as long as the
// underlying client does.
func WithCallTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		return p
	}
	return &timeoutProvider{next: p, timeout: d}
}

type timeoutProvider struct {
	next    Provider
	timeout time.Duration
}

func (t *timeoutProvider) Status(ctx context.Context, id string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Status(ctx, id)
}

func (t *timeoutProvider) Apply(ctx context.Context, id string, action instance.Action) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Apply(ctx, id, action)
}

func (t *timeoutProvider) Close() error { return t.next.Close() }

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

// BreakerConfig configures WithCircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in state-change callbacks.
	Name string

	// ConsecutiveFailures trips the breaker.  Default: 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before letting a
	// probe call through.  Default: 30s.
	OpenTimeout time.Duration

	// OnStateChange is called on every transition (optional).
	OnStateChange func(name string, from, to gobreaker.State)
}

// WithCircuitBreaker wraps p in a gobreaker circuit breaker.  Once the
// control plane has failed ConsecutiveFailures times in a row, calls fail
// immediately with a RemoteError wrapping gobreaker.ErrOpenState until the
// open timeout elapses.  The breaker never retries.
func WithCircuitBreaker(p Provider, cfg BreakerConfig) Provider {
	if cfg.Name == "" {
		cfg.Name = "provider"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: cfg.OnStateChange,
	}

	return &breakerProvider{next: p, cb: gobreaker.NewCircuitBreaker(settings)}
}

type breakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

func (b *breakerProvider) Status(ctx context.Context, id string) (Status, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Status(ctx, id)
	})
	if err != nil {
		return Status{}, b.wrap("status", id, err)
	}
	return res.(Status), nil
}

func (b *breakerProvider) Apply(ctx context.Context, id string, action instance.Action) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Apply(ctx, id, action)
	})
	if err != nil {
		return b.wrap("apply "+action.String(), id, err)
	}
	return nil
}

func (b *breakerProvider) Close() error { return b.next.Close() }

// wrap turns the breaker's own rejections into RemoteErrors; errors from
// the wrapped provider pass through untouched.
func (b *breakerProvider) wrap(op, id string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &RemoteError{Op: op, InstanceID: id, Err: err}
	}
	return err
}
