package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"benchclient/internal/channel"
	"benchclient/internal/errors"
	"benchclient/internal/retry"
)

// Probe checks that the endpoint behind h answers.  Returning an error
// wrapped with retry.Permanent stops further attempts.
type Probe func(ctx context.Context, h *channel.Handle) error

// HealthProbe calls grpc.health.v1.Health/Check for service.  A server
// that does not implement the health service, or does not know the
// service name, still counts as reachable.
func HealthProbe(service string) Probe {
	return func(ctx context.Context, h *channel.Handle) error {
		resp, err := healthpb.NewHealthClient(h).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		switch status.Code(err) {
		case codes.OK:
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("health of %q is %s", service, resp.GetStatus())
			}
			return nil
		case codes.Unimplemented, codes.NotFound:
			return nil
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return err
		}
		return retry.Permanent(err)
	}
}

// ReadyFactory wraps a Factory and blocks in Acquire until a newly
// constructed channel passes its probe.  Concurrent callers for the same
// id share one probe run.  A channel that never becomes ready is
// released and the probe error returned to every caller waiting on it.
type ReadyFactory struct {
	inner          Factory
	probe          Probe
	backoff        *retry.Backoff
	attemptTimeout time.Duration
	logger         zerolog.Logger

	mu     sync.Mutex
	checks map[int]*readiness
}

// readiness is one probe run for one handle.  Fields are written by the
// running caller before done is closed.
type readiness struct {
	h         *channel.Handle
	done      chan struct{}
	err       error
	abandoned bool // the running caller's ctx ended first
}

var _ Factory = (*ReadyFactory)(nil)

// ReadyOption customises a ReadyFactory.
type ReadyOption func(*ReadyFactory)

// WithProbe replaces the default HealthProbe("").
func WithProbe(p Probe) ReadyOption {
	return func(r *ReadyFactory) { r.probe = p }
}

// WithBackoff sets the retry schedule between probe attempts.
func WithBackoff(b *retry.Backoff) ReadyOption {
	return func(r *ReadyFactory) { r.backoff = b }
}

// WithAttemptTimeout bounds each probe attempt.
func WithAttemptTimeout(d time.Duration) ReadyOption {
	return func(r *ReadyFactory) { r.attemptTimeout = d }
}

// WithReadyLogger sets the logger.
func WithReadyLogger(l zerolog.Logger) ReadyOption {
	return func(r *ReadyFactory) { r.logger = l }
}

// NewReadyFactory wraps inner.
func NewReadyFactory(inner Factory, opts ...ReadyOption) *ReadyFactory {
	r := &ReadyFactory{
		inner:          inner,
		probe:          HealthProbe(""),
		backoff:        retry.DefaultBackoff(),
		attemptTimeout: 2 * time.Second,
		logger:         zerolog.Nop(),
		checks:         make(map[int]*readiness),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire implements Factory.  Handles that already passed the probe
// are returned without probing again.  A caller whose ctx ends while
// another caller's probe is running returns ctx.Err() and leaves the
// shared handle alone.
func (r *ReadyFactory) Acquire(ctx context.Context, id int) (*channel.Handle, error) {
	for {
		h, err := r.inner.Acquire(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrFactoryClosed) {
				r.mu.Lock()
				clear(r.checks)
				r.mu.Unlock()
			}
			return nil, err
		}

		r.mu.Lock()
		c, ok := r.checks[id]
		if !ok || c.h != h || c.h.Released() {
			// first request, or the inner factory replaced the handle
			c = &readiness{h: h, done: make(chan struct{})}
			r.checks[id] = c
			r.mu.Unlock()
			return r.check(ctx, id, c)
		}
		r.mu.Unlock()

		select {
		case <-c.done:
		default:
			select {
			case <-c.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if c.abandoned {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if c.err != nil {
			return nil, c.err
		}
		return h, nil
	}
}

// check runs the probe for c and publishes the outcome to the callers
// waiting on it.  Only a failed probe releases the handle; running out
// of ctx abandons the run and a waiting caller takes it over.
func (r *ReadyFactory) check(ctx context.Context, id int, c *readiness) (*channel.Handle, error) {
	b := *r.backoff
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.logger.Debug().Err(err).Int("id", id).Int("attempt", attempt).
			Dur("wait", wait).Msg("channel not ready, retrying")
	}
	err := b.Do(ctx, func(int) error {
		actx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()
		return r.probe(actx, c.h)
	})

	switch {
	case err == nil:
		r.logger.Debug().Int("id", id).Msg("channel ready")
	case ctx.Err() != nil:
		if !errors.Is(err, ctx.Err()) {
			err = errors.Join(ctx.Err(), err)
		}
		err = fmt.Errorf("channel %d not ready: %w", id, err)
		c.abandoned = true
	default:
		_ = r.inner.Release(ctx, c.h)
		err = fmt.Errorf("channel %d not ready: %w", id, err)
		c.err = err
	}

	r.mu.Lock()
	if err != nil && r.checks[id] == c {
		delete(r.checks, id)
	}
	close(c.done)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return c.h, nil
}

// Release implements Factory.
func (r *ReadyFactory) Release(ctx context.Context, h *channel.Handle) error {
	if h != nil {
		r.mu.Lock()
		if c, ok := r.checks[h.ID()]; ok && c.h == h {
			delete(r.checks, h.ID())
		}
		r.mu.Unlock()
	}
	return r.inner.Release(ctx, h)
}
