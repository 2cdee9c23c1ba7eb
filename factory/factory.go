// Package factory creates, caches and releases channels to a single
// benchmark target.
//
// Channels are keyed by an integer slot id.  The first Acquire for an
// id constructs the channel; later calls return the same *channel.Handle
// until it is released.  Release closes the transport and purges the
// slot, so the next Acquire for that id constructs a fresh channel.
package factory

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"benchclient/internal/channel"
	"benchclient/internal/errors"
	"benchclient/internal/grpcweb"
	"benchclient/internal/transport"
	"benchclient/util"
)

// Factory hands out channels by slot id.  Implementations may block in
// Acquire (for a handshake, say) and must honour ctx while they do.
type Factory interface {
	Acquire(ctx context.Context, id int) (*channel.Handle, error)
	Release(ctx context.Context, h *channel.Handle) error
}

// GRPCFactory is the default Factory.  Construction is synchronous; ctx
// only bounds the wait for a concurrent construction of the same id.
// It is safe for concurrent use.
type GRPCFactory struct {
	target        string
	useTLS        bool
	useClientCert bool
	framing       grpcweb.Mode
	opts          options

	mu     sync.Mutex
	slots  map[int]*slot
	closed bool
}

// slot coordinates construction for one id: done is closed once h or
// err is set.
type slot struct {
	done chan struct{}
	h    *channel.Handle
	err  error
}

var _ Factory = (*GRPCFactory)(nil)

// New stores the channel parameters.  Nothing is validated or dialled
// until the first Acquire.
func New(target string, useTLS, useClientCert bool, framing grpcweb.Mode, opts ...Option) *GRPCFactory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &GRPCFactory{
		target:        target,
		useTLS:        useTLS,
		useClientCert: useClientCert,
		framing:       framing,
		opts:          o,
		slots:         make(map[int]*slot),
	}
}

// Acquire returns the channel cached for id, constructing it on the
// first request.  Concurrent callers for the same id share a single
// construction.  A failed construction is not cached.
func (f *GRPCFactory) Acquire(ctx context.Context, id int) (*channel.Handle, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.opts.metrics.Failure(string(errors.KindMisuse))
		return nil, fmt.Errorf("acquire channel %d: %w", id, errors.ErrFactoryClosed)
	}
	if s, ok := f.slots[id]; ok {
		f.mu.Unlock()
		select {
		case <-s.done:
		default:
			select {
			case <-s.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if s.err != nil {
			return nil, s.err
		}
		f.opts.metrics.CacheHit()
		return s.h, nil
	}
	s := &slot{done: make(chan struct{})}
	f.slots[id] = s
	f.mu.Unlock()

	h, err := f.construct(id)

	f.mu.Lock()
	s.h, s.err = h, err
	closed := f.closed
	if err != nil || closed {
		if f.slots[id] == s {
			delete(f.slots, id)
		}
	}
	if closed && err == nil {
		s.h, s.err = nil, fmt.Errorf("acquire channel %d: %w", id, errors.ErrFactoryClosed)
	}
	close(s.done)
	f.mu.Unlock()

	if err != nil {
		f.opts.metrics.Failure(string(errors.Classify(err)))
		f.opts.logger.Warn().Err(err).Int("id", id).Msg("channel construction failed")
		return nil, err
	}
	f.opts.metrics.ChannelCreated()
	if closed {
		// Close ran while we were constructing
		_ = h.Close()
		f.opts.metrics.ChannelReleased()
		return nil, s.err
	}
	f.opts.logger.Debug().
		Int("id", id).
		Str("url", h.Target().String()).
		Stringer("framing", f.framing).
		Msg("channel constructed")
	return h, nil
}

// construct builds a new, uncached channel for id.
func (f *GRPCFactory) construct(id int) (*channel.Handle, error) {
	u, err := util.SchemeURL(f.target, f.useTLS)
	if err != nil {
		return nil, errors.Construct(id, "url", f.target, &errors.ConfigError{
			Field:   "target",
			Value:   f.target,
			Message: "malformed target",
			Hint:    "use host:port",
			Err:     err,
		})
	}

	tlsOpts := transport.TLSOptions{
		InsecureSkipVerify: f.opts.insecureSkipVerify,
		CAFile:             f.opts.caFile,
		ServerName:         f.opts.serverName,
	}
	if f.useClientCert {
		cert, err := f.loadIdentity()
		if err != nil {
			return nil, errors.Construct(id, "identity", u.String(), err)
		}
		tlsOpts.Identity = &cert
	}

	var tlsCfg *tls.Config
	if f.useTLS {
		tlsCfg, err = transport.BuildTLSConfig(tlsOpts)
		if err != nil {
			return nil, errors.Construct(id, "tls", u.String(), err)
		}
	}

	if f.framing != grpcweb.ModeNone {
		return f.constructHTTP(id, u, tlsCfg)
	}

	var creds credentials.TransportCredentials = insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}
	h, err := channel.NewNative(id, u, creds, f.opts.dialOptions...)
	if err != nil {
		return nil, errors.Construct(id, "dial", u.String(), err)
	}
	return h, nil
}

func (f *GRPCFactory) constructHTTP(id int, u *url.URL, tlsCfg *tls.Config) (*channel.Handle, error) {
	rt, err := grpcweb.NewTransport(f.framing, transport.NewHTTP1Transport(tlsCfg))
	if err != nil {
		return nil, errors.Construct(id, "framing", u.String(), err)
	}
	return channel.NewHTTP(id, u, f.framing, &http.Client{Transport: rt}), nil
}

func (f *GRPCFactory) loadIdentity() (tls.Certificate, error) {
	src := f.opts.identity
	if src == nil {
		def, err := transport.DefaultIdentitySource()
		if err != nil {
			return tls.Certificate{}, err
		}
		src = &def
	}
	return transport.LoadIdentity(*src)
}

// Release closes h and purges its slot if the slot still holds h.
// Releasing the same handle twice returns ErrChannelReleased.
func (f *GRPCFactory) Release(_ context.Context, h *channel.Handle) error {
	if h == nil {
		return fmt.Errorf("release: nil channel")
	}
	f.mu.Lock()
	if s, ok := f.slots[h.ID()]; ok && s.h == h {
		delete(f.slots, h.ID())
	}
	f.mu.Unlock()

	if err := h.Close(); err != nil {
		f.opts.metrics.Failure(string(errors.Classify(err)))
		return err
	}
	f.opts.metrics.ChannelReleased()
	f.opts.logger.Debug().Int("id", h.ID()).Msg("channel released")
	return nil
}

// Len returns the number of cached channels.
func (f *GRPCFactory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.slots {
		select {
		case <-s.done:
			n++
		default:
		}
	}
	return n
}

// Close releases every cached channel.  Later Acquire calls fail with
// ErrFactoryClosed; constructions still in flight are released as they
// finish.
func (f *GRPCFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	var handles []*channel.Handle
	for id, s := range f.slots {
		select {
		case <-s.done:
			handles = append(handles, s.h)
			delete(f.slots, id)
		default:
		}
	}
	f.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
			continue
		}
		f.opts.metrics.ChannelReleased()
	}
	f.opts.logger.Debug().Int("released", len(handles)-len(errs)).Msg("channel factory closed")
	return errors.Join(errs...)
}
