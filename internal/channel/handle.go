// Package channel defines the channel handle returned by the factory.
//
// A Handle is a grpc.ClientConnInterface bound to one target URL, one
// security configuration and one framing mode.  It has two backends: a
// native grpc-go ClientConn for plain gRPC, and an HTTP client backend
// used when the transport is wrapped in gRPC-Web framing.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"google.golang.org/grpc"

	"benchclient/internal/errors"
	"benchclient/internal/grpcweb"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateActive   State = iota + 1 // cached and usable
	StateReleased                  // terminal
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// backend is the live transport behind a Handle.
type backend interface {
	grpc.ClientConnInterface
	Close() error
}

// Handle is a live channel.  It is safe for concurrent calls.  Close
// is terminal: afterwards every call fails with ErrChannelReleased, and
// closing again returns ErrChannelReleased.
type Handle struct {
	id      int
	target  *url.URL
	framing grpcweb.Mode
	conn    backend
	state   atomic.Int32
}

func newHandle(id int, target *url.URL, framing grpcweb.Mode, conn backend) *Handle {
	h := &Handle{id: id, target: target, framing: framing, conn: conn}
	h.state.Store(int32(StateActive))
	return h
}

// ID returns the slot id the handle was constructed for.
func (h *Handle) ID() int { return h.id }

// Target returns a copy of the scheme-qualified target URL.
func (h *Handle) Target() *url.URL {
	u := *h.target
	return &u
}

// Framing returns the gRPC-Web mode, ModeNone for native channels.
func (h *Handle) Framing() grpcweb.Mode { return h.framing }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Released reports whether Close has been called.
func (h *Handle) Released() bool { return h.State() == StateReleased }

// RoundTripper returns the HTTP transport chain of an HTTP-backed
// handle, or nil for native channels.
func (h *Handle) RoundTripper() http.RoundTripper {
	if hc, ok := h.conn.(*httpConn); ok {
		return hc.client.Transport
	}
	return nil
}

// ClientConn returns the grpc-go connection of a native handle, or nil.
func (h *Handle) ClientConn() *grpc.ClientConn {
	if cc, ok := h.conn.(*grpc.ClientConn); ok {
		return cc
	}
	return nil
}

// Invoke implements grpc.ClientConnInterface.
func (h *Handle) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	if h.Released() {
		return fmt.Errorf("invoke %s on channel %d: %w", method, h.id, errors.ErrChannelReleased)
	}
	return h.conn.Invoke(ctx, method, args, reply, opts...)
}

// NewStream implements grpc.ClientConnInterface.
func (h *Handle) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if h.Released() {
		return nil, fmt.Errorf("stream %s on channel %d: %w", method, h.id, errors.ErrChannelReleased)
	}
	return h.conn.NewStream(ctx, desc, method, opts...)
}

// Close releases the underlying transport.
func (h *Handle) Close() error {
	if !h.state.CompareAndSwap(int32(StateActive), int32(StateReleased)) {
		return fmt.Errorf("close channel %d: %w", h.id, errors.ErrChannelReleased)
	}
	return h.conn.Close()
}

func (h *Handle) String() string {
	return fmt.Sprintf("channel %d %s (%s, framing=%s)", h.id, h.target, h.State(), h.framing)
}
