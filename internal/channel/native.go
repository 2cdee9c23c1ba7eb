package channel

import (
	"net/url"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"benchclient/internal/grpcweb"
)

// NewNative creates a handle backed by a grpc-go ClientConn.  The
// connection is established lazily on the first call, so an
// unreachable target only surfaces at first use.
func NewNative(id int, target *url.URL, creds credentials.TransportCredentials, opts ...grpc.DialOption) (*Handle, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent("benchclient"),
	}, opts...)
	cc, err := grpc.NewClient(target.Host, dialOpts...)
	if err != nil {
		return nil, err
	}
	return newHandle(id, target, grpcweb.ModeNone, cc), nil
}
