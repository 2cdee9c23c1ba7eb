package factory

import (
	"io/fs"
	"path"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"benchclient/internal/metrics"
	"benchclient/internal/transport"
)

// Option customises a GRPCFactory.
type Option func(*options)

type options struct {
	insecureSkipVerify bool
	caFile             string
	serverName         string
	identity           *transport.IdentitySource
	logger             zerolog.Logger
	metrics            *metrics.Collector
	dialOptions        []grpc.DialOption
}

func defaultOptions() options {
	return options{logger: zerolog.Nop()}
}

// WithInsecureSkipVerify accepts any server certificate.  Test and
// benchmark use only.
func WithInsecureSkipVerify(on bool) Option {
	return func(o *options) { o.insecureSkipVerify = on }
}

// WithCAFile adds PEM roots used to verify the server.
func WithCAFile(file string) Option {
	return func(o *options) { o.caFile = file }
}

// WithServerName overrides the TLS server name.
func WithServerName(name string) Option {
	return func(o *options) { o.serverName = name }
}

// WithIdentity sets where the client identity is read from.  Without
// it the identity is Certs/client.pfx next to the running binary.
func WithIdentity(src transport.IdentitySource) Option {
	return func(o *options) { o.identity = &src }
}

// WithIdentityFS reads Certs/client.pfx with the default passphrase
// from fsys.
func WithIdentityFS(fsys fs.FS) Option {
	return WithIdentity(transport.IdentitySource{
		FS:       fsys,
		Path:     path.Join(transport.DefaultIdentityDir, transport.DefaultIdentityFile),
		Password: transport.DefaultIdentityPassword,
	})
}

// WithLogger sets the logger.  The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records lifecycle events on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithDialOptions appends grpc-go dial options for native channels.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}
