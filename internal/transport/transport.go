// Package transport builds the pieces a channel is assembled from: the
// TLS configuration, the client identity presented for mutual TLS, and
// the HTTP/1.1 round tripper used underneath gRPC-Web framing.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"benchclient/internal/errors"
)

// TLSOptions describes the secure-transport policy of a channel.
type TLSOptions struct {
	// InsecureSkipVerify accepts any server certificate.  Test and
	// benchmark use only: it exists for self-signed bench servers.
	InsecureSkipVerify bool
	// CAFile adds PEM roots on top of the system pool.
	CAFile string
	// ServerName overrides SNI and verification host name.
	ServerName string
	// Identity, if set, is presented as the client certificate.
	Identity *tls.Certificate
}

// BuildTLSConfig assembles a *tls.Config from opts.
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // explicit opt-in
		ServerName:         opts.ServerName,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, &errors.ConfigError{Field: "ca-file", Value: opts.CAFile, Message: "cannot read CA bundle", Err: err}
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &errors.ConfigError{Field: "ca-file", Value: opts.CAFile, Message: "no PEM certificates found"}
		}
		cfg.RootCAs = pool
	}

	if opts.Identity != nil {
		if len(opts.Identity.Certificate) == 0 {
			return nil, fmt.Errorf("client identity has no certificate")
		}
		cfg.Certificates = []tls.Certificate{*opts.Identity}
	}
	return cfg, nil
}
