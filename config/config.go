// Package config defines the runtime configuration for benchclient and
// the checks that run before any channel is built.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"benchclient/internal/errors"
	"benchclient/internal/grpcweb"
	"benchclient/internal/transport"
	"benchclient/util"
)

// Config holds every tuneable for a single benchmark run.
type Config struct {
	// ── Endpoint ─────────────────────────────────────────────────────
	Target        string
	UseTLS        bool
	UseClientCert bool
	GrpcWeb       string // "", "text" or "binary"

	// ── TLS ──────────────────────────────────────────────────────────
	InsecureSkipVerify bool
	CAFile             string
	ServerName         string

	// ── Client identity ──────────────────────────────────────────────
	CertDir        string // base directory; empty means the executable's
	CertFile       string // PKCS#12 path relative to CertDir
	CertPassword   string
	PromptPassword bool

	// ── Run ──────────────────────────────────────────────────────────
	Connections    int
	WaitReady      bool
	ConnectTimeout time.Duration
	HealthService  string

	// ── Output ───────────────────────────────────────────────────────
	MetricsAddr string
	LogFormat   string
	Verbose     int
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Target:         DefaultTarget,
		CertFile:       DefaultCertFile,
		CertPassword:   transport.DefaultIdentityPassword,
		Connections:    DefaultConnections,
		ConnectTimeout: DefaultConnectTimeout,
		LogFormat:      util.FormatConsole,
	}
}

// Mode parses GrpcWeb.
func (c *Config) Mode() (grpcweb.Mode, error) {
	m, err := grpcweb.ParseMode(c.GrpcWeb)
	if err != nil {
		return grpcweb.ModeNone, &errors.ConfigError{
			Field:   "grpc-web",
			Value:   c.GrpcWeb,
			Message: "unknown framing mode",
			Hint:    "use text, binary or leave empty for plain gRPC",
			Err:     err,
		}
	}
	return m, nil
}

// IdentitySource locates the client PKCS#12 file.  With no CertDir the
// path is resolved against the running executable.
func (c *Config) IdentitySource() (transport.IdentitySource, error) {
	dir := c.CertDir
	if dir == "" {
		exe, err := transport.ExecutableDir()
		if err != nil {
			return transport.IdentitySource{}, err
		}
		dir = exe
	}
	return transport.IdentitySource{
		FS:       os.DirFS(dir),
		Path:     filepath.ToSlash(filepath.Clean(c.CertFile)),
		Password: c.CertPassword,
	}, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Errors are *errors.ConfigError with a hint for the user.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return &errors.ConfigError{
			Field:   "target",
			Message: "target is required",
			Hint:    "pass host:port as the first argument or set BENCH_TARGET",
		}
	}
	if _, err := util.SchemeURL(c.Target, c.UseTLS); err != nil {
		return &errors.ConfigError{
			Field:   "target",
			Value:   c.Target,
			Message: "malformed target",
			Hint:    "use host:port, e.g. localhost:50051",
			Err:     err,
		}
	}
	if _, _, err := util.SplitTarget(c.Target); err != nil {
		return &errors.ConfigError{
			Field:   "target",
			Value:   c.Target,
			Message: "target needs an explicit port",
			Hint:    "use host:port, e.g. localhost:50051",
			Err:     err,
		}
	}
	if _, err := c.Mode(); err != nil {
		return err
	}

	if !c.UseTLS {
		if c.UseClientCert {
			return &errors.ConfigError{
				Field:   "client-cert",
				Value:   true,
				Message: "a client certificate needs a TLS connection",
				Hint:    "add --tls",
			}
		}
		if c.InsecureSkipVerify || c.CAFile != "" || c.ServerName != "" {
			return &errors.ConfigError{
				Field:   "tls",
				Value:   false,
				Message: "TLS options given for a plaintext connection",
				Hint:    "add --tls or drop --insecure, --ca-file and --server-name",
			}
		}
	}
	if c.UseClientCert && c.CertFile == "" {
		return &errors.ConfigError{
			Field:   "cert-file",
			Message: "client certificate path is empty",
			Hint:    "default is " + DefaultCertFile,
		}
	}
	if c.InsecureSkipVerify && c.CAFile != "" {
		return &errors.ConfigError{
			Field:   "insecure",
			Value:   true,
			Message: "--insecure and --ca-file are mutually exclusive",
		}
	}

	if c.Connections < 1 || c.Connections > MaxConnections {
		return &errors.ConfigError{
			Field:   "connections",
			Value:   c.Connections,
			Message: "connection count out of range",
			Hint:    "use 1 to 10000",
		}
	}
	if c.ConnectTimeout <= 0 {
		return &errors.ConfigError{
			Field:   "timeout",
			Value:   c.ConnectTimeout,
			Message: "timeout must be positive",
		}
	}
	if c.HealthService != "" && !c.WaitReady {
		return &errors.ConfigError{
			Field:   "health-service",
			Value:   c.HealthService,
			Message: "health service is only probed with --wait-ready",
			Hint:    "add --wait-ready",
		}
	}

	switch c.LogFormat {
	case util.FormatConsole, util.FormatJSON:
	default:
		return &errors.ConfigError{
			Field:   "log-format",
			Value:   c.LogFormat,
			Message: "unknown log format",
			Hint:    "use console or json",
		}
	}
	return nil
}
