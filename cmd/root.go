// Package cmd wires up the CLI flags and dispatches to the benchmark
// driver.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"benchclient/bench"
	"benchclient/config"
	"benchclient/factory"
	"benchclient/internal/errors"
	"benchclient/internal/metrics"
	"benchclient/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X benchclient/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the connection phase of a benchmark.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout)
}

// flagValues holds the raw flag values; only flags the user set are
// applied on top of the file and environment.
type flagValues struct {
	cfg        config.Config
	configPath string
	dryRun     bool
	version    bool
	help       bool
}

func newFlagSet(v *flagValues) *flag.FlagSet {
	fs := flag.NewFlagSet("benchclient", flag.ContinueOnError)
	c := &v.cfg

	// ── endpoint ─────────────────────────────────────────────────
	fs.BoolVar(&c.UseTLS, "tls", false, "Connect with TLS (https scheme)")
	fs.BoolVar(&c.UseClientCert, "client-cert", false, "Present the client certificate (mTLS)")
	fs.StringVar(&c.GrpcWeb, "grpc-web", "", "gRPC-Web framing: text or binary")

	// ── TLS ──────────────────────────────────────────────────────
	fs.BoolVar(&c.InsecureSkipVerify, "insecure", false, "Accept any server certificate")
	fs.StringVar(&c.CAFile, "ca-file", "", "PEM bundle to verify the server with")
	fs.StringVar(&c.ServerName, "server-name", "", "Override the TLS server name")

	// ── client identity ──────────────────────────────────────────
	fs.StringVar(&c.CertDir, "cert-dir", "", "Base directory of the client certificate (default: executable dir)")
	fs.StringVar(&c.CertFile, "cert-file", config.DefaultCertFile, "PKCS#12 client certificate, relative to --cert-dir")
	fs.StringVar(&c.CertPassword, "cert-password", "", "Client certificate passphrase")
	fs.BoolVar(&c.PromptPassword, "prompt-password", false, "Prompt for the client certificate passphrase")

	// ── run ──────────────────────────────────────────────────────
	fs.IntVarP(&c.Connections, "connections", "n", config.DefaultConnections, "Number of channels to acquire")
	fs.BoolVar(&c.WaitReady, "wait-ready", false, "Probe each channel with a health check before using it")
	fs.StringVar(&c.HealthService, "health-service", "", "Service name for the readiness probe")
	fs.DurationVarP(&c.ConnectTimeout, "timeout", "w", config.DefaultConnectTimeout, "Time limit for acquiring all channels")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&c.LogFormat, "log-format", util.FormatConsole, "Log format: console or json")
	fs.CountVarP(&c.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	fs.StringVarP(&v.configPath, "config", "f", "", "TOML config file")
	fs.BoolVar(&v.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&v.version, "version", false, "Print version and exit")
	fs.BoolVarP(&v.help, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	var v flagValues
	fs := newFlagSet(&v)

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if v.help || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if v.version {
		fmt.Fprintf(out, "benchclient %s\n", version)
		return nil
	}

	// ── resolve: defaults → file → env → flags ──────────────────
	cfg := config.Default()
	if v.configPath != "" {
		if err := config.LoadFile(v.configPath, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)
	applyFlags(fs, &v.cfg, cfg)

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		cfg.Target = rest[0]
	default:
		return fmt.Errorf("too many arguments: want a single host:port target")
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if v.dryRun {
		mode, _ := cfg.Mode()
		fmt.Fprintf(out, "target=%s tls=%t client-cert=%t grpc-web=%s connections=%d\n",
			cfg.Target, cfg.UseTLS, cfg.UseClientCert, mode, cfg.Connections)
		return nil
	}

	if cfg.UseClientCert && cfg.PromptPassword {
		pass, err := promptPassword(cfg.CertFile)
		if err != nil {
			return err
		}
		cfg.CertPassword = pass
	}

	return run(ctx, cfg, out)
}

// applyFlags copies the flags the user actually set from parsed onto cfg.
func applyFlags(fs *flag.FlagSet, parsed, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tls":
			cfg.UseTLS = parsed.UseTLS
		case "client-cert":
			cfg.UseClientCert = parsed.UseClientCert
		case "grpc-web":
			cfg.GrpcWeb = parsed.GrpcWeb
		case "insecure":
			cfg.InsecureSkipVerify = parsed.InsecureSkipVerify
		case "ca-file":
			cfg.CAFile = parsed.CAFile
		case "server-name":
			cfg.ServerName = parsed.ServerName
		case "cert-dir":
			cfg.CertDir = parsed.CertDir
		case "cert-file":
			cfg.CertFile = parsed.CertFile
		case "cert-password":
			cfg.CertPassword = parsed.CertPassword
		case "prompt-password":
			cfg.PromptPassword = parsed.PromptPassword
		case "connections":
			cfg.Connections = parsed.Connections
		case "wait-ready":
			cfg.WaitReady = parsed.WaitReady
		case "health-service":
			cfg.HealthService = parsed.HealthService
		case "timeout":
			cfg.ConnectTimeout = parsed.ConnectTimeout
		case "metrics-addr":
			cfg.MetricsAddr = parsed.MetricsAddr
		case "log-format":
			cfg.LogFormat = parsed.LogFormat
		case "verbose":
			cfg.Verbose = parsed.Verbose
		}
	})
}

// ── run ──────────────────────────────────────────────────────────────

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := util.NewLogger(cfg.Verbose, cfg.LogFormat)

	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	f, err := buildFactory(cfg, logger, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing channel factory")
		}
	}()

	var fac factory.Factory = f
	if cfg.WaitReady {
		fac = factory.NewReadyFactory(f,
			factory.WithProbe(factory.HealthProbe(cfg.HealthService)),
			factory.WithAttemptTimeout(config.DefaultProbeTimeout),
			factory.WithReadyLogger(logger))
	}

	d := &bench.Driver{
		Factory:     fac,
		Connections: cfg.Connections,
		Timeout:     cfg.ConnectTimeout,
		Logger:      logger,
		Metrics:     collector,
		Out:         out,
	}
	_, err = d.Run(ctx)
	return err
}

func buildFactory(cfg *config.Config, logger zerolog.Logger, m *metrics.Collector) (*factory.GRPCFactory, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	opts := []factory.Option{
		factory.WithInsecureSkipVerify(cfg.InsecureSkipVerify),
		factory.WithCAFile(cfg.CAFile),
		factory.WithServerName(cfg.ServerName),
		factory.WithLogger(logger),
		factory.WithMetrics(m),
	}
	if cfg.UseClientCert {
		src, err := cfg.IdentitySource()
		if err != nil {
			return nil, fmt.Errorf("locate client certificate: %w", err)
		}
		opts = append(opts, factory.WithIdentity(src))
	}
	if cfg.InsecureSkipVerify {
		logger.Warn().Msg("server certificate verification is disabled")
	}
	return factory.New(cfg.Target, cfg.UseTLS, cfg.UseClientCert, mode, opts...), nil
}

// serveMetrics exposes reg on addr until the returned stop func runs.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &errors.ConfigError{
			Field:   "metrics-addr",
			Value:   addr,
			Message: "cannot listen",
			Err:     err,
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", lis.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func promptPassword(file string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", &errors.ConfigError{
			Field:   "prompt-password",
			Value:   true,
			Message: "stdin is not a terminal",
			Hint:    "use --cert-password or BENCH_CERT_PASSWORD instead",
		}
	}
	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", file)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `benchclient - gRPC benchmark client v%s

Opens channels to a gRPC server the way the load generator does and
reports how the connection phase went.

Usage:
  benchclient [options] <host:port>

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  benchclient localhost:50051                        One plaintext channel
  benchclient -n 100 --tls --insecure bench:443      100 TLS channels
  benchclient --tls --client-cert bench:443          mTLS with Certs/client.pfx
  benchclient --grpc-web text --tls bench:443        gRPC-Web text over HTTP/1.1
  benchclient --wait-ready -n 16 localhost:50051     Probe each channel's health
`)
}
