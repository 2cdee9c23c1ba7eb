package config

// loader.go - configuration loading from TOML files and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables
//   3. Config file (--config)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"benchclient/internal/errors"
)

// ── Config file ──────────────────────────────────────────────────────

// fileConfig mirrors the TOML layout.  Durations are strings accepted
// by time.ParseDuration.
type fileConfig struct {
	Target        string `toml:"target"`
	TLS           bool   `toml:"tls"`
	ClientCert    bool   `toml:"client_cert"`
	GrpcWeb       string `toml:"grpc_web"`
	Insecure      bool   `toml:"insecure"`
	CAFile        string `toml:"ca_file"`
	ServerName    string `toml:"server_name"`
	CertDir       string `toml:"cert_dir"`
	CertFile      string `toml:"cert_file"`
	CertPassword  string `toml:"cert_password"`
	Connections   int    `toml:"connections"`
	WaitReady     bool   `toml:"wait_ready"`
	Timeout       string `toml:"timeout"`
	HealthService string `toml:"health_service"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogFormat     string `toml:"log_format"`
	Verbose       int    `toml:"verbose"`
}

// LoadFile overlays the keys present in the TOML file at path onto cfg.
// Unknown keys are rejected so typos do not silently fall back to
// defaults.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return &errors.ConfigError{
			Field:   "config",
			Value:   path,
			Message: "unknown keys " + strings.Join(keys, ", "),
		}
	}

	if meta.IsDefined("target") {
		cfg.Target = strings.TrimSpace(raw.Target)
	}
	if meta.IsDefined("tls") {
		cfg.UseTLS = raw.TLS
	}
	if meta.IsDefined("client_cert") {
		cfg.UseClientCert = raw.ClientCert
	}
	if meta.IsDefined("grpc_web") {
		cfg.GrpcWeb = strings.TrimSpace(raw.GrpcWeb)
	}
	if meta.IsDefined("insecure") {
		cfg.InsecureSkipVerify = raw.Insecure
	}
	if meta.IsDefined("ca_file") {
		cfg.CAFile = raw.CAFile
	}
	if meta.IsDefined("server_name") {
		cfg.ServerName = raw.ServerName
	}
	if meta.IsDefined("cert_dir") {
		cfg.CertDir = raw.CertDir
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = raw.CertFile
	}
	if meta.IsDefined("cert_password") {
		cfg.CertPassword = raw.CertPassword
	}
	if meta.IsDefined("connections") {
		cfg.Connections = raw.Connections
	}
	if meta.IsDefined("wait_ready") {
		cfg.WaitReady = raw.WaitReady
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return &errors.ConfigError{
				Field:   "timeout",
				Value:   raw.Timeout,
				Message: "invalid duration in " + path,
				Hint:    `use a Go duration such as "30s"`,
				Err:     err,
			}
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("health_service") {
		cfg.HealthService = raw.HealthService
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(raw.LogFormat))
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the BENCH_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BENCH_TARGET"); v != "" {
		cfg.Target = v
	}
	if envBool("BENCH_TLS") {
		cfg.UseTLS = true
	}
	if envBool("BENCH_CLIENT_CERT") {
		cfg.UseClientCert = true
	}
	if v := os.Getenv("BENCH_GRPC_WEB"); v != "" {
		cfg.GrpcWeb = v
	}

	// TLS
	if envBool("BENCH_INSECURE") {
		cfg.InsecureSkipVerify = true
	}
	if v := os.Getenv("BENCH_CA_FILE"); v != "" {
		cfg.CAFile = v
	}
	if v := os.Getenv("BENCH_SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}

	// Client identity
	if v := os.Getenv("BENCH_CERT_DIR"); v != "" {
		cfg.CertDir = v
	}
	if v := os.Getenv("BENCH_CERT_FILE"); v != "" {
		cfg.CertFile = v
	}
	if v, ok := os.LookupEnv("BENCH_CERT_PASSWORD"); ok {
		cfg.CertPassword = v
	}

	// Run
	if v := envInt("BENCH_CONNECTIONS"); v > 0 {
		cfg.Connections = v
	}
	if envBool("BENCH_WAIT_READY") {
		cfg.WaitReady = true
	}
	if v := envInt("BENCH_TIMEOUT"); v > 0 {
		cfg.ConnectTimeout = secondsDuration(v)
	}
	if v := os.Getenv("BENCH_HEALTH_SERVICE"); v != "" {
		cfg.HealthService = v
	}

	// Output
	if v := os.Getenv("BENCH_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("BENCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := envInt("BENCH_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
