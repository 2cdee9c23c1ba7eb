package config

import (
	"time"

	"benchclient/internal/transport"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultTarget is the benchmark server most local setups run.
	DefaultTarget = "localhost:50051"

	// DefaultConnections is the number of channels acquired when no
	// count is given.
	DefaultConnections = 1

	// MaxConnections caps --connections to keep file descriptor use sane.
	MaxConnections = 10000

	// DefaultConnectTimeout bounds the whole acquire phase of a run.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultProbeTimeout bounds a single readiness probe.
	DefaultProbeTimeout = 2 * time.Second
)

// DefaultCertFile is the client identity relative to the executable.
const DefaultCertFile = transport.DefaultIdentityDir + "/" + transport.DefaultIdentityFile
