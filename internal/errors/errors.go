// Package errors provides domain-specific error types for benchclient.
//
// These types carry structured context (slot id, target, failing step)
// that helps callers tell a bad configuration apart from a transport
// failure, and gives the metrics layer a stable label to count by.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrChannelReleased  = errors.New("channel has been released")
	ErrFactoryClosed    = errors.New("channel factory is closed")
	ErrIdentityNotFound = errors.New("client identity not found")
	ErrUnsupportedMode  = errors.New("unsupported framing mode")
)

// ── Error kinds ──────────────────────────────────────────────────────

// Kind labels an error for reporting.
type Kind string

const (
	KindConfig    Kind = "config"
	KindTransport Kind = "transport"
	KindMisuse    Kind = "misuse"
	KindUnknown   Kind = "unknown"
)

// ── Structured error types ───────────────────────────────────────────

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
	Err     error       // underlying cause (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConstructionError represents a failure while building the channel for
// one slot.
type ConstructionError struct {
	ID     int    // slot id being constructed
	Target string // scheme-qualified target, or the raw target if the URL failed
	Op     string // "url", "tls", "identity", "dial", "framing"
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("channel %d %s %s: %v", e.ID, e.Op, e.Target, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Kind reports whether the failure stems from configuration (bad
// target, missing identity) or from transport setup.
func (e *ConstructionError) Kind() Kind {
	switch e.Op {
	case "url", "identity":
		return KindConfig
	}
	var ce *ConfigError
	if errors.As(e.Err, &ce) {
		return KindConfig
	}
	return KindTransport
}

// ── Constructors ─────────────────────────────────────────────────────

// Construct creates a ConstructionError for slot id.
func Construct(id int, op, target string, err error) *ConstructionError {
	return &ConstructionError{ID: id, Target: target, Op: op, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// Classify maps err onto the error taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrChannelReleased) || errors.Is(err, ErrFactoryClosed) {
		return KindMisuse
	}
	var ce *ConstructionError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return KindConfig
	}
	return KindUnknown
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return Classify(err) == KindConfig }

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use benchclient/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
