// Package grpcweb adapts gRPC-over-HTTP requests to the gRPC-Web wire
// format so that a channel can reach servers (or proxies) that only
// speak HTTP/1.1.
package grpcweb

import (
	"fmt"
	"strings"

	"benchclient/internal/errors"
)

// Mode selects the gRPC-Web encoding.  The zero value disables framing.
type Mode int

const (
	ModeNone   Mode = iota // plain gRPC, no adapter
	ModeText               // application/grpc-web-text, base64 bodies
	ModeBinary             // application/grpc-web
)

const (
	contentTypeGRPC    = "application/grpc"
	contentTypeWeb     = "application/grpc-web"
	contentTypeWebText = "application/grpc-web-text"
)

// ParseMode accepts "", "none", "text", "binary" and the long forms
// "grpc-web-text" and "grpc-web".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return ModeNone, nil
	case "text", "grpc-web-text", "grpcwebtext":
		return ModeText, nil
	case "binary", "grpc-web", "grpcweb":
		return ModeBinary, nil
	}
	return ModeNone, fmt.Errorf("%w: %q", errors.ErrUnsupportedMode, s)
}

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeText:
		return "text"
	case ModeBinary:
		return "binary"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Enabled reports whether m wraps the transport.
func (m Mode) Enabled() bool { return m == ModeText || m == ModeBinary }

// ContentType returns the request content type for m, without a codec
// suffix.
func (m Mode) ContentType() string {
	switch m {
	case ModeText:
		return contentTypeWebText
	case ModeBinary:
		return contentTypeWeb
	}
	return contentTypeGRPC
}
