package grpcweb

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"benchclient/internal/errors"
)

// Transport is an http.RoundTripper that rewrites gRPC requests into
// gRPC-Web requests and turns the responses back into gRPC responses:
// data frames pass through unchanged and the trailer frame is moved
// into resp.Trailer once the body has been read to EOF.
//
// Requests always go out as HTTP/1.1.  Non-gRPC requests pass through
// untouched.
type Transport struct {
	Mode Mode
	Base http.RoundTripper

	// MaxFrameSize bounds a single response frame.  Zero uses
	// DefaultMaxFrameSize.
	MaxFrameSize int
}

// NewTransport wraps base for mode.  A nil base uses
// http.DefaultTransport.
func NewTransport(mode Mode, base http.RoundTripper) (*Transport, error) {
	if !mode.Enabled() {
		return nil, fmt.Errorf("grpcweb: %w: %s", errors.ErrUnsupportedMode, mode)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Mode: mode, Base: base}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ct := req.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, contentTypeGRPC) {
		return t.Base.RoundTrip(req)
	}
	suffix := strings.TrimPrefix(ct, contentTypeGRPC)

	out := req.Clone(req.Context())
	out.Proto, out.ProtoMajor, out.ProtoMinor = "HTTP/1.1", 1, 1
	out.Header.Set("Content-Type", t.Mode.ContentType()+suffix)
	out.Header.Set("Accept", t.Mode.ContentType()+suffix)
	out.Header.Set("X-Grpc-Web", "1")
	out.Header.Set("X-User-Agent", "grpc-web-go/benchclient")
	out.Header.Del("Te")

	if t.Mode == ModeText && req.Body != nil && req.Body != http.NoBody {
		raw, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("grpcweb: read request body: %w", err)
		}
		encoded := []byte(base64.StdEncoding.EncodeToString(raw))
		out.Body = io.NopCloser(bytes.NewReader(encoded))
		out.ContentLength = int64(len(encoded))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(encoded)), nil
		}
	}

	resp, err := t.Base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	rct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(rct, contentTypeWeb) {
		// error pages from proxies; the caller maps the HTTP status
		return resp, nil
	}

	var body io.Reader = resp.Body
	if strings.HasPrefix(rct, contentTypeWebText) {
		body = &textDecoder{src: bufio.NewReader(resp.Body)}
		rct = strings.TrimPrefix(rct, contentTypeWebText)
	} else {
		rct = strings.TrimPrefix(rct, contentTypeWeb)
	}
	resp.Header.Set("Content-Type", contentTypeGRPC+rct)
	if resp.Trailer == nil {
		resp.Trailer = make(http.Header)
	}

	maxSize := t.MaxFrameSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	resp.Body = &frameReader{
		src:     body,
		closer:  resp.Body,
		trailer: resp.Trailer,
		maxSize: maxSize,
	}
	resp.ContentLength = -1
	return resp, nil
}

// CloseIdleConnections forwards to the base transport so that
// http.Client.CloseIdleConnections reaches the pooled sockets.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if ci, ok := t.Base.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

// ── response body ────────────────────────────────────────────────────

// frameReader re-emits data frames and captures the trailer frame.
type frameReader struct {
	src     io.Reader
	closer  io.Closer
	trailer http.Header
	maxSize int

	pending []byte
	err     error
}

func (r *frameReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		f, err := ReadFrame(r.src, r.maxSize)
		if err != nil {
			r.err = err
			continue
		}
		if f.IsTrailer() {
			h, err := ParseTrailer(f.Payload)
			if err != nil {
				r.err = err
				continue
			}
			for k, v := range h {
				r.trailer[k] = append(r.trailer[k], v...)
			}
			continue
		}
		var buf bytes.Buffer
		_ = WriteFrame(&buf, f.Flag, f.Payload)
		r.pending = buf.Bytes()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *frameReader) Close() error { return r.closer.Close() }

// textDecoder decodes a grpc-web-text body.  Servers may flush several
// independently padded base64 chunks, so input is decoded one 4-byte
// quantum at a time instead of through a single base64 stream.
type textDecoder struct {
	src     *bufio.Reader
	pending []byte
	err     error
}

func (d *textDecoder) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		var quantum [4]byte
		n := 0
		for n < len(quantum) {
			c, err := d.src.ReadByte()
			if err != nil {
				if err == io.EOF && n != 0 {
					err = fmt.Errorf("grpcweb: truncated base64 body: %w", io.ErrUnexpectedEOF)
				}
				d.err = err
				break
			}
			if c == '\r' || c == '\n' {
				continue
			}
			quantum[n] = c
			n++
		}
		if n < len(quantum) {
			continue
		}
		var out [3]byte
		m, err := base64.StdEncoding.Decode(out[:], quantum[:])
		if err != nil {
			d.err = fmt.Errorf("grpcweb: decode base64 body: %w", err)
			continue
		}
		d.pending = append(d.pending[:0], out[:m]...)
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}
