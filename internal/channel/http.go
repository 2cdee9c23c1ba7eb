package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"benchclient/internal/grpcweb"
)

// NewHTTP creates a handle that carries gRPC calls as HTTP requests
// over client.  The client's transport is expected to contain the
// gRPC-Web adapter for mode.
func NewHTTP(id int, target *url.URL, mode grpcweb.Mode, client *http.Client) *Handle {
	return newHandle(id, target, mode, &httpConn{base: target, client: client})
}

// httpConn speaks gRPC over a plain *http.Client: requests are framed
// messages POSTed to /<service>/<method>, status arrives in trailers.
// Client streaming is not supported.
type httpConn struct {
	base   *url.URL
	client *http.Client
}

var unaryDesc = &grpc.StreamDesc{}

func (c *httpConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	cs, err := c.NewStream(ctx, unaryDesc, method, opts...)
	if err != nil {
		return err
	}
	if err := cs.SendMsg(args); err != nil {
		return err
	}
	if err := cs.RecvMsg(reply); err != nil {
		if err == io.EOF {
			return status.Error(codes.Internal, "server closed the stream without sending a response")
		}
		return err
	}
	// the status follows the single response message
	if err := cs.RecvMsg(reply); err != io.EOF {
		if err == nil {
			return status.Error(codes.Internal, "cardinality violation: more than one response message")
		}
		return err
	}
	return nil
}

func (c *httpConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if desc.ClientStreams {
		return nil, status.Errorf(codes.Unimplemented, "%s: client streaming is not supported over gRPC-Web framing", method)
	}
	s := &clientStream{
		ctx:     ctx,
		conn:    c,
		method:  method,
		maxRecv: grpcweb.DefaultMaxFrameSize,
	}
	for _, o := range opts {
		switch o := o.(type) {
		case grpc.HeaderCallOption:
			s.headerAddr = o.HeaderAddr
		case grpc.TrailerCallOption:
			s.trailerAddr = o.TrailerAddr
		case grpc.MaxRecvMsgSizeCallOption:
			s.maxRecv = o.MaxRecvMsgSize
		}
	}
	return s, nil
}

// Close drops pooled connections; in-flight requests finish on their
// own.
func (c *httpConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// ── stream ───────────────────────────────────────────────────────────

type clientStream struct {
	ctx     context.Context
	conn    *httpConn
	method  string
	maxRecv int

	headerAddr  *metadata.MD
	trailerAddr *metadata.MD

	req  bytes.Buffer
	sent bool

	resp    *http.Response
	header  metadata.MD
	trailer metadata.MD
	done    bool
	status  error
}

func (s *clientStream) Context() context.Context { return s.ctx }

func (s *clientStream) SendMsg(m any) error {
	if s.resp != nil || s.done {
		return status.Error(codes.Internal, "SendMsg called after CloseSend")
	}
	if s.sent {
		return status.Error(codes.Internal, "cardinality violation: more than one request message")
	}
	msg, ok := m.(proto.Message)
	if !ok {
		return status.Errorf(codes.Internal, "message type %T is not a proto.Message", m)
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		return status.Errorf(codes.Internal, "marshal request: %v", err)
	}
	if err := grpcweb.WriteFrame(&s.req, grpcweb.FlagData, payload); err != nil {
		return status.Errorf(codes.Internal, "frame request: %v", err)
	}
	s.sent = true
	return nil
}

func (s *clientStream) CloseSend() error {
	if s.resp != nil || s.done {
		return nil
	}
	return s.start()
}

func (s *clientStream) Header() (metadata.MD, error) {
	if err := s.CloseSend(); err != nil {
		return nil, err
	}
	return s.header, nil
}

func (s *clientStream) Trailer() metadata.MD { return s.trailer }

func (s *clientStream) RecvMsg(m any) error {
	if err := s.CloseSend(); err != nil {
		return err
	}
	if s.done {
		if s.status != nil {
			return s.status
		}
		return io.EOF
	}

	f, err := grpcweb.ReadFrame(s.resp.Body, s.maxRecv)
	if err == io.EOF {
		s.finish()
		if s.status != nil {
			return s.status
		}
		return io.EOF
	}
	if err != nil {
		s.fail(s.transportError(err))
		return s.status
	}

	msg, ok := m.(proto.Message)
	if !ok {
		s.fail(status.Errorf(codes.Internal, "message type %T is not a proto.Message", m))
		return s.status
	}
	if err := proto.Unmarshal(f.Payload, msg); err != nil {
		s.fail(status.Errorf(codes.Internal, "unmarshal response: %v", err))
		return s.status
	}
	return nil
}

// start sends the buffered request and validates the response head.
func (s *clientStream) start() error {
	if !s.sent {
		return status.Error(codes.Internal, "no request message to send")
	}
	if deadline, ok := s.ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		s.fail(status.FromContextError(context.DeadlineExceeded).Err())
		return s.status
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost,
		s.conn.base.JoinPath(s.method).String(), bytes.NewReader(s.req.Bytes()))
	if err != nil {
		s.fail(status.Errorf(codes.Internal, "build request: %v", err))
		return s.status
	}
	req.Header.Set("Content-Type", "application/grpc+proto")
	req.Header.Set("Te", "trailers")
	req.Header.Set("User-Agent", "benchclient")
	if deadline, ok := s.ctx.Deadline(); ok {
		req.Header.Set("Grpc-Timeout", encodeTimeout(time.Until(deadline)))
	}
	if md, ok := metadata.FromOutgoingContext(s.ctx); ok {
		for k, vs := range md {
			if isReservedHeader(k) {
				continue
			}
			for _, v := range vs {
				if strings.HasSuffix(k, "-bin") {
					v = base64.RawStdEncoding.EncodeToString([]byte(v))
				}
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := s.conn.client.Do(req)
	if err != nil {
		s.fail(s.transportError(err))
		return s.status
	}
	s.resp = resp
	s.header = headerToMD(resp.Header)
	if s.headerAddr != nil {
		*s.headerAddr = s.header
	}

	if resp.StatusCode != http.StatusOK {
		s.fail(status.Errorf(httpStatusToCode(resp.StatusCode), "unexpected HTTP status %q", resp.Status))
		return s.status
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/grpc") {
		s.fail(status.Errorf(codes.Internal, "unexpected content type %q", ct))
		return s.status
	}
	if resp.Header.Get("Grpc-Status") != "" {
		// trailers-only response
		s.finish()
	}
	return nil
}

// finish reads the final status from trailers (or headers for a
// trailers-only response) and closes the body.
func (s *clientStream) finish() {
	if s.done {
		return
	}
	s.done = true
	_, _ = io.Copy(io.Discard, s.resp.Body)
	s.resp.Body.Close()

	src := s.resp.Trailer
	if src.Get("Grpc-Status") == "" {
		src = s.resp.Header
	}
	s.trailer = headerToMD(src)
	if s.trailerAddr != nil {
		*s.trailerAddr = s.trailer
	}

	raw := src.Get("Grpc-Status")
	if raw == "" {
		s.status = status.Error(codes.Internal, "server response is missing grpc-status")
		return
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		s.status = status.Errorf(codes.Internal, "malformed grpc-status %q", raw)
		return
	}
	if codes.Code(code) == codes.OK {
		return
	}
	msg := src.Get("Grpc-Message")
	if decoded, err := url.PathUnescape(msg); err == nil {
		msg = decoded
	}
	s.status = status.Error(codes.Code(code), msg)
}

func (s *clientStream) fail(err error) {
	s.done = true
	s.status = err
	if s.resp != nil {
		s.resp.Body.Close()
	}
}

func (s *clientStream) transportError(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return status.FromContextError(ctxErr).Err()
	}
	return status.Error(codes.Unavailable, err.Error())
}

// ── helpers ──────────────────────────────────────────────────────────

// encodeTimeout renders d in the grpc-timeout header format (at most
// eight digits plus a unit).
func encodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "1n"
	}
	const maxValue = 99999999
	units := []struct {
		unit string
		size time.Duration
	}{
		{"n", time.Nanosecond},
		{"u", time.Microsecond},
		{"m", time.Millisecond},
		{"S", time.Second},
		{"M", time.Minute},
		{"H", time.Hour},
	}
	for _, u := range units {
		v := (d + u.size - 1) / u.size
		if v <= maxValue {
			return strconv.FormatInt(int64(v), 10) + u.unit
		}
	}
	return strconv.Itoa(maxValue) + "H"
}

func isReservedHeader(k string) bool {
	switch k {
	case "content-type", "te", "user-agent", "grpc-timeout", "grpc-encoding",
		"grpc-accept-encoding", "grpc-status", "grpc-message", ":authority", "host":
		return true
	}
	return false
}

func headerToMD(h http.Header) metadata.MD {
	md := metadata.MD{}
	for k, vs := range h {
		key := strings.ToLower(k)
		for _, v := range vs {
			if strings.HasSuffix(key, "-bin") {
				if b, err := decodeBinHeader(v); err == nil {
					v = string(b)
				}
			}
			md[key] = append(md[key], v)
		}
	}
	return md
}

func decodeBinHeader(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

// httpStatusToCode follows the gRPC HTTP-to-status mapping.
func httpStatusToCode(code int) codes.Code {
	switch code {
	case http.StatusBadRequest:
		return codes.Internal
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	}
	return codes.Unknown
}

func (c *httpConn) String() string { return fmt.Sprintf("http %s", c.base) }
