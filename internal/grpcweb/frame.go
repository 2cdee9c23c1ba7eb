package grpcweb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
)

// Frame flags.  A gRPC-Web data frame is byte-identical to a gRPC
// length-prefixed message; the trailer frame sets the high bit.
const (
	FlagData       byte = 0x00
	FlagCompressed byte = 0x01
	FlagTrailer    byte = 0x80

	headerLen = 5

	// DefaultMaxFrameSize matches grpc-go's default receive limit.
	DefaultMaxFrameSize = 4 << 20
)

// Frame is one length-prefixed message.
type Frame struct {
	Flag    byte
	Payload []byte
}

// IsTrailer reports whether f carries trailers instead of a message.
func (f Frame) IsTrailer() bool { return f.Flag&FlagTrailer != 0 }

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, flag byte, payload []byte) error {
	var hdr [headerLen]byte
	hdr[0] = flag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads the next frame from r.  It returns io.EOF only when r
// ends exactly on a frame boundary.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("grpcweb: truncated frame header: %w", err)
		}
		return Frame{}, err
	}
	flag := hdr[0]
	if flag&FlagCompressed != 0 {
		return Frame{}, fmt.Errorf("grpcweb: compressed frames are not supported")
	}
	size := binary.BigEndian.Uint32(hdr[1:])
	if maxSize > 0 && int64(size) > int64(maxSize) {
		return Frame{}, fmt.Errorf("grpcweb: frame of %d bytes exceeds limit %d", size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("grpcweb: truncated frame payload: %w", err)
	}
	return Frame{Flag: flag, Payload: payload}, nil
}

// ParseTrailer decodes a trailer frame payload ("key: value\r\n" lines).
func ParseTrailer(payload []byte) (http.Header, error) {
	h := make(http.Header)
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("grpcweb: malformed trailer line %q", line)
		}
		h.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key)), strings.TrimSpace(value))
	}
	return h, sc.Err()
}
