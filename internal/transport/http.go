package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewHTTP1Transport returns an HTTP/1.1-only transport.  gRPC-Web is
// used exactly where HTTP/2 is unavailable, so ALPN never offers h2.
func NewHTTP1Transport(tlsCfg *tls.Config) *http.Transport {
	if tlsCfg != nil {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   false,
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
