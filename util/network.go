package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SchemeURL qualifies target with https:// or http:// and checks that
// the result is a bare authority (no path, query or userinfo).
func SchemeURL(target string, secure bool) (*url.URL, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("empty target")
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	u, err := url.Parse(scheme + "://" + target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("target %q has no host", target)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil || u.Fragment != "" {
		return nil, fmt.Errorf("target %q must be host:port, not a URL", target)
	}
	u.Path = ""
	return u, nil
}

// SplitTarget splits host:port and rejects a missing port.
func SplitTarget(target string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(target)
	if err != nil {
		return "", "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	if host == "" {
		return "", "", fmt.Errorf("invalid target %q: missing host", target)
	}
	return host, port, nil
}
