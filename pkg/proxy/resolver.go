// Package proxy provides proxy resolution, proxy URL parsing, and CONNECT
// tunneling through HTTP proxies.
package proxy

import (
	"net"
	"net/url"
	"strconv"

	"golang.org/x/net/http/httpproxy"
)

// Finder resolves the proxy URL for a target origin. Implementations must be
// pure lookups with no network I/O; a nil result means direct connection.
type Finder interface {
	Find(host string, port int, secure bool) *url.URL
}

// EnvResolver resolves proxies from the process environment
// (HTTP_PROXY, HTTPS_PROXY, NO_PROXY and lowercase variants).
type EnvResolver struct {
	proxyForURL func(*url.URL) (*url.URL, error)
}

// FromEnvironment builds a resolver from the environment as it is at call
// time. The environment is read once; later changes are not observed.
func FromEnvironment() *EnvResolver {
	return &EnvResolver{proxyForURL: httpproxy.FromEnvironment().ProxyFunc()}
}

// FromConfig builds a resolver from an explicit httpproxy configuration.
func FromConfig(cfg *httpproxy.Config) *EnvResolver {
	return &EnvResolver{proxyForURL: cfg.ProxyFunc()}
}

// Find implements Finder.
func (r *EnvResolver) Find(host string, port int, secure bool) *url.URL {
	scheme := "http"
	if secure {
		scheme = "https"
	}

	origin := &url.URL{
		Scheme: scheme,
		Host:   host,
	}
	if port > 0 {
		origin.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}

	proxyURL, err := r.proxyForURL(origin)
	if err != nil {
		return nil
	}
	return proxyURL
}

// Static is a Finder that always returns the same proxy URL regardless of the
// target origin. A nil URL disables proxying.
type Static struct {
	URL *url.URL
}

// Find implements Finder.
func (s Static) Find(host string, port int, secure bool) *url.URL {
	return s.URL
}
