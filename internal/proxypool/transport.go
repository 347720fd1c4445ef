package proxypool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultBaseTransport returns the transport every proxied transport is cloned from.
func DefaultBaseTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Transport clones base and routes it through ep. HTTP(S) endpoints use the
// transport's Proxy hook; SOCKS5 endpoints replace the dialer.
func Transport(ep Endpoint, base *http.Transport) (*http.Transport, error) {
	if base == nil {
		base = DefaultBaseTransport()
	}
	tr := base.Clone()

	if !ep.IsSOCKS() {
		tr.Proxy = http.ProxyURL(ep.URL())
		return tr, nil
	}

	var auth *proxy.Auth
	if ep.Username != "" || ep.Password != "" {
		auth = &proxy.Auth{User: ep.Username, Password: ep.Password}
	}
	forward := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	dialer, err := proxy.SOCKS5("tcp", ep.Addr(), auth, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer %s: %w", ep, err)
	}
	tr.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		tr.DialContext = cd.DialContext
	} else {
		tr.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return tr, nil
}
