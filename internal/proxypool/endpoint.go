package proxypool

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrBadEndpoint is returned for proxy lines that match no supported format.
var ErrBadEndpoint = errors.New("unrecognized proxy endpoint")

// Endpoint is one upstream proxy.
type Endpoint struct {
	Raw      string
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Key identifies the endpoint inside the pool. Credentials are excluded so
// the same host cannot be tracked twice.
func (e Endpoint) Key() string {
	return e.Scheme + "://" + e.Addr()
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL renders the endpoint as a proxy URL including credentials.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: e.Scheme, Host: e.Addr()}
	if e.Username != "" || e.Password != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String renders the endpoint without its password, for logs.
func (e Endpoint) String() string {
	if e.Username == "" {
		return e.Key()
	}
	return e.Scheme + "://" + e.Username + "@" + e.Addr()
}

// IsSOCKS reports whether the endpoint speaks SOCKS5.
func (e Endpoint) IsSOCKS() bool {
	return e.Scheme == "socks5" || e.Scheme == "socks5h"
}

// ParseEndpoint accepts
//
//	scheme://[user:pass@]host:port
//	host:port
//	host:port:user:pass
//	user:pass@host:port
//
// The scheme defaults to http.
func ParseEndpoint(line string) (Endpoint, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Endpoint{}, fmt.Errorf("%w: empty line", ErrBadEndpoint)
	}

	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrBadEndpoint, line, err)
		}
		scheme := strings.ToLower(u.Scheme)
		switch scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, u.Scheme)
		}
		host, port, err := splitHostPort(u.Host)
		if err != nil {
			return Endpoint{}, err
		}
		ep := Endpoint{Raw: line, Scheme: scheme, Host: host, Port: port}
		if u.User != nil {
			ep.Username = u.User.Username()
			ep.Password, _ = u.User.Password()
		}
		return ep, nil
	}

	if auth, hostport, ok := strings.Cut(line, "@"); ok {
		user, pass, ok := strings.Cut(auth, ":")
		if !ok {
			return Endpoint{}, fmt.Errorf("%w: invalid auth (expected user:pass) in %q", ErrBadEndpoint, line)
		}
		host, port, err := splitHostPort(hostport)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Raw: line, Scheme: "http", Host: host, Port: port, Username: user, Password: pass}, nil
	}

	col := strings.Split(line, ":")
	switch len(col) {
	case 2:
		host, port, err := splitHostPort(line)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Raw: line, Scheme: "http", Host: host, Port: port}, nil
	case 4:
		host, port, err := splitHostPort(col[0] + ":" + col[1])
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Raw: line, Scheme: "http", Host: host, Port: port, Username: col[2], Password: col[3]}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrBadEndpoint, line)
	}
}

// ParseEndpoints parses every line, skipping invalid ones and duplicate
// endpoints. The returned error joins every rejected line.
func ParseEndpoints(lines []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	var errs []error
	for _, line := range lines {
		ep, err := ParseEndpoint(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := seen[ep.Key()]; ok {
			continue
		}
		seen[ep.Key()] = struct{}{}
		out = append(out, ep)
	}
	return out, errors.Join(errs...)
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid host:port %q", ErrBadEndpoint, s)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: missing host in %q", ErrBadEndpoint, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port %q", ErrBadEndpoint, portStr)
	}
	return host, port, nil
}
