package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Proxy is an outbound egress resource. ID is derived from the connection
// string so registering the same proxy twice is detectable.
type Proxy struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// ProxyState is the pool assignment state of a proxy.
type ProxyState string

const (
	ProxyFree     ProxyState = "free"
	ProxyReserved ProxyState = "reserved"
	ProxyBanned   ProxyState = "banned"
)

// ProxyInfo describes a pool entry for display.
type ProxyInfo struct {
	ID    string     `json:"id"`
	Host  string     `json:"host"`
	State ProxyState `json:"state"`
	Owner string     `json:"owner,omitempty"`
}

// Occupancy counts pool entries by state.
type Occupancy struct {
	Free     int `json:"free"`
	Reserved int `json:"reserved"`
	Banned   int `json:"banned"`
	Total    int `json:"total"`
}

// NewProxy parses a connection string. Accepted forms are host:port,
// host:port:user:pass and scheme://[user:pass@]host:port.
func NewProxy(addr string) (Proxy, error) {
	addr = strings.TrimSpace(addr)
	if _, err := ParseProxyURL(addr); err != nil {
		return Proxy{}, err
	}
	sum := sha256.Sum256([]byte(addr))
	return Proxy{ID: hex.EncodeToString(sum[:])[:16], Addr: addr}, nil
}

// URL returns the proxy as a URL usable by http.ProxyURL.
func (p Proxy) URL() (*url.URL, error) {
	return ParseProxyURL(p.Addr)
}

// Host returns host:port without credentials.
func (p Proxy) Host() string {
	u, err := p.URL()
	if err != nil {
		return ""
	}
	return u.Host
}

// ParseProxyURL converts a proxy connection string to a URL.
func ParseProxyURL(addr string) (*url.URL, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty proxy address")
	}

	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", addr, err)
		}
		if u.Hostname() == "" || u.Port() == "" {
			return nil, fmt.Errorf("proxy %q must have host and port", addr)
		}
		return u, nil
	}

	parts := strings.Split(addr, ":")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("proxy %q must have host and port", addr)
		}
		return &url.URL{Scheme: "http", Host: parts[0] + ":" + parts[1]}, nil
	case 4:
		if parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("proxy %q must have host and port", addr)
		}
		return &url.URL{
			Scheme: "http",
			Host:   parts[0] + ":" + parts[1],
			User:   url.UserPassword(parts[2], parts[3]),
		}, nil
	default:
		return nil, fmt.Errorf("unrecognized proxy format %q", addr)
	}
}
