// Package netutil builds HTTP clients for outbound calls to operator
// configured endpoints, such as notification webhooks.
package netutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ClientConfig controls which endpoints a client may reach
type ClientConfig struct {
	// AllowPrivateHosts permits loopback, RFC 1918 and other reserved ranges
	AllowPrivateHosts bool
	// AllowHTTP permits plain http:// endpoints
	AllowHTTP    bool
	MaxRedirects int
	Timeout      time.Duration
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxRedirects: 3,
		Timeout:      10 * time.Second,
	}
}

// ValidateURL rejects endpoints the config does not allow. Hostnames are
// checked again after DNS resolution at dial time.
func ValidateURL(rawURL string, cfg ClientConfig) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && cfg.AllowHTTP:
	default:
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	if cfg.AllowPrivateHosts {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("localhost not allowed")
	}
	if addr, err := netip.ParseAddr(host); err == nil && IsPrivateOrReserved(addr) {
		return fmt.Errorf("private or reserved address not allowed: %s", host)
	}
	return nil
}

// reserved ranges beyond what netip classifies on its own
var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsPrivateOrReserved reports addresses a webhook must never resolve to
func IsPrivateOrReserved(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range reserved {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// NewClient returns a client that enforces cfg on the first request, on
// every redirect and on every resolved address. Proxies are never used.
func NewClient(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	dial := dialer.DialContext
	if !cfg.AllowPrivateHosts {
		dial = guardedDial(dialer)
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 3
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if err := ValidateURL(req.URL.String(), cfg); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			if via[len(via)-1].URL.Scheme == "https" && req.URL.Scheme != "https" {
				return fmt.Errorf("redirect from https to %s blocked", req.URL.Scheme)
			}
			return nil
		},
		Transport: &http.Transport{
			DialContext:         dial,
			Proxy:               nil,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// guardedDial resolves the host itself and refuses if any address is
// private, so a DNS answer cannot smuggle the call inside the network
func guardedDial(d *net.Dialer) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
		for _, a := range addrs {
			if IsPrivateOrReserved(a) {
				return nil, fmt.Errorf("%s resolves to private or reserved address %s", host, a)
			}
		}
		return d.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
	}
}
