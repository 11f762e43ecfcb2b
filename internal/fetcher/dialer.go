package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// customDialer resolves hosts (optionally through a cached custom resolver),
// optionally routes dials through an upstream SOCKS5 proxy, and optionally
// presents a browser-shaped TLS ClientHello instead of Go's own fingerprint.
type customDialer struct {
	net.Dialer
	resolver *cachingResolver
	spoofTLS bool
	proxyURL *url.URL
	logger   *slog.Logger
}

func newCustomDialer(cfg Config, logger *slog.Logger) *customDialer {
	d := &customDialer{
		Dialer:   net.Dialer{Timeout: ConnectTimeout},
		spoofTLS: cfg.SpoofTLS,
		logger:   logger,
	}
	if len(cfg.DNSServers) > 0 {
		d.resolver = newCachingResolver(cfg.DNSServers, logger)
	}
	if cfg.UpstreamSOCKS5 != "" {
		d.proxyURL = &url.URL{Scheme: "socks5", Host: cfg.UpstreamSOCKS5}
	}
	return d
}

// DialContext resolves address's host (via the cached resolver when
// configured) and dials it, transparently through the configured SOCKS5
// upstream if any.
func (d *customDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	resolved, err := d.resolveAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if d.proxyURL != nil {
		return d.dialViaSOCKS5(ctx, network, resolved)
	}
	return d.Dialer.DialContext(ctx, network, resolved)
}

// dialViaSOCKS5 routes the dial through the configured upstream SOCKS5
// proxy using golang.org/x/net/proxy's client dialer.
func (d *customDialer) dialViaSOCKS5(ctx context.Context, network, address string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5(network, d.proxyURL.Host, nil, &d.Dialer)
	if err != nil {
		return nil, err
	}
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}
	return dialer.Dial(network, address)
}

// DialTLSContext dials a plain connection then performs the TLS handshake
// itself so it can optionally spoof the ClientHello fingerprint via utls.
func (d *customDialer) DialTLSContext(ctx context.Context, network, address string) (net.Conn, error) {
	// http.Transport ignores TLSHandshakeTimeout when DialTLSContext is set,
	// so the dial and handshake are bounded here instead.
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	rawConn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	serverName, _, err := net.SplitHostPort(address)
	if err != nil {
		serverName = address
	}

	if !d.spoofTLS {
		conn := tls.Client(rawConn, &tls.Config{ServerName: serverName})
		if err := conn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, err
		}
		return conn, nil
	}

	uconn := utls.UClient(rawConn, &utls.Config{ServerName: serverName}, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return uconn, nil
}

func (d *customDialer) resolveAddress(ctx context.Context, address string) (string, error) {
	if d.resolver == nil {
		return address, nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address, nil
	}
	if net.ParseIP(host) != nil {
		return address, nil
	}
	ip, err := d.resolver.lookup(ctx, host)
	if err != nil {
		return "", fmt.Errorf("fetcher: dns lookup for %s: %w", host, err)
	}
	return net.JoinHostPort(ip.String(), port), nil
}
