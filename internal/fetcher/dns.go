package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/maypok86/otter"
	"github.com/miekg/dns"
)

// dnsCacheTTL bounds how long a resolved IP is trusted before a fresh
// lookup is issued.
const dnsCacheTTL = 5 * time.Minute

// cachingResolver resolves hostnames against a configured list of DNS
// servers, caching successful answers in an otter cache keyed by hostname.
type cachingResolver struct {
	servers []string
	client  *dns.Client
	cache   *otter.Cache[string, net.IP]
	logger  *slog.Logger
}

func newCachingResolver(servers []string, logger *slog.Logger) *cachingResolver {
	cache, err := otter.MustBuilder[string, net.IP](10_000).
		WithTTL(dnsCacheTTL).
		Build()
	if err != nil {
		// otter.MustBuilder only fails on invalid capacity; 10_000 is a
		// compile-time constant, so this is unreachable in practice.
		panic(err)
	}

	return &cachingResolver{
		servers: servers,
		client:  &dns.Client{Timeout: 5 * time.Second},
		cache:   &cache,
		logger:  logger,
	}
}

func (r *cachingResolver) lookup(ctx context.Context, host string) (net.IP, error) {
	if ip, ok := r.cache.Get(host); ok {
		return ip, nil
	}

	ip, err := r.lookupA(ctx, host)
	if err != nil {
		return nil, err
	}

	r.cache.Set(host, ip)
	return ip, nil
}

func (r *cachingResolver) lookupA(ctx context.Context, host string) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, net.JoinHostPort(server, "53"))
		if err != nil {
			lastErr = err
			continue
		}
		for _, answer := range resp.Answer {
			if a, ok := answer.(*dns.A); ok {
				return a.A, nil
			}
		}
		lastErr = fmt.Errorf("no A record for %s from %s", host, server)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured")
	}
	return nil, lastErr
}
