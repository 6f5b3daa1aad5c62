package proactor

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Resolver turns "host:port" strings into addresses usable with AddSendTo.
// Host name lookups are cached for ttl.
type Resolver struct {
	cache    *ristretto.Cache
	ttl      time.Duration
	resolver *net.Resolver
}

func NewResolver(ttl time.Duration) (*Resolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{
		cache:    cache,
		ttl:      ttl,
		resolver: net.DefaultResolver,
	}, nil
}

// Resolve accepts a literal address or a host name. network is one of udp,
// udp4, udp6, tcp, tcp4, tcp6 and restricts the address family.
func (r *Resolver) Resolve(ctx context.Context, network, hostport string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return ap, nil
	}
	key := network + "/" + hostport
	if v, ok := r.cache.Get(key); ok {
		return v.(netip.AddrPort), nil
	}
	host, service, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := r.resolver.LookupPort(ctx, network, service)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addrs, err := r.resolver.LookupNetIP(ctx, ipNetwork(network), host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("proactor: no addresses for %s", host)
	}
	ap := netip.AddrPortFrom(addrs[0].Unmap(), uint16(port))
	if r.ttl > 0 {
		r.cache.SetWithTTL(key, ap, 1, r.ttl)
	}
	return ap, nil
}

func (r *Resolver) Close() {
	r.cache.Close()
}

func ipNetwork(network string) string {
	switch {
	case strings.HasSuffix(network, "4"):
		return "ip4"
	case strings.HasSuffix(network, "6"):
		return "ip6"
	}
	return "ip"
}
