package geoip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var ErrCacheTTLTooLow = errors.New("cache ttl can't be lower than 10 seconds")

const minCacheTTL = 10 * time.Second

// HostResolver maps a hostname to the address used to geolocate it.
type HostResolver interface {
	Resolve(ctx context.Context, hostname string) (netip.Addr, error)
}

// DnsResolver resolves IPv4 A records and caches them.
type DnsResolver struct {
	cache  *expirable.LRU[string, []netip.Addr]
	lookup func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

func NewDnsResolver(size int, ttl time.Duration) (*DnsResolver, error) {
	if ttl < minCacheTTL {
		return nil, fmt.Errorf("%w: %s", ErrCacheTTLTooLow, ttl)
	}

	return &DnsResolver{
		cache:  expirable.NewLRU[string, []netip.Addr](size, nil, ttl),
		lookup: net.DefaultResolver.LookupNetIP,
	}, nil
}

// Resolve returns the first IPv4 address of hostname, from cache when possible.
func (d *DnsResolver) Resolve(ctx context.Context, hostname string) (netip.Addr, error) {
	if cached, ok := d.cache.Get(hostname); ok {
		return cached[0], nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	hostIps, err := d.lookup(ctx, "ip4", hostname)
	if err != nil {
		return netip.Addr{}, err
	}

	ips := make([]netip.Addr, 0, len(hostIps))
	for _, ip := range hostIps {
		ip = ip.Unmap()
		if ip.Is4() {
			ips = append(ips, ip)
		}
	}

	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPs found for: %s", hostname)
	}

	d.cache.Add(hostname, ips)

	return ips[0], nil
}
