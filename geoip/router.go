package geoip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/hmilkovi/sphere-surface-distance/spheredist"
)

const minRefreshInterval = 30 * time.Second

type RouterArgs struct {
	Logger   *zap.Logger
	Locator  IPLocator
	Resolver HostResolver
	// HostingDomains are geolocated through Resolver and Locator.
	HostingDomains []string
	// PinnedLocations skip geolocation entirely.
	PinnedLocations map[string]spheredist.DegreePoint
	HealthUri       string
	MaxCacheSize    int
	CacheTTL        time.Duration
	HTTPClient      *http.Client
}

// Router tracks where backends are and whether they are alive, and picks the
// closest one for a client address.
type Router struct {
	locator      IPLocator
	resolver     HostResolver
	domains      []string
	pinned       map[string]spheredist.DegreePoint
	healthUri    string
	client       *http.Client
	cache        *expirable.LRU[netip.Addr, Selection]
	backends     map[string]*Backend
	backendsLock sync.RWMutex
	logger       *zap.Logger
}

func NewRouter(args *RouterArgs) (*Router, error) {
	if args.Locator == nil {
		return nil, errors.New("router needs an ip locator")
	}

	if args.CacheTTL < minCacheTTL {
		return nil, fmt.Errorf("%w: %s", ErrCacheTTLTooLow, args.CacheTTL)
	}

	if args.MaxCacheSize <= 0 {
		return nil, fmt.Errorf("max cache size must be positive: %d", args.MaxCacheSize)
	}

	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := args.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 4 * time.Second}
	}

	domains := slices.Clone(args.HostingDomains)
	for domain := range args.PinnedLocations {
		if !slices.Contains(domains, domain) {
			domains = append(domains, domain)
		}
	}
	slices.Sort(domains)

	return &Router{
		locator:   args.Locator,
		resolver:  args.Resolver,
		domains:   domains,
		pinned:    args.PinnedLocations,
		healthUri: args.HealthUri,
		client:    client,
		cache:     expirable.NewLRU[netip.Addr, Selection](args.MaxCacheSize, nil, args.CacheTTL),
		backends:  make(map[string]*Backend),
		logger:    logger,
	}, nil
}

func (r *Router) locateBackend(ctx context.Context, domain string) (*Backend, error) {
	if loc, ok := r.pinned[domain]; ok {
		return &Backend{Location: loc, Pinned: true}, nil
	}

	if r.resolver == nil {
		return nil, fmt.Errorf("no resolver for unpinned domain %s", domain)
	}

	ip, err := r.resolver.Resolve(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve domain: %w", err)
	}

	loc, err := r.locator.Locate(ip)
	if err != nil {
		return nil, fmt.Errorf("failed to get location of %s: %w", ip, err)
	}

	return &Backend{Location: loc}, nil
}

// Refresh re-locates and health checks every backend. A backend that can't
// be located keeps its last known location. Cached selections are dropped
// when the set of live backends changes.
func (r *Router) Refresh(ctx context.Context) {
	r.backendsLock.RLock()
	previous := r.backends
	r.backendsLock.RUnlock()

	next := make(map[string]*Backend, len(r.domains))
	for _, domain := range r.domains {
		backend, err := r.locateBackend(ctx, domain)
		if err != nil {
			r.logger.Error("failed to locate backend", zap.String("domain", domain), zap.Error(err))
			old, ok := previous[domain]
			if !ok {
				continue
			}
			copied := *old
			backend = &copied
		}

		backend.IsAlive = r.checkHealth(ctx, domain)
		next[domain] = backend
	}

	r.backendsLock.Lock()
	r.backends = next
	r.backendsLock.Unlock()

	if !sameBackends(previous, next) {
		r.cache.Purge()
	}
}

func sameBackends(a, b map[string]*Backend) bool {
	if len(a) != len(b) {
		return false
	}
	for domain, x := range a {
		y, ok := b[domain]
		if !ok || *x != *y {
			return false
		}
	}
	return true
}

// Start refreshes backends every interval until ctx is done.
func (r *Router) Start(ctx context.Context, interval time.Duration) {
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh(ctx)
			}
		}
	}()
}

// NearestBackend returns the live backend closest to addr.
func (r *Router) NearestBackend(addr netip.Addr) (Selection, error) {
	if cached, ok := r.cache.Get(addr); ok {
		return cached, nil
	}

	client, err := r.locator.Locate(addr)
	if err != nil {
		return Selection{}, fmt.Errorf("failed to get client location: %w", err)
	}

	r.backendsLock.RLock()
	selection, err := Nearest(client, r.backends)
	r.backendsLock.RUnlock()
	if err != nil {
		return Selection{}, err
	}

	r.cache.Add(addr, selection)

	return selection, nil
}

// BackendLocation returns the last known location of domain.
func (r *Router) BackendLocation(domain string) (spheredist.DegreePoint, bool) {
	r.backendsLock.RLock()
	defer r.backendsLock.RUnlock()

	backend, ok := r.backends[domain]
	if !ok || backend == nil {
		return spheredist.DegreePoint{}, false
	}
	return backend.Location, true
}

// Backends returns a copy of the current backend table.
func (r *Router) Backends() map[string]Backend {
	r.backendsLock.RLock()
	defer r.backendsLock.RUnlock()

	out := make(map[string]Backend, len(r.backends))
	for domain, backend := range r.backends {
		out[domain] = *backend
	}
	return out
}

func (r *Router) CacheLen() int {
	return r.cache.Len()
}
