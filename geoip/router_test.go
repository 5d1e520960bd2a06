package geoip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmilkovi/sphere-surface-distance/spheredist"
)

type fakeLocator struct {
	locations map[netip.Addr]spheredist.DegreePoint
	calls     int
}

func (f *fakeLocator) Locate(addr netip.Addr) (spheredist.DegreePoint, error) {
	f.calls++
	loc, ok := f.locations[addr]
	if !ok {
		return spheredist.DegreePoint{}, ErrNoCoordinates
	}
	return loc, nil
}

type fakeResolver map[string]netip.Addr

func (f fakeResolver) Resolve(_ context.Context, hostname string) (netip.Addr, error) {
	ip, ok := f[hostname]
	if !ok {
		return netip.Addr{}, errors.New("no such host")
	}
	return ip, nil
}

var (
	clientZagreb  = netip.MustParseAddr("203.0.113.10")
	clientNewYork = netip.MustParseAddr("203.0.113.20")
	serverLondon  = netip.MustParseAddr("198.51.100.1")
)

func newTestLocator() *fakeLocator {
	return &fakeLocator{locations: map[netip.Addr]spheredist.DegreePoint{
		clientZagreb:  zagreb,
		clientNewYork: newYork,
		serverLondon:  london,
	}}
}

func TestNewRouterRejectsLowTTL(t *testing.T) {
	_, err := NewRouter(&RouterArgs{
		Locator:      newTestLocator(),
		MaxCacheSize: 10,
		CacheTTL:     5 * time.Second,
	})
	assert.ErrorIs(t, err, ErrCacheTTLTooLow)
}

func TestRouterPinnedBackends(t *testing.T) {
	locator := newTestLocator()
	router, err := NewRouter(&RouterArgs{
		Locator: locator,
		PinnedLocations: map[string]spheredist.DegreePoint{
			"eu.example.com": frankfurt,
			"us.example.com": newYork,
		},
		MaxCacheSize: 10,
		CacheTTL:     time.Minute,
	})
	require.NoError(t, err)

	router.Refresh(context.Background())

	backends := router.Backends()
	require.Len(t, backends, 2)
	assert.True(t, backends["eu.example.com"].Pinned)
	assert.True(t, backends["eu.example.com"].IsAlive)

	sel, err := router.NearestBackend(clientZagreb)
	require.NoError(t, err)
	assert.Equal(t, "eu.example.com", sel.Domain)
	assert.Equal(t, zagreb, sel.Client)

	sel, err = router.NearestBackend(clientNewYork)
	require.NoError(t, err)
	assert.Equal(t, "us.example.com", sel.Domain)
	assert.InDelta(t, 0, sel.DistanceMeters, 1e-9)

	loc, ok := router.BackendLocation("eu.example.com")
	assert.True(t, ok)
	assert.Equal(t, frankfurt, loc)

	_, ok = router.BackendLocation("missing.example.com")
	assert.False(t, ok)
}

func TestRouterCachesSelection(t *testing.T) {
	locator := newTestLocator()
	router, err := NewRouter(&RouterArgs{
		Locator:         locator,
		PinnedLocations: map[string]spheredist.DegreePoint{"eu.example.com": frankfurt},
		MaxCacheSize:    10,
		CacheTTL:        time.Minute,
	})
	require.NoError(t, err)
	router.Refresh(context.Background())

	for i := 0; i < 3; i++ {
		_, err := router.NearestBackend(clientZagreb)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, locator.calls)
	assert.Equal(t, 1, router.CacheLen())
}

func TestRouterUnknownClient(t *testing.T) {
	router, err := NewRouter(&RouterArgs{
		Locator:         newTestLocator(),
		PinnedLocations: map[string]spheredist.DegreePoint{"eu.example.com": frankfurt},
		MaxCacheSize:    10,
		CacheTTL:        time.Minute,
	})
	require.NoError(t, err)
	router.Refresh(context.Background())

	_, err = router.NearestBackend(netip.MustParseAddr("192.0.2.99"))
	assert.ErrorIs(t, err, ErrNoCoordinates)
	assert.Equal(t, 0, router.CacheLen())
}

func TestRouterResolvesAndHealthChecks(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	londonDomain := srv.Listener.Addr().String()
	deadDomain := "127.0.0.1:1"
	router, err := NewRouter(&RouterArgs{
		Locator:        newTestLocator(),
		Resolver:       fakeResolver{londonDomain: serverLondon},
		HostingDomains: []string{londonDomain, "unresolvable.example.com"},
		PinnedLocations: map[string]spheredist.DegreePoint{
			deadDomain: newYork,
		},
		HealthUri:    "/health",
		MaxCacheSize: 10,
		CacheTTL:     time.Minute,
	})
	require.NoError(t, err)

	router.Refresh(context.Background())

	backends := router.Backends()
	require.Contains(t, backends, londonDomain)
	assert.NotContains(t, backends, "unresolvable.example.com")
	assert.Equal(t, london, backends[londonDomain].Location)
	assert.True(t, backends[londonDomain].IsAlive)
	// The pinned domain has no server behind it, so its health check fails.
	assert.False(t, backends[deadDomain].IsAlive)

	sel, err := router.NearestBackend(clientNewYork)
	require.NoError(t, err)
	assert.Equal(t, londonDomain, sel.Domain)
	assert.Equal(t, 1, router.CacheLen())

	healthy.Store(false)
	router.Refresh(context.Background())

	assert.False(t, router.Backends()[londonDomain].IsAlive)
	assert.Equal(t, 0, router.CacheLen(), "cache is purged when liveness changes")

	_, err = router.NearestBackend(clientNewYork)
	assert.ErrorIs(t, err, ErrNoLiveBackend)
}

func TestRouterKeepsLastKnownLocation(t *testing.T) {
	resolver := fakeResolver{"eu.example.com": serverLondon}
	router, err := NewRouter(&RouterArgs{
		Locator:        newTestLocator(),
		Resolver:       resolver,
		HostingDomains: []string{"eu.example.com"},
		MaxCacheSize:   10,
		CacheTTL:       time.Minute,
	})
	require.NoError(t, err)

	router.Refresh(context.Background())
	require.Contains(t, router.Backends(), "eu.example.com")

	delete(resolver, "eu.example.com")
	router.Refresh(context.Background())

	backend, ok := router.Backends()["eu.example.com"]
	require.True(t, ok)
	assert.Equal(t, london, backend.Location)
	assert.True(t, backend.IsAlive)
}
