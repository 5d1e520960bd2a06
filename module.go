package sphereredirect

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/hmilkovi/sphere-surface-distance/geoip"
	"github.com/hmilkovi/sphere-surface-distance/spheredist"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("sphere_redirect", parseCaddyfile)
}

// BackendSelector picks the backend closest to a client.
type BackendSelector interface {
	NearestBackend(addr netip.Addr) (geoip.Selection, error)
	BackendLocation(domain string) (spheredist.DegreePoint, bool)
}

// Middleware redirects clients to the backend domain with the shortest
// great-circle distance to their geolocated IP.
type Middleware struct {
	MmdbPath               string         `json:"mmdb_path,omitempty"`
	MmdbUri                string         `json:"mmdb_uri,omitempty"`
	MmdbDownloadPeriodDays int            `json:"mmdb_download_period_days,omitempty"`
	DomainNames            []string       `json:"domain_names,omitempty"`
	Backends               []PinnedDomain `json:"backends,omitempty"`
	MaxCacheSize           int            `json:"max_cache_size,omitempty"`
	CacheTTLSeconds        int            `json:"cache_ttl_seconds,omitempty"`
	HealthUri              string         `json:"health_uri,omitempty"`
	// MinGainMeters is how much closer the chosen backend has to be than
	// the requested one before a redirect is issued.
	MinGainMeters           float64        `json:"min_gain_meters,omitempty"`
	LocationRefreshInterval caddy.Duration `json:"location_refresh_interval,omitempty"`

	selector BackendSelector
	database *geoip.Database
	logger   *zap.Logger
	metrics  *redirectMetrics
}

// PinnedDomain is a backend with configured coordinates in degrees.
type PinnedDomain struct {
	Domain    string  `json:"domain"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p PinnedDomain) Point() spheredist.DegreePoint {
	return spheredist.DegreePoint{Latitude: p.Latitude, Longitude: p.Longitude}
}

func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.sphere_redirect",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()

	if m.MaxCacheSize == 0 {
		m.MaxCacheSize = 100000
	}

	if m.CacheTTLSeconds == 0 {
		m.CacheTTLSeconds = 60 * 10
	}

	if m.MmdbDownloadPeriodDays == 0 {
		m.MmdbDownloadPeriodDays = 30
	}

	if m.LocationRefreshInterval == 0 {
		m.LocationRefreshInterval = caddy.Duration(time.Hour)
	}

	var err error
	m.metrics, err = newRedirectMetrics(ctx.GetMetricsRegistry())
	if err != nil {
		return err
	}

	m.database, err = geoip.OpenDatabase(ctx, &geoip.DatabaseArgs{
		Logger:               m.logger,
		MmdbUri:              m.MmdbUri,
		MmdbPath:             m.MmdbPath,
		PeriodicDownloadDays: m.MmdbDownloadPeriodDays,
	})
	if err != nil {
		return err
	}

	cacheTTL := time.Duration(m.CacheTTLSeconds) * time.Second
	resolver, err := geoip.NewDnsResolver(len(m.DomainNames)+1, cacheTTL)
	if err != nil {
		return err
	}

	pinned := make(map[string]spheredist.DegreePoint, len(m.Backends))
	for _, b := range m.Backends {
		pinned[b.Domain] = b.Point()
	}

	router, err := geoip.NewRouter(&geoip.RouterArgs{
		Logger:          m.logger,
		Locator:         m.database,
		Resolver:        resolver,
		HostingDomains:  m.DomainNames,
		PinnedLocations: pinned,
		HealthUri:       m.HealthUri,
		MaxCacheSize:    m.MaxCacheSize,
		CacheTTL:        cacheTTL,
	})
	if err != nil {
		return err
	}

	router.Refresh(ctx)
	router.Start(ctx, time.Duration(m.LocationRefreshInterval))

	if m.MmdbUri != "" && m.MmdbDownloadPeriodDays > 0 {
		m.database.StartPeriodicSync(ctx)
	}

	m.selector = router

	return nil
}

func (m *Middleware) Validate() error {
	for _, domain := range m.DomainNames {
		if m.isPinned(domain) {
			continue
		}
		if _, err := net.LookupIP(domain); err != nil {
			return err
		}
	}

	for _, b := range m.Backends {
		if b.Domain == "" {
			return errors.New("pinned backend needs a domain")
		}
		if !b.Point().Valid() {
			return fmt.Errorf("%w: backend %s at %s", spheredist.ErrInvalidCoordinate, b.Domain, b.Point())
		}
	}

	if m.HealthUri != "" {
		if _, err := url.ParseRequestURI(m.HealthUri); err != nil {
			return err
		}
	}

	if m.MinGainMeters < 0 {
		return fmt.Errorf("min_gain_meters can't be negative: %v", m.MinGainMeters)
	}

	if _, err := os.Stat(m.MmdbPath); os.IsNotExist(err) && m.MmdbUri == "" {
		return err
	}

	return nil
}

// Cleanup closes the geoip database. Background loops stop with the caddy context.
func (m *Middleware) Cleanup() error {
	if m.database == nil {
		return nil
	}
	return m.database.Close()
}

func (m *Middleware) isPinned(domain string) bool {
	return slices.ContainsFunc(m.Backends, func(b PinnedDomain) bool { return b.Domain == domain })
}

func (m *Middleware) servesHost(host string) bool {
	return slices.Contains(m.DomainNames, host) || m.isPinned(host)
}

func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	// We don't want to redirect on health check path
	if m.HealthUri != "" && r.URL.Path == m.HealthUri {
		return next.ServeHTTP(w, r)
	}

	host := hostWithoutPort(r.Host)

	// Someone is spoofing host header so skip it
	if !m.servesHost(host) {
		m.logger.Debug("Host not in domains list", zap.String("host", r.Host))
		return next.ServeHTTP(w, r)
	}

	clientIP, err := parseRemoteAddr(r.RemoteAddr)
	if err != nil {
		m.logger.Error("Can't parse remote address", zap.Error(err), zap.String("ip", r.RemoteAddr))
		return next.ServeHTTP(w, r)
	}

	// Only public IPv4 clients can be geolocated
	if !clientIP.Is4() || clientIP.IsPrivate() || clientIP.IsLoopback() {
		m.logger.Debug("Found IPv6 or private ip skipping redirect check", zap.String("ip", clientIP.String()))
		m.metrics.redirects.WithLabelValues(statusSkipped).Inc()
		return next.ServeHTTP(w, r)
	}

	selection, err := m.selector.NearestBackend(clientIP)
	if err != nil {
		m.logger.Error("failed to get ip distance", zap.Error(err))
		m.metrics.redirects.WithLabelValues(statusFailed).Inc()
		return next.ServeHTTP(w, r)
	}

	caddyhttp.SetVar(r.Context(), "sphere_redirect.backend", selection.Domain)
	caddyhttp.SetVar(r.Context(), "sphere_redirect.distance_m", selection.DistanceMeters)

	if selection.Domain == host {
		m.metrics.redirects.WithLabelValues(statusSkipped).Inc()
		return next.ServeHTTP(w, r)
	}

	if m.MinGainMeters > 0 {
		if current, ok := m.selector.BackendLocation(host); ok {
			gain := spheredist.SurfaceDistanceOnEarth(selection.Client, current) - selection.DistanceMeters
			if gain < m.MinGainMeters {
				m.logger.Debug("Closer domain not worth a redirect",
					zap.String("domain", selection.Domain),
					zap.Float64("gain_m", gain),
				)
				m.metrics.redirects.WithLabelValues(statusSkipped).Inc()
				return next.ServeHTTP(w, r)
			}
		}
	}

	redirectURL := *r.URL
	redirectURL.Host = selection.Domain
	redirectURL.Scheme = "http"
	if r.TLS != nil {
		redirectURL.Scheme = "https"
	}
	redirectURLStr := redirectURL.String()

	m.logger.Debug("Redirecting to",
		zap.String("url", redirectURLStr),
		zap.Float64("distance_m", selection.DistanceMeters),
	)
	m.metrics.redirects.WithLabelValues(statusSuccess).Inc()
	m.metrics.distance.Observe(selection.DistanceMeters)

	http.Redirect(w, r, redirectURLStr, http.StatusFound)
	return nil
}

func hostWithoutPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

// parseRemoteAddr accepts both "ip" and "ip:port".
func parseRemoteAddr(remoteAddr string) (netip.Addr, error) {
	if addrPort, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return addrPort.Addr().Unmap(), nil
	}

	addr, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if d.NextArg() {
			return d.ArgErr()
		}
		for d.NextBlock(0) {
			switch d.Val() {
			case "mmdb_path":
				if !d.NextArg() {
					return d.ArgErr()
				}
				m.MmdbPath = d.Val()
			case "mmdb_uri":
				if !d.NextArg() {
					return d.ArgErr()
				}
				m.MmdbUri = d.Val()
			case "mmdb_download_period_days":
				if !d.NextArg() {
					return d.ArgErr()
				}
				days, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid integer for mmdb_download_period_days: %v", err)
				}
				m.MmdbDownloadPeriodDays = days
			case "domain_names":
				m.DomainNames = d.RemainingArgs()
				if len(m.DomainNames) == 0 {
					return d.ArgErr()
				}
			case "backend":
				args := d.RemainingArgs()
				if len(args) != 3 {
					return d.ArgErr()
				}
				point, err := spheredist.ParseDegreePoint(args[1], args[2])
				if err != nil {
					return d.Errf("invalid coordinates for backend %s: %v", args[0], err)
				}
				m.Backends = append(m.Backends, PinnedDomain{
					Domain:    args[0],
					Latitude:  point.Latitude,
					Longitude: point.Longitude,
				})
			case "max_cache_size":
				if !d.NextArg() {
					return d.ArgErr()
				}
				size, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid integer for max_cache_size: %v", err)
				}
				m.MaxCacheSize = size
			case "cache_ttl_seconds":
				if !d.NextArg() {
					return d.ArgErr()
				}
				ttlSeconds, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid integer for cache_ttl_seconds: %v", err)
				}
				m.CacheTTLSeconds = ttlSeconds
			case "health_uri":
				if !d.NextArg() {
					return d.ArgErr()
				}
				m.HealthUri = d.Val()
			case "min_gain_meters":
				if !d.NextArg() {
					return d.ArgErr()
				}
				gain, err := strconv.ParseFloat(d.Val(), 64)
				if err != nil {
					return d.Errf("invalid number for min_gain_meters: %v", err)
				}
				m.MinGainMeters = gain
			case "location_refresh_interval":
				if !d.NextArg() {
					return d.ArgErr()
				}
				interval, err := caddy.ParseDuration(d.Val())
				if err != nil {
					return d.Errf("invalid duration for location_refresh_interval: %v", err)
				}
				m.LocationRefreshInterval = caddy.Duration(interval)
			default:
				return d.Errf("unrecognized subdirective '%s'", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return &m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
