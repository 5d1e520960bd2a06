package sphereredirect

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"
	statusSkipped = "skipped"
)

type redirectMetrics struct {
	redirects *prometheus.CounterVec
	distance  prometheus.Histogram
}

// newRedirectMetrics registers the collectors, reusing the ones left by a
// previous config load on the same registry.
func newRedirectMetrics(registry prometheus.Registerer) (*redirectMetrics, error) {
	redirects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sphere_redirect_total",
			Help: "Number of requests checked for a closer backend, by outcome",
		},
		[]string{"status"},
	)
	distance := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sphere_redirect_distance_meters",
		Help:    "Great-circle distance between redirected clients and their backend",
		Buckets: prometheus.ExponentialBuckets(10_000, 2, 12),
	})

	m := &redirectMetrics{}

	c, err := register(registry, redirects)
	if err != nil {
		return nil, err
	}
	m.redirects = c.(*prometheus.CounterVec)

	c, err = register(registry, distance)
	if err != nil {
		return nil, err
	}
	m.distance = c.(prometheus.Histogram)

	for _, status := range []string{statusSuccess, statusFailed, statusSkipped} {
		m.redirects.WithLabelValues(status)
	}

	return m, nil
}

func register(registry prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}
