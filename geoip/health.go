package geoip

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// checkHealth requests http://domain/healthUri. Any 2xx or 3xx counts as alive.
func (r *Router) checkHealth(ctx context.Context, domain string) bool {
	if r.healthUri == "" {
		return true
	}

	uri := &url.URL{
		Scheme: "http",
		Host:   domain,
		Path:   r.healthUri,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		r.logger.Error("failed health check", zap.String("domain", domain), zap.Error(err))
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error("failed health check", zap.String("domain", domain), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return true
	}

	r.logger.Error("failed health check", zap.String("domain", domain), zap.Int("code", resp.StatusCode))
	return false
}
