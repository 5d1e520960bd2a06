package geoip

import (
	"errors"
	"fmt"
	"math"

	"github.com/hmilkovi/sphere-surface-distance/spheredist"
)

var ErrNoLiveBackend = errors.New("no live backend")

type Backend struct {
	Location spheredist.DegreePoint
	// Pinned backends come from configuration and are never geolocated.
	Pinned  bool
	IsAlive bool
}

// Selection is the outcome of picking a backend for a client.
type Selection struct {
	Domain         string
	DistanceMeters float64
	Client         spheredist.DegreePoint
}

// Nearest returns the live backend with the smallest surface distance to client.
// Ties are broken by the lexicographically smaller domain.
func Nearest(client spheredist.DegreePoint, backends map[string]*Backend) (Selection, error) {
	best := Selection{Client: client, DistanceMeters: math.MaxFloat64}

	for domain, backend := range backends {
		if backend == nil || !backend.IsAlive {
			continue
		}

		distance := spheredist.SurfaceDistanceOnEarth(client, backend.Location)
		if math.IsNaN(distance) {
			continue
		}

		if distance < best.DistanceMeters || (distance == best.DistanceMeters && domain < best.Domain) {
			best.Domain = domain
			best.DistanceMeters = distance
		}
	}

	if best.Domain == "" {
		return Selection{}, fmt.Errorf("%w: all %d backends seem to be down", ErrNoLiveBackend, len(backends))
	}

	return best, nil
}
