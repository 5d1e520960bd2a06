// Package spheredist computes great-circle distances with the spherical law of cosines.
package spheredist

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// EarthRadiusMeters is the mean radius of Earth.
const EarthRadiusMeters = 6371000

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// RadianPoint is a position on a sphere in radians.
// Latitude is the polar term and Longitude the azimuthal one.
type RadianPoint struct {
	Latitude  float64
	Longitude float64
}

// DegreePoint is a conventional latitude/longitude pair in degrees.
type DegreePoint struct {
	Latitude  float64
	Longitude float64
}

func DegreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

func RadiansToDegrees(radians float64) float64 {
	return radians * 180 / math.Pi
}

// CentralAngle returns the angle in radians, in [0, pi], between two points
// as seen from the center of the sphere.
//
// The acos argument is clamped to [-1, 1] so rounding on identical or
// antipodal points yields 0 or pi instead of NaN.
func CentralAngle(p1, p2 RadianPoint) float64 {
	// acos is ill-conditioned near 1: one ulp below it is already ~1.5e-8 rad.
	if p1 == p2 {
		return 0
	}

	cosAngle := math.Sin(p1.Latitude)*math.Sin(p2.Latitude) +
		math.Cos(p1.Latitude)*math.Cos(p2.Latitude)*math.Cos(p2.Longitude-p1.Longitude)

	return math.Acos(clampUnit(cosAngle))
}

// SurfaceDistanceOnSphere returns the arc length between two points on a
// sphere of the given radius, in the radius' unit. The radius is not checked.
func SurfaceDistanceOnSphere(p1, p2 RadianPoint, radius float64) float64 {
	return radius * CentralAngle(p1, p2)
}

// SurfaceDistanceOnEarth returns the distance in meters between two points
// given in degrees.
func SurfaceDistanceOnEarth(p1, p2 DegreePoint) float64 {
	return SurfaceDistanceOnSphere(p1.Radians(), p2.Radians(), EarthRadiusMeters)
}

// clampUnit keeps x inside the acos domain. NaN passes through.
func clampUnit(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

func (p DegreePoint) Radians() RadianPoint {
	return RadianPoint{
		Latitude:  DegreesToRadians(p.Latitude),
		Longitude: DegreesToRadians(p.Longitude),
	}
}

// Valid reports whether the point is finite with latitude in [-90, 90] and
// longitude in [-180, 180]. Distance functions accept invalid points anyway.
func (p DegreePoint) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

func (p DegreePoint) String() string {
	return strconv.FormatFloat(p.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(p.Longitude, 'f', -1, 64)
}

func (p RadianPoint) Degrees() DegreePoint {
	return DegreePoint{
		Latitude:  RadiansToDegrees(p.Latitude),
		Longitude: RadiansToDegrees(p.Longitude),
	}
}

// ParseDegreePoint parses latitude and longitude tokens and rejects points
// outside the valid range.
func ParseDegreePoint(lat, lon string) (DegreePoint, error) {
	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return DegreePoint{}, fmt.Errorf("%w: latitude %q: %v", ErrInvalidCoordinate, lat, err)
	}

	longitude, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return DegreePoint{}, fmt.Errorf("%w: longitude %q: %v", ErrInvalidCoordinate, lon, err)
	}

	p := DegreePoint{Latitude: latitude, Longitude: longitude}
	if !p.Valid() {
		return DegreePoint{}, fmt.Errorf("%w: %s out of range", ErrInvalidCoordinate, p)
	}

	return p, nil
}
