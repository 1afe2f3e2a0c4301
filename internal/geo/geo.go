// Package geo answers distance and proximity questions over lat/lng points.
// Everything here is pure and safe for concurrent use.
package geo

import (
	"cmp"
	"iter"
	"math"
	"slices"

	"fleet-dispatch/internal/domain"
)

const earthRadiusKm = 6371.0

// DistanceKm is the Haversine great-circle distance. Coordinates must already
// be validated.
func DistanceKm(a, b domain.Location) float64 {
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Candidate is anything with a stable id and a position.
type Candidate interface {
	GeoID() string
	GeoLocation() (domain.Location, bool)
}

type Match[T Candidate] struct {
	Item       T
	DistanceKm float64
}

// Nearest yields the candidates within maxDistanceKm of point, closest first,
// ties broken by id. The distances are computed up front so the returned
// sequence can be ranged over any number of times.
func Nearest[T Candidate](point domain.Location, candidates []T, maxDistanceKm float64) iter.Seq[Match[T]] {
	matches := make([]Match[T], 0, len(candidates))
	for _, c := range candidates {
		loc, ok := c.GeoLocation()
		if !ok {
			continue
		}
		d := DistanceKm(point, loc)
		if d <= maxDistanceKm {
			matches = append(matches, Match[T]{Item: c, DistanceKm: d})
		}
	}
	slices.SortFunc(matches, func(a, b Match[T]) int {
		if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
			return c
		}
		return cmp.Compare(a.Item.GeoID(), b.Item.GeoID())
	})
	return func(yield func(Match[T]) bool) {
		for _, m := range matches {
			if !yield(m) {
				return
			}
		}
	}
}
