// Package geomath provides the pure geometry used by candidate filtering:
// great-circle distance, drive-time estimation, and directional alignment.
package geomath

import "math"

const (
	// EarthRadiusMiles is the mean Earth radius used by the haversine formula.
	EarthRadiusMiles = 3959.0

	// AvgSpeedMPH is the assumed average truck speed for drive-time estimates.
	AvgSpeedMPH = 25.0

	// MilesPerDegreeLat converts a search radius into degrees of latitude.
	MilesPerDegreeLat = 69.0
)

// HaversineMiles returns the great-circle distance in miles between two
// lat/lng points. Symmetric, and zero for identical points.
func HaversineMiles(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusMiles * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// EstimateDriveMinutes converts a distance into an estimated drive time using
// a flat average-speed model.
func EstimateDriveMinutes(distanceMiles float64) float64 {
	return distanceMiles / AvgSpeedMPH * 60
}

// DirectionScore returns the cosine similarity between the vector from the
// reference point to the technician's next stop and the vector from the
// reference point to the candidate. Range [-1, 1]; 1 means the candidate lies
// along the remaining route direction, -1 directly against it. Returns 0 when
// either vector has zero magnitude, meaning no directional preference can be
// computed.
func DirectionScore(refLat, refLng, nextLat, nextLng, candLat, candLng float64) float64 {
	toNextLat := nextLat - refLat
	toNextLng := nextLng - refLng
	toCandLat := candLat - refLat
	toCandLng := candLng - refLng

	magNext := math.Hypot(toNextLat, toNextLng)
	magCand := math.Hypot(toCandLat, toCandLng)
	if magNext == 0 || magCand == 0 {
		return 0
	}

	dot := toNextLat*toCandLat + toNextLng*toCandLng
	return dot / (magNext * magCand)
}

// BBox is a lat/lng bounding box used to prefilter the customer directory
// before exact distance checks.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// BoundingBox returns the box that fully contains a circle of radiusMiles
// around the given point. Longitude degrees shrink with latitude, so the
// longitude span is widened by 1/cos(lat).
func BoundingBox(lat, lng, radiusMiles float64) BBox {
	latRange := radiusMiles / MilesPerDegreeLat
	lngRange := latRange / math.Cos(lat*math.Pi/180)
	return BBox{
		MinLat: lat - latRange,
		MaxLat: lat + latRange,
		MinLng: lng - lngRange,
		MaxLng: lng + lngRange,
	}
}
