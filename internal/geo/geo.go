// Package geo provides GPS string parsing and great-circle math for the
// proximity and catchment checks.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fieldworks/curlew/internal/domain"
)

const earthRadiusMeters = 6371000.0

// Parse decodes the platform's raw GPS string, "lat lon [altitude
// [accuracy]]", space separated. Returns ok=false for empty or malformed
// input; a missing location is a rule-engine concern, not an error.
func Parse(raw string) (domain.Point, bool) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return domain.Point{}, false
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return domain.Point{}, false
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return domain.Point{}, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return domain.Point{}, false
	}
	return domain.Point{Lat: lat, Lon: lon}, true
}

// Distance returns the great-circle distance between two points in meters,
// using the haversine formula.
func Distance(a, b domain.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// InCatchment reports whether p falls within the area's radius.
func InCatchment(p domain.Point, area *domain.CatchmentArea) bool {
	return Distance(p, area.Center) <= area.RadiusMeters
}

// Format renders a point back to the platform's raw GPS string form.
func Format(p domain.Point) string {
	return fmt.Sprintf("%.7f %.7f", p.Lat, p.Lon)
}
