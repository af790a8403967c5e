package geo

import (
	"math"
	"testing"

	"github.com/fieldworks/curlew/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.Point
		ok   bool
	}{
		{"LatLonOnly", "12.9716 77.5946", domain.Point{Lat: 12.9716, Lon: 77.5946}, true},
		{"WithAltitudeAccuracy", "12.9716 77.5946 900.1 4.2", domain.Point{Lat: 12.9716, Lon: 77.5946}, true},
		{"Negative", "-1.2921 36.8219", domain.Point{Lat: -1.2921, Lon: 36.8219}, true},
		{"Empty", "", domain.Point{}, false},
		{"SingleField", "12.9716", domain.Point{}, false},
		{"NotNumbers", "north east", domain.Point{}, false},
		{"LatOutOfRange", "91.0 10.0", domain.Point{}, false},
		{"LonOutOfRange", "10.0 181.0", domain.Point{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.raw)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			}
			if ok && (got.Lat != tt.want.Lat || got.Lon != tt.want.Lon) {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	p := domain.Point{Lat: 12.9716, Lon: 77.5946}

	got, ok := Parse(Format(p))
	if !ok {
		t.Fatalf("Parse rejected Format output %q", Format(p))
	}
	if math.Abs(got.Lat-p.Lat) > 1e-6 || math.Abs(got.Lon-p.Lon) > 1e-6 {
		t.Errorf("round trip produced %+v, want %+v", got, p)
	}
}

func TestDistance(t *testing.T) {
	// Nairobi CBD to Westlands is roughly 3.2km.
	a := domain.Point{Lat: -1.2864, Lon: 36.8172}
	b := domain.Point{Lat: -1.2676, Lon: 36.8070}

	d := Distance(a, b)
	if d < 2000 || d > 4500 {
		t.Errorf("Distance = %.0fm, expected roughly 3200m", d)
	}

	if got := Distance(a, a); got != 0 {
		t.Errorf("Distance to self = %f, want 0", got)
	}

	// Symmetry
	if math.Abs(Distance(a, b)-Distance(b, a)) > 1e-6 {
		t.Error("Distance is not symmetric")
	}
}

func TestDistanceSmallOffsets(t *testing.T) {
	// One degree of latitude is ~111km; 0.0001 degrees ~11m.
	a := domain.Point{Lat: 10.0, Lon: 20.0}
	b := domain.Point{Lat: 10.0001, Lon: 20.0}

	d := Distance(a, b)
	if d < 10 || d > 13 {
		t.Errorf("Distance = %.2fm, expected ~11m", d)
	}
}

func TestInCatchment(t *testing.T) {
	area := &domain.CatchmentArea{
		Center:       domain.Point{Lat: 10.0, Lon: 20.0},
		RadiusMeters: 100,
		Active:       true,
	}

	inside := domain.Point{Lat: 10.0005, Lon: 20.0} // ~55m north
	outside := domain.Point{Lat: 10.002, Lon: 20.0} // ~220m north

	if !InCatchment(inside, area) {
		t.Error("expected point ~55m away to be inside 100m catchment")
	}
	if InCatchment(outside, area) {
		t.Error("expected point ~220m away to be outside 100m catchment")
	}
}
