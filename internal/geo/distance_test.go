package geo

import (
	"errors"
	"math"
	"testing"
)

var (
	jfk = Point{Lat: 40.6413, Lon: -73.7781}
	lhr = Point{Lat: 51.4700, Lon: -0.4543}
	syd = Point{Lat: -33.9399, Lon: 151.1753}
)

func TestDistanceKnownRoute(t *testing.T) {
	d := Distance(jfk, lhr)
	if math.Abs(d.Km-5540) > 15 {
		t.Errorf("JFK-LHR = %.1f km, want about 5540", d.Km)
	}
	if math.Abs(d.Miles-d.Km*kmToMiles) > 1e-9 {
		t.Errorf("miles %.3f not consistent with km %.3f", d.Miles, d.Km)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][2]Point{{jfk, lhr}, {lhr, syd}, {syd, jfk}}
	for _, p := range pairs {
		ab := Distance(p[0], p[1])
		ba := Distance(p[1], p[0])
		if math.Abs(ab.Km-ba.Km) > 1e-9 {
			t.Errorf("distance(%v,%v)=%v but reverse=%v", p[0], p[1], ab.Km, ba.Km)
		}
	}
}

func TestDistanceToSelfIsZero(t *testing.T) {
	for _, p := range []Point{jfk, lhr, syd, {Lat: 90, Lon: 180}} {
		if d := Distance(p, p); d.Km != 0 || d.Miles != 0 {
			t.Errorf("distance(%v,%v) = %v, want 0", p, p, d)
		}
	}
}

func TestDistanceAntipodal(t *testing.T) {
	d := Distance(Point{Lat: 0, Lon: 0}, Point{Lat: 0, Lon: 180})
	want := math.Pi * EarthRadiusKm
	if math.Abs(d.Km-want) > 1e-6 {
		t.Errorf("antipodal distance = %v, want %v", d.Km, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Point
		ok   bool
	}{
		{"origin", Point{0, 0}, true},
		{"corners", Point{-90, 180}, true},
		{"lat too high", Point{90.1, 0}, false},
		{"lon too low", Point{0, -180.5}, false},
		{"nan", Point{math.NaN(), 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidCoordinate) {
				t.Errorf("got %v, want ErrInvalidCoordinate", err)
			}
		})
	}
}

func TestDistancePanicsOnInvalidInput(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range latitude")
		}
	}()
	Distance(Point{Lat: 91, Lon: 0}, jfk)
}
