package seed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airfeeld-scoring/internal/domain"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if len(c.Airports) < 10 {
		t.Errorf("len(Airports) = %d, want at least 10", len(c.Airports))
	}

	var approved int
	for _, p := range c.Photos {
		if p.Approved {
			approved++
		}
	}
	if approved == 0 || approved == len(c.Photos) {
		t.Errorf("approved photos = %d of %d, want some but not all", approved, len(c.Photos))
	}
}

func TestValidate(t *testing.T) {
	jfk := domain.Airport{ID: "KJFK", IATA: "JFK", ICAO: "KJFK", Name: "JFK", Country: "US", Latitude: 40.6413, Longitude: -73.7781}

	tests := []struct {
		name    string
		catalog Catalog
		wantErr string
	}{
		{
			name:    "valid",
			catalog: Catalog{Airports: []domain.Airport{jfk}, Photos: []domain.Photo{{ID: "p1", AirportID: "KJFK"}}},
		},
		{
			name:    "duplicate id",
			catalog: Catalog{Airports: []domain.Airport{jfk, jfk}},
			wantErr: "duplicate id",
		},
		{
			name: "shared code",
			catalog: Catalog{Airports: []domain.Airport{
				jfk,
				{ID: "XJFK", IATA: "JFK", Name: "Other", Country: "US"},
			}},
			wantErr: "already used",
		},
		{
			name:    "bad latitude",
			catalog: Catalog{Airports: []domain.Airport{{ID: "BAD", Name: "Bad", Latitude: 91}}},
			wantErr: "BAD",
		},
		{
			name:    "unknown airport",
			catalog: Catalog{Airports: []domain.Airport{jfk}, Photos: []domain.Photo{{ID: "p1", AirportID: "EGLL"}}},
			wantErr: "unknown airport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.catalog.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := `
airports:
  - {id: EGLL, iata: LHR, icao: EGLL, name: Heathrow, country: United Kingdom, latitude: 51.47, longitude: -0.4543}
photos:
  - {id: p1, airport_id: EGLL, image_ref: p1.jpg, approved: true}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if len(c.Airports) != 1 || c.Photos[0].ImageRef != "p1.jpg" || !c.Photos[0].Approved {
		t.Errorf("LoadOrDefault() = %+v", c)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}
}
