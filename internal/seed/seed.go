// Package seed loads the airport and photo catalog from YAML.
package seed

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/geo"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Catalog is the trusted airport dataset plus the photos that depict them
type Catalog struct {
	Airports []domain.Airport `yaml:"airports"`
	Photos   []domain.Photo   `yaml:"photos"`
}

// Default returns the built-in catalog of major airports
func Default() (*Catalog, error) {
	return parse(defaultCatalog)
}

// Load reads a catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return parse(data)
}

// LoadOrDefault reads path, or returns the built-in catalog when path is empty
func LoadOrDefault(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	return Load(path)
}

func parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing seed catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks coordinates, codes and photo references
func (c *Catalog) Validate() error {
	ids := make(map[string]bool, len(c.Airports))
	codes := make(map[string]string, len(c.Airports)*3)
	for _, a := range c.Airports {
		if a.ID == "" {
			return fmt.Errorf("airport %q: missing id", a.Name)
		}
		if ids[a.ID] {
			return fmt.Errorf("airport %s: duplicate id", a.ID)
		}
		ids[a.ID] = true
		if err := (geo.Point{Lat: a.Latitude, Lon: a.Longitude}).Validate(); err != nil {
			return fmt.Errorf("airport %s: %w", a.ID, err)
		}
		for _, code := range []string{a.ID, a.IATA, a.ICAO} {
			code = domain.NormalizeAirportRef(code)
			if code == "" {
				continue
			}
			if owner, ok := codes[code]; ok && owner != a.ID {
				return fmt.Errorf("airport %s: code %s already used by %s", a.ID, code, owner)
			}
			codes[code] = a.ID
		}
	}

	photos := make(map[string]bool, len(c.Photos))
	for _, p := range c.Photos {
		if p.ID == "" {
			return fmt.Errorf("photo for %s: missing id", p.AirportID)
		}
		if photos[p.ID] {
			return fmt.Errorf("photo %s: duplicate id", p.ID)
		}
		photos[p.ID] = true
		if !ids[p.AirportID] {
			return fmt.Errorf("photo %s: unknown airport %s", p.ID, p.AirportID)
		}
	}
	return nil
}
