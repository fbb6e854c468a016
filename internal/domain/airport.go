package domain

import "strings"

// Airport is an entry of the trusted airport dataset
type Airport struct {
	ID        string  `json:"id" yaml:"id"`
	IATA      string  `json:"iata,omitempty" yaml:"iata"`
	ICAO      string  `json:"icao,omitempty" yaml:"icao"`
	Name      string  `json:"name" yaml:"name"`
	City      string  `json:"city,omitempty" yaml:"city"`
	Country   string  `json:"country" yaml:"country"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// PhotoRef is what the photo-selection collaborator hands out for a round
type PhotoRef struct {
	PhotoID  string `json:"photo_id"`
	ImageRef string `json:"image_ref"`
}

// NormalizeAirportRef canonicalises a user supplied airport reference so
// that "jfk", " KJFK " and "kjfk" compare equal to the stored codes.
func NormalizeAirportRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Code returns the most specific code available for display
func (a Airport) Code() string {
	if a.ICAO != "" {
		return a.ICAO
	}
	if a.IATA != "" {
		return a.IATA
	}
	return a.ID
}

// Photo is a catalog photo of a known airport. Only approved photos are
// handed out to players and counted towards activation.
type Photo struct {
	ID        string `json:"id" yaml:"id"`
	AirportID string `json:"airport_id" yaml:"airport_id"`
	ImageRef  string `json:"image_ref" yaml:"image_ref"`
	Approved  bool   `json:"approved" yaml:"approved"`
}

// Ref returns the reference handed to a round
func (p Photo) Ref() PhotoRef {
	return PhotoRef{PhotoID: p.ID, ImageRef: p.ImageRef}
}
