package models

import (
	"math"
	"time"
)

const earthRadiusMeters = 6371000.0

// GeoPoint is a GeoJSON point; Coordinates are [lon, lat].
type GeoPoint struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates"`
}

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func NewGeoPoint(c Coordinate) *GeoPoint {
	return &GeoPoint{Type: "Point", Coordinates: []float64{c.Lon, c.Lat}}
}

// Coordinate returns nil for a missing or malformed point.
func (p *GeoPoint) Coordinate() *Coordinate {
	if p == nil || len(p.Coordinates) != 2 {
		return nil
	}
	return &Coordinate{Lat: p.Coordinates[1], Lon: p.Coordinates[0]}
}

func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lon)
}

// DistanceTo returns the great-circle distance in metres.
func (c Coordinate) DistanceTo(o Coordinate) float64 {
	lat1 := c.Lat * math.Pi / 180
	lat2 := o.Lat * math.Pi / 180
	dLat := (o.Lat - c.Lat) * math.Pi / 180
	dLon := (o.Lon - c.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// LocationSample is one reading from the device location source.
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s LocationSample) Coordinate() Coordinate {
	return Coordinate{Lat: s.Lat, Lon: s.Lon}
}
