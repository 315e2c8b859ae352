package models

import "encoding/json"

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskCritical RiskLevel = "CRITICAL"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskModerate, RiskCritical:
		return true
	}
	return false
}

// LatLng is a vertex in internal (latitude, longitude) order.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type HotspotFeature struct {
	ID                string    `json:"id"`
	RiskLevel         RiskLevel `json:"risk_level"`
	RiskScore         int       `json:"risk_score"`
	VegetationDensity float64   `json:"vegetation_density"`
	DisplayColor      string    `json:"display_color"`
	Boundary          []LatLng  `json:"boundary"`
}

// FeatureCollection is the wire shape returned by fetchHotspots. Geometry
// coordinates arrive in GeoJSON (lng, lat) order.
type FeatureCollection struct {
	Type     string       `json:"type"`
	Features []RawFeature `json:"features"`
}

type RawFeature struct {
	Type       string        `json:"type"`
	Geometry   RawGeometry   `json:"geometry"`
	Properties RawProperties `json:"properties"`
}

type RawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// RawProperties uses pointers so that absent fields can be told apart from
// zero values.
type RawProperties struct {
	ID                *string         `json:"id"`
	RiskLevel         *string         `json:"risk_level"`
	RiskScore         *float64        `json:"risk_score"`
	VegetationDensity json.RawMessage `json:"vegetation_density"`
	Color             string          `json:"color,omitempty"`
}
