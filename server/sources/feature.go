// Package sources provides hotspot collections from places other than the
// inference service: a PostGIS table, an OSM power-line query and a
// simulated scanner.
package sources

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/athena-uvm/hotspot-inspector/server/geo"
	"github.com/athena-uvm/hotspot-inspector/server/models"
)

// RiskBand maps a 0..100 score onto a risk level.
func RiskBand(score int) models.RiskLevel {
	switch {
	case score > 80:
		return models.RiskCritical
	case score > 50:
		return models.RiskModerate
	default:
		return models.RiskLow
	}
}

// mockRisk draws the placeholder risk data attached to generated footprints.
func mockRisk(rng *rand.Rand) (score, density int) {
	return 30 + rng.Intn(66), 40 + rng.Intn(51)
}

// newFeature builds a wire feature from a ring in GeoJSON (lng, lat) order.
func newFeature(id string, ring [][2]float64, score, densityPercent int) (models.RawFeature, error) {
	coordinates, err := json.Marshal([][][2]float64{ring})
	if err != nil {
		return models.RawFeature{}, fmt.Errorf("failed to encode ring for %s: %w", id, err)
	}
	density, _ := json.Marshal(fmt.Sprintf("%d%%", densityPercent))

	level := RiskBand(score)
	riskLevel := string(level)
	riskScore := float64(score)

	return models.RawFeature{
		Type: "Feature",
		Geometry: models.RawGeometry{
			Type:        "Polygon",
			Coordinates: coordinates,
		},
		Properties: models.RawProperties{
			ID:                &id,
			RiskLevel:         &riskLevel,
			RiskScore:         &riskScore,
			VegetationDensity: density,
			Color:             geo.ColorFor(level),
		},
	}, nil
}

// square returns a closed axis-aligned ring of half-width delta degrees.
func square(lng, lat, delta float64) [][2]float64 {
	return [][2]float64{
		{lng - delta, lat - delta},
		{lng + delta, lat - delta},
		{lng + delta, lat + delta},
		{lng - delta, lat + delta},
		{lng - delta, lat - delta},
	}
}
