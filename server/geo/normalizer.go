// Package geo converts externally fetched map features into hotspots that are
// safe to render.
//
// Wire geometry follows GeoJSON and lists every vertex as (lng, lat). The
// rest of the service works in (lat, lng). The swap happens here, once, and
// nowhere else.
package geo

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/athena-uvm/hotspot-inspector/server/models"
	"go.uber.org/zap"
)

const minBoundaryVertices = 3

var defaultPalette = map[models.RiskLevel]string{
	models.RiskLow:      "#22C55E",
	models.RiskModerate: "#EAB308",
	models.RiskCritical: "#EF4444",
}

// IngestionError describes one feature that was skipped.
type IngestionError struct {
	Index     int
	FeatureID string
	Reason    string
}

func (e *IngestionError) Error() string {
	if e.FeatureID != "" {
		return fmt.Sprintf("feature %d (%s): %s", e.Index, e.FeatureID, e.Reason)
	}
	return fmt.Sprintf("feature %d: %s", e.Index, e.Reason)
}

type Result struct {
	Features []models.HotspotFeature
	Warnings []*IngestionError
}

type Normalizer struct {
	logger *zap.Logger
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger}
}

// Decode parses a feature collection and normalizes it. Only a collection
// that is not JSON at all is an error; bad features become warnings.
func (n *Normalizer) Decode(r io.Reader) (*Result, error) {
	var fc models.FeatureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode feature collection: %w", err)
	}
	return n.Normalize(&fc), nil
}

func (n *Normalizer) Normalize(fc *models.FeatureCollection) *Result {
	result := &Result{}
	if fc == nil {
		return result
	}

	result.Features = make([]models.HotspotFeature, 0, len(fc.Features))
	for i := range fc.Features {
		feature, err := normalizeFeature(i, &fc.Features[i])
		if err != nil {
			n.logger.Warn("Skipping malformed hotspot feature",
				zap.Int("index", err.Index),
				zap.String("feature_id", err.FeatureID),
				zap.String("reason", err.Reason))
			result.Warnings = append(result.Warnings, err)
			continue
		}
		result.Features = append(result.Features, feature)
	}

	n.logger.Debug("Normalized hotspot features",
		zap.Int("accepted", len(result.Features)),
		zap.Int("skipped", len(result.Warnings)))

	return result
}

func normalizeFeature(index int, raw *models.RawFeature) (models.HotspotFeature, *IngestionError) {
	fail := func(id, format string, args ...any) (models.HotspotFeature, *IngestionError) {
		return models.HotspotFeature{}, &IngestionError{Index: index, FeatureID: id, Reason: fmt.Sprintf(format, args...)}
	}

	props := raw.Properties
	id := ""
	if props.ID != nil {
		id = strings.TrimSpace(*props.ID)
	}
	if id == "" {
		return fail("", "missing property id")
	}
	if props.RiskLevel == nil {
		return fail(id, "missing property risk_level")
	}
	level := models.RiskLevel(strings.ToUpper(strings.TrimSpace(*props.RiskLevel)))
	if !level.Valid() {
		return fail(id, "unknown risk_level %q", *props.RiskLevel)
	}
	if props.RiskScore == nil {
		return fail(id, "missing property risk_score")
	}
	score := *props.RiskScore
	if score != math.Trunc(score) || score < 0 || score > 100 {
		return fail(id, "risk_score %v is not an integer in [0, 100]", score)
	}
	density, err := parseDensity(props.VegetationDensity)
	if err != nil {
		return fail(id, "vegetation_density: %v", err)
	}

	boundary, err := outerRing(raw.Geometry)
	if err != nil {
		return fail(id, "geometry: %v", err)
	}

	color := strings.TrimSpace(props.Color)
	if color == "" {
		color = defaultPalette[level]
	}

	return models.HotspotFeature{
		ID:                id,
		RiskLevel:         level,
		RiskScore:         int(score),
		VegetationDensity: density,
		DisplayColor:      color,
		Boundary:          boundary,
	}, nil
}

// outerRing keeps the first ring of a Polygon and swaps every pair into
// (lat, lng). Holes are dropped.
func outerRing(g models.RawGeometry) ([]models.LatLng, error) {
	if g.Type != "" && g.Type != "Polygon" {
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
	if len(g.Coordinates) == 0 {
		return nil, fmt.Errorf("missing coordinates")
	}

	var rings [][][]float64
	if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
		return nil, fmt.Errorf("coordinates are not polygon rings: %w", err)
	}
	if len(rings) == 0 {
		return nil, fmt.Errorf("no coordinate rings")
	}

	ring := rings[0]
	if len(ring) < minBoundaryVertices {
		return nil, fmt.Errorf("outer ring has %d coordinate pairs, need at least %d", len(ring), minBoundaryVertices)
	}

	boundary := make([]models.LatLng, 0, len(ring))
	distinct := make(map[models.LatLng]struct{}, len(ring))
	for i, pair := range ring {
		if len(pair) < 2 {
			return nil, fmt.Errorf("coordinate %d has %d values", i, len(pair))
		}
		lng, lat := pair[0], pair[1]
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return nil, fmt.Errorf("coordinate %d (%v, %v) out of range", i, lng, lat)
		}
		vertex := models.LatLng{Lat: lat, Lng: lng}
		boundary = append(boundary, vertex)
		distinct[vertex] = struct{}{}
	}
	if len(distinct) < minBoundaryVertices {
		return nil, fmt.Errorf("outer ring has %d distinct vertices, need at least %d", len(distinct), minBoundaryVertices)
	}

	return boundary, nil
}

// parseDensity accepts either a JSON number or a string such as "65%".
func parseDensity(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing")
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("expected number or string, got %s", string(raw))
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "%")
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", text)
	}
	return value, nil
}

// ColorFor returns the default display color of a risk level.
func ColorFor(level models.RiskLevel) string {
	return defaultPalette[level]
}
