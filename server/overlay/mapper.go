// Package overlay prepares analysis detections for drawing on top of the
// acquired image.
package overlay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/athena-uvm/hotspot-inspector/server/models"
	"go.uber.org/zap"
)

type Category string

const (
	CategoryVegetation Category = "VEGETATION"
	CategoryCable      Category = "CABLE"
	CategoryOther      Category = "OTHER"
)

var ErrDimensionsUnknown = errors.New("image dimensions are not known yet")

type categoryRule struct {
	category Category
	keywords []string
}

// Rules are checked in order; the first match wins.
var categoryRules = []categoryRule{
	{category: CategoryVegetation, keywords: []string{"tree", "vegetation"}},
	{category: CategoryCable, keywords: []string{"cable", "wire"}},
}

// Classify derives the display category of a free-text detection label.
func Classify(label string) Category {
	lower := strings.ToLower(label)
	for _, rule := range categoryRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.category
			}
		}
	}
	return CategoryOther
}

type CanvasSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DisplayPolygon keeps the detection's points in natural pixel coordinates
// and declares the coordinate space they live in. Scaling that space onto
// the rendered image box is left to the rendering surface.
type DisplayPolygon struct {
	Label    string         `json:"label"`
	Category Category       `json:"category"`
	Points   []models.Point `json:"points"`
	Canvas   CanvasSize     `json:"canvas"`
}

type Mapper struct {
	logger *zap.Logger
}

func NewMapper(logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{logger: logger}
}

func (m *Mapper) ComputeDisplayPolygons(detections []models.Detection, naturalWidth, naturalHeight int) ([]DisplayPolygon, error) {
	if naturalWidth <= 0 || naturalHeight <= 0 {
		return nil, fmt.Errorf("%w (%dx%d)", ErrDimensionsUnknown, naturalWidth, naturalHeight)
	}

	canvas := CanvasSize{Width: naturalWidth, Height: naturalHeight}
	polygons := make([]DisplayPolygon, 0, len(detections))
	for i, detection := range detections {
		if len(detection.Points) < 3 {
			m.logger.Warn("Skipping detection with too few points",
				zap.Int("index", i),
				zap.String("label", detection.Label),
				zap.Int("points", len(detection.Points)))
			continue
		}

		points := make([]models.Point, len(detection.Points))
		copy(points, detection.Points)

		polygons = append(polygons, DisplayPolygon{
			Label:    detection.Label,
			Category: Classify(detection.Label),
			Points:   points,
			Canvas:   canvas,
		})
	}

	return polygons, nil
}
