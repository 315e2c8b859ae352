package models

// ImageAcquisition is known in two phases: the backend hands out the id and
// URL, and the natural size arrives only after the raster has loaded.
type ImageAcquisition struct {
	ImageID       string `json:"image_id"`
	Filename      string `json:"filename,omitempty"`
	SourceURL     string `json:"source_url"`
	NaturalWidth  int    `json:"natural_width"`
	NaturalHeight int    `json:"natural_height"`
}

func (a *ImageAcquisition) DimensionsKnown() bool {
	return a != nil && a.NaturalWidth > 0 && a.NaturalHeight > 0
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection points are in the source image's native pixel space.
type Detection struct {
	Label  string  `json:"label"`
	Points []Point `json:"points"`
}

type AnalysisResult struct {
	ImageID      string      `json:"image_id"`
	RiskDetected bool        `json:"risk_detected"`
	Details      string      `json:"details"`
	Detections   []Detection `json:"detections"`
	Source       string      `json:"source,omitempty"`
}
