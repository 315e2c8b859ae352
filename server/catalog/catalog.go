// Package catalog holds the normalized hotspot collection and per-view
// selection state.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/geo"
	"github.com/athena-uvm/hotspot-inspector/server/models"
	"go.uber.org/zap"
)

var ErrUnknownHotspot = errors.New("unknown hotspot")

// Source provides the raw feature collection (fetchHotspots).
type Source interface {
	FetchHotspots(ctx context.Context) (*models.FeatureCollection, error)
}

// DuplicateIDWarning is recorded for every feature dropped because an
// earlier feature already used its id.
type DuplicateIDWarning struct {
	ID    string
	Index int
}

func (w DuplicateIDWarning) Error() string {
	return fmt.Sprintf("duplicate hotspot id %q at feature %d, keeping the first", w.ID, w.Index)
}

type LoadReport struct {
	Loaded     int       `json:"loaded"`
	Skipped    int       `json:"skipped"`
	Duplicates int       `json:"duplicates"`
	Warnings   []string  `json:"warnings,omitempty"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Catalog is read-only between loads and safe to share by reference.
type Catalog struct {
	source     Source
	normalizer *geo.Normalizer
	logger     *zap.Logger

	mutex    sync.RWMutex
	features []models.HotspotFeature
	index    map[string]int
	report   *LoadReport
}

func New(source Source, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		source:     source,
		normalizer: geo.NewNormalizer(logger),
		logger:     logger,
		index:      make(map[string]int),
	}
}

// Load fetches and normalizes the collection and replaces the current one.
// Calling it again reloads; nothing reloads automatically. On error the
// previous collection is kept.
func (c *Catalog) Load(ctx context.Context) (*LoadReport, error) {
	if c.source == nil {
		return nil, fmt.Errorf("no hotspot source configured")
	}

	raw, err := c.source.FetchHotspots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch hotspots: %w", err)
	}

	return c.Replace(raw), nil
}

// Replace normalizes an already fetched collection and installs it.
func (c *Catalog) Replace(raw *models.FeatureCollection) *LoadReport {
	normalized := c.normalizer.Normalize(raw)

	report := &LoadReport{
		Skipped:  len(normalized.Warnings),
		LoadedAt: time.Now(),
	}
	for _, w := range normalized.Warnings {
		report.Warnings = append(report.Warnings, w.Error())
	}

	features := make([]models.HotspotFeature, 0, len(normalized.Features))
	index := make(map[string]int, len(normalized.Features))
	for i, feature := range normalized.Features {
		if _, seen := index[feature.ID]; seen {
			warning := DuplicateIDWarning{ID: feature.ID, Index: i}
			c.logger.Warn("Dropping duplicate hotspot", zap.String("id", feature.ID), zap.Int("index", i))
			report.Duplicates++
			report.Warnings = append(report.Warnings, warning.Error())
			continue
		}
		index[feature.ID] = len(features)
		features = append(features, feature)
	}
	report.Loaded = len(features)

	c.mutex.Lock()
	c.features = features
	c.index = index
	c.report = report
	c.mutex.Unlock()

	c.logger.Info("Hotspot catalog loaded",
		zap.Int("loaded", report.Loaded),
		zap.Int("skipped", report.Skipped),
		zap.Int("duplicates", report.Duplicates))

	return report
}

// List returns the current features. The slice is a copy; the features
// themselves are immutable.
func (c *Catalog) List() []models.HotspotFeature {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]models.HotspotFeature, len(c.features))
	copy(out, c.features)
	return out
}

func (c *Catalog) Get(id string) (models.HotspotFeature, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	i, ok := c.index[id]
	if !ok {
		return models.HotspotFeature{}, false
	}
	return c.features[i], true
}

func (c *Catalog) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.features)
}

func (c *Catalog) LastReport() *LoadReport {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.report
}
