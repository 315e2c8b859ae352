package sources

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/athena-uvm/hotspot-inspector/server/models"
)

type zone struct {
	latMin, latMax, lngMin, lngMax float64
}

// Bay Area city centers. The first cityFocus features land here, with some
// jitter around each zone.
var cityZones = []zone{
	{37.520, 37.580, -122.350, -122.280},
	{37.600, 37.700, -122.120, -122.040},
	{37.840, 37.900, -122.320, -122.230},
	{37.580, 37.620, -122.420, -122.360},
	{37.780, 37.840, -122.300, -122.200},
	{37.380, 37.460, -122.180, -122.100},
	{37.720, 37.800, -122.500, -122.380},
}

// Inland zones for the rest, clear of the bay itself.
var landZones = []zone{
	{37.30, 37.50, -122.10, -121.80},
	{37.50, 37.60, -122.05, -121.90},
	{37.60, 37.75, -122.10, -121.95},
	{37.45, 37.60, -122.30, -122.15},
	{37.75, 37.85, -122.25, -122.15},
}

const (
	cityFocus        = 200
	cityJitter       = 0.05
	footprintDelta   = 0.001
	DefaultSimulated = 1200
)

// Simulated tops up an optional base collection with generated footprints
// until it holds Total features.
type Simulated struct {
	Total int
	Base  Source

	mutex sync.Mutex
	rng   *rand.Rand
}

// Source mirrors catalog.Source so simulated data can sit on top of any
// other provider without an import cycle.
type Source interface {
	FetchHotspots(ctx context.Context) (*models.FeatureCollection, error)
}

func NewSimulated(total int, seed int64, base Source) *Simulated {
	if total <= 0 {
		total = DefaultSimulated
	}
	return &Simulated{
		Total: total,
		Base:  base,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulated) FetchHotspots(ctx context.Context) (*models.FeatureCollection, error) {
	collection := &models.FeatureCollection{Type: "FeatureCollection"}
	if s.Base != nil {
		base, err := s.Base.FetchHotspots(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch base hotspots: %w", err)
		}
		collection.Features = append(collection.Features, base.Features...)
	}

	existing := len(collection.Features)
	needed := s.Total - existing

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := 0; i < needed; i++ {
		if i%100 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var lat, lng float64
		if i < cityFocus {
			z := cityZones[s.rng.Intn(len(cityZones))]
			lat = uniform(s.rng, z.latMin-cityJitter, z.latMax+cityJitter)
			lng = uniform(s.rng, z.lngMin-cityJitter, z.lngMax+cityJitter)
		} else {
			z := landZones[s.rng.Intn(len(landZones))]
			lat = uniform(s.rng, z.latMin, z.latMax)
			lng = uniform(s.rng, z.lngMin, z.lngMax)
		}

		score, density := mockRisk(s.rng)
		feature, err := newFeature(fmt.Sprintf("sim_%d", existing+i), square(lng, lat, footprintDelta), score, density)
		if err != nil {
			return nil, err
		}
		collection.Features = append(collection.Features, feature)
	}

	return collection, nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
