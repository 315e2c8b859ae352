package sources

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/models"
	"github.com/serjvanilla/go-overpass"
	"go.uber.org/zap"
)

const (
	DefaultOverpassEndpoint = "https://overpass-api.de/api/interpreter"

	// corridor half-width around a power line, in meters
	lineBufferMeters = 50.0
	metersPerDegree  = 111320.0
)

type querier interface {
	Query(query string) (overpass.Result, error)
}

// Overpass turns OSM power=line ways inside the configured boxes into
// hotspot corridors. Each box is "south,west,north,east".
type Overpass struct {
	client  querier
	boxes   []string
	timeout time.Duration
	logger  *zap.Logger

	mutex sync.Mutex
	rng   *rand.Rand
}

func NewOverpass(endpoint string, boxes []string, timeout time.Duration, seed int64, logger *zap.Logger) *Overpass {
	if endpoint == "" {
		endpoint = DefaultOverpassEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{
		Timeout: timeout,
	}
	client := overpass.NewWithSettings(endpoint, 2, httpClient)
	return &Overpass{
		client:  &client,
		boxes:   boxes,
		timeout: timeout,
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (o *Overpass) FetchHotspots(ctx context.Context) (*models.FeatureCollection, error) {
	if len(o.boxes) == 0 {
		return nil, fmt.Errorf("no bounding boxes configured for overpass source")
	}

	collection := &models.FeatureCollection{Type: "FeatureCollection"}
	for _, box := range o.boxes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := o.client.Query(powerLineQuery(box))
		if err != nil {
			return nil, fmt.Errorf("overpass query failed for %s: %w", box, err)
		}

		features, err := o.convertWays(&result)
		if err != nil {
			return nil, err
		}
		o.logger.Info("Fetched power lines", zap.String("bbox", box), zap.Int("corridors", len(features)))
		collection.Features = append(collection.Features, features...)
	}

	return collection, nil
}

func powerLineQuery(box string) string {
	return fmt.Sprintf(`
		[out:json][timeout:60];
		(
			way["power"="line"](%s);
		);
		out body;
		>;
		out skel qt;
	`, strings.TrimSpace(box))
}

func (o *Overpass) convertWays(result *overpass.Result) ([]models.RawFeature, error) {
	ways := make([]*overpass.Way, 0, len(result.Ways))
	for _, way := range result.Ways {
		if way != nil {
			ways = append(ways, way)
		}
	}
	sort.Slice(ways, func(i, j int) bool { return ways[i].ID < ways[j].ID })

	o.mutex.Lock()
	defer o.mutex.Unlock()

	features := make([]models.RawFeature, 0, len(ways))
	for _, way := range ways {
		ring, ok := corridor(way.Nodes)
		if !ok {
			o.logger.Debug("Skipping power line without geometry", zap.Int64("way_id", way.ID))
			continue
		}
		score, density := mockRisk(o.rng)
		feature, err := newFeature(fmt.Sprintf("osm_%d", way.ID), ring, score, density)
		if err != nil {
			return nil, err
		}
		features = append(features, feature)
	}
	return features, nil
}

// corridor buffers the bounding box of a way's nodes by lineBufferMeters and
// returns it as a closed (lng, lat) ring.
func corridor(nodes []*overpass.Node) ([][2]float64, bool) {
	minLat, minLon := math.Inf(1), math.Inf(1)
	maxLat, maxLon := math.Inf(-1), math.Inf(-1)
	count := 0
	for _, node := range nodes {
		if node == nil {
			continue
		}
		minLat = math.Min(minLat, node.Lat)
		maxLat = math.Max(maxLat, node.Lat)
		minLon = math.Min(minLon, node.Lon)
		maxLon = math.Max(maxLon, node.Lon)
		count++
	}
	if count == 0 {
		return nil, false
	}

	midLat := (minLat + maxLat) / 2
	dLat := lineBufferMeters / metersPerDegree
	dLon := lineBufferMeters / (metersPerDegree * math.Cos(midLat*math.Pi/180))

	return [][2]float64{
		{minLon - dLon, minLat - dLat},
		{maxLon + dLon, minLat - dLat},
		{maxLon + dLon, maxLat + dLat},
		{minLon - dLon, maxLat + dLat},
		{minLon - dLon, minLat - dLat},
	}, true
}
