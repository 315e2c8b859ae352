package sources

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/geo"
	"github.com/athena-uvm/hotspot-inspector/server/models"
	"github.com/serjvanilla/go-overpass"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRiskBand(t *testing.T) {
	require.Equal(t, models.RiskLow, RiskBand(30))
	require.Equal(t, models.RiskLow, RiskBand(50))
	require.Equal(t, models.RiskModerate, RiskBand(51))
	require.Equal(t, models.RiskModerate, RiskBand(80))
	require.Equal(t, models.RiskCritical, RiskBand(81))
}

func TestSimulated_GeneratesNormalizableFeatures(t *testing.T) {
	source := NewSimulated(250, 7, nil)

	collection, err := source.FetchHotspots(context.Background())
	require.NoError(t, err)
	require.Len(t, collection.Features, 250)
	require.Equal(t, "sim_0", *collection.Features[0].Properties.ID)
	require.Equal(t, "sim_249", *collection.Features[249].Properties.ID)

	result := geo.NewNormalizer(zap.NewNop()).Normalize(collection)
	require.Empty(t, result.Warnings)
	require.Len(t, result.Features, 250)

	for _, f := range result.Features {
		require.Equal(t, RiskBand(f.RiskScore), f.RiskLevel)
		require.Equal(t, geo.ColorFor(f.RiskLevel), f.DisplayColor)
		require.GreaterOrEqual(t, f.VegetationDensity, 40.0)
		require.LessOrEqual(t, f.VegetationDensity, 90.0)
		// internal order is (lat, lng); every zone is in the Bay Area
		require.Greater(t, f.Boundary[0].Lat, 37.0)
		require.Less(t, f.Boundary[0].Lng, -121.0)
	}
}

type staticSource struct {
	collection *models.FeatureCollection
	err        error
}

func (s staticSource) FetchHotspots(context.Context) (*models.FeatureCollection, error) {
	return s.collection, s.err
}

func TestSimulated_TopsUpBase(t *testing.T) {
	base, err := NewSimulated(3, 1, nil).FetchHotspots(context.Background())
	require.NoError(t, err)

	collection, err := NewSimulated(5, 2, staticSource{collection: base}).FetchHotspots(context.Background())
	require.NoError(t, err)
	require.Len(t, collection.Features, 5)
	require.Equal(t, "sim_3", *collection.Features[3].Properties.ID)

	_, err = NewSimulated(5, 2, staticSource{err: errors.New("offline")}).FetchHotspots(context.Background())
	require.Error(t, err)
}

func TestSimulated_SameSeedSameData(t *testing.T) {
	a, err := NewSimulated(20, 42, nil).FetchHotspots(context.Background())
	require.NoError(t, err)
	b, err := NewSimulated(20, 42, nil).FetchHotspots(context.Background())
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCorridor(t *testing.T) {
	ring, ok := corridor([]*overpass.Node{
		{Lat: 37.5, Lon: -122.2},
		{Lat: 37.6, Lon: -122.1},
	})
	require.True(t, ok)
	require.Len(t, ring, 5)
	require.Equal(t, ring[0], ring[4])

	dLat := lineBufferMeters / metersPerDegree
	require.InDelta(t, 37.5-dLat, ring[0][1], 1e-12)
	require.InDelta(t, 37.6+dLat, ring[2][1], 1e-12)
	require.Less(t, ring[0][0], -122.2)
	require.Greater(t, ring[1][0], -122.1)
	require.False(t, math.IsInf(ring[0][0], 0))

	_, ok = corridor(nil)
	require.False(t, ok)
}

const overpassResponse = `{
  "version": 0.6,
  "osm3s": {"timestamp_osm_base": "2024-05-01T12:00:00Z"},
  "elements": [
    {"type": "node", "id": 11, "lat": 37.60, "lon": -122.10},
    {"type": "node", "id": 12, "lat": 37.61, "lon": -122.08},
    {"type": "node", "id": 13, "lat": 37.62, "lon": -122.07},
    {"type": "way", "id": 900, "nodes": [11, 12, 13], "tags": {"power": "line", "voltage": "115000"}}
  ]
}`

func TestOverpass_ConvertsPowerLines(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			queries = append(queries, r.PostForm.Get("data"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(overpassResponse))
	}))
	defer server.Close()

	source := NewOverpass(server.URL, []string{"37.5,-122.3,37.7,-122.0"}, 5*time.Second, 3, zap.NewNop())

	collection, err := source.FetchHotspots(context.Background())
	require.NoError(t, err)
	require.Len(t, queries, 1)
	require.Contains(t, queries[0], `way["power"="line"](37.5,-122.3,37.7,-122.0)`)

	normalized := geo.NewNormalizer(zap.NewNop()).Normalize(collection)
	require.Empty(t, normalized.Warnings)
	require.Len(t, normalized.Features, 1)

	feature := normalized.Features[0]
	require.Equal(t, "osm_900", feature.ID)
	require.Less(t, feature.Boundary[0].Lat, 37.60)
	require.Greater(t, feature.Boundary[2].Lat, 37.62)
}

func TestOverpass_RequiresBoxes(t *testing.T) {
	_, err := NewOverpass("", nil, 0, 1, nil).FetchHotspots(context.Background())
	require.Error(t, err)
}
