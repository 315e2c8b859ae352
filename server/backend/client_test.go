package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/cache"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Timeout = 2 * time.Second
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, handler http.Handler, c cache.Cache) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, testConfig(), c, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", testConfig(), nil, nil)
	require.Error(t, err)
}

func TestFetchHotspots_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/hotspots", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature",
			"geometry":{"type":"Polygon","coordinates":[[[-97.1,32.7],[-97.0,32.7],[-97.0,32.8],[-97.1,32.7]]]},
			"properties":{"id":"H1","risk_level":"LOW","risk_score":10,"vegetation_density":"40%"}}]}`))
	}), nil)

	fc, err := client.FetchHotspots(context.Background())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchHotspots_GivesUp(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}), nil)

	_, err := client.FetchHotspots(context.Background())
	require.Error(t, err)

	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, http.StatusInternalServerError, serviceErr.StatusCode)
	require.Equal(t, int32(testConfig().MaxRetries+1), calls.Load())
}

func TestAcquireRandomFeed_ResolvesRelativeURL(t *testing.T) {
	var base string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/inspect/random", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"image_id": "img_042",
			"filename": "img_042.jpg",
			"url":      "/static/images/img_042.jpg",
		})
	}))
	defer server.Close()
	base = server.URL

	client, err := NewClient(base, testConfig(), nil, zap.NewNop())
	require.NoError(t, err)

	acquisition, err := client.AcquireRandomFeed(context.Background())
	require.NoError(t, err)
	require.Equal(t, "img_042", acquisition.ImageID)
	require.Equal(t, "img_042.jpg", acquisition.Filename)
	require.Equal(t, base+"/static/images/img_042.jpg", acquisition.SourceURL)
	require.False(t, acquisition.DimensionsKnown())
}

func TestAcquireRandomFeed_ErrorBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"No images found"}`))
	}), nil)

	_, err := client.AcquireRandomFeed(context.Background())
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Contains(t, serviceErr.Message, "No images found")
}

func TestAcquireRandomFeed_MissingImageID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"filename":"x.jpg","url":"/x.jpg"}`))
	}), nil)

	_, err := client.AcquireRandomFeed(context.Background())
	require.Error(t, err)
}

func TestAnalyzeImage_ConvertsAndCaches(t *testing.T) {
	var calls atomic.Int32
	mem := cache.NewMemoryCache(10, time.Minute, zap.NewNop())
	defer mem.Close()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/inspect/analyze", r.URL.Path)

		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "img_7", req.ImageID)
		calls.Add(1)

		_, _ = w.Write([]byte(`{"risk_detected":true,"details":"Found: Vegetation","source":"AI Model",
			"detections":[{"label":"Vegetation","type":"polygon","points":[[10,10],[50,10],[50,50]]}]}`))
	}), mem)

	result, err := client.AnalyzeImage(context.Background(), "img_7")
	require.NoError(t, err)
	require.True(t, result.RiskDetected)
	require.Equal(t, "img_7", result.ImageID)
	require.Len(t, result.Detections, 1)
	require.Equal(t, "Vegetation", result.Detections[0].Label)
	require.Equal(t, 50.0, result.Detections[0].Points[1].X)
	require.Equal(t, 10.0, result.Detections[0].Points[1].Y)

	again, err := client.AnalyzeImage(context.Background(), "img_7")
	require.NoError(t, err)
	require.Equal(t, result.Details, again.Details)
	require.Equal(t, int32(1), calls.Load())
}

func TestAnalyzeImage_FailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}), nil)

	_, err := client.AnalyzeImage(context.Background(), "img_1")
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestAnalyzeImage_ShortPoint(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detections":[{"label":"Cable","points":[[1]]}]}`))
	}), nil)

	_, err := client.AnalyzeImage(context.Background(), "img_1")
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}), nil)

	require.NoError(t, client.HealthCheck(context.Background()))
	healthy = false
	require.Error(t, client.HealthCheck(context.Background()))
}
