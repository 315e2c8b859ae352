// Package backend talks to the inference service that serves hotspots,
// drone feeds and analyses.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/cache"
	"github.com/athena-uvm/hotspot-inspector/server/models"
	"go.uber.org/zap"
)

const userAgent = "hotspot-inspector/1.0"

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	cache      cache.Cache
	logger     *zap.Logger
	config     ClientConfig
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	AnalysisCacheTTL    time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxRetries:          3,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		AnalysisCacheTTL:    10 * time.Minute,
	}
}

// ServiceError is a non-2xx response or a body carrying an "error" field.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend error: %s", e.Message)
}

type feedResponse struct {
	ImageID  string `json:"image_id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Error    string `json:"error"`
}

type analyzeRequest struct {
	ImageID string `json:"image_id"`
}

type analyzeResponse struct {
	ImageID      string              `json:"image_id"`
	RiskDetected bool                `json:"risk_detected"`
	Details      string              `json:"details"`
	Detections   []detectionResponse `json:"detections"`
	Source       string              `json:"source"`
	Error        string              `json:"error"`
}

type detectionResponse struct {
	Label  string      `json:"label"`
	Points [][]float64 `json:"points"`
	Type   string      `json:"type"`
}

// NewClient builds a client. The cache may be nil.
func NewClient(baseURL string, config ClientConfig, cacheInstance cache.Cache, logger *zap.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: parsed,
		cache:   cacheInstance,
		logger:  logger,
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}, nil
}

// FetchHotspots is retried with a linear backoff; it runs once at startup
// and on explicit reloads only.
func (c *Client) FetchHotspots(ctx context.Context) (*models.FeatureCollection, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying hotspot fetch",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var fc models.FeatureCollection
		err := c.doJSON(ctx, http.MethodGet, "/api/v1/hotspots", nil, &fc)
		if err == nil {
			return &fc, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("hotspot fetch failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// AcquireRandomFeed asks for an arbitrary drone image. The request is not
// tied to any hotspot. Failures are not retried.
func (c *Client) AcquireRandomFeed(ctx context.Context) (*models.ImageAcquisition, error) {
	var resp feedResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/inspect/random", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ServiceError{Message: resp.Error}
	}
	if resp.ImageID == "" {
		return nil, &ServiceError{Message: "response has no image_id"}
	}

	return &models.ImageAcquisition{
		ImageID:   resp.ImageID,
		Filename:  resp.Filename,
		SourceURL: c.resolve(resp.URL),
	}, nil
}

// AnalyzeImage runs inference on an acquired image. Successful results are
// cached per image id. Failures are not retried.
func (c *Client) AnalyzeImage(ctx context.Context, imageID string) (*models.AnalysisResult, error) {
	if imageID == "" {
		return nil, errors.New("image_id is required")
	}

	cacheKey := cache.GenerateCacheKey("analysis", imageID)
	if c.cache != nil {
		var cached models.AnalysisResult
		if err := c.cache.Get(ctx, cacheKey, &cached); err == nil {
			c.logger.Debug("Analysis cache hit", zap.String("image_id", imageID))
			return &cached, nil
		}
	}

	var resp analyzeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/inspect/analyze", analyzeRequest{ImageID: imageID}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ServiceError{Message: resp.Error}
	}

	result, err := convertAnalysis(imageID, &resp)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetWithTTL(ctx, cacheKey, result, c.config.AnalysisCacheTTL); err != nil {
			c.logger.Warn("Failed to cache analysis", zap.Error(err))
		}
	}

	return result, nil
}

func convertAnalysis(imageID string, resp *analyzeResponse) (*models.AnalysisResult, error) {
	result := &models.AnalysisResult{
		ImageID:      imageID,
		RiskDetected: resp.RiskDetected,
		Details:      resp.Details,
		Source:       resp.Source,
		Detections:   make([]models.Detection, 0, len(resp.Detections)),
	}

	for i, d := range resp.Detections {
		points := make([]models.Point, 0, len(d.Points))
		for j, p := range d.Points {
			if len(p) < 2 {
				return nil, &ServiceError{Message: fmt.Sprintf("detection %d point %d has %d values", i, j, len(p))}
			}
			points = append(points, models.Point{X: p[0], Y: p[1]})
		}
		result.Detections = append(result.Detections, models.Detection{
			Label:  d.Label,
			Points: points,
		})
	}

	return result, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("backend unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

// StartHealthChecker logs the backend's health until ctx is done.
func (c *Client) StartHealthChecker(ctx context.Context) {
	if c.config.HealthCheckInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Backend health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Backend health check passed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return &ServiceError{StatusCode: response.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	if err := json.NewDecoder(response.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

// resolve turns the backend's relative image paths into absolute URLs.
func (c *Client) resolve(ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.baseURL.ResolveReference(parsed).String()
}
