// Package inspection drives the acquire → analyze → overlay workflow for the
// hotspot selected in one view.
package inspection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/models"
	"github.com/athena-uvm/hotspot-inspector/server/overlay"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle          State = "IDLE"
	StateAcquiring     State = "ACQUIRING"
	StateFeedReady     State = "FEED_READY"
	StateAnalyzing     State = "ANALYZING"
	StateAnalysisReady State = "ANALYSIS_READY"
)

// Backend is the part of the inference service a session talks to.
type Backend interface {
	AcquireRandomFeed(ctx context.Context) (*models.ImageAcquisition, error)
	AnalyzeImage(ctx context.Context, imageID string) (*models.AnalysisResult, error)
}

// Notifier is told about analyses that found a risk.
type Notifier interface {
	NotifyRisk(ctx context.Context, hotspot *models.HotspotFeature, acquisition *models.ImageAcquisition, result *models.AnalysisResult) error
}

type Snapshot struct {
	SessionID   string                   `json:"session_id"`
	Version     uint64                   `json:"version"`
	Generation  uint64                   `json:"generation"`
	State       State                    `json:"state"`
	Hotspot     *models.HotspotFeature   `json:"hotspot,omitempty"`
	Acquisition *models.ImageAcquisition `json:"acquisition,omitempty"`
	Analysis    *models.AnalysisResult   `json:"analysis,omitempty"`
	Overlay     []overlay.DisplayPolygon `json:"overlay,omitempty"`
	LastError   string                   `json:"last_error,omitempty"`
}

type StateHandler func(Snapshot)

// Session is the per-selection state machine. Every request it issues is
// tagged with the generation current at issue time; a reset bumps the
// generation, and completions carrying an older one are dropped.
type Session struct {
	id       string
	backend  Backend
	mapper   *overlay.Mapper
	notifier Notifier
	logger   *zap.Logger

	mutex       sync.Mutex
	generation  uint64
	version     uint64
	state       State
	hotspot     *models.HotspotFeature
	acquisition *models.ImageAcquisition
	analysis    *models.AnalysisResult
	overlay     []overlay.DisplayPolygon
	lastError   string
	lastActive  time.Time
	handlers    []StateHandler

	notifyMutex      sync.Mutex
	publishedVersion uint64
}

type SessionOption func(*Session)

func WithNotifier(n Notifier) SessionOption {
	return func(s *Session) { s.notifier = n }
}

func WithMapper(m *overlay.Mapper) SessionOption {
	return func(s *Session) { s.mapper = m }
}

func NewSession(id string, backend Backend, logger *zap.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		id:         id,
		backend:    backend,
		logger:     logger.With(zap.String("session_id", id)),
		state:      StateIdle,
		lastActive: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mapper == nil {
		s.mapper = overlay.NewMapper(s.logger)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// OnStateChanged registers a handler for every published snapshot. Handlers
// run synchronously and must not call back into the session.
func (s *Session) OnStateChanged(handler StateHandler) {
	s.mutex.Lock()
	s.handlers = append(s.handlers, handler)
	s.mutex.Unlock()
}

func (s *Session) CurrentState() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.snapshotLocked()
}

func (s *Session) LastActive() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastActive
}

// Reset returns the session to IDLE for the given hotspot (nil when the
// selection was cleared). It is a full reset even for the same hotspot.
func (s *Session) Reset(hotspot *models.HotspotFeature) {
	s.mutex.Lock()
	s.generation++
	s.hotspot = hotspot
	s.state = StateIdle
	s.clearResultsLocked()
	s.lastError = ""
	snap := s.commitLocked()
	s.mutex.Unlock()

	id := ""
	if hotspot != nil {
		id = hotspot.ID
	}
	s.logger.Debug("Session reset", zap.String("hotspot_id", id), zap.Uint64("generation", snap.Generation))
	s.publish(snap)
}

// Generation identifies the current request scope. Commands queued for later
// execution capture it and pass it to LaunchAt or AnalyzeAt.
func (s *Session) Generation() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.generation
}

// Launch requests a feed and blocks until it arrives or fails. A second
// launch while one is outstanding does nothing. Launching again after a feed
// arrived discards that feed and any analysis of it.
func (s *Session) Launch(ctx context.Context) error {
	return s.launch(ctx, 0, false)
}

// LaunchAt is Launch for a command issued at the given generation. If the
// session was reset or relaunched since, the command is dropped and nil is
// returned.
func (s *Session) LaunchAt(ctx context.Context, generation uint64) error {
	return s.launch(ctx, generation, true)
}

func (s *Session) launch(ctx context.Context, issuedAt uint64, gated bool) error {
	s.mutex.Lock()
	if gated && issuedAt != s.generation {
		current := s.generation
		s.mutex.Unlock()
		s.logger.Debug("Dropping stale launch", zap.Uint64("issued_at", issuedAt), zap.Uint64("generation", current))
		return nil
	}
	switch s.state {
	case StateAcquiring:
		s.mutex.Unlock()
		s.logger.Debug("Launch ignored, acquisition already outstanding")
		return nil
	case StateAnalyzing:
		s.mutex.Unlock()
		return invalidTransition("launch", StateAnalyzing)
	}

	s.generation++
	generation := s.generation
	s.clearResultsLocked()
	s.lastError = ""
	s.state = StateAcquiring
	snap := s.commitLocked()
	s.mutex.Unlock()
	s.publish(snap)

	acquisition, err := s.backend.AcquireRandomFeed(ctx)
	if err == nil && (acquisition == nil || acquisition.ImageID == "") {
		err = errors.New("backend returned no image")
	}

	s.mutex.Lock()
	if generation != s.generation {
		s.mutex.Unlock()
		s.logger.Debug("Discarding stale acquisition", zap.Uint64("generation", generation))
		return nil
	}

	if err != nil {
		s.state = StateIdle
		s.lastError = err.Error()
		snap = s.commitLocked()
		s.mutex.Unlock()
		s.logger.Warn("Image acquisition failed", zap.Error(err))
		s.publish(snap)
		return &AcquisitionError{Err: err}
	}

	stored := *acquisition
	stored.NaturalWidth, stored.NaturalHeight = 0, 0
	s.acquisition = &stored
	s.state = StateFeedReady
	snap = s.commitLocked()
	s.mutex.Unlock()

	s.logger.Info("Feed acquired", zap.String("image_id", stored.ImageID))
	s.publish(snap)
	return nil
}

// Analyze runs inference on the current feed and blocks until it completes.
func (s *Session) Analyze(ctx context.Context) error {
	return s.analyze(ctx, 0, false)
}

// AnalyzeAt is Analyze for a command issued at the given generation. A
// command that outlived its generation is dropped and nil is returned.
func (s *Session) AnalyzeAt(ctx context.Context, generation uint64) error {
	return s.analyze(ctx, generation, true)
}

func (s *Session) analyze(ctx context.Context, issuedAt uint64, gated bool) error {
	s.mutex.Lock()
	if gated && issuedAt != s.generation {
		current := s.generation
		s.mutex.Unlock()
		s.logger.Debug("Dropping stale analyze", zap.Uint64("issued_at", issuedAt), zap.Uint64("generation", current))
		return nil
	}
	if (s.state != StateFeedReady && s.state != StateAnalysisReady) || s.acquisition == nil {
		from := s.state
		s.mutex.Unlock()
		return invalidTransition("analyze", from)
	}

	generation := s.generation
	imageID := s.acquisition.ImageID
	s.analysis = nil
	s.overlay = nil
	s.lastError = ""
	s.state = StateAnalyzing
	snap := s.commitLocked()
	s.mutex.Unlock()
	s.publish(snap)

	result, err := s.backend.AnalyzeImage(ctx, imageID)
	if err == nil && result == nil {
		err = errors.New("backend returned no analysis")
	}

	s.mutex.Lock()
	if generation != s.generation || s.acquisition == nil || s.acquisition.ImageID != imageID {
		s.mutex.Unlock()
		s.logger.Debug("Discarding stale analysis",
			zap.String("image_id", imageID),
			zap.Uint64("generation", generation))
		return nil
	}

	if err != nil {
		s.state = StateFeedReady
		s.lastError = err.Error()
		snap = s.commitLocked()
		s.mutex.Unlock()
		s.logger.Warn("Image analysis failed", zap.String("image_id", imageID), zap.Error(err))
		s.publish(snap)
		return &AnalysisError{ImageID: imageID, Err: err}
	}

	s.analysis = result
	s.state = StateAnalysisReady
	s.refreshOverlayLocked()
	snap = s.commitLocked()
	s.mutex.Unlock()

	s.logger.Info("Analysis ready",
		zap.String("image_id", imageID),
		zap.Bool("risk_detected", result.RiskDetected),
		zap.Int("detections", len(result.Detections)))
	s.publish(snap)

	if result.RiskDetected && s.notifier != nil {
		if err := s.notifier.NotifyRisk(ctx, snap.Hotspot, snap.Acquisition, result); err != nil {
			s.logger.Warn("Risk notification failed", zap.Error(err))
		}
	}
	return nil
}

// ReportImageDimensions attaches the natural raster size once the rendering
// surface has loaded the image. It never changes the state. Reports for an
// image the session no longer holds are ignored.
func (s *Session) ReportImageDimensions(imageID string, width, height int) error {
	if width <= 0 || height <= 0 {
		return ErrInvalidDimensions
	}

	s.mutex.Lock()
	if s.acquisition == nil || (imageID != "" && imageID != s.acquisition.ImageID) {
		s.mutex.Unlock()
		s.logger.Debug("Ignoring dimensions for an image no longer held", zap.String("image_id", imageID))
		return nil
	}

	s.acquisition.NaturalWidth = width
	s.acquisition.NaturalHeight = height
	if s.state == StateAnalysisReady {
		s.refreshOverlayLocked()
	}
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.publish(snap)
	return nil
}

// Overlay returns the display polygons of the current analysis.
func (s *Session) Overlay() ([]overlay.DisplayPolygon, overlay.CanvasSize, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != StateAnalysisReady || s.analysis == nil {
		return nil, overlay.CanvasSize{}, ErrOverlayNotReady
	}
	if !s.acquisition.DimensionsKnown() {
		return nil, overlay.CanvasSize{}, overlay.ErrDimensionsUnknown
	}

	canvas := overlay.CanvasSize{Width: s.acquisition.NaturalWidth, Height: s.acquisition.NaturalHeight}
	return s.overlay, canvas, nil
}

func (s *Session) clearResultsLocked() {
	s.acquisition = nil
	s.analysis = nil
	s.overlay = nil
}

func (s *Session) refreshOverlayLocked() {
	if s.analysis == nil || !s.acquisition.DimensionsKnown() {
		s.overlay = nil
		return
	}

	polygons, err := s.mapper.ComputeDisplayPolygons(s.analysis.Detections, s.acquisition.NaturalWidth, s.acquisition.NaturalHeight)
	if err != nil {
		s.logger.Warn("Overlay computation failed", zap.Error(err))
		s.overlay = nil
		return
	}
	s.overlay = polygons
}

func (s *Session) commitLocked() Snapshot {
	s.version++
	s.lastActive = time.Now()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		Version:    s.version,
		Generation: s.generation,
		State:      s.state,
		Hotspot:    s.hotspot,
		Analysis:   s.analysis,
		Overlay:    s.overlay,
		LastError:  s.lastError,
	}
	if s.acquisition != nil {
		acquisition := *s.acquisition
		snap.Acquisition = &acquisition
	}
	return snap
}

// publish delivers snapshots in version order. A snapshot older than one
// already delivered is dropped.
func (s *Session) publish(snap Snapshot) {
	s.notifyMutex.Lock()
	defer s.notifyMutex.Unlock()

	if snap.Version <= s.publishedVersion {
		return
	}
	s.publishedVersion = snap.Version

	s.mutex.Lock()
	handlers := make([]StateHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mutex.Unlock()

	for _, handler := range handlers {
		handler(snap)
	}
}
