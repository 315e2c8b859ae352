package inspection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/athena-uvm/hotspot-inspector/server/models"
	"github.com/athena-uvm/hotspot-inspector/server/overlay"
)

type fakeBackend struct {
	mu           sync.Mutex
	acquisitions []*models.ImageAcquisition
	acquireErr   error
	analysis     *models.AnalysisResult
	analyzeErr   error
	acquireCalls int
	analyzeCalls []string

	// when gate is set every call waits for one value on it
	gate    chan struct{}
	started chan string
}

func (b *fakeBackend) AcquireRandomFeed(ctx context.Context) (*models.ImageAcquisition, error) {
	b.mu.Lock()
	b.acquireCalls++
	n := b.acquireCalls
	b.mu.Unlock()

	b.wait("acquire")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	if len(b.acquisitions) == 0 {
		return &models.ImageAcquisition{ImageID: "img-default", SourceURL: "/data/images/img-default.jpg"}, nil
	}
	return b.acquisitions[(n-1)%len(b.acquisitions)], nil
}

func (b *fakeBackend) AnalyzeImage(ctx context.Context, imageID string) (*models.AnalysisResult, error) {
	b.mu.Lock()
	b.analyzeCalls = append(b.analyzeCalls, imageID)
	b.mu.Unlock()

	b.wait("analyze")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.analyzeErr != nil {
		return nil, b.analyzeErr
	}
	return b.analysis, nil
}

func (b *fakeBackend) wait(name string) {
	if b.started != nil {
		b.started <- name
	}
	if b.gate != nil {
		<-b.gate
	}
}

func (b *fakeBackend) setAnalyzeErr(err error) {
	b.mu.Lock()
	b.analyzeErr = err
	b.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyRisk(ctx context.Context, hotspot *models.HotspotFeature, acquisition *models.ImageAcquisition, result *models.AnalysisResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, hotspot.ID+"/"+acquisition.ImageID)
	return nil
}

func sampleAnalysis() *models.AnalysisResult {
	tri := []models.Point{{X: 1, Y: 1}, {X: 50, Y: 1}, {X: 25, Y: 40}}
	return &models.AnalysisResult{
		ImageID:      "img-1",
		RiskDetected: true,
		Details:      "CRITICAL: Detected vegetation contacting power lines!",
		Detections: []models.Detection{
			{Label: "vegetation", Points: tri},
			{Label: "cable", Points: tri},
			{Label: "tower", Points: tri},
		},
	}
}

func hotspot(id string) *models.HotspotFeature {
	return &models.HotspotFeature{ID: id, RiskLevel: models.RiskCritical, RiskScore: 90}
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		acquisitions: []*models.ImageAcquisition{
			{ImageID: "img-1", SourceURL: "http://backend/data/images/img-1.jpg", NaturalWidth: 999},
			{ImageID: "img-2", SourceURL: "http://backend/data/images/img-2.jpg"},
		},
		analysis: sampleAnalysis(),
	}
}

func TestSession_LaunchThenAnalyze(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	s.Reset(hotspot("H1"))
	ctx := context.Background()

	var states []State
	s.OnStateChanged(func(snap Snapshot) { states = append(states, snap.State) })

	require.Equal(t, StateIdle, s.CurrentState())
	require.NoError(t, s.Launch(ctx))
	require.Equal(t, StateFeedReady, s.CurrentState())

	snap := s.Snapshot()
	require.Equal(t, "img-1", snap.Acquisition.ImageID)
	require.Zero(t, snap.Acquisition.NaturalWidth, "dimensions are only known after the raster loads")

	require.NoError(t, s.Analyze(ctx))
	require.Equal(t, StateAnalysisReady, s.CurrentState())

	snap = s.Snapshot()
	require.NotNil(t, snap.Acquisition)
	require.NotNil(t, snap.Analysis)
	require.Len(t, snap.Analysis.Detections, 3)
	require.Equal(t, []string{"img-1"}, backend.analyzeCalls)

	require.Equal(t, []State{StateAcquiring, StateFeedReady, StateAnalyzing, StateAnalysisReady}, states)
}

func TestSession_SelectionDuringAcquisitionDiscardsLateResult(t *testing.T) {
	backend := newBackend()
	backend.gate = make(chan struct{})
	backend.started = make(chan string, 1)
	s := NewSession("s1", backend, zap.NewNop())
	s.Reset(hotspot("H1"))

	done := make(chan error, 1)
	go func() { done <- s.Launch(context.Background()) }()

	require.Equal(t, "acquire", <-backend.started)
	require.Equal(t, StateAcquiring, s.CurrentState())

	s.Reset(hotspot("H2"))
	backend.gate <- struct{}{}

	require.NoError(t, <-done, "a discarded completion is not a failure")

	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Equal(t, "H2", snap.Hotspot.ID)
	require.Nil(t, snap.Acquisition)
}

func TestSession_SecondLaunchWhileAcquiringIsNoop(t *testing.T) {
	backend := newBackend()
	backend.gate = make(chan struct{})
	backend.started = make(chan string, 2)
	s := NewSession("s1", backend, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.Launch(context.Background()) }()
	<-backend.started

	require.NoError(t, s.Launch(context.Background()))
	require.Equal(t, StateAcquiring, s.CurrentState())

	backend.gate <- struct{}{}
	require.NoError(t, <-done)
	require.Equal(t, StateFeedReady, s.CurrentState())
	require.Equal(t, 1, backend.acquireCalls)
}

func TestSession_AnalyzeRejectedBeforeFeed(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())

	err := s.Analyze(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateIdle, s.CurrentState())

	backend.gate = make(chan struct{})
	backend.started = make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- s.Launch(context.Background()) }()
	<-backend.started

	err = s.Analyze(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateAcquiring, s.CurrentState())
	require.Empty(t, backend.analyzeCalls)

	close(backend.gate)
	require.NoError(t, <-done)
}

func TestSession_AcquisitionFailureReturnsToIdle(t *testing.T) {
	backend := newBackend()
	backend.acquireErr = errors.New("connection refused")
	s := NewSession("s1", backend, zap.NewNop())
	s.Reset(hotspot("H1"))

	err := s.Launch(context.Background())
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, StateIdle, s.CurrentState())
	require.Contains(t, s.Snapshot().LastError, "connection refused")

	backend.acquireErr = nil
	require.NoError(t, s.Launch(context.Background()))
	require.Equal(t, StateFeedReady, s.CurrentState())
	require.Empty(t, s.Snapshot().LastError)
}

func TestSession_EmptyAcquisitionIsAFailure(t *testing.T) {
	backend := newBackend()
	backend.acquisitions = []*models.ImageAcquisition{{SourceURL: "/x.jpg"}}
	s := NewSession("s1", backend, zap.NewNop())

	var acqErr *AcquisitionError
	require.ErrorAs(t, s.Launch(context.Background()), &acqErr)
	require.Equal(t, StateIdle, s.CurrentState())
}

func TestSession_AnalysisFailureKeepsFeed(t *testing.T) {
	backend := newBackend()
	backend.analyzeErr = errors.New("model crashed")
	s := NewSession("s1", backend, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Launch(ctx))

	err := s.Analyze(ctx)
	var analysisErr *AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	require.Equal(t, "img-1", analysisErr.ImageID)

	snap := s.Snapshot()
	require.Equal(t, StateFeedReady, snap.State)
	require.Equal(t, "img-1", snap.Acquisition.ImageID)
	require.Nil(t, snap.Analysis)

	backend.setAnalyzeErr(nil)
	require.NoError(t, s.Analyze(ctx))
	require.Equal(t, StateAnalysisReady, s.CurrentState())
	require.Equal(t, []string{"img-1", "img-1"}, backend.analyzeCalls)
}

func TestSession_ResetDuringAnalysisDiscardsResult(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Launch(ctx))

	backend.gate = make(chan struct{})
	backend.started = make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- s.Analyze(ctx) }()
	<-backend.started
	require.Equal(t, StateAnalyzing, s.CurrentState())

	s.Reset(hotspot("H1"))
	close(backend.gate)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Analysis)
}

func TestSession_LaunchRejectedWhileAnalyzing(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Launch(ctx))

	backend.gate = make(chan struct{})
	backend.started = make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- s.Analyze(ctx) }()
	<-backend.started

	require.ErrorIs(t, s.Launch(ctx), ErrInvalidTransition)
	require.Equal(t, StateAnalyzing, s.CurrentState())

	close(backend.gate)
	require.NoError(t, <-done)
	require.Equal(t, StateAnalysisReady, s.CurrentState())
}

func TestSession_RelaunchDiscardsPreviousFeed(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Launch(ctx))
	require.NoError(t, s.ReportImageDimensions("img-1", 640, 480))
	require.NoError(t, s.Analyze(ctx))

	require.NoError(t, s.Launch(ctx))
	snap := s.Snapshot()
	require.Equal(t, StateFeedReady, snap.State)
	require.Equal(t, "img-2", snap.Acquisition.ImageID)
	require.Zero(t, snap.Acquisition.NaturalWidth)
	require.Nil(t, snap.Analysis)
	require.Nil(t, snap.Overlay)
}

func TestSession_OverlayWaitsForDimensions(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	ctx := context.Background()

	_, _, err := s.Overlay()
	require.ErrorIs(t, err, ErrOverlayNotReady)

	require.NoError(t, s.Launch(ctx))
	require.NoError(t, s.Analyze(ctx))

	_, _, err = s.Overlay()
	require.ErrorIs(t, err, overlay.ErrDimensionsUnknown)
	require.Nil(t, s.Snapshot().Overlay)

	require.NoError(t, s.ReportImageDimensions("img-1", 4000, 3000))
	require.Equal(t, StateAnalysisReady, s.CurrentState())

	polygons, canvas, err := s.Overlay()
	require.NoError(t, err)
	require.Equal(t, overlay.CanvasSize{Width: 4000, Height: 3000}, canvas)
	require.Len(t, polygons, 3)
	require.Equal(t, overlay.CategoryVegetation, polygons[0].Category)
	require.Equal(t, overlay.CategoryCable, polygons[1].Category)
	require.Equal(t, overlay.CategoryOther, polygons[2].Category)
	require.Len(t, s.Snapshot().Overlay, 3)
}

func TestSession_DimensionsBeforeAnalysis(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Launch(ctx))
	require.NoError(t, s.ReportImageDimensions("img-1", 1280, 720))
	require.Equal(t, StateFeedReady, s.CurrentState())

	require.NoError(t, s.Analyze(ctx))
	polygons, canvas, err := s.Overlay()
	require.NoError(t, err)
	require.Equal(t, 1280, canvas.Width)
	require.Len(t, polygons, 3)
}

func TestSession_DimensionsForOtherImageAreIgnored(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())

	require.NoError(t, s.ReportImageDimensions("img-1", 640, 480), "no feed yet, report is stale")
	require.NoError(t, s.Launch(context.Background()))

	require.NoError(t, s.ReportImageDimensions("img-old", 640, 480))
	require.Zero(t, s.Snapshot().Acquisition.NaturalWidth)

	require.ErrorIs(t, s.ReportImageDimensions("img-1", 0, 480), ErrInvalidDimensions)
}

func TestSession_NotifiesOnRisk(t *testing.T) {
	backend := newBackend()
	notifier := &recordingNotifier{}
	s := NewSession("s1", backend, zap.NewNop(), WithNotifier(notifier))
	s.Reset(hotspot("H7"))
	ctx := context.Background()

	require.NoError(t, s.Launch(ctx))
	require.NoError(t, s.Analyze(ctx))
	require.Equal(t, []string{"H7/img-1"}, notifier.calls)

	backend.analysis = &models.AnalysisResult{ImageID: "img-2", Details: "No encroachment detected."}
	require.NoError(t, s.Launch(ctx))
	require.NoError(t, s.Analyze(ctx))
	require.Len(t, notifier.calls, 1)
}

func TestSession_ResetSameHotspotIsFullReset(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	h := hotspot("H1")
	s.Reset(h)
	require.NoError(t, s.Launch(context.Background()))

	before := s.Snapshot().Generation
	s.Reset(h)

	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Acquisition)
	require.Greater(t, snap.Generation, before)
}

func TestSession_SnapshotsAreDeliveredInOrder(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())

	var mu sync.Mutex
	var versions []uint64
	s.OnStateChanged(func(snap Snapshot) {
		mu.Lock()
		versions = append(versions, snap.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Reset(hotspot("H1"))
			_ = s.Launch(context.Background())
		}()
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("sessions did not settle")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1])
	}
}
