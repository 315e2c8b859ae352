package inspection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcher_RunsJobs(t *testing.T) {
	d := NewDispatcher(8, 2, zap.NewNop())
	defer d.Shutdown(time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, d.Submit(&Job{Name: "launch", Run: func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		}}))
	}
	wg.Wait()
	require.Equal(t, 5, ran)
}

func TestDispatcher_RejectsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, d.Submit(&Job{Name: "block", Run: func(ctx context.Context) {
		close(started)
		<-release
	}}))
	<-started
	require.NoError(t, d.Submit(&Job{Name: "queued", Run: func(ctx context.Context) {}}))
	require.ErrorIs(t, d.Submit(&Job{Name: "overflow", Run: func(ctx context.Context) {}}), ErrDispatcherFull)
	require.Equal(t, int64(1), d.Stats().Rejected)

	close(release)
	require.NoError(t, d.Shutdown(time.Second))
	require.Error(t, d.Submit(&Job{Name: "late", Run: func(ctx context.Context) {}}))
	require.False(t, d.Stats().IsRunning)
}

func TestDispatcher_SurvivesPanics(t *testing.T) {
	d := NewDispatcher(4, 1, zap.NewNop())
	defer d.Shutdown(time.Second)

	done := make(chan struct{})
	require.NoError(t, d.Submit(&Job{Name: "boom", Run: func(ctx context.Context) { panic("boom") }}))
	require.NoError(t, d.Submit(&Job{Name: "after", Run: func(ctx context.Context) { close(done) }}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover from panic")
	}
	require.Eventually(t, func() bool { return d.Stats().Panicked == 1 }, time.Second, 10*time.Millisecond)
}

// holdWorker occupies the only worker of d until the returned func is called.
func holdWorker(t *testing.T, d *Dispatcher) func() {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Submit(&Job{Name: "hold", Run: func(ctx context.Context) {
		close(started)
		<-release
	}}))
	<-started
	return func() { close(release) }
}

func TestDispatcher_QueuedLaunchDroppedAfterReset(t *testing.T) {
	d := NewDispatcher(4, 1, zap.NewNop())
	defer d.Shutdown(time.Second)

	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	s.Reset(hotspot("A"))

	release := holdWorker(t, d)

	issuedAt := s.Generation()
	result := make(chan error, 1)
	require.NoError(t, d.Submit(&Job{Name: "launch", SessionID: s.ID(), Generation: issuedAt, Run: func(ctx context.Context) {
		result <- s.LaunchAt(ctx, issuedAt)
	}}))

	s.Reset(hotspot("B"))
	release()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued launch never ran")
	}

	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Equal(t, "B", snap.Hotspot.ID)
	require.Nil(t, snap.Acquisition)
	backend.mu.Lock()
	require.Zero(t, backend.acquireCalls)
	backend.mu.Unlock()
}

func TestDispatcher_QueuedAnalyzeDroppedSilentlyAfterReset(t *testing.T) {
	d := NewDispatcher(4, 1, zap.NewNop())
	defer d.Shutdown(time.Second)

	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	s.Reset(hotspot("A"))
	require.NoError(t, s.Launch(context.Background()))
	require.Equal(t, StateFeedReady, s.CurrentState())

	release := holdWorker(t, d)

	issuedAt := s.Generation()
	result := make(chan error, 1)
	require.NoError(t, d.Submit(&Job{Name: "analyze", SessionID: s.ID(), Generation: issuedAt, Run: func(ctx context.Context) {
		result <- s.AnalyzeAt(ctx, issuedAt)
	}}))

	s.Reset(hotspot("B"))
	release()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued analyze never ran")
	}

	require.Equal(t, StateIdle, s.CurrentState())
	backend.mu.Lock()
	require.Empty(t, backend.analyzeCalls)
	backend.mu.Unlock()
}

func TestSession_CommandsAtCurrentGenerationRun(t *testing.T) {
	backend := newBackend()
	s := NewSession("s1", backend, zap.NewNop())
	s.Reset(hotspot("A"))
	ctx := context.Background()

	require.NoError(t, s.LaunchAt(ctx, s.Generation()))
	require.Equal(t, StateFeedReady, s.CurrentState())

	require.NoError(t, s.AnalyzeAt(ctx, s.Generation()))
	require.Equal(t, StateAnalysisReady, s.CurrentState())

	// a launch issued before the relaunch below is stale by the time it runs
	stale := s.Generation()
	require.NoError(t, s.Launch(ctx))
	require.NoError(t, s.LaunchAt(ctx, stale))
	backend.mu.Lock()
	require.Equal(t, 2, backend.acquireCalls)
	backend.mu.Unlock()
}
