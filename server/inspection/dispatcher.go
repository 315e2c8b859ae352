package inspection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one blocking session command (launch or analyze). Generation is the
// session generation the command was issued at.
type Job struct {
	Name       string
	SessionID  string
	Generation uint64
	Run        func(ctx context.Context)
}

// Dispatcher runs session commands on a fixed pool of workers so that a
// connection's read loop never blocks on the backend.
type Dispatcher struct {
	items     chan *Job
	workers   int
	logger    *zap.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mutex     sync.RWMutex

	statsMutex sync.Mutex
	completed  int64
	panicked   int64
	rejected   int64
}

type DispatcherStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
	Completed          int64   `json:"completed"`
	Panicked           int64   `json:"panicked"`
	Rejected           int64   `json:"rejected"`
}

func NewDispatcher(queueSize, workers int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		items:     make(chan *Job, queueSize),
		workers:   workers,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		isRunning: true,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.items:
			if job != nil {
				d.run(id, job)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) run(worker int, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Session command panicked",
				zap.Int("worker", worker),
				zap.String("job", job.Name),
				zap.String("session_id", job.SessionID),
				zap.Uint64("generation", job.Generation),
				zap.Any("panic", r))
			d.statsMutex.Lock()
			d.panicked++
			d.statsMutex.Unlock()
		}
	}()

	job.Run(d.ctx)

	d.statsMutex.Lock()
	d.completed++
	d.statsMutex.Unlock()
}

// Submit queues a job. It returns ErrDispatcherFull when the queue is full
// and an error once the dispatcher is shut down.
func (d *Dispatcher) Submit(job *Job) error {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if !d.isRunning {
		return fmt.Errorf("dispatcher is shut down")
	}

	select {
	case d.items <- job:
		return nil
	default:
		d.statsMutex.Lock()
		d.rejected++
		d.statsMutex.Unlock()
		return ErrDispatcherFull
	}
}

func (d *Dispatcher) Size() int {
	return len(d.items)
}

func (d *Dispatcher) Capacity() int {
	return cap(d.items)
}

// Shutdown stops accepting jobs, cancels the context handed to running jobs
// and waits for workers to return.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.mutex.Lock()
	if !d.isRunning {
		d.mutex.Unlock()
		return nil
	}
	d.isRunning = false
	d.mutex.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mutex.RLock()
	running := d.isRunning
	d.mutex.RUnlock()

	d.statsMutex.Lock()
	defer d.statsMutex.Unlock()

	utilization := 0.0
	if d.Capacity() > 0 {
		utilization = float64(d.Size()) / float64(d.Capacity()) * 100
	}

	return DispatcherStats{
		CurrentSize:        d.Size(),
		MaxCapacity:        d.Capacity(),
		ActiveWorkers:      d.workers,
		IsRunning:          running,
		UtilizationPercent: utilization,
		Completed:          d.completed,
		Panicked:           d.panicked,
		Rejected:           d.rejected,
	}
}
