package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jikey8911/signalkey/pkg/logger"
)

// Worker is one unit of periodic background work.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run executes one iteration.
	Run(ctx context.Context) error
}

// PeriodicWorker drives a Worker on a fixed interval. The first
// iteration runs immediately on start; iteration errors are logged and
// never stop the loop.
type PeriodicWorker struct {
	worker   Worker
	interval time.Duration
	wg       *sync.WaitGroup
	name     string
}

// NewPeriodicWorker wraps a worker with its schedule.
func NewPeriodicWorker(worker Worker, interval time.Duration) *PeriodicWorker {
	return &PeriodicWorker{
		worker:   worker,
		interval: interval,
		wg:       &sync.WaitGroup{},
		name:     worker.Name(),
	}
}

// Start launches the worker loop. The loop exits when ctx is done.
func (pw *PeriodicWorker) Start(ctx context.Context) {
	pw.wg.Add(1)
	go pw.run(ctx)
}

// Stop waits for the loop to finish, up to timeout.
func (pw *PeriodicWorker) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		pw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker stopped",
			zap.String("worker", pw.name),
		)
	case <-time.After(timeout):
		logger.Warn("worker stop timed out",
			zap.String("worker", pw.name),
		)
	}
}

func (pw *PeriodicWorker) run(ctx context.Context) {
	defer pw.wg.Done()

	logger.Info("worker started",
		zap.String("worker", pw.name),
		zap.Duration("interval", pw.interval),
	)

	if err := pw.worker.Run(ctx); err != nil {
		logger.Error("worker iteration failed",
			zap.String("worker", pw.name),
			zap.Error(err),
		)
	}

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping",
				zap.String("worker", pw.name),
			)
			return

		case <-ticker.C:
			if err := pw.worker.Run(ctx); err != nil {
				logger.Error("worker iteration failed",
					zap.String("worker", pw.name),
					zap.Error(err),
				)
			}
		}
	}
}

// WorkerGroup owns a set of periodic workers sharing one lifecycle.
type WorkerGroup struct {
	workers []*PeriodicWorker
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// NewWorkerGroup creates an empty group bound to ctx.
func NewWorkerGroup(ctx context.Context) *WorkerGroup {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerGroup{
		workers: make([]*PeriodicWorker, 0),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a worker with its interval. Call before Start.
func (wg *WorkerGroup) Add(worker Worker, interval time.Duration) {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	wg.workers = append(wg.workers, NewPeriodicWorker(worker, interval))
}

// Start launches every registered worker.
func (wg *WorkerGroup) Start() {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	for _, w := range wg.workers {
		w.Start(wg.ctx)
	}

	logger.Info("worker group started",
		zap.Int("workers", len(wg.workers)),
	)
}

// Stop cancels the group and waits for each worker, up to timeout each.
func (wg *WorkerGroup) Stop(timeout time.Duration) {
	wg.cancel()

	wg.mu.Lock()
	defer wg.mu.Unlock()

	for _, w := range wg.workers {
		w.Stop(timeout)
	}

	logger.Info("worker group stopped")
}

// RunBackground starts a single worker outside a group.
func RunBackground(ctx context.Context, worker Worker, interval time.Duration) *PeriodicWorker {
	pw := NewPeriodicWorker(worker, interval)
	pw.Start(ctx)
	return pw
}
