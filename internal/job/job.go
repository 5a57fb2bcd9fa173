// Package job implements the engine host's background worker: periodic
// age/size-based rotation of each engine's current hot segment, and
// persistence of hot-but-frozen segments to disk under a process-global
// mutex that admits at most one in-flight persist across every engine a
// host is running, not just one engine.
package job

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Target is the subset of an engine's behavior the worker drives. It is
// defined here (rather than imported from engine) so job has no
// dependency on engine; engine.Engine implements it and registers with
// a Worker through calmcore.Host.
type Target interface {
	Name() string
	// RotateIfNeeded freezes the current hot segment and starts a new
	// one if segment_max_size or flush_interval_secs is exceeded.
	RotateIfNeeded() error
	// PersistFrozen flushes every frozen-but-still-hot segment to disk.
	PersistFrozen() error
}

// Worker runs the background rotation and persist loop.
type Worker struct {
	logger   *zap.Logger
	interval time.Duration
	engines  func() []Target

	persistMu sync.Mutex // process-global: at most one persist in flight

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker builds a Worker that ticks every interval (default 30s),
// calling engines() fresh on each tick so the host can add/remove
// engines without restarting the worker.
func NewWorker(logger *zap.Logger, interval time.Duration, engines func() []Target) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{logger: logger, interval: interval, engines: engines, stopCh: make(chan struct{})}
}

// Start begins the background loop. Safe to call once per Worker.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the loop to exit and waits for it.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.Tick()
		}
	}
}

// Tick runs one rotation+persist pass synchronously. Exported so a
// forced persist(engine) call can trigger a pass between ticks
// without waiting for the timer, sharing the same process-global
// persist mutex as the background loop.
func (w *Worker) Tick() {
	for _, e := range w.engines() {
		if err := e.RotateIfNeeded(); err != nil {
			w.logger.Error("job: rotate", zap.String("engine", e.Name()), zap.Error(err))
		}
	}
	w.WithPersistLock(func() error {
		for _, e := range w.engines() {
			if err := e.PersistFrozen(); err != nil {
				w.logger.Error("job: persist", zap.String("engine", e.Name()), zap.Error(err))
			}
		}
		return nil
	})
}

// WithPersistLock runs fn holding the process-global persist mutex, so
// a caller-forced persist (engine.Persist) never races the background
// loop's own persist pass.
func (w *Worker) WithPersistLock(fn func() error) error {
	w.persistMu.Lock()
	defer w.persistMu.Unlock()
	return fn()
}
