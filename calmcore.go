// Package calmcore is an embeddable multi-modal search and storage
// engine. Host multiplexes any number of named engines over one
// background job.Worker and one on-disk root directory.
package calmcore

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cubeflow-ai/calmcore/engine"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/job"
	"github.com/cubeflow-ai/calmcore/internal/schema"
)

// HostConfig tunes a Host; the zero value is usable.
type HostConfig struct {
	// Dir is the root directory each engine is created/opened under.
	Dir string
	// JobInterval is how often the background worker rotates/persists
	// every registered engine (default 30s, see internal/job).
	JobInterval time.Duration
	Logger      *zap.Logger
}

// Host owns a set of named engines sharing one root directory, one
// background job.Worker, and one persist mutex.
type Host struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex // guards engines map
	opMu    sync.Mutex   // serializes create/open/close per host
	engines map[string]*engine.Engine

	worker *job.Worker
}

// Open starts a Host rooted at cfg.Dir, launching its background
// worker. Call Close to stop the worker and release every engine.
func Open(cfg HostConfig) (*Host, error) {
	if cfg.Dir == "" {
		return nil, calmerr.New(calmerr.InvalidParam, "calmcore: Dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, calmerr.Wrap(calmerr.IOError, "calmcore: create root dir", err)
	}

	h := &Host{dir: cfg.Dir, logger: logger, engines: make(map[string]*engine.Engine)}
	h.worker = job.NewWorker(logger, cfg.JobInterval, h.targets)
	h.worker.Start()
	return h, nil
}

// targets snapshots the registered engines as job.Targets for the
// background worker; called fresh on every tick.
func (h *Host) targets() []job.Target {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]job.Target, 0, len(h.engines))
	for _, e := range h.engines {
		out = append(out, e)
	}
	return out
}

// CreateEngine creates and registers a new engine named name.
func (h *Host) CreateEngine(name string, base schema.Schema, config engine.Config) (*engine.Engine, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if _, ok := h.lookup(name); ok {
		return nil, calmerr.Newf(calmerr.Duplicated, "calmcore: engine %q already registered", name)
	}
	e, err := engine.Create(h.dir, name, base, config, h.logger)
	if err != nil {
		return nil, err
	}
	h.register(name, e)
	return e, nil
}

// OpenEngine reopens an existing engine directory and registers it.
func (h *Host) OpenEngine(name string, config engine.Config) (*engine.Engine, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if e, ok := h.lookup(name); ok {
		return e, nil
	}
	e, err := engine.Open(h.dir, name, config, h.logger)
	if err != nil {
		return nil, err
	}
	h.register(name, e)
	return e, nil
}

// Engine returns a previously created/opened engine by name.
func (h *Host) Engine(name string) (*engine.Engine, bool) {
	return h.lookup(name)
}

// Engines lists every currently registered engine name.
func (h *Host) Engines() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.engines))
	for name := range h.engines {
		out = append(out, name)
	}
	return out
}

// CloseEngine closes and unregisters one engine.
func (h *Host) CloseEngine(name string) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	e, ok := h.engines[name]
	if ok {
		delete(h.engines, name)
	}
	h.mu.Unlock()

	if !ok {
		return calmerr.Newf(calmerr.NotExisted, "calmcore: engine %q not registered", name)
	}
	return e.Close()
}

// Persist forces engine name to rotate and flush, serialized against
// the host's background worker so the two never persist concurrently.
func (h *Host) Persist(name string) error {
	e, ok := h.lookup(name)
	if !ok {
		return calmerr.Newf(calmerr.NotExisted, "calmcore: engine %q not registered", name)
	}
	return e.Persist()
}

// Close stops the background worker and closes every registered engine.
func (h *Host) Close() error {
	h.worker.Stop()

	h.mu.Lock()
	engines := h.engines
	h.engines = make(map[string]*engine.Engine)
	h.mu.Unlock()

	var firstErr error
	for _, e := range engines {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Host) lookup(name string) (*engine.Engine, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.engines[name]
	return e, ok
}

func (h *Host) register(name string, e *engine.Engine) {
	e.SetPersistLock(h.worker.WithPersistLock)
	h.mu.Lock()
	h.engines[name] = e
	h.mu.Unlock()
}
