// Package engine implements the public API of one named engine (mutate,
// get, search, add_index_field, delete_index_field, persist, info) over
// its schema.Scope and indexstore.Store.
package engine

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/indexstore"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/search"
	"github.com/cubeflow-ai/calmcore/internal/segment"
	"github.com/cubeflow-ai/calmcore/internal/writepipeline"
	"github.com/cubeflow-ai/calmcore/query"
	"github.com/cubeflow-ai/calmcore/record"
)

const segmentsDir = "segments"

// Engine is one named, schema'd index over an engine directory.
type Engine struct {
	name   string
	dir    string
	logger *zap.Logger
	config Config

	scope       *schema.Scope
	store       *indexstore.Store
	schemaStore *schema.Store

	// refMu guards closing and admission into refs. Every operation
	// holds a ref for its duration, so Close can wait for in-flight
	// readers to drain before the store unmaps its warm segments.
	refMu   sync.Mutex
	closing bool
	refs    sync.WaitGroup

	// withPersistLock, when set by a Host, runs a persist under the
	// host's process-global persist mutex rather than directly.
	withPersistLock func(func() error) error
}

// Create makes a brand-new engine under parentDir/name, failing with
// calmerr.Duplicated if the directory already exists.
func Create(parentDir, name string, base schema.Schema, config Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	// Reject reserved ("_"-prefixed, which covers "_score") and duplicate
	// base field names before anything is written to disk.
	var checked schema.Schema
	for _, f := range base.Fields {
		if err := checked.AddField(f); err != nil {
			return nil, err
		}
	}
	dir := filepath.Join(parentDir, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, calmerr.Newf(calmerr.Duplicated, "engine: %q already exists", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, calmerr.Wrap(calmerr.IOError, "engine: create dir", err)
	}

	base.Name = name
	ss, err := schema.Open(dir)
	if err != nil {
		return nil, err
	}
	if err := ss.WriteBase(&base); err != nil {
		return nil, err
	}
	if err := ss.WriteUser(nil); err != nil {
		return nil, err
	}
	if err := ss.WriteFingerprint(fingerprint(config.HashAlgorithm, base.Fields)); err != nil {
		return nil, err
	}

	scope := schema.NewScope(base, nil)
	store, err := indexstore.Open(filepath.Join(dir, segmentsDir), scope.AllFields(), logger)
	if err != nil {
		return nil, err
	}

	return &Engine{name: name, dir: dir, logger: logger, config: config, scope: scope, store: store, schemaStore: ss}, nil
}

// Open reopens an existing engine directory, verifying the on-disk base
// schema's fingerprint against what's recorded from create time.
func Open(parentDir, name string, config Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	dir := filepath.Join(parentDir, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, calmerr.Newf(calmerr.NotExisted, "engine: %q not found", name)
	}

	ss, err := schema.Open(dir)
	if err != nil {
		return nil, err
	}
	base, err := ss.ReadBase()
	if err != nil {
		return nil, err
	}
	userFields, err := ss.ReadUser()
	if err != nil {
		return nil, err
	}
	if want, ok, err := ss.ReadFingerprint(); err != nil {
		return nil, err
	} else if ok && want != fingerprint(config.HashAlgorithm, base.Fields) {
		return nil, calmerr.Newf(calmerr.Internal, "engine: %q base schema fingerprint mismatch (schema.json edited outside the API?)", name)
	}

	scope := schema.NewScope(*base, userFields)
	store, err := indexstore.Open(filepath.Join(dir, segmentsDir), scope.AllFields(), logger)
	if err != nil {
		return nil, err
	}

	return &Engine{name: name, dir: dir, logger: logger, config: config, scope: scope, store: store, schemaStore: ss}, nil
}

// Name returns the engine's name (job.Target).
func (e *Engine) Name() string { return e.name }

// SetPersistLock installs the host-wide persist serialization hook; a
// Host calls this when registering an engine with its job.Worker.
func (e *Engine) SetPersistLock(fn func(func() error) error) {
	e.withPersistLock = fn
}

// acquire admits one operation, failing once Close has begun so no new
// reader can start against segments about to be unmapped.
func (e *Engine) acquire() error {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	if e.closing {
		return calmerr.Newf(calmerr.NotExisted, "engine: %q is closing", e.name)
	}
	e.refs.Add(1)
	return nil
}

func (e *Engine) release() { e.refs.Done() }

// Close marks the engine closing, waits for every in-flight operation
// to drain, then releases the warm segments' mmaps. Lookups started
// after Close begins fail instead of racing the unmap; a second Close
// is a no-op.
func (e *Engine) Close() error {
	e.refMu.Lock()
	if e.closing {
		e.refMu.Unlock()
		return nil
	}
	e.closing = true
	e.refMu.Unlock()

	e.refs.Wait()
	return e.store.Close()
}

// Mutate applies a batch of writes.
func (e *Engine) Mutate(actions []writepipeline.Action, marker string) ([]writepipeline.Result, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	return writepipeline.Run(e.store, actions, marker)
}

// Get resolves a record by name.
func (e *Engine) Get(name string) (*record.Record, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	return e.store.FindByName(name)
}

// Search runs a compiled query against every segment.
func (e *Engine) Search(q *query.Search) (*search.Result, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()
	return search.Search(e.store.SegmentReaders(), e.scope.AllFields(), q)
}

// AddIndexField appends field to the user schema, persists it, and
// rotates the current segment so every future write is indexed by it;
// rolls the in-memory and on-disk schema back on any failure.
func (e *Engine) AddIndexField(f *schema.Field) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	userFields, err := e.scope.AddField(f)
	if err != nil {
		return err
	}
	if err := e.schemaStore.WriteUser(userFields); err != nil {
		e.scope.RemoveField(f.Name)
		return err
	}
	if err := e.store.Rotate(e.scope.AllFields()); err != nil {
		e.scope.RemoveField(f.Name)
		e.schemaStore.WriteUser(withoutField(userFields, f.Name))
		return err
	}
	return nil
}

// DeleteIndexField is AddIndexField's mirror.
// Only user-added fields can be removed; base fields are permanent.
func (e *Engine) DeleteIndexField(name string) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	f, ok := e.scope.Field(name)
	if !ok {
		return calmerr.Newf(calmerr.NotExisted, "engine: field %q not found", name)
	}
	userFields, err := e.scope.RemoveField(name)
	if err != nil {
		return err
	}
	if err := e.schemaStore.WriteUser(userFields); err != nil {
		e.scope.RestoreField(f)
		return err
	}
	if err := e.store.Rotate(e.scope.AllFields()); err != nil {
		e.scope.RestoreField(f)
		e.schemaStore.WriteUser(append(userFields, f))
		return err
	}
	return nil
}

// Persist forces rotation of the current segment and flushes every
// hot-frozen segment to disk, serialized against the
// host's background job if one is registered.
func (e *Engine) Persist() error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	if err := e.store.Rotate(e.scope.AllFields()); err != nil {
		return err
	}
	run := e.withPersistLock
	if run == nil {
		run = func(fn func() error) error { return fn() }
	}
	return run(e.PersistFrozen)
}

// Info reports per-segment detail, or nil if the engine is closing.
func (e *Engine) Info() []segment.Info {
	if err := e.acquire(); err != nil {
		return nil
	}
	defer e.release()
	return e.store.Infos()
}

// RotateIfNeeded implements job.Target: freeze the current hot segment
// once it exceeds segment_max_size records or flush_interval_secs age.
func (e *Engine) RotateIfNeeded() error {
	if err := e.acquire(); err != nil {
		return nil // closing: nothing left for the background job to do
	}
	defer e.release()
	cur := e.store.Current()
	if cur == nil || cur.DocCount() == 0 {
		return nil
	}
	tooBig := cur.DocCount() >= e.config.SegmentMaxSize
	tooOld := time.Since(cur.CreatedAt()) >= time.Duration(e.config.FlushIntervalSecs)*time.Second
	if !tooBig && !tooOld {
		return nil
	}
	return e.store.Rotate(e.scope.AllFields())
}

// PersistFrozen implements job.Target: flush every hot-but-frozen
// segment to disk, without forcing a rotation first, then drain the
// current segment's tombstone_history so warm segments' `_dels` files
// catch up with deletions made since the last pass.
func (e *Engine) PersistFrozen() error {
	if err := e.acquire(); err != nil {
		return nil // closing: nothing left for the background job to do
	}
	defer e.release()
	for _, hot := range e.store.FrozenHot() {
		if err := e.store.PersistFrozen(hot, e.scope.AllFields()); err != nil {
			return err
		}
	}
	return e.store.FlushHistory()
}

func withoutField(fields []*schema.Field, name string) []*schema.Field {
	out := make([]*schema.Field, 0, len(fields))
	for _, f := range fields {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}
