// Package indexstore owns the ordered sequence of segments for one
// engine: write routing to the current hot segment,
// fan-out reads across all segments, and the hot→warm persistence
// transition.
package indexstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/segment"
	"github.com/cubeflow-ai/calmcore/record"
)

// segDirName renders a segment's "<start>-<end>" directory name.
func segDirName(start, end uint64) string {
	return fmt.Sprintf("%d-%d", start, end)
}

var segDirPattern = regexp.MustCompile(`^(\d+)-(\d+)(-tmp)?$`)

// entry is one slot in the store's segment vector: exactly one of hot
// or warm is non-nil. A frozen (no-longer-current) hot segment keeps
// its hot form — still served entirely from memory — until the
// background job persists it.
type entry struct {
	hot  *segment.Hot
	warm *segment.Warm
}

func (e *entry) start() uint64 { return pick(e, (*segment.Hot).Start, (*segment.Warm).Start) }
func (e *entry) end() uint64   { return pick(e, (*segment.Hot).End, (*segment.Warm).End) }

func pick[T any](e *entry, hotFn func(*segment.Hot) T, warmFn func(*segment.Warm) T) T {
	if e.hot != nil {
		return hotFn(e.hot)
	}
	return warmFn(e.warm)
}

func (e *entry) reader() segment.Reader {
	if e.hot != nil {
		return e.hot.Reader()
	}
	return e.warm.Reader()
}

func (e *entry) findByName(name string) (uint64, bool) {
	if e.hot != nil {
		return e.hot.FindByName(name)
	}
	r := e.warm.Reader()
	rec, err := r.Get(name)
	if err != nil || rec == nil {
		return 0, false
	}
	return rec.ID, true
}

// Store owns every segment of one engine.
type Store struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex // guards segs slice replacement (rotation, hot_to_warm)
	writeMu sync.Mutex   // serializes writers; id assignment + index commit happen under it

	segs   []*entry // ascending by start; last entry is current
	nextID atomic.Uint64
}

// Open scans dir for persisted segment directories, skipping and
// removing any leftover `-tmp` directory a crashed persist left behind,
// reopens each one as a warm segment, then appends a fresh current hot
// segment.
func Open(dir string, fields map[string]*schema.Field, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, calmerr.Wrap(calmerr.IOError, "indexstore: create segments dir", err)
	}

	names, err := listSegmentDirs(dir, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{dir: dir, logger: logger}
	var maxEnd uint64
	for _, nm := range names {
		warm, err := segment.OpenWarm(filepath.Join(dir, nm.name), nm.start, nm.end, fields)
		if err != nil {
			return nil, err
		}
		s.segs = append(s.segs, &entry{warm: warm})
		if nm.end > maxEnd {
			maxEnd = nm.end
		}
	}
	sort.Slice(s.segs, func(i, j int) bool { return s.segs[i].start() < s.segs[j].start() })

	hot, err := segment.NewHot(maxEnd, fields)
	if err != nil {
		return nil, err
	}
	s.segs = append(s.segs, &entry{hot: hot})
	s.nextID.Store(maxEnd)
	return s, nil
}

type segDir struct {
	name       string
	start, end uint64
}

// listSegmentDirs resolves the final set of on-disk segment
// directories: tmp dirs are removed, non-matching names are skipped
// with a warning, and same-start collisions keep the larger end.
func listSegmentDirs(dir string, logger *zap.Logger) ([]segDir, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, calmerr.Wrap(calmerr.IOError, "indexstore: read segments dir", err)
	}

	byStart := make(map[uint64]segDir)
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		m := segDirPattern.FindStringSubmatch(ent.Name())
		if m == nil {
			logger.Warn("indexstore: ignoring unrecognized segment directory", zap.String("name", ent.Name()))
			continue
		}
		if m[3] == "-tmp" {
			os.RemoveAll(filepath.Join(dir, ent.Name()))
			continue
		}
		start, _ := strconv.ParseUint(m[1], 10, 64)
		end, _ := strconv.ParseUint(m[2], 10, 64)
		if prev, ok := byStart[start]; !ok || end > prev.end {
			byStart[start] = segDir{name: ent.Name(), start: start, end: end}
		}
	}

	out := make([]segDir, 0, len(byStart))
	for _, sd := range byStart {
		out = append(out, sd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out, nil
}

// Write applies deletions by absolute id (routing each to whichever
// segment currently owns it) and forwards records to the current
// segment. Callers must already hold the write lock (via
// WithWriteLock) so that id assignment (NextID) and this index commit
// share one critical section.
func (s *Store) Write(wrappers []*segment.Wrapper, deletions []uint64, maxID uint64, marker string) error {
	s.mu.RLock()
	segs := append([]*entry(nil), s.segs...)
	s.mu.RUnlock()

	for _, id := range deletions {
		if err := s.markDeletedLocked(segs, id); err != nil {
			return err
		}
	}

	if len(wrappers) == 0 {
		return nil
	}

	current := segs[len(segs)-1]
	if current.hot == nil {
		return calmerr.New(calmerr.Internal, "indexstore: current segment is not hot")
	}
	return current.hot.WriteRecords(wrappers, maxID, marker)
}

// markDeletedLocked routes one absolute-id deletion to whichever segment
// owns it. A hot owner (current or frozen) takes the mark directly; a
// warm owner takes it in memory for immediate read visibility, while the
// current segment records it in its tombstone_history so the warm
// segment's persisted `_dels` file is updated at the next persist.
func (s *Store) markDeletedLocked(segs []*entry, id uint64) error {
	idx := sort.Search(len(segs), func(i int) bool { return segs[i].end() > id })
	if idx >= len(segs) || segs[idx].start() > id {
		// id doesn't belong to any known range (already-deleted source
		// row or stale caller); nothing to do.
		return nil
	}
	owner := segs[idx]
	if owner.hot != nil {
		owner.hot.MarkDeleted(id)
		return nil
	}
	owner.warm.MarkDeleted(id)
	if current := segs[len(segs)-1]; current.hot != nil {
		current.hot.MarkDeleted(id)
	}
	return nil
}

// WithWriteLock runs fn holding the store's single write lock, so that
// name resolution, id assignment (NextID) and the eventual Write call
// all observe one consistent critical section.
func (s *Store) WithWriteLock(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

// NextID atomically assigns and returns the next monotonic id. The first
// id of a segment equals its start, so AllRecords' [0, end-start) domain
// never includes an unassigned slot. Must be called from within
// WithWriteLock.
func (s *Store) NextID() uint64 { return s.nextID.Add(1) - 1 }

// CurrentStart returns the current hot segment's start, for callers
// that need to pre-validate an id falls within it.
func (s *Store) CurrentStart() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segs[len(s.segs)-1].start()
}

// FindByID binary-searches the segment vector and reads from the owner.
func (s *Store) FindByID(id uint64) (*record.Record, error) {
	s.mu.RLock()
	segs := append([]*entry(nil), s.segs...)
	s.mu.RUnlock()

	idx := sort.Search(len(segs), func(i int) bool { return segs[i].end() > id })
	if idx >= len(segs) || segs[idx].start() > id {
		return nil, nil
	}
	return segs[idx].reader().Doc(id)
}

// FindByName probes the current segment first, then every frozen
// segment in parallel, returning whichever hit is found. Because
// a live name resolves to at most one id at any instant, at most one probe can succeed.
func (s *Store) FindByName(name string) (*record.Record, error) {
	s.mu.RLock()
	segs := append([]*entry(nil), s.segs...)
	s.mu.RUnlock()

	if len(segs) == 0 {
		return nil, nil
	}
	current := segs[len(segs)-1]
	if id, ok := current.findByName(name); ok {
		return current.reader().Doc(id)
	}

	frozen := segs[:len(segs)-1]
	results := make([]*record.Record, len(frozen))
	var g errgroup.Group
	for i, e := range frozen {
		i, e := i, e
		g.Go(func() error {
			id, ok := e.findByName(name)
			if !ok {
				return nil
			}
			rec, err := e.reader().Doc(id)
			if err != nil {
				return err
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := len(results) - 1; i >= 0; i-- {
		if results[i] != nil {
			return results[i], nil
		}
	}
	return nil, nil
}

// SegmentReaders snapshots readers for query planning, current first
// then frozen by descending start.
func (s *Store) SegmentReaders() []segment.Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]segment.Reader, len(s.segs))
	for i, e := range s.segs {
		// segs is ascending; reverse into descending-start order.
		out[len(s.segs)-1-i] = e.reader()
	}
	return out
}

// Infos returns every segment's info, in store order.
func (s *Store) Infos() []segment.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]segment.Info, len(s.segs))
	for i, e := range s.segs {
		if e.hot != nil {
			out[i] = e.hot.Reader().Info()
		} else {
			out[i] = e.warm.Info()
		}
	}
	return out
}

// Rotate freezes the current hot segment and starts a new one with
// start = previous.end, under fields.
// The frozen segment remains hot (in memory) until PersistFrozen moves
// it to disk. Taking the write mutex keeps an in-flight batch from
// committing ids past the new segment's start.
func (s *Store) Rotate(fields map[string]*schema.Field) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.segs[len(s.segs)-1]
	if current.hot == nil {
		return nil
	}
	if current.hot.DocCount() == 0 {
		// Nothing written yet: rebuild the current segment in place so a
		// field change still takes effect without freezing an empty
		// segment, carrying over any cross-segment deletion history it
		// was holding.
		hot, err := segment.NewHot(current.hot.Start(), fields)
		if err != nil {
			return err
		}
		hot.AdoptHistory(current.hot.DrainHistory())
		s.segs[len(s.segs)-1] = &entry{hot: hot}
		return nil
	}
	hot, err := segment.NewHot(current.hot.End(), fields)
	if err != nil {
		return err
	}
	s.segs = append(s.segs, &entry{hot: hot})
	return nil
}

// FrozenHot returns every frozen-but-still-hot segment's Hot value, for
// the background job to consider persisting.
func (s *Store) FrozenHot() []*segment.Hot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*segment.Hot
	for _, e := range s.segs[:len(s.segs)-1] {
		if e.hot != nil {
			out = append(out, e.hot)
		}
	}
	return out
}

// FlushHistory drains the current segment's tombstone_history into the
// warm segments owning those ids, bringing their persisted `_dels`
// files up to date without waiting for the current segment itself to
// freeze. Warm segments holding unflushed single-id marks rewrite their
// file even when the drained history contributes nothing new.
func (s *Store) FlushHistory() error {
	s.mu.RLock()
	current := s.segs[len(s.segs)-1]
	warms := make([]*segment.Warm, 0, len(s.segs))
	for _, e := range s.segs {
		if e.warm != nil {
			warms = append(warms, e.warm)
		}
	}
	s.mu.RUnlock()

	history := bitset.New()
	if current.hot != nil {
		history = current.hot.DrainHistory()
	}
	for _, w := range warms {
		if err := w.AbsorbHistory(history); err != nil {
			return err
		}
	}
	return nil
}

// Current returns the current hot segment (for size/age rotation
// checks by the background job).
func (s *Store) Current() *segment.Hot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segs[len(s.segs)-1].hot
}

// Close releases every warm segment's mmap handle. The current and any
// frozen hot segments need no cleanup; they're plain memory. Callers
// must have drained all outstanding readers first — the owning engine
// gates every operation behind its closing flag and waits on its
// refcount before calling this, so no reader can still be touching a
// mapped page when it is unmapped.
func (s *Store) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.segs {
		if e.warm != nil {
			if err := e.warm.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// PersistFrozen persists one frozen hot segment to dir/<start>-<end>,
// replaces its in-place slot with the reopened warm segment, and drains
// the segment's tombstone history into the warm segments owning those
// ids.
func (s *Store) PersistFrozen(hot *segment.Hot, fields map[string]*schema.Field) error {
	dir := filepath.Join(s.dir, segDirName(hot.Start(), hot.End()))
	if err := segment.PersistHot(hot, dir); err != nil {
		return err
	}
	warm, err := segment.OpenWarm(dir, hot.Start(), hot.End(), fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	swapped := false
	for _, e := range s.segs {
		if e.hot == hot {
			e.hot = nil
			e.warm = warm
			swapped = true
			break
		}
	}
	warms := make([]*segment.Warm, 0, len(s.segs))
	for _, e := range s.segs {
		if e.warm != nil {
			warms = append(warms, e.warm)
		}
	}
	s.mu.Unlock()

	if !swapped {
		// Segment rotated away between selection and persist; close the
		// orphaned warm handle rather than leak its mmap.
		return warm.Close()
	}

	// A tombstone marked between PersistHot writing _dels and the swap
	// above exists only in the hot bitmap; replay the full set onto the
	// new warm segment (a no-op when nothing raced).
	late := bitset.New()
	it := hot.SnapshotDels().Iterator()
	for it.HasNext() {
		late.Add(it.Next() + uint32(hot.Start()))
	}
	if err := warm.AbsorbHistory(late); err != nil {
		return err
	}

	history := hot.DrainHistory()
	for _, w := range warms {
		if err := w.AbsorbHistory(history); err != nil {
			return err
		}
	}
	return nil
}
