// Package segment implements the hot (in-memory) and warm (mmap'd
// on-disk) record and index storage units: a name→id map, an
// id→record map, one structured or full-text index per field, and a
// tombstone bitmap, all addressed by ids relative to the segment's
// start.
package segment

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cubeflow-ai/calmcore/internal/analyzer"
	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/fulltext"
	"github.com/cubeflow-ai/calmcore/internal/pmap"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/termindex"
	"github.com/cubeflow-ai/calmcore/record"
)

// Hot is one in-memory segment: mutable while it is the engine's
// current write target. All local ids are relative to start; start
// itself equals the previous segment's (exclusive) end, so ids never
// repeat across segments and the segments partition [0, max_id) into
// disjoint half-open ranges.
type Hot struct {
	start uint64
	end   atomic.Uint64

	dels        *bitset.Set // local ids (>= start) removed from this segment
	delsHistory *bitset.Set // absolute ids (< start) deferred to an older segment
	delsMu      sync.Mutex

	sourceStore *pmap.Memory // local id (4-byte BE) -> record.Encode bytes
	nameStore   *pmap.Memory // name -> local id (4-byte BE)

	fieldsMu  sync.RWMutex
	fields    map[string]*schema.Field
	termIdx   map[string]*pmap.Memory
	textIdx   map[string]*fulltext.Hot

	marker    atomic.Value // string
	createdAt time.Time
}

// NewHot returns an empty hot segment starting at prevEnd (the previous
// segment's exclusive end, or 0 for the first segment of an engine),
// with an index for every field.
func NewHot(prevEnd uint64, fields map[string]*schema.Field) (*Hot, error) {
	h := &Hot{
		start:       prevEnd,
		dels:        bitset.New(),
		delsHistory: bitset.New(),
		sourceStore: pmap.NewMemory(),
		nameStore:   pmap.NewMemory(),
		fields:      make(map[string]*schema.Field),
		termIdx:     make(map[string]*pmap.Memory),
		textIdx:     make(map[string]*fulltext.Hot),
		createdAt:   time.Now(),
	}
	h.end.Store(h.start)
	h.marker.Store("")
	for _, f := range fields {
		if err := h.AddField(f); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Start returns the first id this segment can hold.
func (h *Hot) Start() uint64 { return h.start }

// End returns one past the highest id written so far — this segment's
// exclusive upper bound, and the next segment's start once rotated.
func (h *Hot) End() uint64 { return h.end.Load() }

// CreatedAt returns when this segment became the current hot segment,
// for the background job's age-based rotation check.
func (h *Hot) CreatedAt() time.Time { return h.createdAt }

// DocCount returns the number of live-or-dead records ever written to
// this segment, for the background job's size-based rotation check.
func (h *Hot) DocCount() uint32 { return uint32(h.sourceStore.Len()) }

// AddField registers an index for a new field.
// Geo/Vector fields are accepted but not indexed (out of scope).
func (h *Hot) AddField(f *schema.Field) error {
	h.fieldsMu.Lock()
	defer h.fieldsMu.Unlock()
	if _, ok := h.fields[f.Name]; ok {
		return calmerr.Newf(calmerr.Existed, "segment: field %q already indexed", f.Name)
	}
	h.fields[f.Name] = f
	switch f.Type {
	case schema.Bool, schema.Int, schema.Float, schema.String:
		h.termIdx[f.Name] = pmap.NewMemory()
	case schema.Text:
		h.textIdx[f.Name] = fulltext.NewHot(analyzer.Default())
	}
	return nil
}

// RemoveField drops a field's index.
func (h *Hot) RemoveField(name string) error {
	h.fieldsMu.Lock()
	defer h.fieldsMu.Unlock()
	if _, ok := h.fields[name]; !ok {
		return calmerr.Newf(calmerr.NotExisted, "segment: field %q not indexed", name)
	}
	delete(h.fields, name)
	delete(h.termIdx, name)
	delete(h.textIdx, name)
	return nil
}

// WriteRecords indexes and stores a batch of already id-assigned
// wrappers. Field indexes are updated concurrently, one goroutine per
// field; the name/source stores are written after, as one batch each,
// and end is advanced to maxID+1 (maxID is the highest absolute id in
// this batch, inclusive; end stays the segment's exclusive upper
// bound).
func (h *Hot) WriteRecords(wrappers []*Wrapper, maxID uint64, marker string) error {
	h.fieldsMu.RLock()
	fields := make(map[string]*schema.Field, len(h.fields))
	for k, v := range h.fields {
		fields[k] = v
	}
	h.fieldsMu.RUnlock()

	var g errgroup.Group
	for name, f := range fields {
		name, f := name, f
		switch f.Type {
		case schema.Bool, schema.Int, schema.Float, schema.String:
			pm := h.termIdx[name]
			g.Go(func() error { return h.writeTermField(pm, f, name, wrappers) })
		case schema.Text:
			hi := h.textIdx[name]
			g.Go(func() error { return h.writeTextField(hi, name, wrappers) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var nameEntries, sourceEntries []pmap.Entry
	for _, w := range wrappers {
		id := w.AbsID(h.start)
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, id)
		sourceEntries = append(sourceEntries, pmap.Entry{Key: buf, Value: record.Encode(w.Record)})
		if w.Record.Name != "" {
			nameEntries = append(nameEntries, pmap.Entry{Key: []byte(w.Record.Name), Value: append([]byte(nil), buf...)})
		}
	}
	pmap.SortEntries(sourceEntries)
	h.sourceStore.BatchWrite(sourceEntries)
	if len(nameEntries) > 0 {
		pmap.SortEntries(nameEntries)
		h.nameStore.BatchWrite(nameEntries)
	}

	if marker != "" {
		h.marker.Store(marker)
	}
	if maxID+1 > h.end.Load() {
		h.end.Store(maxID + 1)
	}
	return nil
}

func (h *Hot) writeTermField(pm *pmap.Memory, f *schema.Field, name string, wrappers []*Wrapper) error {
	w := termindex.NewWriter(pm)
	for _, rec := range wrappers {
		if !rec.ValidIndex() || rec.Value == nil {
			continue
		}
		v, ok := rec.Value[name]
		if !ok {
			continue
		}
		for _, key := range termKeys(f.Type, v) {
			w.Add(key, rec.AbsID(h.start))
		}
	}
	return w.Commit()
}

func (h *Hot) writeTextField(hi *fulltext.Hot, name string, wrappers []*Wrapper) error {
	w := hi.Writer()
	for _, rec := range wrappers {
		if !rec.ValidIndex() || rec.Value == nil {
			continue
		}
		v, ok := rec.Value[name]
		if !ok {
			continue
		}
		text, ok := textValue(v)
		if !ok {
			continue
		}
		w.Add(rec.AbsID(h.start), text)
	}
	return hi.Apply(w)
}

// MarkDeleted removes absolute id del from this segment's live set: if
// del belongs to this segment it's cleared from dels directly, otherwise
// it's recorded in delsHistory for whichever older segment owns it.
func (h *Hot) MarkDeleted(del uint64) {
	h.delsMu.Lock()
	defer h.delsMu.Unlock()
	if del < h.start {
		h.delsHistory.Add(uint32(del))
	} else {
		h.dels.Add(uint32(del - h.start))
	}
}

// SnapshotDels returns a copy of this segment's own-range tombstone
// bitmap (local ids).
func (h *Hot) SnapshotDels() *bitset.Set {
	h.delsMu.Lock()
	defer h.delsMu.Unlock()
	return h.dels.Clone()
}

// DrainHistory removes and returns the accumulated cross-segment
// deletion history.
func (h *Hot) DrainHistory() *bitset.Set {
	h.delsMu.Lock()
	defer h.delsMu.Unlock()
	out := h.delsHistory
	h.delsHistory = bitset.New()
	return out
}

// AdoptHistory folds ids into this segment's deletion history, used when
// an empty current segment is rebuilt in place (a field change) and the
// replacement must inherit the deletions the old one was still carrying.
func (h *Hot) AdoptHistory(ids *bitset.Set) {
	if ids.IsEmpty() {
		return
	}
	h.delsMu.Lock()
	defer h.delsMu.Unlock()
	h.delsHistory = h.delsHistory.Or(ids)
}

// FindByID returns the record for an absolute id, or nil if absent,
// tombstoned, or outside this segment's range.
func (h *Hot) FindByID(id uint64) (*record.Record, error) {
	if id < h.start {
		return nil, nil
	}
	local := uint32(id - h.start)
	h.delsMu.Lock()
	deleted := h.dels.Contains(local)
	h.delsMu.Unlock()
	if deleted {
		return nil, nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, local)
	raw, ok := h.sourceStore.Get(buf)
	if !ok {
		return nil, nil
	}
	return record.Decode(raw)
}

// FindByName returns the absolute id for name, or 0 if absent.
func (h *Hot) FindByName(name string) (uint64, bool) {
	if name == "" {
		return 0, false
	}
	raw, ok := h.nameStore.Get([]byte(name))
	if !ok {
		return 0, false
	}
	return uint64(binary.BigEndian.Uint32(raw)) + h.start, true
}
