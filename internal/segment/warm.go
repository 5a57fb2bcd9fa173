package segment

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/cubeflow-ai/calmcore/internal/analyzer"
	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/fulltext"
	"github.com/cubeflow-ai/calmcore/internal/pmap"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/termindex"
	"github.com/cubeflow-ai/calmcore/record"
)

// Directory/file names under one segment directory.
const (
	VersionFile = "version"
	NameDir     = "_name"
	SourceDir   = "_source"
	DelsFile    = "_dels"
)

// versionFile is the small JSON sidecar written at the root of every
// persisted segment directory.
type versionFile struct {
	Version int    `json:"version"`
	Marker  string `json:"marker,omitempty"`
}

// Warm is a read-only, mmap'd on-disk segment:
// immutable except its tombstone bitmap.
type Warm struct {
	dir   string
	start uint64
	end   uint64

	nameStore   *pmap.Disk
	sourceStore *pmap.Disk

	fields  map[string]*schema.Field
	termIdx map[string]*pmap.Disk
	textIdx map[string]*fulltext.Warm

	delsMu    sync.Mutex
	dels      *bitset.Set
	delsDirty bool // in-memory tombstones not yet flushed to _dels

	marker string
}

// PersistHot drains a Hot segment's indexes and record stores into dir,
// using a tmp-dir-then-rename so a crash mid-persist leaves only a
// removable `-tmp` directory.
func PersistHot(h *Hot, dir string) error {
	tmp := dir + "-tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return calmerr.Wrap(calmerr.IOError, "segment: clear stale tmp dir", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return calmerr.Wrap(calmerr.IOError, "segment: create tmp dir", err)
	}

	vf := versionFile{Version: 1, Marker: h.marker.Load().(string)}
	buf, err := json.Marshal(vf)
	if err != nil {
		return calmerr.Wrap(calmerr.Internal, "segment: marshal version file", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, VersionFile), buf, 0o644); err != nil {
		return calmerr.Wrap(calmerr.IOError, "segment: write version file", err)
	}

	if err := pmap.PersistMemory(filepath.Join(tmp, NameDir), h.nameStore, 0); err != nil {
		return err
	}
	if err := pmap.PersistMemory(filepath.Join(tmp, SourceDir), h.sourceStore, 4); err != nil {
		return err
	}

	h.delsMu.Lock()
	dels := h.dels.Clone()
	h.delsMu.Unlock()
	if !dels.IsEmpty() {
		raw, err := dels.MarshalBinary()
		if err != nil {
			return calmerr.Wrap(calmerr.Internal, "segment: marshal tombstones", err)
		}
		if err := os.WriteFile(filepath.Join(tmp, DelsFile), raw, 0o644); err != nil {
			return calmerr.Wrap(calmerr.IOError, "segment: write tombstones", err)
		}
	}

	h.fieldsMu.RLock()
	fields := make(map[string]*schema.Field, len(h.fields))
	for k, v := range h.fields {
		fields[k] = v
	}
	h.fieldsMu.RUnlock()

	for name, f := range fields {
		fieldDir := filepath.Join(tmp, name)
		switch f.Type {
		case schema.Bool, schema.Int, schema.Float, schema.String:
			if err := pmap.PersistMemory(fieldDir, h.termIdx[name], termKeyLen(f.Type)); err != nil {
				return err
			}
		case schema.Text:
			if err := h.textIdx[name].Persist(fieldDir); err != nil {
				return err
			}
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return calmerr.Wrap(calmerr.IOError, "segment: clear stale target dir", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return calmerr.Wrap(calmerr.IOError, "segment: rename persisted segment", err)
	}
	return nil
}

// OpenWarm memory-maps a previously persisted segment directory. fields
// is the engine's current field set (base+user schema); only the
// indexable fields that actually have an on-disk entry are opened, so a
// field added after this segment was written is simply absent from it.
func OpenWarm(dir string, start, end uint64, fields map[string]*schema.Field) (*Warm, error) {
	nameStore, err := pmap.Open(filepath.Join(dir, NameDir))
	if err != nil {
		return nil, err
	}
	sourceStore, err := pmap.Open(filepath.Join(dir, SourceDir))
	if err != nil {
		nameStore.Close()
		return nil, err
	}

	w := &Warm{
		dir:         dir,
		start:       start,
		end:         end,
		nameStore:   nameStore,
		sourceStore: sourceStore,
		fields:      make(map[string]*schema.Field),
		termIdx:     make(map[string]*pmap.Disk),
		textIdx:     make(map[string]*fulltext.Warm),
		dels:        bitset.New(),
	}

	if vf, err := readVersion(dir); err == nil {
		w.marker = vf.Marker
	}

	if raw, err := os.ReadFile(filepath.Join(dir, DelsFile)); err == nil {
		if derr := w.dels.UnmarshalBinary(raw); derr != nil {
			w.Close()
			return nil, calmerr.Wrap(calmerr.DecodeError, "segment: decode tombstones", derr)
		}
	} else if !os.IsNotExist(err) {
		w.Close()
		return nil, calmerr.Wrap(calmerr.IOError, "segment: read tombstones", err)
	}

	for name, f := range fields {
		fieldDir := filepath.Join(dir, name)
		if _, statErr := os.Stat(fieldDir); statErr != nil {
			continue
		}
		switch f.Type {
		case schema.Bool, schema.Int, schema.Float, schema.String:
			pm, err := pmap.Open(fieldDir)
			if err != nil {
				w.Close()
				return nil, err
			}
			w.fields[name] = f
			w.termIdx[name] = pm
		case schema.Text:
			ft, err := fulltext.OpenWarm(fieldDir, analyzer.Default())
			if err != nil {
				w.Close()
				return nil, err
			}
			w.fields[name] = f
			w.textIdx[name] = ft
		}
	}

	return w, nil
}

func readVersion(dir string) (versionFile, error) {
	buf, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if err != nil {
		return versionFile{}, err
	}
	var vf versionFile
	if err := json.Unmarshal(buf, &vf); err != nil {
		return versionFile{}, err
	}
	return vf, nil
}

// Close unmaps every file backing this segment.
func (w *Warm) Close() error {
	var first error
	if err := w.nameStore.Close(); err != nil {
		first = err
	}
	if err := w.sourceStore.Close(); err != nil && first == nil {
		first = err
	}
	for _, pm := range w.termIdx {
		if err := pm.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, ft := range w.textIdx {
		if err := ft.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MarkDeleted marks absolute id del as deleted against this warm
// segment, in memory only: readers stop seeing the id immediately, and
// the `_dels` file catches up when the bulk tombstone-history path
// (AbsorbHistory) next runs at persist time. That bulk path is the
// authoritative deletion-against-warm contract; single-id marks ride on
// it rather than rewriting the file per deletion.
func (w *Warm) MarkDeleted(del uint64) {
	if del < w.start || del >= w.end {
		return
	}
	local := uint32(del - w.start)

	w.delsMu.Lock()
	defer w.delsMu.Unlock()
	if w.dels.Contains(local) {
		return
	}
	w.dels.Add(local)
	w.delsDirty = true
}

// AbsorbHistory folds a drained tombstone history into this segment's
// tombstones and rewrites its persisted `_dels` file — the
// cross-segment deletion path a frozen segment's history drains
// through. The file is also rewritten when earlier MarkDeleted calls
// left unflushed in-memory tombstones, even if absIDs contributes
// nothing new.
func (w *Warm) AbsorbHistory(absIDs *bitset.Set) error {
	w.delsMu.Lock()
	defer w.delsMu.Unlock()

	changed := false
	it := absIDs.Iterator()
	for it.HasNext() {
		id := uint64(it.Next())
		if id < w.start || id >= w.end {
			continue
		}
		local := uint32(id - w.start)
		if !w.dels.Contains(local) {
			w.dels.Add(local)
			changed = true
		}
	}
	if !changed && !w.delsDirty {
		return nil
	}
	if err := w.writeDelsLocked(); err != nil {
		return err
	}
	w.delsDirty = false
	return nil
}

// writeDelsLocked rewrites the `_dels` sidecar from the in-memory
// bitmap via a tmp-file-then-rename. Callers hold delsMu.
func (w *Warm) writeDelsLocked() error {
	raw, err := w.dels.MarshalBinary()
	if err != nil {
		return calmerr.Wrap(calmerr.Internal, "segment: marshal tombstones", err)
	}
	tmp := filepath.Join(w.dir, DelsFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return calmerr.Wrap(calmerr.IOError, "segment: write tombstones", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, DelsFile)); err != nil {
		return calmerr.Wrap(calmerr.IOError, "segment: rename tombstones", err)
	}
	return nil
}

// Reader returns w itself: a Warm is already an immutable read-time view
// except for its lock-guarded tombstone bitmap, so it implements Reader
// directly rather than needing a separate snapshot type.
func (w *Warm) Reader() Reader { return w }

func (w *Warm) Start() uint64 { return w.start }
func (w *Warm) End() uint64   { return w.end }
func (w *Warm) IsHot() bool   { return false }

func (w *Warm) Term(field *schema.Field, key []byte) *bitset.Set {
	pm, ok := w.termIdx[field.Name]
	if !ok {
		return bitset.New()
	}
	return termindex.NewReader(pm).Term(key)
}

func (w *Warm) InTerms(field *schema.Field, keys [][]byte) *bitset.Set {
	pm, ok := w.termIdx[field.Name]
	if !ok {
		return bitset.New()
	}
	return termindex.NewReader(pm).InTerms(keys)
}

func (w *Warm) Between(field *schema.Field, low []byte, lowInclusive bool, high []byte, highInclusive bool) *bitset.Set {
	pm, ok := w.termIdx[field.Name]
	if !ok {
		return bitset.New()
	}
	return termindex.NewReader(pm).Between(low, lowInclusive, high, highInclusive)
}

func (w *Warm) TextReader(field *schema.Field) (*fulltext.Reader, error) {
	ft, ok := w.textIdx[field.Name]
	if !ok {
		return nil, calmerr.Newf(calmerr.InvalidParam, "segment: field %q not found in text index", field.Name)
	}
	return ft.Reader(), nil
}

func (w *Warm) AllRecords() *bitset.Set {
	if w.end <= w.start {
		return bitset.New()
	}
	all := bitset.Range(0, uint32(w.end-w.start))
	w.delsMu.Lock()
	dels := w.dels.Clone()
	w.delsMu.Unlock()
	return all.AndNot(dels)
}

func (w *Warm) Doc(id uint64) (*record.Record, error) {
	if id < w.start || id >= w.end {
		return nil, nil
	}
	local := uint32(id - w.start)
	w.delsMu.Lock()
	deleted := w.dels.Contains(local)
	w.delsMu.Unlock()
	if deleted {
		return nil, nil
	}
	raw, ok := w.sourceStore.Get(localIDBytes(local))
	if !ok {
		return nil, nil
	}
	return record.Decode(raw)
}

func (w *Warm) Get(name string) (*record.Record, error) {
	raw, ok := w.nameStore.Get([]byte(name))
	if !ok {
		return nil, nil
	}
	id := uint64(beUint32(raw)) + w.start
	return w.Doc(id)
}

func (w *Warm) Field(name string) (*schema.Field, bool) {
	f, ok := w.fields[name]
	return f, ok
}

func (w *Warm) Info() Info {
	w.delsMu.Lock()
	delCount := w.dels.Cardinality()
	w.delsMu.Unlock()
	return Info{
		Start:     w.start,
		End:       w.end,
		StoreType: "warm",
		SizeBytes: dirSize(w.dir),
		DocCount:  uint32(w.end - w.start),
		DelCount:  uint32(delCount),
		Marker:    w.marker,
	}
}

func dirSize(dir string) uint64 {
	var total uint64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

var _ Reader = (*Warm)(nil)
