package segment

import (
	"encoding/binary"

	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/fulltext"
	"github.com/cubeflow-ai/calmcore/internal/pmap"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/termindex"
	"github.com/cubeflow-ai/calmcore/record"
)

// Info is one segment's entry in an engine's info() report.
type Info struct {
	Start     uint64
	End       uint64
	StoreType string // "hot" or "warm"
	SizeBytes uint64
	DocCount  uint32
	DelCount  uint32
	Marker    string
}

// Reader is the query-time contract shared by a hot segment's snapshot
// and a warm segment, letting the rest of the engine address either
// uniformly.
type Reader interface {
	Start() uint64
	End() uint64
	IsHot() bool

	Term(field *schema.Field, key []byte) *bitset.Set
	InTerms(field *schema.Field, keys [][]byte) *bitset.Set
	Between(field *schema.Field, low []byte, lowInclusive bool, high []byte, highInclusive bool) *bitset.Set
	TextReader(field *schema.Field) (*fulltext.Reader, error)

	AllRecords() *bitset.Set
	Doc(id uint64) (*record.Record, error)
	Get(name string) (*record.Record, error)
	Field(name string) (*schema.Field, bool)

	Info() Info
}

// HotReader is an immutable snapshot of a Hot segment's roots and
// counters, taken under Hot's locks once so a long-running query never
// observes a root mid-swap.
type HotReader struct {
	start, end uint64
	dels       *bitset.Set
	sourceRd   *pmap.Memory
	nameRd     *pmap.Memory
	fields     map[string]*schema.Field
	termRd     map[string]*termindex.Reader
	textRd     map[string]*fulltext.Reader
	marker     string
}

// Reader snapshots h.
func (h *Hot) Reader() *HotReader {
	h.fieldsMu.RLock()
	defer h.fieldsMu.RUnlock()

	termRd := make(map[string]*termindex.Reader, len(h.termIdx))
	for name, pm := range h.termIdx {
		termRd[name] = termindex.NewReader(pm.Clone())
	}
	textRd := make(map[string]*fulltext.Reader, len(h.textIdx))
	for name, hi := range h.textIdx {
		textRd[name] = hi.Reader()
	}
	fields := make(map[string]*schema.Field, len(h.fields))
	for k, v := range h.fields {
		fields[k] = v
	}

	h.delsMu.Lock()
	dels := h.dels.Clone()
	h.delsMu.Unlock()

	return &HotReader{
		start:    h.start,
		end:      h.end.Load(),
		dels:     dels,
		sourceRd: h.sourceStore.Clone(),
		nameRd:   h.nameStore.Clone(),
		fields:   fields,
		termRd:   termRd,
		textRd:   textRd,
		marker:   h.marker.Load().(string),
	}
}

func (r *HotReader) Start() uint64 { return r.start }
func (r *HotReader) End() uint64   { return r.end }
func (r *HotReader) IsHot() bool   { return true }

func (r *HotReader) Term(field *schema.Field, key []byte) *bitset.Set {
	tr, ok := r.termRd[field.Name]
	if !ok {
		return bitset.New()
	}
	return tr.Term(key)
}

func (r *HotReader) InTerms(field *schema.Field, keys [][]byte) *bitset.Set {
	tr, ok := r.termRd[field.Name]
	if !ok {
		return bitset.New()
	}
	return tr.InTerms(keys)
}

func (r *HotReader) Between(field *schema.Field, low []byte, lowInclusive bool, high []byte, highInclusive bool) *bitset.Set {
	tr, ok := r.termRd[field.Name]
	if !ok {
		return bitset.New()
	}
	return tr.Between(low, lowInclusive, high, highInclusive)
}

func (r *HotReader) TextReader(field *schema.Field) (*fulltext.Reader, error) {
	tr, ok := r.textRd[field.Name]
	if !ok {
		return nil, calmerr.Newf(calmerr.InvalidParam, "segment: field %q not found in text index", field.Name)
	}
	return tr, nil
}

func (r *HotReader) AllRecords() *bitset.Set {
	if r.end <= r.start {
		return bitset.New()
	}
	all := bitset.Range(0, uint32(r.end-r.start))
	return all.AndNot(r.dels)
}

func (r *HotReader) Doc(id uint64) (*record.Record, error) {
	if id < r.start {
		return nil, nil
	}
	local := uint32(id - r.start)
	if r.dels.Contains(local) {
		return nil, nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, local)
	raw, ok := r.sourceRd.Get(buf)
	if !ok {
		return nil, nil
	}
	return record.Decode(raw)
}

func (r *HotReader) Get(name string) (*record.Record, error) {
	raw, ok := r.nameRd.Get([]byte(name))
	if !ok {
		return nil, nil
	}
	id := uint64(binary.BigEndian.Uint32(raw)) + r.start
	return r.Doc(id)
}

func (r *HotReader) Field(name string) (*schema.Field, bool) {
	f, ok := r.fields[name]
	return f, ok
}

func (r *HotReader) Info() Info {
	return Info{
		Start:     r.start,
		End:       r.end,
		StoreType: "hot",
		DocCount:  uint32(r.sourceRd.Len()),
		DelCount:  uint32(r.dels.Cardinality()),
		Marker:    r.marker,
	}
}
