package fulltext

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/cubeflow-ai/calmcore/internal/analyzer"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/pmap"
)

// File names under a segment's per-field directory.
const (
	TermIndexDir = "term_index"
	DocIndexDir  = "doc_index"
	InfoFile     = "index_info"
)

// Hot is the in-memory full-text index for one field of the current
// segment: two copy-on-write PMaps plus the atomic doc_count/total_term
// counters.
type Hot struct {
	analyzer  *analyzer.Analyzer
	tokenMap  *pmap.Memory
	docMap    *pmap.Memory
	docCount  atomic.Uint32
	totalTerm atomic.Uint64
}

// NewHot returns an empty hot full-text index using an analyzer.
func NewHot(an *analyzer.Analyzer) *Hot {
	if an == nil {
		an = analyzer.Default()
	}
	return &Hot{analyzer: an, tokenMap: pmap.NewMemory(), docMap: pmap.NewMemory()}
}

// Writer opens a batch writer against this hot index.
func (h *Hot) Writer() *Writer {
	return NewWriter(h.analyzer, h.tokenMap, h.docMap)
}

// Apply commits w and folds its counter deltas into the field's atomics.
func (h *Hot) Apply(w *Writer) error {
	docDelta, termDelta, err := w.Commit()
	if err != nil {
		return err
	}
	h.docCount.Add(docDelta)
	h.totalTerm.Add(termDelta)
	return nil
}

// Reader snapshots the current roots and counters into a query-time Reader.
func (h *Hot) Reader() *Reader {
	return NewReader(h.analyzer, h.tokenMap, h.docMap, h.docCount.Load(), h.totalTerm.Load())
}

// info is the JSON sidecar persisted alongside the two PMaps.
type info struct {
	DocCount  uint32 `json:"doc_count"`
	TotalTerm uint64 `json:"total_term"`
}

// Persist drains h into dir/term_index, dir/doc_index and dir/index_info.
func (h *Hot) Persist(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return calmerr.Wrap(calmerr.IOError, "fulltext: create field dir", err)
	}
	if err := pmap.PersistMemory(filepath.Join(dir, TermIndexDir), h.tokenMap, 0); err != nil {
		return err
	}
	if err := pmap.PersistMemory(filepath.Join(dir, DocIndexDir), h.docMap, 0); err != nil {
		return err
	}
	return writeInfo(dir, info{DocCount: h.docCount.Load(), TotalTerm: h.totalTerm.Load()})
}

// Warm is the mmap'd on-disk full-text index for one field of a warm
// segment.
type Warm struct {
	analyzer  *analyzer.Analyzer
	tokenMap  *pmap.Disk
	docMap    *pmap.Disk
	docCount  uint32
	totalTerm uint64
}

// OpenWarm memory-maps the persisted term/doc PMaps and loads index_info.
func OpenWarm(dir string, an *analyzer.Analyzer) (*Warm, error) {
	if an == nil {
		an = analyzer.Default()
	}
	tokenMap, err := pmap.Open(filepath.Join(dir, TermIndexDir))
	if err != nil {
		return nil, err
	}
	docMap, err := pmap.Open(filepath.Join(dir, DocIndexDir))
	if err != nil {
		tokenMap.Close()
		return nil, err
	}
	i, err := readInfo(dir)
	if err != nil {
		tokenMap.Close()
		docMap.Close()
		return nil, err
	}
	return &Warm{analyzer: an, tokenMap: tokenMap, docMap: docMap, docCount: i.DocCount, totalTerm: i.TotalTerm}, nil
}

// Close unmaps both PMaps.
func (w *Warm) Close() error {
	var first error
	if err := w.tokenMap.Close(); err != nil {
		first = err
	}
	if err := w.docMap.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Reader builds a query-time Reader over the warm index.
func (w *Warm) Reader() *Reader {
	return NewReader(w.analyzer, w.tokenMap, w.docMap, w.docCount, w.totalTerm)
}

func writeInfo(dir string, i info) error {
	buf, err := json.Marshal(i)
	if err != nil {
		return calmerr.Wrap(calmerr.Internal, "fulltext: marshal index_info", err)
	}
	if err := os.WriteFile(filepath.Join(dir, InfoFile), buf, 0o644); err != nil {
		return calmerr.Wrap(calmerr.IOError, "fulltext: write index_info", err)
	}
	return nil
}

func readInfo(dir string) (info, error) {
	buf, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		return info{}, calmerr.Wrap(calmerr.IOError, "fulltext: read index_info", err)
	}
	var i info
	if err := json.Unmarshal(buf, &i); err != nil {
		return info{}, calmerr.Wrap(calmerr.DecodeError, "fulltext: decode index_info", err)
	}
	return i, nil
}
