// Package pmap implements the engine's persistent ordered map:
// a copy-on-write in-memory B-tree (this file) and an immutable mmap'd
// on-disk B-tree (disk.go), sharing the Reader contract in reader.go.
package pmap

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"
)

const degree = 16 // branching factor ~32 (google/btree's "degree" yields 2*degree-1 items per node)

type kv struct {
	key, value []byte
}

func less(a, b kv) bool { return bytes.Compare(a.key, b.key) < 0 }

// Memory is the hot-side PMap: a copy-on-write persistent B-tree. Put/Delete
// produce a new root; a Memory value obtained via Clone before a writer's
// BatchWrite returns continues to see the pre-write contents.
//
// The lock covers reads as well as writes: google/btree's copy-on-write
// guarantee only holds across a Clone boundary, so a reader of the same
// Memory value must not overlap an in-place mutation. A query-side
// snapshot (Clone) is never blocked by writers after it is taken.
type Memory struct {
	mu   sync.RWMutex
	root *btree.BTreeG[kv]
}

// NewMemory returns an empty Memory PMap.
func NewMemory() *Memory {
	return &Memory{root: btree.NewG(degree, less)}
}

// Clone returns a cheap copy-on-write snapshot. The returned Memory shares
// structure with the original until either is mutated.
func (m *Memory) Clone() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Memory{root: m.root.Clone()}
}

// Get performs a point lookup.
func (m *Memory) Get(key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.root.Get(kv{key: key})
	if !ok {
		return nil, false
	}
	return item.value, true
}

// Put inserts or overwrites a single key, swapping in a new root.
func (m *Memory) Put(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root.ReplaceOrInsert(kv{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

// Delete removes a key, swapping in a new root. No-op if the key is absent.
func (m *Memory) Delete(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root.Delete(kv{key: key})
}

// BatchWrite applies a sorted batch of writes atomically from the point of
// view of readers: the whole batch is applied to the tree under the write
// lock and the swap (there isn't a separate swap step — google/btree's
// ReplaceOrInsert already mutates only the touched path and shares the
// rest) is invisible to any Memory value cloned beforehand.
//
// entries must already be sorted by key; a nil value means delete.
func (m *Memory) BatchWrite(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.Value == nil {
			m.root.Delete(kv{key: e.Key})
			continue
		}
		m.root.ReplaceOrInsert(kv{key: append([]byte(nil), e.Key...), value: append([]byte(nil), e.Value...)})
	}
}

// Entry is one write in a BatchWrite call.
type Entry struct {
	Key, Value []byte
}

// SortEntries sorts a batch by key, as BatchWrite requires.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })
}

// Seek returns a forward cursor starting at the first entry >= key (or at
// the beginning, if key is nil).
func (m *Memory) Seek(key []byte) Cursor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []kv
	if key == nil {
		m.root.Ascend(func(it kv) bool { items = append(items, it); return true })
	} else {
		m.root.AscendGreaterOrEqual(kv{key: key}, func(it kv) bool { items = append(items, it); return true })
	}
	return &sliceCursor{items: items}
}

// SeekLast returns a reverse cursor starting at the last entry overall.
func (m *Memory) SeekLast() Cursor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []kv
	m.root.Descend(func(it kv) bool { items = append(items, it); return true })
	return &sliceCursor{items: items}
}

// SeekPrev returns a reverse cursor starting at the first entry <= key.
func (m *Memory) SeekPrev(key []byte) Cursor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []kv
	m.root.DescendLessOrEqual(kv{key: key}, func(it kv) bool { items = append(items, it); return true })
	return &sliceCursor{items: items}
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root.Len()
}

// sliceCursor materialises the requested direction eagerly. The B-tree
// snapshot it was built from is immutable (copy-on-write), so this is
// correct; it trades strict O(log N + k) laziness for simplicity, which is
// acceptable at the record counts a single hot segment holds between
// rotations.
type sliceCursor struct {
	items []kv
	pos   int
}

func (c *sliceCursor) Valid() bool   { return c.pos < len(c.items) }
func (c *sliceCursor) Key() []byte   { return c.items[c.pos].key }
func (c *sliceCursor) Value() []byte { return c.items[c.pos].value }
func (c *sliceCursor) Advance()      { c.pos++ }
func (c *sliceCursor) Close() error  { return nil }
