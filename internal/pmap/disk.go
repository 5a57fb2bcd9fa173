package pmap

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
)

// Disk is the on-disk PMap variant: two memory-mapped files, loaded
// once at Open and never mutated — a warm segment's indexes are immutable
// except for their tombstone bitmap, which lives elsewhere.
type Disk struct {
	nodeFile, dataFile *os.File
	nodeMmap, dataMmap mmap.MMap
	keyLen             uint16
	root               int64
	treeLen            uint32
}

// Open memory-maps the node and data files under dir (as written by
// Persist) and reads the trailing root offset.
func Open(dir string) (*Disk, error) {
	nodeFile, err := os.OpenFile(filepath.Join(dir, "node"), os.O_RDONLY, 0o644)
	if err != nil {
		return nil, calmerr.Wrap(calmerr.IOError, "pmap: open node file", err)
	}
	dataFile, err := os.OpenFile(filepath.Join(dir, "data"), os.O_RDONLY, 0o644)
	if err != nil {
		nodeFile.Close()
		return nil, calmerr.Wrap(calmerr.IOError, "pmap: open data file", err)
	}

	nodeMap, err := mmap.Map(nodeFile, mmap.RDONLY, 0)
	if err != nil {
		nodeFile.Close()
		dataFile.Close()
		return nil, calmerr.Wrap(calmerr.IOError, "pmap: mmap node file", err)
	}
	dataMap, err := mmap.Map(dataFile, mmap.RDONLY, 0)
	if err != nil {
		nodeMap.Unmap()
		nodeFile.Close()
		dataFile.Close()
		return nil, calmerr.Wrap(calmerr.IOError, "pmap: mmap data file", err)
	}

	if len(nodeMap) < headerSize+8 {
		nodeMap.Unmap()
		dataMap.Unmap()
		nodeFile.Close()
		dataFile.Close()
		return nil, calmerr.New(calmerr.DecodeError, "pmap: node file too small")
	}
	hdr, err := decodeHeader(nodeMap[:headerSize])
	if err != nil {
		nodeMap.Unmap()
		dataMap.Unmap()
		nodeFile.Close()
		dataFile.Close()
		return nil, err
	}
	root := int64(binary.BigEndian.Uint64(nodeMap[len(nodeMap)-8:]))

	return &Disk{
		nodeFile: nodeFile, dataFile: dataFile,
		nodeMmap: nodeMap, dataMmap: dataMap,
		keyLen: hdr.KeyLen, root: root, treeLen: hdr.TreeLen,
	}, nil
}

// Close unmaps and closes both files. Safe to call once per Open.
func (d *Disk) Close() error {
	var first error
	if err := d.nodeMmap.Unmap(); err != nil && first == nil {
		first = err
	}
	if err := d.dataMmap.Unmap(); err != nil && first == nil {
		first = err
	}
	if err := d.nodeFile.Close(); err != nil && first == nil {
		first = err
	}
	if err := d.dataFile.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Len returns the tree's recorded entry count.
func (d *Disk) Len() int { return int(d.treeLen) }

func (d *Disk) loadPage(offset int64) ([]pageEntry, error) {
	if offset < 0 || int(offset) >= len(d.nodeMmap) {
		return nil, calmerr.New(calmerr.DecodeError, "pmap: node offset out of range")
	}
	return decodePage(d.nodeMmap[offset:], d.keyLen)
}

func (d *Disk) loadValue(dataOffset int64) ([]byte, error) {
	if dataOffset < 0 || int(dataOffset) >= len(d.dataMmap) {
		return nil, calmerr.New(calmerr.DecodeError, "pmap: data offset out of range")
	}
	val, _, err := decodeDataValue(d.dataMmap[dataOffset:])
	return val, err
}

type seekMode int

const (
	seekForward seekMode = iota
	seekBackward
)

type frame struct {
	entries []pageEntry
	idx     int
	leaf    bool
}

// locateLeaf returns the index within a leaf page's entries matching
// mode/key: forward wants the first entry with key >= target (or index 0
// when key is nil); backward wants the last entry with key <= target (or
// the last index when key is nil).
func locateLeaf(entries []pageEntry, key []byte, mode seekMode) int {
	if key == nil {
		if mode == seekForward {
			return 0
		}
		return len(entries) - 1
	}
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
	if mode == seekForward {
		return i
	}
	if i < len(entries) && bytes.Equal(entries[i].key, key) {
		return i
	}
	return i - 1
}

// locateInterior returns the index of the child subtree covering key: the
// last entry whose separator key is <= target (floor), clamped to the
// first entry since it represents "everything below the next separator".
func locateInterior(entries []pageEntry, key []byte, mode seekMode) int {
	if len(entries) == 0 {
		return -1
	}
	if key == nil {
		if mode == seekForward {
			return 0
		}
		return len(entries) - 1
	}
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) > 0 })
	if i == 0 {
		return 0
	}
	return i - 1
}

func isLeafPage(entries []pageEntry) bool {
	return len(entries) == 0 || entries[0].childOffset < 0
}

func (d *Disk) descend(offset int64, key []byte, mode seekMode) ([]frame, error) {
	var stack []frame
	for {
		entries, err := d.loadPage(offset)
		if err != nil {
			return nil, err
		}
		leaf := isLeafPage(entries)
		if leaf {
			idx := locateLeaf(entries, key, mode)
			stack = append(stack, frame{entries: entries, idx: idx, leaf: true})
			return stack, nil
		}
		idx := locateInterior(entries, key, mode)
		stack = append(stack, frame{entries: entries, idx: idx, leaf: false})
		if idx < 0 || idx >= len(entries) {
			return stack, nil
		}
		offset = entries[idx].childOffset
	}
}

// Get performs a point lookup via root-to-leaf descent.
func (d *Disk) Get(key []byte) ([]byte, bool) {
	stack, err := d.descend(d.root, key, seekForward)
	if err != nil || len(stack) == 0 {
		return nil, false
	}
	top := stack[len(stack)-1]
	if !top.leaf || top.idx < 0 || top.idx >= len(top.entries) {
		return nil, false
	}
	e := top.entries[top.idx]
	if !bytes.Equal(e.key, key) {
		return nil, false
	}
	val, err := d.loadValue(decodeDataRef(e.childOffset))
	if err != nil {
		return nil, false
	}
	return val, true
}

// diskCursor walks the B-tree via an explicit root-to-leaf frame stack, so
// crossing a leaf page boundary costs one climb-and-redescend rather than a
// full re-seek from the root, keeping scans O(log N + k).
type diskCursor struct {
	d     *Disk
	stack []frame
	mode  seekMode
}

func newDiskCursor(d *Disk, key []byte, mode seekMode) *diskCursor {
	stack, err := d.descend(d.root, key, mode)
	c := &diskCursor{d: d, mode: mode}
	if err == nil {
		c.stack = stack
		c.fixup()
	}
	return c
}

// fixup repositions the cursor onto a valid leaf entry (or exhausts it) by
// climbing past any frame whose idx has run off the end and re-descending
// toward the extreme (leftmost for forward, rightmost for backward) leaf
// under the newly chosen sibling.
func (c *diskCursor) fixup() {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		inBounds := top.idx >= 0 && top.idx < len(top.entries)
		if inBounds {
			if top.leaf {
				return
			}
			offset := top.entries[top.idx].childOffset
			entries, err := c.d.loadPage(offset)
			if err != nil {
				c.stack = nil
				return
			}
			leaf := isLeafPage(entries)
			var idx int
			if leaf {
				idx = locateLeaf(entries, nil, c.mode)
			} else {
				idx = locateInterior(entries, nil, c.mode)
			}
			c.stack = append(c.stack, frame{entries: entries, idx: idx, leaf: leaf})
			continue
		}
		c.stack = c.stack[:len(c.stack)-1]
		if len(c.stack) == 0 {
			return
		}
		parent := &c.stack[len(c.stack)-1]
		if c.mode == seekForward {
			parent.idx++
		} else {
			parent.idx--
		}
	}
}

func (c *diskCursor) Valid() bool {
	if len(c.stack) == 0 {
		return false
	}
	top := c.stack[len(c.stack)-1]
	return top.leaf && top.idx >= 0 && top.idx < len(top.entries)
}

func (c *diskCursor) Key() []byte {
	top := c.stack[len(c.stack)-1]
	return top.entries[top.idx].key
}

func (c *diskCursor) Value() []byte {
	top := c.stack[len(c.stack)-1]
	e := top.entries[top.idx]
	val, _ := c.d.loadValue(decodeDataRef(e.childOffset))
	return val
}

func (c *diskCursor) Advance() {
	if len(c.stack) == 0 {
		return
	}
	top := &c.stack[len(c.stack)-1]
	if c.mode == seekForward {
		top.idx++
	} else {
		top.idx--
	}
	c.fixup()
}

func (c *diskCursor) Close() error { return nil }

// Seek returns a forward cursor at the first entry >= key (or the first
// entry overall, if key is nil).
func (d *Disk) Seek(key []byte) Cursor { return newDiskCursor(d, key, seekForward) }

// SeekLast returns a reverse cursor at the last entry overall.
func (d *Disk) SeekLast() Cursor { return newDiskCursor(d, nil, seekBackward) }

// SeekPrev returns a reverse cursor at the last entry <= key.
func (d *Disk) SeekPrev(key []byte) Cursor { return newDiskCursor(d, key, seekBackward) }
