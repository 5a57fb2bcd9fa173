package pmap

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
)

// entriesPerPage bounds how many (key, child_offset) pairs share one node
// page, at every level of the tree. A larger page amortises the per-page
// decode cost of format.go over more entries at the price of a bigger
// read per level; 64 keeps pages small enough that a single page read
// from a cold mmap is one or two memory pages.
const entriesPerPage = 64

// Persist writes a PMap's node and data files to dir-tmp, then renames
// it to dir on success, so a crash mid-write leaves only a removable
// tmp directory. entries must already be
// sorted ascending by key. keyLen is 0 for length-prefixed keys or the
// fixed width for Bool/Int/Float encodings.
func Persist(dir string, entries []Entry, keyLen uint16) error {
	tmp := dir + "-tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: clear stale tmp dir", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: create tmp dir", err)
	}

	if err := writeFiles(tmp, entries, keyLen); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(tmp)
		return calmerr.Wrap(calmerr.IOError, "pmap: clear stale target dir", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: rename tmp dir", err)
	}
	return nil
}

func writeFiles(dir string, entries []Entry, keyLen uint16) error {
	hdr := encodeHeader(fileHeader{KeyLen: keyLen, TreeLen: uint32(len(entries))})

	dataFile, err := os.Create(filepath.Join(dir, "data"))
	if err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: create data file", err)
	}
	defer dataFile.Close()

	if _, err := dataFile.Write(hdr); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: write data header", err)
	}

	// leafRefs[i] pairs entries[i].Key with the offset of its value in the
	// data file, which becomes a leaf pageEntry's negative child_offset.
	type leafRef struct {
		key    []byte
		offset int64
	}
	refs := make([]leafRef, len(entries))
	offset := int64(len(hdr))
	for i, e := range entries {
		buf := encodeDataValue(e.Value)
		if _, err := dataFile.Write(buf); err != nil {
			return calmerr.Wrap(calmerr.IOError, "pmap: write data value", err)
		}
		refs[i] = leafRef{key: e.Key, offset: offset}
		offset += int64(len(buf))
	}
	if err := dataFile.Sync(); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: sync data file", err)
	}

	nodeFile, err := os.Create(filepath.Join(dir, "node"))
	if err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: create node file", err)
	}
	defer nodeFile.Close()
	if _, err := nodeFile.Write(hdr); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: write node header", err)
	}
	nodeOffset := int64(len(hdr))

	writePage := func(page []byte) (int64, error) {
		off := nodeOffset
		if _, err := nodeFile.Write(page); err != nil {
			return 0, calmerr.Wrap(calmerr.IOError, "pmap: write node page", err)
		}
		nodeOffset += int64(len(page))
		return off, nil
	}

	// Level 0: leaf pages, one pageEntry per record, child_offset encodes
	// the data-file location.
	var level []pageEntry // separator keys + page offsets for the level above
	if len(refs) == 0 {
		// Empty tree still needs one (empty) leaf page as the root.
		page := encodePage(nil, keyLen)
		off, err := writePage(page)
		if err != nil {
			return err
		}
		level = []pageEntry{{key: nil, childOffset: off}}
	} else {
		for i := 0; i < len(refs); i += entriesPerPage {
			end := min(i+entriesPerPage, len(refs))
			pageEntries := make([]pageEntry, end-i)
			for j := i; j < end; j++ {
				pageEntries[j-i] = pageEntry{key: refs[j].key, childOffset: encodeDataRef(refs[j].offset)}
			}
			page := encodePage(pageEntries, keyLen)
			off, err := writePage(page)
			if err != nil {
				return err
			}
			level = append(level, pageEntry{key: refs[i].key, childOffset: off})
		}
	}

	// Build interior levels bottom-up until exactly one page (the root)
	// remains; leaves went first so every child offset is known.
	for len(level) > 1 {
		var next []pageEntry
		for i := 0; i < len(level); i += entriesPerPage {
			end := min(i+entriesPerPage, len(level))
			page := encodePage(level[i:end], keyLen)
			off, err := writePage(page)
			if err != nil {
				return err
			}
			next = append(next, pageEntry{key: level[i].key, childOffset: off})
		}
		level = next
	}

	root := level[0].childOffset
	var rootBuf [8]byte
	binary.BigEndian.PutUint64(rootBuf[:], uint64(root))
	if _, err := nodeFile.Write(rootBuf[:]); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: write root offset", err)
	}
	if err := nodeFile.Sync(); err != nil {
		return calmerr.Wrap(calmerr.IOError, "pmap: sync node file", err)
	}
	return nil
}

// PersistMemory is a convenience that drains a Memory PMap (in key order)
// and writes it to dir via Persist.
func PersistMemory(dir string, m *Memory, keyLen uint16) error {
	var entries []Entry
	for c := m.Seek(nil); c.Valid(); c.Advance() {
		entries = append(entries, Entry{Key: append([]byte(nil), c.Key()...), Value: append([]byte(nil), c.Value()...)})
	}
	return Persist(dir, entries, keyLen)
}
