// Tests for the copy-on-write in-memory B-tree and the on-disk mmap'd
// B-tree sharing the same read contract.
//
// Together these verify that a BTree value obtained before a writer's
// batch write returns continues to see the pre-write contents, and that
// persist→reopen→iterate round-trips exactly the sequence of pairs
// written.
package pmap

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
)

func TestMemoryGetPutDelete(t *testing.T) {
	m := NewMemory()
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("b"), []byte("2"))

	if v, ok := m.Get([]byte("a")); !ok || string(v) != "1" {
		t.Fatalf("get a: %q, %v", v, ok)
	}

	m.Delete([]byte("a"))
	if _, ok := m.Get([]byte("a")); ok {
		t.Fatal("a should be gone after delete")
	}
}

// TestMemoryCloneIsolation is the central copy-on-write invariant: a
// snapshot taken before a batch write must not
// observe the batch's effects, even though both snapshots share the same
// underlying tree structure.
func TestMemoryCloneIsolation(t *testing.T) {
	m := NewMemory()
	m.Put([]byte("a"), []byte("1"))

	snapshot := m.Clone()

	m.BatchWrite([]Entry{{Key: []byte("a"), Value: []byte("2")}, {Key: []byte("b"), Value: []byte("3")}})

	if v, _ := snapshot.Get([]byte("a")); string(v) != "1" {
		t.Fatalf("snapshot should see pre-write value, got %q", v)
	}
	if _, ok := snapshot.Get([]byte("b")); ok {
		t.Fatal("snapshot should not see a key added after the clone")
	}
	if v, _ := m.Get([]byte("a")); string(v) != "2" {
		t.Fatalf("live tree should see the batch write, got %q", v)
	}
}

func TestMemorySeekOrdering(t *testing.T) {
	m := NewMemory()
	keys := []string{"c", "a", "e", "b", "d"}
	for _, k := range keys {
		m.Put([]byte(k), []byte(k))
	}

	var got []string
	for c := m.Seek([]byte("b")); c.Valid(); c.Advance() {
		got = append(got, string(c.Key()))
	}
	want := []string{"b", "c", "d", "e"}
	if !equalStrings(got, want) {
		t.Fatalf("Seek(b) = %v, want %v", got, want)
	}

	got = nil
	for c := m.SeekPrev([]byte("c")); c.Valid(); c.Advance() {
		got = append(got, string(c.Key()))
	}
	want = []string{"c", "b", "a"}
	if !equalStrings(got, want) {
		t.Fatalf("SeekPrev(c) = %v, want %v", got, want)
	}
}

func TestDiskPersistRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "field")

	n := 500
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = Entry{Key: []byte(fmt.Sprintf("key-%04d", i)), Value: []byte(fmt.Sprintf("value-%d", i))}
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })

	if err := Persist(dir, entries, 0); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	d, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.Len() != n {
		t.Fatalf("Len() = %d, want %d", d.Len(), n)
	}

	// Point lookups for every key.
	for _, e := range entries {
		v, ok := d.Get(e.Key)
		if !ok || !bytes.Equal(v, e.Value) {
			t.Fatalf("Get(%s) = %q, %v; want %q", e.Key, v, ok, e.Value)
		}
	}

	// Full forward iteration must reproduce exactly the written sequence.
	i := 0
	for c := d.Seek(nil); c.Valid(); c.Advance() {
		if !bytes.Equal(c.Key(), entries[i].Key) || !bytes.Equal(c.Value(), entries[i].Value) {
			t.Fatalf("iterate[%d] = (%s,%s), want (%s,%s)", i, c.Key(), c.Value(), entries[i].Key, entries[i].Value)
		}
		i++
	}
	if i != n {
		t.Fatalf("iterated %d entries, want %d", i, n)
	}

	// Reverse iteration from the end.
	i = n - 1
	for c := d.SeekLast(); c.Valid(); c.Advance() {
		if !bytes.Equal(c.Key(), entries[i].Key) {
			t.Fatalf("reverse[%d] key = %s, want %s", i, c.Key(), entries[i].Key)
		}
		i--
	}
	if i != -1 {
		t.Fatalf("reverse iteration stopped early at %d", i)
	}

	// Seek to a middle key and scan a bounded window (the shape a Between
	// query uses).
	mid := entries[n/2].Key
	got := 0
	for c := d.Seek(mid); c.Valid() && got < 10; c.Advance() {
		got++
	}
	if got != 10 {
		t.Fatalf("windowed scan got %d entries, want 10", got)
	}
}

func TestDiskEmptyTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "field")
	if err := Persist(dir, nil, 0); err != nil {
		t.Fatalf("Persist empty: %v", err)
	}
	d, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, ok := d.Get([]byte("x")); ok {
		t.Fatal("Get on empty tree should miss")
	}
	if c := d.Seek(nil); c.Valid() {
		t.Fatal("Seek on empty tree should be immediately invalid")
	}
}

func TestDiskFixedWidthKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "field")
	entries := []Entry{
		{Key: []byte{0, 0, 0, 1}, Value: []byte("a")},
		{Key: []byte{0, 0, 0, 2}, Value: []byte("b")},
		{Key: []byte{0, 0, 0, 3}, Value: []byte("c")},
	}
	if err := Persist(dir, entries, 4); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	d, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	v, ok := d.Get([]byte{0, 0, 0, 2})
	if !ok || string(v) != "b" {
		t.Fatalf("Get fixed-width key: %q, %v", v, ok)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
