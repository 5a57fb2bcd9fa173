package pmap

// Cursor is the common iteration contract for both PMap flavors:
// forward cursors from Seek advance via Advance() toward larger keys,
// reverse cursors from SeekLast/SeekPrev advance toward smaller keys.
// Valid() reports whether Key()/Value() are meaningful.
type Cursor interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Advance()
	Close() error
}

// Reader is implemented by both Memory and Disk, giving query and segment
// code a single type to hold regardless of hot/warm state.
type Reader interface {
	Get(key []byte) ([]byte, bool)
	Seek(key []byte) Cursor
	SeekLast() Cursor
	SeekPrev(key []byte) Cursor
}

var (
	_ Reader = (*Memory)(nil)
	_ Reader = (*Disk)(nil)
)
