package engine

// Config is one engine's tunables. Every field's zero value means "use
// the default."
type Config struct {
	// HashAlgorithm selects the schema-fingerprint hash: AlgXXHash3
	// (default), AlgFNV1a, or AlgBlake2b.
	HashAlgorithm int
	// ReadBuffer is kept in the Config (default 64 KiB) but nothing in
	// the engine reads it; warm segments are read through mmap.
	ReadBuffer int
	// SegmentMaxSize rotates the current hot segment once it holds this
	// many records.
	SegmentMaxSize uint32
	// FlushIntervalSecs rotates the current hot segment once it has
	// been current for this many seconds.
	FlushIntervalSecs int
	// SyncWrites is kept in the Config but nothing in the engine reads
	// it: a persist always fsyncs each PMap's data and node files,
	// whatever its value.
	SyncWrites bool
}

func (c Config) withDefaults() Config {
	if c.HashAlgorithm == 0 {
		c.HashAlgorithm = AlgXXHash3
	}
	if c.ReadBuffer == 0 {
		c.ReadBuffer = 64 * 1024
	}
	if c.SegmentMaxSize == 0 {
		c.SegmentMaxSize = 100_000
	}
	if c.FlushIntervalSecs == 0 {
		c.FlushIntervalSecs = 300
	}
	return c
}
