package plan

import (
	"github.com/cubeflow-ai/calmcore/internal/analyzer"
	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/fulltext"
)

// Stream is the per-segment hit stream contract: a cursor over
// absolute ids in ascending order, each with a score contribution.
type Stream interface {
	// Next advances to the next id, reporting whether one exists.
	Next() bool
	// Value returns the id at the current position. Only valid after a
	// Next/NextValue call returned true.
	Value() uint64
	// NextValue advances to the first id >= min, used by And/Or parents
	// to align children without visiting ids they'll immediately skip.
	NextValue(min uint64) bool
	// Score returns the current position's score contribution.
	Score() float64
}

// mapStream wraps a Map leaf's bitmap, translating local ids to
// absolute ids via the segment's start.
type mapStream struct {
	start uint64
	boost float64
	it    *bitset.Iterator
	cur   uint64
}

func newMapStream(start uint64, boost float64, bm *bitset.Set) *mapStream {
	return &mapStream{start: start, boost: boost, it: bm.Iterator()}
}

func (s *mapStream) Next() bool {
	if !s.it.HasNext() {
		return false
	}
	s.cur = uint64(s.it.Next()) + s.start
	return true
}

func (s *mapStream) Value() uint64 { return s.cur }

func (s *mapStream) NextValue(min uint64) bool {
	if min > s.start {
		s.it.AdvanceIfNeeded(uint32(min - s.start))
	}
	return s.Next()
}

func (s *mapStream) Score() float64 { return s.boost }

// textStream wraps a Text/Phrase leaf's candidate bitmap, skipping any
// id the phrase filter rejects and scoring the rest with BM25.
type textStream struct {
	start    uint64
	boost    float64
	reader   *fulltext.Reader
	tokens   []analyzer.Token
	tokenDF  map[string]uint64
	strict   bool
	slop     int
	it       *bitset.Iterator
	cur      uint64
	curScore float64
}

func newTextStream(start uint64, boost float64, reader *fulltext.Reader, tokens []analyzer.Token, candidate *bitset.Set, tokenDF map[string]uint64, strict bool, slop int) *textStream {
	return &textStream{
		start: start, boost: boost, reader: reader, tokens: tokens,
		tokenDF: tokenDF, strict: strict, slop: slop, it: candidate.Iterator(),
	}
}

func (s *textStream) Next() bool {
	for s.it.HasNext() {
		local := s.it.Next()
		score, ok := s.reader.Score(local, s.tokens, s.tokenDF, s.strict, s.slop)
		if !ok {
			continue
		}
		s.cur = uint64(local) + s.start
		s.curScore = score * s.boost
		return true
	}
	return false
}

func (s *textStream) Value() uint64 { return s.cur }

func (s *textStream) NextValue(min uint64) bool {
	if min > s.start {
		s.it.AdvanceIfNeeded(uint32(min - s.start))
	}
	return s.Next()
}

func (s *textStream) Score() float64 { return s.curScore }

// andStream merges children on matching ids, advancing the laggards up
// to the running maximum until all agree.
type andStream struct {
	children []Stream
	started  bool
	cur      uint64
	score    float64
}

func newAndStream(children []Stream) *andStream {
	return &andStream{children: children}
}

func (s *andStream) Next() bool {
	if !s.started {
		s.started = true
		for _, c := range s.children {
			if !c.Next() {
				return false
			}
		}
	} else {
		for _, c := range s.children {
			if !c.NextValue(s.cur + 1) {
				return false
			}
		}
	}
	return s.align()
}

func (s *andStream) align() bool {
	for {
		max := s.children[0].Value()
		for _, c := range s.children[1:] {
			if v := c.Value(); v > max {
				max = v
			}
		}
		allEqual := true
		for _, c := range s.children {
			if c.Value() != max {
				if !c.NextValue(max) {
					return false
				}
				allEqual = false
			}
		}
		if allEqual {
			s.cur = max
			var sum float64
			for _, c := range s.children {
				sum += c.Score()
			}
			s.score = sum
			return true
		}
	}
}

func (s *andStream) Value() uint64 { return s.cur }
func (s *andStream) Score() float64 { return s.score }

func (s *andStream) NextValue(min uint64) bool {
	s.started = true
	for _, c := range s.children {
		if !c.NextValue(min) {
			return false
		}
	}
	return s.align()
}

// orStream performs a lazy k-way merge, summing scores for children
// that agree on the smallest buffered id.
type orStream struct {
	children []Stream
	heads    []uint64
	valid    []bool
	started  bool
	cur      uint64
	score    float64
}

func newOrStream(children []Stream) *orStream {
	return &orStream{
		children: children,
		heads:    make([]uint64, len(children)),
		valid:    make([]bool, len(children)),
	}
}

func (s *orStream) fill(i int) {
	if s.valid[i] {
		return
	}
	if s.children[i].Next() {
		s.heads[i] = s.children[i].Value()
		s.valid[i] = true
	}
}

func (s *orStream) ensureStarted() {
	if s.started {
		return
	}
	s.started = true
	for i := range s.children {
		s.fill(i)
	}
}

func (s *orStream) selectMin() bool {
	var min uint64
	found := false
	for i := range s.children {
		if s.valid[i] && (!found || s.heads[i] < min) {
			min = s.heads[i]
			found = true
		}
	}
	if !found {
		return false
	}
	var score float64
	for i := range s.children {
		if s.valid[i] && s.heads[i] == min {
			score += s.children[i].Score()
			s.valid[i] = false
			s.fill(i)
		}
	}
	s.cur = min
	s.score = score
	return true
}

func (s *orStream) Next() bool {
	s.ensureStarted()
	return s.selectMin()
}

func (s *orStream) NextValue(min uint64) bool {
	s.ensureStarted()
	for i := range s.children {
		if s.valid[i] && s.heads[i] < min {
			if s.children[i].NextValue(min) {
				s.heads[i] = s.children[i].Value()
			} else {
				s.valid[i] = false
			}
		}
	}
	return s.selectMin()
}

func (s *orStream) Value() uint64 { return s.cur }
func (s *orStream) Score() float64 { return s.score }
