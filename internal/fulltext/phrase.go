package fulltext

import "github.com/cubeflow-ai/calmcore/internal/analyzer"

// phraseFilter is the greedy phrase matcher: starting from each
// position of the first token, walk the remaining tokens in order
// requiring actual-expected ∈ [-slop, +slop], where expected advances by
// the gap between consecutive tokens' Index (so dropped stopwords or
// synonym substitutions don't shift the expected offset). A document
// matches if any starting position completes the full chain.
func phraseFilter(tokens []analyzer.Token, offsets map[string][]uint32, slop int) bool {
	if slop < 0 || len(tokens) <= 1 {
		return true
	}

	for _, t := range tokens {
		if len(offsets[t.Text]) == 0 {
			return false
		}
	}

	first := offsets[tokens[0].Text]

outer:
	for _, start := range first {
		lastPos := int(start)
		for i := 0; i+1 < len(tokens); i++ {
			cur, next := tokens[i], tokens[i+1]
			expected := lastPos + (next.Index - cur.Index)
			lo, hi := expected-slop, expected+slop

			found := false
			for _, pos := range offsets[next.Text] {
				p := int(pos)
				if p >= lo && p <= hi {
					lastPos = p
					found = true
					break
				}
			}
			if !found {
				continue outer
			}
		}
		return true
	}
	return false
}
