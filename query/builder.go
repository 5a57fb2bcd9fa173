package query

// TermEq builds a Term node with Eq and boost 1.
func TermEq(field string, value any) *Term {
	return &Term{Field: field, Value: value, Op: Eq, Boost: 1}
}

// TermEqBoost builds a Term node with Eq and an explicit boost.
func TermEqBoost(field string, value any, boost float64) *Term {
	return &Term{Field: field, Value: value, Op: Eq, Boost: boost}
}

// TermNotEq builds a Term node with NotEq and boost 1.
func TermNotEq(field string, value any) *Term {
	return &Term{Field: field, Value: value, Op: NotEq, Boost: 1}
}

// BetweenRange builds a Between node with the given bound inclusivity and
// boost 1; pass nil for an unbounded side.
func BetweenRange(field string, low any, lowInclusive bool, high any, highInclusive bool) *Between {
	return &Between{Field: field, Low: low, LowInclusive: lowInclusive, High: high, HighInclusive: highInclusive, Boost: 1}
}

// In builds an InList node with boost 1.
func In(field string, values ...any) *InList {
	return &InList{Field: field, Values: values, Boost: 1}
}

// PhraseMatch builds a Phrase node.
func PhraseMatch(field, value string, slop int) *Phrase {
	return &Phrase{Field: field, Value: value, Slop: slop, Boost: 1}
}

// TextMatch builds a Text node with boost 1.
func TextMatch(field, value string, op TextOp) *Text {
	return &Text{Field: field, Value: value, Operator: op, Boost: 1}
}

// TextMatchBoost builds a Text node with an explicit boost.
func TextMatchBoost(field, value string, op TextOp, boost float64) *Text {
	return &Text{Field: field, Value: value, Operator: op, Boost: boost}
}

// AndNodes combines left and right with And.
func AndNodes(left, right Node) *Logical {
	return &Logical{Left: left, Right: right, Op: And}
}

// OrNodes combines left and right with Or.
func OrNodes(left, right Node) *Logical {
	return &Logical{Left: left, Right: right, Op: Or}
}

// NewSearch builds a root Search node.
func NewSearch(projection []string, q Node, orderBy []SortField, offset, count int) *Search {
	return &Search{Projection: projection, Query: q, OrderBy: orderBy, Limit: Limit{Offset: offset, Count: count}}
}
