// Package analyzer turns field text into an ordered token stream:
// tokenize → drop stopwords → optional lowercase → optional stemming →
// synonym expansion (query side only).
package analyzer

import (
	"strings"

	"github.com/blevesearch/go-porterstemmer"
	"github.com/blevesearch/segment"
)

// Token is one entry in an analyzed stream. Index is the token's position
// within the document/query, monotonic except that a synonym inherits the
// index of the token it replaces.
type Token struct {
	Text  string
	Index int
}

// TokenizerKind selects the word-boundary algorithm.
type TokenizerKind int

const (
	// Standard splits on Unicode word boundaries (UAX #29), handling CJK
	// and punctuation the way a general text field needs.
	Standard TokenizerKind = iota
	// Whitespace splits on runs of whitespace only.
	Whitespace
)

// Filter is an optional analyzer stage, combined as a set.
type Filter int

const (
	FilterLowercase Filter = iota
	FilterStemmer
)

// Options configures an Analyzer; it is the Go-side equivalent of the
// source's FulltextOption proto message.
type Options struct {
	Tokenizer TokenizerKind
	Filters   []Filter
	Stopwords *Dict
	Synonyms  *Dict
}

type tokenizer interface {
	Tokenize(text string) []Token
}

// Analyzer implements the full analysis pipeline for one text field.
type Analyzer struct {
	tokenizer tokenizer
	lowercase bool
	stem      bool
	stopwords map[string]struct{}
	synonyms  map[string][]string
}

// Default returns the zero-configuration analyzer: standard tokenizer,
// lowercasing, no stemming, no stopwords, no synonyms.
func Default() *Analyzer {
	return &Analyzer{tokenizer: standardTokenizer{}, lowercase: true}
}

// New builds an Analyzer from Options, loading the stopword and synonym
// dictionaries if configured.
func New(opt Options) (*Analyzer, error) {
	var tz tokenizer
	switch opt.Tokenizer {
	case Whitespace:
		tz = whitespaceTokenizer{}
	default:
		tz = standardTokenizer{}
	}

	a := &Analyzer{tokenizer: tz}
	for _, f := range opt.Filters {
		switch f {
		case FilterLowercase:
			a.lowercase = true
		case FilterStemmer:
			a.stem = true
		}
	}

	stopwords, err := loadSet(opt.Stopwords)
	if err != nil {
		return nil, err
	}
	a.stopwords = stopwords

	synonyms, err := loadSynonyms(opt.Synonyms)
	if err != nil {
		return nil, err
	}
	a.synonyms = synonyms

	return a, nil
}

func (a *Analyzer) raw(text string) []Token {
	if a.lowercase {
		text = strings.ToLower(text)
	}
	return a.tokenizer.Tokenize(text)
}

func (a *Analyzer) stemmed(s string) string {
	if !a.stem {
		return s
	}
	return porterstemmer.StemString(s)
}

// AnalyzeIndex produces the token stream stored for a document:
// stopwords dropped, stemming applied, positions renumbered to the
// surviving tokens.
func (a *Analyzer) AnalyzeIndex(text string) []Token {
	raw := a.raw(text)
	out := make([]Token, 0, len(raw))
	for _, t := range raw {
		if _, skip := a.stopwords[t.Text]; skip {
			continue
		}
		t.Text = a.stemmed(t.Text)
		t.Index = len(out)
		out = append(out, t)
	}
	return out
}

// AnalyzeQuery produces the token stream for a query: like AnalyzeIndex,
// but a token with synonyms expands into one unstemmed entry per member
// of its synonym group (the original is emitted only if it is in that
// group), every expansion inheriting the matched token's index so phrase
// slop still lines up against the indexed stream; a token without
// synonyms is stemmed.
func (a *Analyzer) AnalyzeQuery(text string) []Token {
	raw := a.raw(text)
	out := make([]Token, 0, len(raw))
	i := 0
	for _, t := range raw {
		if _, skip := a.stopwords[t.Text]; skip {
			continue
		}
		if syns, ok := a.synonyms[t.Text]; ok {
			for _, s := range syns {
				out = append(out, Token{Text: s, Index: i})
			}
		} else {
			out = append(out, Token{Text: a.stemmed(t.Text), Index: i})
		}
		i++
	}
	return out
}

type standardTokenizer struct{}

func (standardTokenizer) Tokenize(text string) []Token {
	var tokens []Token
	segmenter := segment.NewWordSegmenterDirect([]byte(text))
	for segmenter.Segment() {
		typ := segmenter.Type()
		if typ == segment.None {
			continue
		}
		tokens = append(tokens, Token{Text: string(segmenter.Bytes())})
	}
	return tokens
}

type whitespaceTokenizer struct{}

func (whitespaceTokenizer) Tokenize(text string) []Token {
	fields := strings.Fields(text)
	tokens := make([]Token, len(fields))
	for i, f := range fields {
		tokens[i] = Token{Text: f}
	}
	return tokens
}
