// Package filter drops transcripts that match known recognizer
// hallucinations, such as subtitle credits emitted over silence.
package filter

import (
	"strings"

	"github.com/zhiheng-yu/transcriptor/internal/config"
)

// Stage names the check that rejected a transcript
type Stage string

const (
	StageLiteral    Stage = "literal"
	StageSimilarity Stage = "similarity"
)

// Match describes why text was dropped. The zero value means it was kept.
type Match struct {
	Stage      Stage
	Phrase     string
	Similarity float64 // similarity stage only
}

// Matched reports whether the text was dropped
func (m Match) Matched() bool {
	return m.Stage != ""
}

// Filter applies the literal and similarity stages in order
type Filter struct {
	enable    bool
	literal   []string
	similar   []string
	threshold float64
}

// New creates a filter. Empty phrase lists fall back to the defaults.
func New(cfg config.Filter) *Filter {
	literal := cfg.LiteralPhrases
	if len(literal) == 0 {
		literal = config.DefaultLiteralPhrases
	}
	similar := cfg.SimilarityPhrases
	if len(similar) == 0 {
		similar = config.DefaultSimilarityPhrases
	}
	return &Filter{
		enable:    cfg.Enable,
		literal:   literal,
		similar:   similar,
		threshold: cfg.SimilarityThreshold,
	}
}

// Clean returns text unchanged, or the empty string with the match that
// rejected it. Evaluation stops at the first match.
func (f *Filter) Clean(text string) (string, Match) {
	if !f.enable || text == "" {
		return text, Match{}
	}

	for _, phrase := range f.literal {
		if phrase != "" && strings.Contains(text, phrase) {
			return "", Match{Stage: StageLiteral, Phrase: phrase}
		}
	}

	for _, phrase := range f.similar {
		if sim := CosineSimilarity(phrase, text); sim > f.threshold {
			return "", Match{Stage: StageSimilarity, Phrase: phrase, Similarity: sim}
		}
	}

	return text, Match{}
}
