package filter

import (
	"math"
	"strings"
	"unicode"
)

// Tokenize splits text into lower-cased runs of at least two word
// characters (letters, digits, marks and underscore)
func Tokenize(text string) []string {
	var (
		tokens []string
		run    []rune
	)
	flush := func() {
		if len(run) >= 2 {
			tokens = append(tokens, strings.ToLower(string(run)))
		}
		run = run[:0]
	}

	for _, r := range text {
		if isWordRune(r) {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsNumber(r) || unicode.IsMark(r)
}

// CosineSimilarity compares two documents by the cosine of their TF-IDF
// vectors, fitted on the two-document corpus {a, b} with smoothed idf and
// L2-normalized rows. Documents without tokens have similarity 0.
func CosineSimilarity(a, b string) float64 {
	docs := [2]map[string]float64{termCounts(Tokenize(a)), termCounts(Tokenize(b))}
	if len(docs[0]) == 0 || len(docs[1]) == 0 {
		return 0
	}

	df := make(map[string]int)
	for _, doc := range docs {
		for term := range doc {
			df[term]++
		}
	}

	n := float64(len(docs))
	var vecs [2]map[string]float64
	for i, doc := range docs {
		vec := make(map[string]float64, len(doc))
		var norm float64
		for term, tf := range doc {
			w := tf * (math.Log((1+n)/(1+float64(df[term]))) + 1)
			vec[term] = w
			norm += w * w
		}
		norm = math.Sqrt(norm)
		for term := range vec {
			vec[term] /= norm
		}
		vecs[i] = vec
	}

	var dot float64
	for term, w := range vecs[0] {
		dot += w * vecs[1][term]
	}
	return dot
}

func termCounts(tokens []string) map[string]float64 {
	counts := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}
