package retriever

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Weights blends vector similarity with query term density.
type Weights struct {
	Similarity float64
	Terms      float64
}

// DefaultWeights is the 0.7/0.3 similarity/term blend.
var DefaultWeights = Weights{Similarity: 0.7, Terms: 0.3}

var errInvalidContent = errors.New("content is not valid UTF-8")

// queryTerms returns the distinct lowercase whitespace tokens of query in
// first-seen order.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]struct{}, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// termDensity is the fraction of terms contained in content.
func termDensity(terms []string, content string) (float64, error) {
	if !utf8.ValidString(content) {
		return 0, errInvalidContent
	}
	if len(terms) == 0 {
		return 0, nil
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms)), nil
}

// Score fuses a similarity with the term density of content. When content
// cannot be scored the similarity is returned unchanged with the error.
func (w Weights) Score(similarity float64, terms []string, content string) (float64, error) {
	density, err := termDensity(terms, content)
	if err != nil {
		return similarity, err
	}
	return w.Similarity*similarity + w.Terms*density, nil
}
