// Package summarizer produces short extractive summaries of ingested text.
package summarizer

import (
	"cmp"
	"math"
	"regexp"
	"slices"
	"strings"
)

// DefaultSentences is used when Summarize is asked for zero sentences.
const DefaultSentences = 3

var (
	wordRe     = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+`)
)

// Sentences splits text on terminal punctuation. Trailing text without
// punctuation becomes the last sentence.
func Sentences(text string) []string {
	var out []string
	rest := text
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[loc[0]:loc[1]]); s != "" {
			out = append(out, s)
		}
		rest = text[loc[1]:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// Words returns the lowercase words of text.
func Words(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// Summarizer ranks sentences by the normalised frequency of their
// non-stopword terms.
type Summarizer struct {
	stopwords map[string]struct{}
}

func New() *Summarizer {
	return &Summarizer{stopwords: stopwords()}
}

// Summarize returns up to n of the highest scoring sentences in their
// original order.
func (s *Summarizer) Summarize(text string, n int) string {
	if n <= 0 {
		n = DefaultSentences
	}
	sentences := Sentences(text)
	if len(sentences) <= n {
		return strings.Join(sentences, " ")
	}

	tokens := make([][]string, len(sentences))
	freq := map[string]float64{}
	var peak float64
	for i, sent := range sentences {
		tokens[i] = Words(sent)
		for _, tok := range tokens[i] {
			if _, stop := s.stopwords[tok]; stop {
				continue
			}
			freq[tok]++
			peak = max(peak, freq[tok])
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, toks := range tokens {
		var sum float64
		for _, tok := range toks {
			sum += freq[tok] / peak
		}
		if len(toks) > 0 {
			sum /= math.Sqrt(float64(len(toks)))
		}
		ranked[i] = scored{idx: i, score: sum}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	picked := make([]int, n)
	for i := range picked {
		picked[i] = ranked[i].idx
	}
	slices.Sort(picked)
	out := make([]string, n)
	for i, idx := range picked {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " ")
}

func stopwords() map[string]struct{} {
	words := strings.Fields(`a an the and or but if then else for to of in on at by with as is are
		was were be been being it its this that these those from up down over under again than so
		such into about between through during before after above below out off own same too very
		can will just should now not no we you they he she i our their his her`)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
