// Package prefilter provides Aho-Corasick based multi-pattern matching used
// by the index pipeline stage to find student/question header markers and
// rubric citation keywords across a page's OCR text in one pass.
//
// This package uses a forked version of pgavlin/aho-corasick with
// ByteEquivalence support for custom byte transformations during matching.
package prefilter

import (
	"github.com/praetorian-labs/gradeflow/internal/ahocorasick"
)

// Prefilter provides efficient multi-pattern matching using Aho-Corasick.
type Prefilter struct {
	ac       ahocorasick.AhoCorasick
	patterns []string
	// labelMap maps pattern indices to caller-defined labels (optional),
	// e.g. a student ID or a rubric scoring-point ID.
	labelMap map[int]string
}

// ByteEquivalence defines a function that returns equivalent bytes for
// matching, letting a keyword match case-insensitively or across OCR
// substitution artifacts.
type ByteEquivalence = func(byte) []byte

// New creates a Prefilter with the given keywords and optional byte
// equivalence transform. If equiv is nil, standard exact matching is used.
func New(keywords []string, equiv ByteEquivalence) *Prefilter {
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		ByteEquivalence: equiv,
		MatchKind:       ahocorasick.LeftMostLongestMatch,
	})

	return &Prefilter{
		ac:       builder.Build(keywords),
		patterns: keywords,
	}
}

// NewWithLabelMapping creates a Prefilter that maps groups of keywords to a
// caller-defined label, e.g. header keywords per student ID or per rubric
// scoring point. The mapping allows MatchedLabels to report which labels
// apply to a page.
func NewWithLabelMapping(labelKeywords map[string][]string, equiv ByteEquivalence) *Prefilter {
	var allKeywords []string
	labelMap := make(map[int]string)

	for label, keywords := range labelKeywords {
		for _, kw := range keywords {
			labelMap[len(allKeywords)] = label
			allKeywords = append(allKeywords, kw)
		}
	}

	pf := New(allKeywords, equiv)
	pf.labelMap = labelMap
	return pf
}

// Match returns all keywords that match in the given text.
func (p *Prefilter) Match(text string) []string {
	var matches []string
	seen := make(map[int]bool)

	for match := range ahocorasick.Iter(p.ac, text) {
		patternIdx := match.Pattern()
		if !seen[patternIdx] {
			seen[patternIdx] = true
			matches = append(matches, p.patterns[patternIdx])
		}
	}

	return matches
}

// MatchedPatternIndices returns the indices of patterns that match in the text.
func (p *Prefilter) MatchedPatternIndices(text string) []int {
	var indices []int
	seen := make(map[int]bool)

	for match := range ahocorasick.Iter(p.ac, text) {
		patternIdx := match.Pattern()
		if !seen[patternIdx] {
			seen[patternIdx] = true
			indices = append(indices, patternIdx)
		}
	}

	return indices
}

// MatchedLabels returns the labels that have at least one keyword match.
// Requires the Prefilter to be created with NewWithLabelMapping.
func (p *Prefilter) MatchedLabels(text string) []string {
	if p.labelMap == nil {
		return nil
	}

	seen := make(map[string]bool)
	var labels []string

	for match := range ahocorasick.Iter(p.ac, text) {
		label, ok := p.labelMap[match.Pattern()]
		if ok && !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
	}

	return labels
}

// HasMatch returns true if any keyword matches the text. Faster than Match
// when the caller only needs to know whether a page carries a boundary
// marker at all.
func (p *Prefilter) HasMatch(text string) bool {
	for range ahocorasick.Iter(p.ac, text) {
		return true
	}
	return false
}
