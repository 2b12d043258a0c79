// Package match scans extracted gazette text against company search
// variants and produces scored occurrence candidates.
//
// Matching is deliberately plain substring search, not fuzzy or regex
// scoring: gazette text mentions companies by exact registered name, tax ID
// or term, and false positives are cheaper to review than misses are to
// explain.
package match

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultContextChars is the width of the context window around a hit.
const DefaultContextChars = 200

// Reliability labels for candidates relative to the target's confidence
// threshold. Suspeito hits wait for human review before anyone is notified.
const (
	ReliabilityAlta     = "alta"
	ReliabilitySuspeito = "suspeito"
)

// Target is one company to scan for, reduced to what the matcher needs.
type Target struct {
	CompanyID     string
	Variants      []Variant
	MinConfidence float64
}

// Candidate is one scored hit of a target inside the text.
type Candidate struct {
	CompanyID   string
	Kind        Kind
	Term        string
	Context     string
	Start       int // byte offset into the scanned text
	End         int
	Page        int
	Score       float64
	Reliability string // "alta" or "suspeito"
}

// Matcher scans full text against a set of targets.
type Matcher struct {
	contextChars int
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithContextChars overrides the context window width.
func WithContextChars(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.contextChars = n
		}
	}
}

// New creates a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{contextChars: DefaultContextChars}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match scans fullText for every target's variants and returns the deduped
// candidate set. Candidate offsets index fullText. pageOffsets holds the
// starting byte offset of each page in ascending order (first entry 0).
// The result order is not a contract.
//
// Empty text yields an empty result. Targets with no variants are skipped.
func (m *Matcher) Match(fullText string, pageOffsets []int, targets []Target) []Candidate {
	if fullText == "" {
		return nil
	}
	folded := foldText(fullText)

	var all []Candidate
	for _, t := range targets {
		if len(t.Variants) == 0 {
			continue
		}
		hits := m.scanTarget(fullText, folded, pageOffsets, t)
		all = append(all, hits...)
	}
	return all
}

// foldedText is a lowercased copy of a source string plus the byte-offset
// map back into it. Lowercasing can change a rune's encoded length
// (U+0130 "İ" shrinks to a 1-byte "i", U+023A "Ⱥ" grows to a 3-byte "ⱥ"),
// so an index into the lowered copy cannot be used on the source directly.
type foldedText struct {
	lower string
	// back[i] is the source offset of the rune that produced lower[i];
	// back[len(lower)] is len(source).
	back []int
}

func foldText(s string) foldedText {
	var b strings.Builder
	b.Grow(len(s))
	back := make([]int, 0, len(s)+1)
	for i, r := range s {
		lr := unicode.ToLower(r)
		for n := utf8.RuneLen(lr); n > 0; n-- {
			back = append(back, i)
		}
		b.WriteRune(lr)
	}
	back = append(back, len(s))
	return foldedText{lower: b.String(), back: back}
}

// scanTarget finds all variant hits for one target and collapses
// overlapping spans, keeping the highest-scoring kind. Hits are located in
// the lowered copy and mapped back to source offsets.
func (m *Matcher) scanTarget(text string, folded foldedText, pageOffsets []int, t Target) []Candidate {
	var hits []Candidate
	for _, v := range t.Variants {
		needle := strings.ToLower(v.Term)
		if needle == "" {
			continue
		}
		for from := 0; ; {
			i := strings.Index(folded.lower[from:], needle)
			if i < 0 {
				break
			}
			li := from + i
			start := folded.back[li]
			end := folded.back[li+len(needle)]
			score := Score(v.Kind)
			rel := ReliabilityAlta
			if score < t.MinConfidence {
				rel = ReliabilitySuspeito
			}
			hits = append(hits, Candidate{
				CompanyID:   t.CompanyID,
				Kind:        v.Kind,
				Term:        v.Term,
				Context:     contextWindow(text, start, end, m.contextChars),
				Start:       start,
				End:         end,
				Page:        PageFor(pageOffsets, start),
				Score:       score,
				Reliability: rel,
			})
			from = li + len(needle)
		}
	}
	return dedupeOverlaps(hits)
}

// dedupeOverlaps collapses same-company hits whose spans overlap, keeping
// the highest-scoring one. Input hits all belong to one company.
func dedupeOverlaps(hits []Candidate) []Candidate {
	if len(hits) < 2 {
		return hits
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Start != hits[j].Start {
			return hits[i].Start < hits[j].Start
		}
		return hits[i].Score > hits[j].Score
	})

	kept := hits[:1]
	for _, h := range hits[1:] {
		last := &kept[len(kept)-1]
		if h.Start < last.End { // overlapping span
			if h.Score > last.Score {
				*last = h
			} else if h.End > last.End && h.Score == last.Score {
				// Same score, longer span wins.
				*last = h
			}
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// PageFor resolves the 1-based page number for a byte offset via binary
// search over the ascending page start offsets. An empty offset list
// resolves to page 1.
func PageFor(pageOffsets []int, off int) int {
	if len(pageOffsets) == 0 {
		return 1
	}
	i := sort.SearchInts(pageOffsets, off+1)
	if i == 0 {
		return 1
	}
	return i
}

// contextWindow extracts ~width characters centered on [start,end), trimmed
// to word boundaries so the snippet never opens or closes mid-word.
func contextWindow(text string, start, end, width int) string {
	half := width / 2
	lo := start - half
	if lo < 0 {
		lo = 0
	}
	hi := end + half
	if hi > len(text) {
		hi = len(text)
	}

	// Advance lo to the next word boundary unless already at one.
	if lo > 0 {
		for lo < start && text[lo] != ' ' && text[lo] != '\n' {
			lo++
		}
	}
	// Retreat hi to the previous word boundary unless already at one.
	if hi < len(text) {
		for hi > end && text[hi-1] != ' ' && text[hi-1] != '\n' {
			hi--
		}
	}
	return strings.TrimSpace(text[lo:hi])
}
