// Package matcher scores a transcript against the candidate commands of a
// tenant and selects the single best match.
//
// Scoring is a normalised Levenshtein similarity computed on runes:
//
//	similarity(a, b) = (maxLen - levenshtein(a, b)) / maxLen
//
// where maxLen is the rune length of the longer string. Two empty strings are
// identical (similarity 1). Both sides are lower-cased first and nothing
// else; whitespace and punctuation count as edits. A command's
// score is the best similarity over its canonical text and variations, and it
// is only eligible when that score reaches its own MinConfidence.
//
// Among eligible commands the strictly greatest score wins. Candidates are
// visited in ascending ID order and the current best is only replaced by a
// strictly higher score, so ties always go to the lower ID.
package matcher

import (
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MrWong99/sesli/internal/command"
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithCaseLanguage sets the language whose case mapping rules are used when
// lower-casing. Default: Turkish, so that "İ" folds to "i" and "I" to "ı".
func WithCaseLanguage(tag language.Tag) Option {
	return func(m *Matcher) {
		m.caseTag = tag
	}
}

// Matcher selects the best command for a transcript. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	caseTag language.Tag
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{caseTag: language.Turkish}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Result is the outcome of [Matcher.Match]. Command is nil when no candidate
// reached its threshold, in which case Confidence is 0.
type Result struct {
	Command    *command.Command
	Confidence float64
}

// Matched reports whether a command was selected.
func (r Result) Matched() bool { return r.Command != nil }

// Match scores transcript against every candidate and returns the best
// eligible one. candidates is not modified; a sorted copy is iterated.
func (m *Matcher) Match(transcript string, candidates []command.Command) Result {
	// cases.Caser is stateful; one per call keeps Match goroutine-safe.
	lower := cases.Lower(m.caseTag)
	input := normalize(lower, transcript)

	ordered := command.SortCandidates(append([]command.Command(nil), candidates...))

	var (
		best      *command.Command
		bestScore float64
	)
	for i := range ordered {
		c := &ordered[i]
		score := m.scoreCommand(lower, input, c)
		if score < c.MinConfidence {
			continue
		}
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}

	if best == nil {
		return Result{}
	}
	return Result{Command: best, Confidence: bestScore}
}

// Score returns the best similarity between transcript and any phrase of c,
// ignoring c's threshold.
func (m *Matcher) Score(transcript string, c *command.Command) float64 {
	lower := cases.Lower(m.caseTag)
	return m.scoreCommand(lower, normalize(lower, transcript), c)
}

func (m *Matcher) scoreCommand(lower cases.Caser, input string, c *command.Command) float64 {
	best := Similarity(input, normalize(lower, c.CommandText))
	for _, v := range c.Variations {
		if s := Similarity(input, normalize(lower, v)); s > best {
			best = s
		}
	}
	return best
}

// Similarity returns the normalised Levenshtein similarity of a and b in
// [0, 1]. The inputs are compared as given; callers normalise case.
func Similarity(a, b string) float64 {
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1.0
	}
	dist := matchr.Levenshtein(a, b)
	return float64(maxLen-dist) / float64(maxLen)
}

func normalize(lower cases.Caser, s string) string {
	return lower.String(s)
}
