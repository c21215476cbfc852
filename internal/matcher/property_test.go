package matcher_test

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/matcher"
)

func newProperties() *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	return gopter.NewProperties(parameters)
}

func TestSimilarityProperties(t *testing.T) {
	properties := newProperties()

	properties.Property("similarity(a, a) == 1", prop.ForAll(
		func(a string) bool {
			return matcher.Similarity(a, a) == 1
		},
		gen.AnyString(),
	))

	properties.Property("similarity(a, \"\") == 0 for non-empty a", prop.ForAll(
		func(a string) bool {
			if a == "" {
				return true
			}
			return matcher.Similarity(a, "") == 0
		},
		gen.AnyString(),
	))

	properties.Property("similarity is symmetric", prop.ForAll(
		func(a, b string) bool {
			return matcher.Similarity(a, b) == matcher.Similarity(b, a)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("similarity is within [0, 1]", prop.ForAll(
		func(a, b string) bool {
			s := matcher.Similarity(a, b)
			return s >= 0 && s <= 1 && !math.IsNaN(s)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestMatchProperties(t *testing.T) {
	properties := newProperties()
	m := matcher.New()

	properties.Property("a command with min_confidence 0 always yields a match", prop.ForAll(
		func(transcript, text string) bool {
			cands := []command.Command{
				{ID: "cmd-1", CommandText: "bugünkü siparişleri göster", MinConfidence: 0.9},
				{ID: "cmd-2", CommandText: text, MinConfidence: 0},
			}
			return m.Match(transcript, cands).Matched()
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("match is independent of candidate order", prop.ForAll(
		func(transcript, x, y string) bool {
			a := command.Command{ID: "a", CommandText: x}
			b := command.Command{ID: "b", CommandText: y}
			r1 := m.Match(transcript, []command.Command{a, b})
			r2 := m.Match(transcript, []command.Command{b, a})
			return r1.Command.ID == r2.Command.ID && r1.Confidence == r2.Confidence
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("identical phrases tie to the lower id", prop.ForAll(
		func(transcript, text string) bool {
			cands := []command.Command{
				{ID: "cmd-9", CommandText: text},
				{ID: "cmd-1", CommandText: text},
			}
			return m.Match(transcript, cands).Command.ID == "cmd-1"
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
