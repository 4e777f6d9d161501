// Package transcript post-processes finalized speech-to-text output before
// it reaches the language model.
//
// Two concerns live here. The [Corrector] aligns misheard domain vocabulary
// (names, places, technical terms the session cares about) using phonetic
// matching, so "elder nacks" becomes "Eldrinax" before generation sees it.
// [NeedsClarification] is the confidence gate: transcripts the recognizer
// itself distrusts should trigger a clarification reply instead of a
// generated answer built on a guess.
package transcript

import (
	"strings"

	"github.com/parlovoice/parlo/pkg/provider/stt"
)

// DefaultConfidenceThreshold is the final-transcript confidence below which
// the session asks the user to repeat themselves rather than answering.
const DefaultConfidenceThreshold = 0.55

// Correction records one vocabulary substitution made by the Corrector.
type Correction struct {
	// Original is the token span as transcribed.
	Original string

	// Corrected is the vocabulary entry it was replaced with.
	Corrected string

	// Confidence is the similarity score of the match, in (0, 1].
	Confidence float64
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum similarity for phonetically-matched
// entries. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum similarity for the non-phonetic
// fallback pass. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.m.fuzzyThreshold = threshold }
}

// Corrector aligns transcript tokens against a session vocabulary.
// Safe for concurrent use; read-only after construction.
type Corrector struct {
	m matcher
}

// NewCorrector returns a Corrector with the supplied options.
func NewCorrector(opts ...Option) *Corrector {
	c := &Corrector{
		m: matcher{
			phoneticThreshold: defaultPhoneticThreshold,
			fuzzyThreshold:    defaultFuzzyThreshold,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct replaces misheard vocabulary in text. At each token position,
// n-gram windows from the longest vocabulary entry down to one token are
// tested; the longest accepted window wins, so multi-word entries take
// precedence over partial single-word matches.
func (c *Corrector) Correct(text string, vocabulary []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(vocabulary) == 0 {
		return text, nil
	}

	maxWindow := maxWordCount(vocabulary)
	if maxWindow == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		matchedWindow := 0
		for window := min(maxWindow, len(tokens)-i); window >= 1; window-- {
			span := strings.Join(tokens[i:i+window], " ")
			corrected, confidence, ok := c.m.match(span, vocabulary)
			if !ok || equalFold(span, corrected) {
				continue
			}
			out = append(out, corrected)
			corrections = append(corrections, Correction{
				Original:   span,
				Corrected:  corrected,
				Confidence: confidence,
			})
			matchedWindow = window
			break
		}
		if matchedWindow == 0 {
			out = append(out, tokens[i])
			i++
		} else {
			i += matchedWindow
		}
	}

	return strings.Join(out, " "), corrections
}

// NeedsClarification reports whether a finalized transcript is too uncertain
// to answer. A zero confidence means the backend supplied none; such
// transcripts are trusted rather than endlessly re-asked.
func NeedsClarification(t stt.Transcript, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if strings.TrimSpace(t.Text) == "" {
		return true
	}
	return t.Confidence > 0 && t.Confidence < threshold
}

func maxWordCount(vocabulary []string) int {
	maxWords := 0
	for _, v := range vocabulary {
		if n := len(strings.Fields(v)); n > maxWords {
			maxWords = n
		}
	}
	return maxWords
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
