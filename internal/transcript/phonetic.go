package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// matcher finds the vocabulary entry most phonetically similar to a spoken
// word or phrase. Candidate filtering uses Double Metaphone code overlap;
// ranking uses Jaro-Winkler similarity on the original strings. When no
// phonetic candidate exists, a pure similarity pass with a higher threshold
// catches plain misspellings.
//
// Read-only after construction; safe for concurrent use.
type matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// match returns the best vocabulary entry for word, its similarity score and
// whether anything cleared the thresholds. word may be a space-separated
// n-gram; multi-word vocabulary entries are compared token-pairwise as well
// as whole.
func (m *matcher) match(word string, vocabulary []string) (corrected string, confidence float64, matched bool) {
	if len(vocabulary) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		entry    string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, entry := range vocabulary {
		entryLower := strings.ToLower(strings.TrimSpace(entry))
		if entryLower == "" {
			continue
		}
		entryTokens := strings.Fields(entryLower)

		phoneticMatch := codesOverlap(inputCodes, codesForTokens(entryTokens))
		score := bestSimilarity(wordTokens, entryTokens, wordLower, entryLower)

		if phoneticMatch {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{entry: entry, score: score, phonetic: true}
			}
		} else if !best.phonetic && score >= m.fuzzyThreshold && score > best.score {
			best = candidate{entry: entry, score: score, phonetic: false}
		}
	}

	if best.entry != "" {
		return best.entry, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of Double Metaphone codes for the tokens.
// Empty codes (too-short or vowel-only words) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestSimilarity computes the highest Jaro-Winkler score across three
// comparison strategies: full strings, space-stripped strings, and the best
// pairwise token score. The latter two handle word-boundary mismatches
// between what was spoken and how the vocabulary entry is written.
//
// The pairwise pass only applies to multi-word entries; for a one-word entry
// it would let a single token inside a longer window claim the whole span.
func bestSimilarity(inputTokens, entryTokens []string, inputFull, entryFull string) float64 {
	score := matchr.JaroWinkler(inputFull, entryFull, false)

	if len(inputTokens) > 1 || len(entryTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(entryTokens, ""), false); s > score {
			score = s
		}
	}

	if len(entryTokens) > 1 {
		for _, it := range inputTokens {
			for _, et := range entryTokens {
				if s := matchr.JaroWinkler(it, et, false); s > score {
					score = s
				}
			}
		}
	}

	return score
}
