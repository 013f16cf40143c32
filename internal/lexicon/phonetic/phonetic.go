// Package phonetic matches mis-transcribed words against a known
// vocabulary using Double Metaphone phonetic encoding combined with
// Jaro-Winkler string similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed
//     for the input and for each vocabulary term. A term becomes a
//     phonetic candidate when its codes overlap the input's. For a
//     multi-word input matched against a single-word term (a split
//     compound like "any cast" → "Anycast"), the input's words are
//     concatenated before encoding, so only windows that fuse into the
//     term's phonetic shape qualify — a window that merely contains one
//     similar word does not.
//
//  2. Jaro-Winkler ranking: Among phonetic candidates, the term with the
//     highest similarity (computed case-insensitively on the full string
//     and on the space-stripped string, whichever is higher) is selected —
//     provided its score exceeds the configurable phonetic threshold.
//
//     When no phonetic candidate is found, the same similarity is tested
//     against a higher fuzzy threshold (default 0.85).
//
// Multi-word terms (e.g., "Anycast Relay") are supported and only ever
// replace multi-word input windows; a lone word is never inflated into a
// phrase.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks vocabulary terms against input phrases. All methods are
// safe for concurrent use — the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Vocabulary is a precomputed term set. Preparing it once amortizes the
// Double Metaphone encoding across every window comparison in a
// transcript scan. A Vocabulary is immutable after construction and safe
// to share.
type Vocabulary struct {
	terms    []preparedTerm
	maxWords int
}

type preparedTerm struct {
	original   string
	lower      string
	concat     string
	tokens     []string
	tokenCodes map[string]struct{}
	fusedCodes map[string]struct{}
}

// Prepare builds a [Vocabulary] from raw terms. Blank terms are skipped.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{maxWords: 1}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		if len(tokens) > v.maxWords {
			v.maxWords = len(tokens)
		}
		concat := strings.Join(tokens, "")
		v.terms = append(v.terms, preparedTerm{
			original:   strings.TrimSpace(t),
			lower:      strings.Join(tokens, " "),
			concat:     concat,
			tokens:     tokens,
			tokenCodes: codesForTokens(tokens),
			fusedCodes: codesForTokens([]string{concat}),
		})
	}
	return v
}

// Len returns the number of prepared terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the word count of the longest term, minimum 1.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Terms returns the original term strings.
func (v *Vocabulary) Terms() []string {
	out := make([]string, len(v.terms))
	for i := range v.terms {
		out[i] = v.terms[i].original
	}
	return out
}

// Match attempts to find the term most phonetically similar to word.
// word may be a single word or a space-separated phrase (n-gram).
//
// When matched is false, corrected equals word unchanged and confidence
// is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchVocabulary(word, Prepare(terms))
}

// MatchVocabulary is [Match] against a precomputed [Vocabulary].
func (m *Matcher) MatchVocabulary(word string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	if v == nil || v.Len() == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	inputTokens := strings.Fields(strings.ToLower(strings.TrimSpace(word)))
	if len(inputTokens) == 0 {
		return word, 0, false
	}
	inputLower := strings.Join(inputTokens, " ")
	inputConcat := strings.Join(inputTokens, "")
	inputTokenCodes := codesForTokens(inputTokens)
	inputFusedCodes := codesForTokens([]string{inputConcat})

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}

	var best candidate

	for i := range v.terms {
		term := &v.terms[i]

		// A single input word never inflates into a multi-word phrase.
		if len(inputTokens) == 1 && len(term.tokens) > 1 {
			continue
		}

		phoneticMatch := m.codesAlign(inputTokens, inputTokenCodes, inputFusedCodes, term)
		jwScore := jwSimilarity(inputLower, inputConcat, term.lower, term.concat)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: term.original, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: term.original, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesAlign decides whether the input is a phonetic candidate for term.
// Word-for-word inputs may align on any shared token code; a multi-word
// input against a single-word term must fuse — its concatenation has to
// share a code with the term — so windows containing an unrelated
// neighbouring word do not qualify.
func (m *Matcher) codesAlign(inputTokens []string, tokenCodes, fusedCodes map[string]struct{}, term *preparedTerm) bool {
	if len(inputTokens) > 1 && len(term.tokens) == 1 {
		return codesOverlap(fusedCodes, term.fusedCodes)
	}
	return codesOverlap(tokenCodes, term.tokenCodes)
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
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

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
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

// jwSimilarity returns the higher of the full-string and space-stripped
// Jaro-Winkler scores, so "any cast relay" still scores 1.0 against
// "anycast relay". longTolerance is false for standard scoring.
func jwSimilarity(inputFull, inputConcat, termFull, termConcat string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)
	if inputConcat != inputFull || termConcat != termFull {
		if s := matchr.JaroWinkler(inputConcat, termConcat, false); s > score {
			score = s
		}
	}
	return score
}
