// Package lexicon handles the session's vocabulary on both sides of the
// pipeline: [Pronunciations] rewrites TTS input so providers speak domain
// terms correctly, and [Corrector] repairs STT output where providers
// mangle those same terms.
package lexicon

import (
	"strings"
	"unicode"
)

// Pronunciations is a deterministic word→replacement dictionary applied to
// synthesis text before it reaches a TTS provider. Matching is
// case-insensitive on whole words, scans left to right, and never
// overlaps: once a span is replaced the scan resumes after it. At each
// position the longest matching entry wins, so multi-word entries take
// precedence over their prefixes.
//
// Pronunciations is immutable after construction and safe for concurrent
// use.
type Pronunciations struct {
	entries  map[string]string
	maxWords int
}

// NewPronunciations builds the dictionary. Keys are matched
// case-insensitively; blank keys are dropped. Replacements are inserted
// verbatim.
func NewPronunciations(dict map[string]string) *Pronunciations {
	p := &Pronunciations{
		entries:  make(map[string]string, len(dict)),
		maxWords: 1,
	}
	for k, repl := range dict {
		key := strings.ToLower(strings.Join(strings.Fields(k), " "))
		if key == "" {
			continue
		}
		p.entries[key] = repl
		if n := strings.Count(key, " ") + 1; n > p.maxWords {
			p.maxWords = n
		}
	}
	return p
}

// Len returns the number of dictionary entries.
func (p *Pronunciations) Len() int { return len(p.entries) }

// Apply rewrites text, replacing every whole-word dictionary match.
// Punctuation and spacing around matches are preserved.
func (p *Pronunciations) Apply(text string) string {
	if len(p.entries) == 0 || text == "" {
		return text
	}

	words := wordSpans(text)
	if len(words) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0

	i := 0
	for i < len(words) {
		maxN := p.maxWords
		if i+maxN > len(words) {
			maxN = len(words) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			if n > 1 && !whitespaceSeparated(text, words, i, i+n-1) {
				continue
			}
			key := lowerJoined(text, words[i:i+n])
			repl, ok := p.entries[key]
			if !ok {
				continue
			}
			b.WriteString(text[cursor:words[i].start])
			b.WriteString(repl)
			cursor = words[i+n-1].end
			i += n
			matched = true
			break
		}
		if !matched {
			i++
		}
	}

	b.WriteString(text[cursor:])
	return b.String()
}

// span is a half-open byte range [start, end) of one word in the text.
type span struct {
	start, end int
}

// wordSpans returns the byte ranges of every word. A word is a maximal run
// of letters, digits, or apostrophes.
func wordSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			spans = append(spans, span{start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}

// whitespaceSeparated reports whether the gaps between words[from..to] are
// all whitespace, so the run can match a multi-word dictionary key.
func whitespaceSeparated(text string, words []span, from, to int) bool {
	for j := from; j < to; j++ {
		gap := text[words[j].end:words[j+1].start]
		if strings.TrimSpace(gap) != "" {
			return false
		}
	}
	return true
}

// lowerJoined returns the words joined with single spaces, lowercased.
func lowerJoined(text string, words []span) string {
	if len(words) == 1 {
		return strings.ToLower(text[words[0].start:words[0].end])
	}
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = text[w.start:w.end]
	}
	return strings.ToLower(strings.Join(parts, " "))
}
