package lexicon

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/aurelay/aurelay/internal/lexicon/phonetic"
	"github.com/aurelay/aurelay/pkg/types"
)

// Correction records a single span replacement applied to a transcript.
type Correction struct {
	// Original is the text span as the recognizer produced it.
	Original string
	// Corrected is the vocabulary term that replaced it.
	Corrected string
	// Confidence is the match score in [0,1].
	Confidence float64
}

// Corrector rewrites likely mis-transcriptions of known vocabulary terms
// in final transcripts. The vocabulary can be swapped at any time — for
// example when a session reconfigures its keyword list — without blocking
// in-flight corrections.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   atomic.Pointer[phonetic.Vocabulary]
	logger  *slog.Logger
}

// NewCorrector builds a Corrector over the given terms. A nil logger
// defaults to slog.Default.
func NewCorrector(terms []string, logger *slog.Logger, opts ...phonetic.Option) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Corrector{
		matcher: phonetic.New(opts...),
		logger:  logger,
	}
	c.vocab.Store(phonetic.Prepare(terms))
	return c
}

// SetVocabulary replaces the term set. Corrections already in progress
// finish against the vocabulary they started with.
func (c *Corrector) SetVocabulary(terms []string) {
	c.vocab.Store(phonetic.Prepare(terms))
}

// Vocabulary returns the current term set.
func (c *Corrector) Vocabulary() []string {
	return c.vocab.Load().Terms()
}

// Correct scans the transcript text for token windows that phonetically
// match a vocabulary term and replaces them with the term's canonical
// spelling. Longer windows are tried first so split compounds fuse;
// punctuation and spacing outside replaced spans are preserved. The
// transcript's word timings are returned untouched — corrected spans no
// longer align with recognizer word boundaries.
func (c *Corrector) Correct(t types.Transcript) (types.Transcript, []Correction) {
	vocab := c.vocab.Load()
	if vocab.Len() == 0 || t.Text == "" {
		return t, nil
	}

	spans := wordSpans(t.Text)
	if len(spans) == 0 {
		return t, nil
	}

	// One extra token of window beyond the longest term lets a split
	// compound inside a phrase still fuse ("any cast relay").
	maxN := vocab.MaxWords() + 1
	if maxN > len(spans) {
		maxN = len(spans)
	}

	var (
		corrections []Correction
		b           strings.Builder
		cursor      int // byte offset into t.Text already emitted
	)

	for i := 0; i < len(spans); {
		window, conf, n := c.matchAt(t.Text, spans, i, maxN, vocab)
		if n == 0 {
			i++
			continue
		}

		start := spans[i].start
		end := spans[i+n-1].end
		original := t.Text[start:end]

		b.WriteString(t.Text[cursor:start])
		b.WriteString(window)
		cursor = end

		corrections = append(corrections, Correction{
			Original:   original,
			Corrected:  window,
			Confidence: conf,
		})
		i += n
	}

	if corrections == nil {
		return t, nil
	}
	b.WriteString(t.Text[cursor:])

	out := t
	out.Text = b.String()
	c.logger.Debug("transcript vocabulary corrections applied",
		slog.Int("count", len(corrections)),
		slog.String("text", out.Text))
	return out, corrections
}

// matchAt tries token windows starting at position i, widest first.
// It returns the replacement term, its confidence, and the number of
// tokens consumed; n == 0 means no window matched.
//
// A multi-token window is accepted only when it outscores both of its
// edge sub-windows. Otherwise a term like "Kubernetes" could swallow an
// unrelated neighbouring word just because the window still clears the
// threshold.
func (c *Corrector) matchAt(text string, spans []span, i, maxN int, vocab *phonetic.Vocabulary) (term string, conf float64, n int) {
	for n = min(maxN, len(spans)-i); n >= 1; n-- {
		// Multi-token windows only span plain whitespace; a comma or
		// bracket between words breaks the run.
		if n > 1 && !whitespaceSeparated(text, spans, i, i+n-1) {
			continue
		}
		window := lowerJoined(text, spans[i:i+n])
		if exactTerm(window, vocab) {
			// Already the canonical spelling; consume without rewriting.
			return "", 0, 0
		}
		corrected, score, ok := c.matcher.MatchVocabulary(window, vocab)
		if !ok {
			continue
		}
		if n > 1 && c.edgeSubwindowScore(text, spans, i, n, vocab) >= score {
			continue
		}
		return corrected, score, n
	}
	return "", 0, 0
}

// edgeSubwindowScore returns the best score achieved by the two (n-1)-token
// windows obtained by dropping the first or last token.
func (c *Corrector) edgeSubwindowScore(text string, spans []span, i, n int, vocab *phonetic.Vocabulary) float64 {
	var best float64
	if _, score, ok := c.matcher.MatchVocabulary(lowerJoined(text, spans[i:i+n-1]), vocab); ok && score > best {
		best = score
	}
	if _, score, ok := c.matcher.MatchVocabulary(lowerJoined(text, spans[i+1:i+n]), vocab); ok && score > best {
		best = score
	}
	return best
}

// exactTerm reports whether the window already equals a vocabulary term,
// ignoring case.
func exactTerm(window string, vocab *phonetic.Vocabulary) bool {
	for _, t := range vocab.Terms() {
		if strings.EqualFold(window, t) {
			return true
		}
	}
	return false
}
