// Package turn decides when a conversational turn begins and ends, and
// stamps provider transcripts with session turn IDs.
//
// Two collaborating pieces: [Detector] fuses acoustic VAD edges with
// text-level cues to produce end-of-turn decisions, and [Fuser] owns the
// turn ID sequence, enforcing single-final-per-turn across providers that
// disagree about transcript mutability.
//
// Both types are driven exclusively by the session's state-machine
// goroutine and hold no locks; the only concurrent surface is the dropped
// revision counter, which is an atomic.
package turn

import (
	"strings"
	"time"

	"github.com/aurelay/aurelay/pkg/provider/vad"
	"github.com/aurelay/aurelay/pkg/types"
)

// Edge is an acoustic boundary reported by Observe.
type Edge int

const (
	// EdgeNone: no boundary crossed in this frame.
	EdgeNone Edge = iota

	// EdgeSpeechStarted: the user started speaking.
	EdgeSpeechStarted

	// EdgeSpeechEnded: the VAD committed to end-of-speech.
	EdgeSpeechEnded
)

// DetectorConfig tunes end-of-turn detection.
type DetectorConfig struct {
	// SilenceHold is how long speech must stay ended before the turn
	// closes on silence alone. Default: 600ms.
	SilenceHold time.Duration

	// TextHold is the shortened hold applied when the latest transcript
	// text already reads as a completed sentence. Default: SilenceHold/2.
	TextHold time.Duration

	// MaxTurnDuration force-closes a turn that never goes quiet (e.g. a
	// television in the background). Zero disables the guard.
	MaxTurnDuration time.Duration
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.SilenceHold <= 0 {
		c.SilenceHold = 600 * time.Millisecond
	}
	if c.TextHold <= 0 {
		c.TextHold = c.SilenceHold / 2
	}
	return c
}

// Detector fuses VAD edges and transcript text into end-of-turn decisions.
// It never mutates audio; it only observes. Not safe for concurrent use —
// the session driver owns it.
type Detector struct {
	cfg DetectorConfig

	speechActive  bool
	speechSince   time.Time
	silenceSince  time.Time
	everSpoke     bool
	textCompleted bool
}

// NewDetector creates a Detector with the given configuration.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Observe feeds one VAD event and reports any boundary crossed.
func (d *Detector) Observe(ev vad.VADEvent, now time.Time) Edge {
	switch ev.Type {
	case vad.VADSpeechStart:
		if !d.speechActive {
			d.speechActive = true
			d.everSpoke = true
			d.speechSince = now
			d.textCompleted = false
			return EdgeSpeechStarted
		}
	case vad.VADSpeechContinue:
		if !d.speechActive {
			// Continue without a start edge — engine resumed mid-stream.
			d.speechActive = true
			d.everSpoke = true
			d.speechSince = now
			return EdgeSpeechStarted
		}
	case vad.VADSpeechEnd:
		if d.speechActive {
			d.speechActive = false
			d.silenceSince = now
			return EdgeSpeechEnded
		}
	case vad.VADSilence:
		if d.speechActive {
			// Treated like an end edge if the engine skipped it.
			d.speechActive = false
			d.silenceSince = now
			return EdgeSpeechEnded
		}
	}
	return EdgeNone
}

// ObservePartial feeds the latest transcript hypothesis. Text that reads
// as a completed sentence shortens the silence hold.
func (d *Detector) ObservePartial(text string) {
	d.textCompleted = readsCompleted(text)
}

// SpeechActive reports whether the user is currently speaking.
func (d *Detector) SpeechActive() bool { return d.speechActive }

// EndOfTurn reports whether the open turn should close now, and why.
// Callers poll it on a timer while a turn is open.
func (d *Detector) EndOfTurn(now time.Time) (types.TurnCause, bool) {
	if !d.everSpoke {
		return "", false
	}
	if d.speechActive {
		if d.cfg.MaxTurnDuration > 0 && now.Sub(d.speechSince) >= d.cfg.MaxTurnDuration {
			return types.CauseVADSilence, true
		}
		return "", false
	}
	quiet := now.Sub(d.silenceSince)
	if d.textCompleted && quiet >= d.cfg.TextHold {
		return types.CauseVADEndOfTurn, true
	}
	if quiet >= d.cfg.SilenceHold {
		return types.CauseVADSilence, true
	}
	return "", false
}

// Reset clears all detection state for the next turn.
func (d *Detector) Reset() {
	d.speechActive = false
	d.everSpoke = false
	d.textCompleted = false
	d.speechSince = time.Time{}
	d.silenceSince = time.Time{}
}

// readsCompleted reports whether text looks like a finished sentence:
// non-empty and ending in terminal punctuation, with trailing-off ellipses
// excluded.
func readsCompleted(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…") {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	// Terminal punctuation in CJK scripts.
	switch {
	case strings.HasSuffix(t, "。"), strings.HasSuffix(t, "！"), strings.HasSuffix(t, "？"):
		return true
	}
	return false
}
