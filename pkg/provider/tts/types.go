package tts

import (
	"encoding/hex"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/aurelay/aurelay/pkg/audio"
)

// Voice describes a synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age,
	// accent, etc.).
	Metadata map[string]string
}

// VoiceSettings is the numeric delivery triple consumed by providers whose
// emotion surface is parametric (ElevenLabs). All values are 0.0–1.0.
type VoiceSettings struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
}

// Request is a single synthesis request. Text arrives fully normalized —
// pronunciation replacements applied, SSML markup already woven in when
// SSML is set. The emotion fields are alternatives: the session's emotion
// mapper fills exactly the one matching the target provider's control
// surface and leaves the rest zero.
type Request struct {
	// Text is the content to speak.
	Text string

	// Flush commits the utterance. With Flush unset the provider may hold
	// the text and coalesce it with subsequent requests; a Flush request
	// commits everything held so far plus this text as one utterance.
	Flush bool

	// Voice selects the synthesis voice. The zero value inherits the
	// session's StreamConfig voice.
	Voice Voice

	// Format is the requested output audio format. The zero value inherits
	// the session's StreamConfig format.
	Format audio.Format

	// StyleDescription is a natural-language delivery hint of at most 100
	// characters, for providers that take free-text style prompts.
	StyleDescription string

	// Settings carries the numeric delivery triple, for parametric
	// providers. Nil when unused.
	Settings *VoiceSettings

	// SSML marks Text as SSML rather than plain text.
	SSML bool

	// Instructions is the delivery prompt for providers with an
	// instructions field (OpenAI speech API).
	Instructions string

	// Overrides passes provider-specific knobs straight through.
	Overrides map[string]string
}

// WithSessionDefaults returns a copy of r with zero Voice and Format fields
// filled from the session config. Sessions apply it at Speak entry so the
// fingerprint always covers the effective voice and format.
func (r Request) WithSessionDefaults(cfg StreamConfig) Request {
	if r.Voice.ID == "" && r.Voice.Provider == "" {
		r.Voice = cfg.Voice
	}
	if r.Format == (audio.Format{}) {
		r.Format = cfg.Format
	}
	return r
}

// Fingerprint is a 128-bit digest of a normalized Request, used to
// suppress duplicate synthesis of identical requests in close succession.
type Fingerprint [16]byte

// String returns the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Fingerprint digests every field that affects audible output. Two
// requests with equal fingerprints would synthesize identical audio.
func (r Request) Fingerprint() Fingerprint {
	h := fnv.New128a()
	sep := []byte{0x1f}

	write := func(s string) {
		h.Write([]byte(s))
		h.Write(sep)
	}
	writeFloat := func(v float64) {
		write(strconv.FormatFloat(v, 'g', -1, 64))
	}

	write(r.Text)
	write(r.Voice.Provider)
	write(r.Voice.ID)
	writeFloat(r.Voice.PitchShift)
	writeFloat(r.Voice.SpeedFactor)
	write(r.Format.String())
	write(r.StyleDescription)
	if r.Settings != nil {
		writeFloat(r.Settings.Stability)
		writeFloat(r.Settings.SimilarityBoost)
		writeFloat(r.Settings.Style)
	}
	write(strconv.FormatBool(r.SSML))
	write(r.Instructions)
	if len(r.Overrides) > 0 {
		keys := make([]string, 0, len(r.Overrides))
		for k := range r.Overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write(k)
			write(r.Overrides[k])
		}
	}

	var f Fingerprint
	h.Sum(f[:0])
	return f
}
