// Package emotion maps a provider-neutral emotion configuration onto the
// rendering each TTS provider family actually accepts: a natural-language
// description (Hume-class), a voice-settings triple (ElevenLabs-class), an
// SSML express-as wrapper (Azure-class), or an instructions string
// (OpenAI-class). Providers without the emotion capability receive plain
// text; [WarnOnce] records that exactly once per (provider, emotion).
package emotion

import (
	"strconv"
	"strings"

	"github.com/aurelay/aurelay/pkg/provider"
)

// Emotion is a canonical emotion label. Provider-native vocabularies are
// derived from it at render time.
type Emotion string

const (
	Neutral   Emotion = "neutral"
	Happy     Emotion = "happy"
	Sad       Emotion = "sad"
	Angry     Emotion = "angry"
	Fearful   Emotion = "fearful"
	Disgusted Emotion = "disgusted"
	Surprised Emotion = "surprised"
	Excited   Emotion = "excited"
	Calm      Emotion = "calm"
	Whispered Emotion = "whispered"
)

// ParseEmotion maps a config string onto the canonical enum,
// case-insensitively. Unknown labels report ok=false and fall back to
// Neutral.
func ParseEmotion(s string) (e Emotion, ok bool) {
	switch Emotion(strings.ToLower(strings.TrimSpace(s))) {
	case Neutral:
		return Neutral, true
	case Happy:
		return Happy, true
	case Sad:
		return Sad, true
	case Angry:
		return Angry, true
	case Fearful:
		return Fearful, true
	case Disgusted:
		return Disgusted, true
	case Surprised:
		return Surprised, true
	case Excited:
		return Excited, true
	case Calm:
		return Calm, true
	case Whispered:
		return Whispered, true
	}
	return Neutral, false
}

// Valid reports whether e is one of the canonical labels.
func (e Emotion) Valid() bool {
	_, ok := ParseEmotion(string(e))
	return ok
}

// Config carries one emotion rendering request.
type Config struct {
	// Emotion is the canonical label. Empty means Neutral.
	Emotion Emotion

	// Intensity in [0,1]; values outside the range are clamped at render
	// time. Zero is the faintest coloring, one the strongest.
	Intensity float64

	// DeliveryStyle optionally names a provider-native delivery style
	// ("narration", "customerservice"). When set it overrides the derived
	// style name on SSML renderings and is appended to text renderings.
	DeliveryStyle string

	// CustomDescription, when set, replaces the generated natural-language
	// description entirely (still clamped to the provider limit).
	CustomDescription string
}

// normalized returns a copy with the emotion defaulted and the intensity
// clamped into [0,1].
func (c Config) normalized() Config {
	if c.Emotion == "" {
		c.Emotion = Neutral
	}
	if c.Intensity < 0 {
		c.Intensity = 0
	} else if c.Intensity > 1 {
		c.Intensity = 1
	}
	return c
}

// maxDescriptionLen is the longest natural-language description any
// description-driven provider accepts.
const maxDescriptionLen = 100

// Describe renders the configuration as a short natural-language voice
// description, at most 100 characters.
func Describe(cfg Config) string {
	cfg = cfg.normalized()
	if cfg.CustomDescription != "" {
		return truncate(cfg.CustomDescription, maxDescriptionLen)
	}

	var b strings.Builder
	if band := intensityBand(cfg); band != "" {
		b.WriteString(band)
		b.WriteByte(' ')
	}
	b.WriteString(profiles[cfg.Emotion].adjectives)
	b.WriteString(" tone")
	if cfg.DeliveryStyle != "" {
		b.WriteString(", delivered ")
		b.WriteString(cfg.DeliveryStyle)
	}
	return truncate(b.String(), maxDescriptionLen)
}

// Instructions renders the configuration as a model instruction sentence
// for providers that steer synthesis through free-text instructions.
func Instructions(cfg Config) string {
	cfg = cfg.normalized()
	if cfg.CustomDescription != "" {
		return cfg.CustomDescription
	}

	var b strings.Builder
	b.WriteString("Speak in a ")
	if band := intensityBand(cfg); band != "" {
		b.WriteString(band)
		b.WriteByte(' ')
	}
	b.WriteString(profiles[cfg.Emotion].adjectives)
	b.WriteString(" tone of voice.")
	if cfg.DeliveryStyle != "" {
		b.WriteString(" Use a ")
		b.WriteString(cfg.DeliveryStyle)
		b.WriteString(" delivery.")
	}
	return b.String()
}

// VoiceSettings renders the configuration as an ElevenLabs-class
// (stability, style, similarityBoost) triple, all in [0,1]. Intensity
// interpolates between the neutral baseline and the emotion's full-strength
// profile: higher intensity lowers stability and raises style exaggeration.
func VoiceSettings(cfg Config) (stability, style, similarityBoost float64) {
	cfg = cfg.normalized()
	p := profiles[cfg.Emotion]
	stability = lerp(neutralStability, p.stability, cfg.Intensity)
	style = lerp(0, p.style, cfg.Intensity)
	return stability, style, defaultSimilarityBoost
}

// SSML wraps text in an express-as element for SSML-capable providers.
// The wrapper carries the provider style name and a styledegree scaled
// from the intensity. Neutral renderings return the escaped text without
// a wrapper. Text is XML-escaped; the caller embeds the result inside its
// voice element.
func SSML(cfg Config, text string) string {
	cfg = cfg.normalized()
	escaped := escapeXML(text)

	style := cfg.DeliveryStyle
	if style == "" {
		style = profiles[cfg.Emotion].ssmlStyle
	}
	if style == "" {
		return escaped
	}

	// styledegree 0.5–2.0, default 1.0 at intensity 1/3.
	degree := 0.5 + 1.5*cfg.Intensity

	var b strings.Builder
	b.WriteString(`<mstts:express-as style="`)
	b.WriteString(style)
	b.WriteString(`" styledegree="`)
	b.WriteString(strconv.FormatFloat(degree, 'f', 2, 64))
	b.WriteString(`">`)
	b.WriteString(escaped)
	b.WriteString(`</mstts:express-as>`)
	return b.String()
}

// Gate returns cfg unchanged when the provider declares the emotion
// capability. Otherwise, the emotion is stripped (nil returned) and a
// warning recorded once per (provider, emotion).
func Gate(cfg *Config, caps provider.CapabilitySet, providerID string, warn *WarnOnce) *Config {
	if cfg == nil || caps.Has(provider.CapEmotion) {
		return cfg
	}
	if warn != nil {
		warn.EmotionDropped(providerID, cfg.normalized().Emotion)
	}
	return nil
}

// ─── Rendering tables ────────────────────────────────────────────────────────

const (
	neutralStability       = 0.55
	defaultSimilarityBoost = 0.75
)

// profile holds the per-emotion rendering constants: the descriptive
// adjectives for text surfaces, the full-intensity voice-settings targets,
// and the express-as style name.
type profile struct {
	adjectives string
	stability  float64
	style      float64
	ssmlStyle  string
}

var profiles = map[Emotion]profile{
	Neutral:   {"neutral, even", neutralStability, 0.00, ""},
	Happy:     {"happy, upbeat", 0.40, 0.60, "cheerful"},
	Sad:       {"sad, subdued", 0.45, 0.45, "sad"},
	Angry:     {"angry, sharp", 0.30, 0.75, "angry"},
	Fearful:   {"anxious, trembling", 0.35, 0.65, "fearful"},
	Disgusted: {"disgusted, contemptuous", 0.40, 0.55, "disgruntled"},
	Surprised: {"surprised, astonished", 0.30, 0.70, "excited"},
	Excited:   {"excited, energetic", 0.25, 0.80, "excited"},
	Calm:      {"calm, steady", 0.80, 0.15, "calm"},
	Whispered: {"hushed, whispered", 0.70, 0.30, "whispering"},
}

// intensityBand maps intensity onto a qualifying adverb. Neutral takes no
// qualifier regardless of intensity.
func intensityBand(cfg Config) string {
	if cfg.Emotion == Neutral {
		return ""
	}
	switch {
	case cfg.Intensity <= 0.33:
		return "slightly"
	case cfg.Intensity <= 0.66:
		return "moderately"
	default:
		return "very"
	}
}

func lerp(from, to, t float64) float64 {
	return from + (to-from)*t
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
