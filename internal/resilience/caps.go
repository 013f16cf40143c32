package resilience

import (
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/aurelay/aurelay/pkg/provider"
)

// Caps bounds per-request payload sizes and process-wide concurrency.
// Exceeding any cap yields a KindResourceLimit error before the provider
// is contacted, so oversized requests never consume a connection.
type Caps struct {
	// MaxTTSTextChars caps synthesis request text, in runes. Default: 5000.
	MaxTTSTextChars int

	// MaxInstructionBytes caps realtime session instructions. Default: 100KiB.
	MaxInstructionBytes int

	// MaxTextBytes caps a single realtime text input. Default: 50KiB.
	MaxTextBytes int

	// MaxFunctionResultBytes caps a serialized function call result.
	// Default: 100KiB.
	MaxFunctionResultBytes int

	// MaxConcurrentSynthesis caps in-flight TTS requests across all
	// sessions. Default: 8.
	MaxConcurrentSynthesis int64
}

func (c Caps) withDefaults() Caps {
	if c.MaxTTSTextChars <= 0 {
		c.MaxTTSTextChars = 5000
	}
	if c.MaxInstructionBytes <= 0 {
		c.MaxInstructionBytes = 100 << 10
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = 50 << 10
	}
	if c.MaxFunctionResultBytes <= 0 {
		c.MaxFunctionResultBytes = 100 << 10
	}
	if c.MaxConcurrentSynthesis <= 0 {
		c.MaxConcurrentSynthesis = 8
	}
	return c
}

// Limiter enforces [Caps]. One Limiter is shared process-wide so the
// synthesis semaphore spans sessions.
type Limiter struct {
	caps Caps
	tts  *semaphore.Weighted
}

// NewLimiter creates a Limiter for the given caps.
func NewLimiter(caps Caps) *Limiter {
	caps = caps.withDefaults()
	return &Limiter{
		caps: caps,
		tts:  semaphore.NewWeighted(caps.MaxConcurrentSynthesis),
	}
}

// Caps returns the effective (default-filled) caps.
func (l *Limiter) Caps() Caps { return l.caps }

// CheckTTSText validates synthesis text length.
func (l *Limiter) CheckTTSText(providerID, text string) error {
	if n := utf8.RuneCountInString(text); n > l.caps.MaxTTSTextChars {
		return provider.Errorf(provider.KindResourceLimit, providerID, "synthesize",
			"text length %d exceeds cap %d", n, l.caps.MaxTTSTextChars)
	}
	return nil
}

// CheckInstructions validates realtime session instructions size.
func (l *Limiter) CheckInstructions(providerID, instructions string) error {
	if n := len(instructions); n > l.caps.MaxInstructionBytes {
		return provider.Errorf(provider.KindResourceLimit, providerID, "update_instructions",
			"instructions size %dB exceeds cap %dB", n, l.caps.MaxInstructionBytes)
	}
	return nil
}

// CheckText validates a realtime text input size.
func (l *Limiter) CheckText(providerID, text string) error {
	if n := len(text); n > l.caps.MaxTextBytes {
		return provider.Errorf(provider.KindResourceLimit, providerID, "send_text",
			"text size %dB exceeds cap %dB", n, l.caps.MaxTextBytes)
	}
	return nil
}

// CheckFunctionResult validates a serialized function call result size.
func (l *Limiter) CheckFunctionResult(providerID string, result []byte) error {
	if n := len(result); n > l.caps.MaxFunctionResultBytes {
		return provider.Errorf(provider.KindResourceLimit, providerID, "send_function_result",
			"function result size %dB exceeds cap %dB", n, l.caps.MaxFunctionResultBytes)
	}
	return nil
}

// AcquireSynthesis reserves a synthesis slot without blocking. It returns
// the release func on success and a KindResourceLimit error when the
// process-wide concurrency cap is saturated.
func (l *Limiter) AcquireSynthesis(providerID string) (release func(), err error) {
	if !l.tts.TryAcquire(1) {
		return nil, provider.Errorf(provider.KindResourceLimit, providerID, "synthesize",
			"concurrent synthesis cap %d saturated", l.caps.MaxConcurrentSynthesis)
	}
	return func() { l.tts.Release(1) }, nil
}
