package config

import "reflect"

// ProviderKind names one swappable provider slot in the diff.
type ProviderKind string

const (
	KindSTT       ProviderKind = "stt"
	KindTTS       ProviderKind = "tts"
	KindRealtime  ProviderKind = "realtime"
	KindVAD       ProviderKind = "vad"
	KindResponder ProviderKind = "responder"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: provider slots
// (new sessions pick up the swapped provider atomically; running sessions
// keep the one they started with), session tuning, and the log level.
type ConfigDiff struct {
	ProvidersChanged bool           // true if any provider slot changed
	ProviderChanges  []ProviderDiff // per-slot diffs
	SessionChanged   bool           // session tuning changed (applies to new sessions)
	LogLevelChanged  bool
	NewLogLevel      LogLevel
}

// ProviderDiff describes what changed for a single provider slot.
type ProviderDiff struct {
	Kind    ProviderKind
	Added   bool // slot was empty, now configured
	Removed bool // slot was configured, now empty
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; server address
// and plugin changes require one, and are deliberately ignored here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	diffEntry(&d, KindSTT, old.Providers.STT, new.Providers.STT)
	diffEntry(&d, KindTTS, old.Providers.TTS, new.Providers.TTS)
	diffEntry(&d, KindRealtime, old.Providers.Realtime, new.Providers.Realtime)

	if old.Responder != new.Responder {
		d.ProvidersChanged = true
		d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{
			Kind:    KindResponder,
			Added:   old.Responder.Backend == "" && new.Responder.Backend != "",
			Removed: old.Responder.Backend != "" && new.Responder.Backend == "",
		})
	}

	if old.VAD != new.VAD {
		d.ProvidersChanged = true
		d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Kind: KindVAD})
	}

	if !reflect.DeepEqual(old.Session, new.Session) {
		d.SessionChanged = true
	}

	return d
}

// diffEntry records a diff for one provider slot when the entries differ.
// Options maps force DeepEqual; everything else is comparable.
func diffEntry(d *ConfigDiff, kind ProviderKind, old, new ProviderEntry) {
	if old.Name == new.Name &&
		old.APIKey == new.APIKey &&
		old.BaseURL == new.BaseURL &&
		old.Model == new.Model &&
		reflect.DeepEqual(old.Options, new.Options) {
		return
	}
	d.ProvidersChanged = true
	d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{
		Kind:    kind,
		Added:   old.Name == "" && new.Name != "",
		Removed: old.Name != "" && new.Name == "",
	})
}
