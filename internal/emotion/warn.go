package emotion

import (
	"log/slog"
	"sync"
)

// WarnOnce deduplicates "emotion dropped" warnings within one session so a
// provider lacking the capability does not flood the log on every
// synthesis call. One warning is emitted per (provider, emotion) pair for
// the lifetime of the session.
type WarnOnce struct {
	sessionID string
	logger    *slog.Logger

	mu   sync.Mutex
	seen map[warnKey]struct{}
}

type warnKey struct {
	provider string
	emotion  Emotion
}

// NewWarnOnce builds a session-scoped warning deduplicator. A nil logger
// defaults to slog.Default.
func NewWarnOnce(sessionID string, logger *slog.Logger) *WarnOnce {
	if logger == nil {
		logger = slog.Default()
	}
	return &WarnOnce{
		sessionID: sessionID,
		logger:    logger,
		seen:      make(map[warnKey]struct{}),
	}
}

// EmotionDropped records that providerID cannot render e and the session
// fell back to plain text. It returns true the first time a given
// (provider, emotion) pair is reported and false on repeats; the warning
// is logged only on the first report.
func (w *WarnOnce) EmotionDropped(providerID string, e Emotion) bool {
	key := warnKey{provider: providerID, emotion: e}

	w.mu.Lock()
	if _, dup := w.seen[key]; dup {
		w.mu.Unlock()
		return false
	}
	w.seen[key] = struct{}{}
	w.mu.Unlock()

	w.logger.Warn("provider lacks emotion capability, rendering plain text",
		slog.String("session_id", w.sessionID),
		slog.String("provider", providerID),
		slog.String("emotion", string(e)))
	return true
}
