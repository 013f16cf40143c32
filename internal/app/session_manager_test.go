package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/aurelay/aurelay/internal/app"
	"github.com/aurelay/aurelay/internal/config"
	"github.com/aurelay/aurelay/internal/resilience"
	respondermock "github.com/aurelay/aurelay/internal/responder/mock"
	realtimemock "github.com/aurelay/aurelay/pkg/provider/realtime/mock"
	sttmock "github.com/aurelay/aurelay/pkg/provider/stt/mock"
	ttsmock "github.com/aurelay/aurelay/pkg/provider/tts/mock"
	vadmock "github.com/aurelay/aurelay/pkg/provider/vad/mock"
)

const drainTimeout = 5 * time.Second

type managerFixture struct {
	manager  *app.SessionManager
	stt      *sttmock.Provider
	tts      *ttsmock.Provider
	realtime *realtimemock.Provider
	vad      *vadmock.Engine
}

func newManagerFixture(t *testing.T, mutate func(*app.Providers)) *managerFixture {
	t.Helper()

	f := &managerFixture{
		stt:      &sttmock.Provider{},
		tts:      &ttsmock.Provider{},
		realtime: &realtimemock.Provider{},
		vad:      &vadmock.Engine{},
	}
	providers := &app.Providers{
		STT:       f.stt,
		TTS:       f.tts,
		Realtime:  f.realtime,
		VAD:       f.vad,
		Responder: &respondermock.Responder{Chunks: []string{"hello"}},
	}
	if mutate != nil {
		mutate(providers)
	}

	cfg := testConfig()
	f.manager = app.NewSessionManager(app.SessionManagerConfig{
		Config:    func() *config.Config { return cfg },
		Providers: func() *app.Providers { return providers },
		Limiter:   resilience.NewLimiter(resilience.Caps{}),
		Breakers:  resilience.NewBreakerSet(resilience.BreakerConfig{}),
	})
	return f
}

func TestOpenSession_Voice(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, nil)
	ctx := context.Background()

	id, sess, err := f.manager.OpenSession(ctx, config.ModeVoice)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if id == "" {
		t.Error("OpenSession returned empty id")
	}
	if got := f.manager.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	calls := f.stt.StartStreamCalls
	if len(calls) == 0 {
		t.Fatal("stt StartStream never called")
	}
	if got := calls[0].Cfg.Language; got != "en-US" {
		t.Errorf("stt language = %q, want en-US", got)
	}

	tctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := sess.Terminate(tctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	f.manager.CloseSession(id)
	if got := f.manager.Count(); got != 0 {
		t.Errorf("Count after close = %d, want 0", got)
	}
}

func TestOpenSession_Duplex(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, nil)
	ctx := context.Background()

	id, sess, err := f.manager.OpenSession(ctx, config.ModeDuplex)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	if len(f.realtime.ConnectCalls) == 0 {
		t.Fatal("realtime Connect never called")
	}
	cfg := f.realtime.ConnectCalls[0].Cfg
	if cfg.InputFormat.SampleRate != 16000 {
		t.Errorf("input sample rate = %d, want 16000", cfg.InputFormat.SampleRate)
	}
	if cfg.OutputFormat.SampleRate != 24000 {
		t.Errorf("output sample rate = %d, want 24000", cfg.OutputFormat.SampleRate)
	}

	tctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := sess.Terminate(tctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	f.manager.CloseSession(id)
}

func TestOpenSession_MissingSlot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mode   config.Mode
		mutate func(*app.Providers)
	}{
		{"voice without stt", config.ModeVoice, func(p *app.Providers) { p.STT = nil }},
		{"voice without responder", config.ModeVoice, func(p *app.Providers) { p.Responder = nil }},
		{"duplex without realtime", config.ModeDuplex, func(p *app.Providers) { p.Realtime = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newManagerFixture(t, tt.mutate)
			if _, _, err := f.manager.OpenSession(context.Background(), tt.mode); err == nil {
				t.Fatal("OpenSession succeeded with a missing provider slot")
			}
			if got := f.manager.Count(); got != 0 {
				t.Errorf("Count = %d, want 0", got)
			}
		})
	}
}

func TestOpenSession_UnknownMode(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, nil)
	if _, _, err := f.manager.OpenSession(context.Background(), config.Mode("telepathy")); err == nil {
		t.Fatal("OpenSession accepted an unknown mode")
	}
}

func TestDrainAll(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, nil)
	ctx := context.Background()

	if _, _, err := f.manager.OpenSession(ctx, config.ModeVoice); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, _, err := f.manager.OpenSession(ctx, config.ModeDuplex); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	f.manager.DrainAll(dctx)

	if got := f.manager.Count(); got != 0 {
		t.Errorf("Count after drain = %d, want 0", got)
	}
	if _, _, err := f.manager.OpenSession(ctx, config.ModeVoice); err == nil {
		t.Fatal("OpenSession accepted a session after DrainAll")
	}
}

func TestCloseSession_Unknown(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, nil)
	f.manager.CloseSession("no-such-session") // must not panic
}
