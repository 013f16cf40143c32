package app_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aurelay/aurelay/internal/app"
	"github.com/aurelay/aurelay/internal/config"
	"github.com/aurelay/aurelay/internal/registry"
	respondermock "github.com/aurelay/aurelay/internal/responder/mock"
	realtimemock "github.com/aurelay/aurelay/pkg/provider/realtime/mock"
	sttmock "github.com/aurelay/aurelay/pkg/provider/stt/mock"
	ttsmock "github.com/aurelay/aurelay/pkg/provider/tts/mock"
	vadmock "github.com/aurelay/aurelay/pkg/provider/vad/mock"
)

// testConfig returns a minimal valid voice-mode config.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			LogLevel:   config.LogInfo,
			LogFormat:  config.LogText,
		},
		Session: config.SessionConfig{
			Mode:     config.ModeVoice,
			Language: "en-US",
		},
		VAD: config.VADConfig{Backend: "fake"},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{
				Name:    "fake",
				APIKey:  "key-1",
				Model:   "nova-2",
				Options: map[string]any{"endpointing_ms": 300},
			},
			TTS: config.ProviderEntry{Name: "fake"},
		},
		Responder: config.ResponderConfig{Backend: "echo"},
	}
}

// testRegistry returns a registry whose constructors hand out mocks and
// record the settings they were built with.
func testRegistry(t *testing.T) (*registry.Registry, map[string]map[string]any) {
	t.Helper()
	reg := registry.New()
	built := make(map[string]map[string]any)

	reg.MustRegister(registry.Registration{
		Kind: registry.KindSTT, ID: "fake",
		New: func(settings map[string]any) (any, error) {
			built["stt"] = settings
			return &sttmock.Provider{}, nil
		},
	})
	reg.MustRegister(registry.Registration{
		Kind: registry.KindTTS, ID: "fake",
		New: func(settings map[string]any) (any, error) {
			built["tts"] = settings
			return &ttsmock.Provider{}, nil
		},
	})
	reg.MustRegister(registry.Registration{
		Kind: registry.KindRealtime, ID: "fake",
		New: func(settings map[string]any) (any, error) {
			built["realtime"] = settings
			return &realtimemock.Provider{}, nil
		},
	})
	reg.MustRegister(registry.Registration{
		Kind: registry.KindVAD, ID: "fake",
		New: func(settings map[string]any) (any, error) {
			built["vad"] = settings
			return &vadmock.Engine{}, nil
		},
	})
	reg.MustRegister(registry.Registration{
		Kind: registry.KindResponder, ID: "echo",
		New: func(settings map[string]any) (any, error) {
			built["responder"] = settings
			return &respondermock.Responder{Chunks: []string{"ok"}}, nil
		},
	})
	return reg, built
}

// ─── Provider construction ───────────────────────────────────────────────────

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	reg, built := testRegistry(t)

	p, err := app.BuildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.STT == nil || p.TTS == nil || p.VAD == nil || p.Responder == nil {
		t.Fatalf("BuildProviders left a configured slot nil: %+v", p)
	}
	if p.Realtime != nil {
		t.Error("Realtime built without a configured entry")
	}

	settings := built["stt"]
	if settings == nil {
		t.Fatal("stt constructor never called")
	}
	if got := settings["api_key"]; got != "key-1" {
		t.Errorf("stt api_key = %v, want key-1", got)
	}
	if got := settings["model"]; got != "nova-2" {
		t.Errorf("stt model = %v, want nova-2", got)
	}
	if got := settings["endpointing_ms"]; got != 300 {
		t.Errorf("stt option endpointing_ms = %v, want 300", got)
	}
}

func TestBuildProviders_UnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers.STT.Name = "no-such-provider"
	reg, _ := testRegistry(t)

	if _, err := app.BuildProviders(cfg, reg); err == nil {
		t.Fatal("BuildProviders accepted an unregistered provider name")
	}
}

func TestBuildProviders_ResponderDefaultsToEcho(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Responder.Backend = ""
	reg, built := testRegistry(t)

	p, err := app.BuildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.Responder == nil {
		t.Fatal("Responder is nil with the default backend")
	}
	if built["responder"] == nil {
		t.Fatal("echo constructor never called")
	}
}

// ─── App assembly ────────────────────────────────────────────────────────────

func TestNew_AssemblesHTTPSurface(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	reg, _ := testRegistry(t)

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer a.Shutdown(shutdownCtx)

	if !reg.Frozen() {
		t.Error("registry not frozen after New")
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestNew_WithProvidersSkipsRegistry(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	reg, built := testRegistry(t)

	providers := &app.Providers{
		STT:       &sttmock.Provider{},
		TTS:       &ttsmock.Provider{},
		VAD:       &vadmock.Engine{},
		Responder: &respondermock.Responder{},
	}

	a, err := app.New(context.Background(), cfg, reg, app.WithProviders(providers))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if len(built) != 0 {
		t.Errorf("registry constructors called despite injected providers: %v", built)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

func TestApplyConfig_SwapsChangedProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	reg, _ := testRegistry(t)

	otherBuilds := 0
	reg.MustRegister(registry.Registration{
		Kind: registry.KindSTT, ID: "other",
		New: func(map[string]any) (any, error) {
			otherBuilds++
			return &sttmock.Provider{}, nil
		},
	})

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	newCfg := testConfig()
	newCfg.Providers.STT.Name = "other"
	a.ApplyConfig(cfg, newCfg)

	if otherBuilds != 1 {
		t.Errorf("swapped stt constructor calls = %d, want 1", otherBuilds)
	}
}

func TestApplyConfig_AdjustsLogLevel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	reg, _ := testRegistry(t)

	var lv slog.LevelVar
	lv.Set(slog.LevelInfo)

	a, err := app.New(context.Background(), cfg, reg, app.WithLogLevel(&lv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	newCfg := testConfig()
	newCfg.Server.LogLevel = config.LogDebug
	a.ApplyConfig(cfg, newCfg)

	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want %v", got, slog.LevelDebug)
	}
}

func TestApplyConfig_RebuildFailureKeepsRunning(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	reg, _ := testRegistry(t)

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	newCfg := testConfig()
	newCfg.Providers.STT.Name = "no-such-provider"
	a.ApplyConfig(cfg, newCfg) // must not panic; old providers stay in place

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz after failed reload = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	reg, _ := testRegistry(t)

	a, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
