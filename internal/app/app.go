// Package app wires all aurelay subsystems into a running gateway process.
//
// The App struct owns the full lifecycle: New constructs providers from the
// registry, launches plugins, and assembles the HTTP surface; Run serves
// until the context is cancelled; Shutdown drains sessions and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProviders,
// WithMetrics). When an option is not provided, New builds real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurelay/aurelay/internal/config"
	"github.com/aurelay/aurelay/internal/gateway"
	"github.com/aurelay/aurelay/internal/health"
	"github.com/aurelay/aurelay/internal/observe"
	"github.com/aurelay/aurelay/internal/plugin"
	"github.com/aurelay/aurelay/internal/registry"
	"github.com/aurelay/aurelay/internal/resilience"
	"github.com/aurelay/aurelay/internal/responder"
	"github.com/aurelay/aurelay/pkg/provider/realtime"
	"github.com/aurelay/aurelay/pkg/provider/stt"
	"github.com/aurelay/aurelay/pkg/provider/tts"
	"github.com/aurelay/aurelay/pkg/provider/vad"
)

// Providers holds one constructed instance per provider slot. Nil means the
// slot is not configured; the session manager rejects modes whose slots are
// missing.
type Providers struct {
	STT       stt.Provider
	TTS       tts.Provider
	Realtime  realtime.Provider
	VAD       vad.Engine
	Responder responder.Responder
}

// App owns all subsystem lifetimes.
type App struct {
	reg     *registry.Registry
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	// cfg and providers are swapped atomically on config reload. Running
	// sessions keep the instances they were built with; new sessions pick
	// up the swapped values.
	cfg       atomic.Pointer[config.Config]
	providers atomic.Pointer[Providers]

	limiter  *resilience.Limiter
	breakers *resilience.BreakerSet
	plugins  map[string]*plugin.Host
	sessions *SessionManager
	gateway  *gateway.Handler
	health   *health.Handler
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects providers instead of building them from the registry.
func WithProviders(p *Providers) Option {
	return func(a *App) { a.providers.Store(p) }
}

// WithMetrics injects a metrics bundle instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel shares the handler's level var so config reloads can adjust
// verbosity at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New assembles the application: plugin launch, provider construction,
// session manager, and the HTTP surface (gateway, health, metrics). The
// registry must hold every built-in provider; New adds plugin registrations
// and freezes it.
func New(ctx context.Context, cfg *config.Config, reg *registry.Registry, opts ...Option) (*App, error) {
	a := &App{
		reg:     reg,
		plugins: make(map[string]*plugin.Host),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Shared resilience state ───────────────────────────────────────
	a.limiter = resilience.NewLimiter(capsFromConfig(cfg.Session.Caps))
	a.breakers = resilience.NewBreakerSet(breakerFromConfig(cfg.Resilience.Breaker))
	a.breakers.OnTransition(func(providerID, endpoint string, _, to resilience.State) {
		a.metrics.RecordBreakerTransition(context.Background(), providerID, endpoint, to.String())
	})

	// ── 2. Plugins ───────────────────────────────────────────────────────
	if err := a.initPlugins(ctx, cfg); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init plugins: %w", err)
	}
	if !reg.Frozen() {
		reg.Freeze()
	}

	// ── 3. Providers ─────────────────────────────────────────────────────
	if a.providers.Load() == nil {
		p, err := BuildProviders(cfg, reg)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: build providers: %w", err)
		}
		a.providers.Store(p)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    a.cfg.Load,
		Providers: a.providers.Load,
		Limiter:   a.limiter,
		Breakers:  a.breakers,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	gw, err := gateway.New(gateway.HandlerConfig{
		Opener:      a.sessions,
		DefaultMode: cfg.Session.Mode,
		Limiter:     a.limiter,
		Logger:      a.logger,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: gateway: %w", err)
	}
	a.gateway = gw

	checkers := []health.Checker{
		health.RegistryFrozen(reg),
		health.Breakers(a.breakers),
	}
	for name, host := range a.plugins {
		checkers = append(checkers, health.Plugin(name, host))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.gateway.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initPlugins launches each configured plugin subprocess and registers its
// declared providers under the plugin's name.
func (a *App) initPlugins(ctx context.Context, cfg *config.Config) error {
	for _, pc := range cfg.Plugins {
		host, err := plugin.NewHost(plugin.Config{
			Command:      pc.Command,
			Env:          pc.Env,
			StartTimeout: msDuration(pc.StartTimeoutMs),
		})
		if err != nil {
			return fmt.Errorf("plugin %q: %w", pc.Name, err)
		}
		if err := host.Start(ctx); err != nil {
			return fmt.Errorf("plugin %q: start: %w", pc.Name, err)
		}
		a.plugins[pc.Name] = host
		a.closers = append(a.closers, host.Close)

		switch pc.Kind {
		case "stt":
			a.reg.MustRegister(registry.Registration{
				Kind: registry.KindSTT,
				ID:   pc.Name,
				New:  func(map[string]any) (any, error) { return host.STT() },
			})
		case "tts":
			a.reg.MustRegister(registry.Registration{
				Kind: registry.KindTTS,
				ID:   pc.Name,
				New:  func(map[string]any) (any, error) { return host.TTS() },
			})
		default:
			return fmt.Errorf("plugin %q: kind %q has no stdio contract", pc.Name, pc.Kind)
		}

		decl := host.Declaration()
		a.logger.Info("plugin started",
			"name", pc.Name, "kind", pc.Kind, "version", decl.Version)
	}
	return nil
}

// ─── Provider construction ───────────────────────────────────────────────────

// BuildProviders constructs every configured provider slot from the registry.
// Slots without a configured name stay nil. The responder backend defaults to
// "echo" so voice mode works out of the box.
func BuildProviders(cfg *config.Config, reg *registry.Registry) (*Providers, error) {
	p := &Providers{}

	if name := cfg.Providers.STT.Name; name != "" {
		v, err := construct(reg, registry.KindSTT, name, entrySettings(cfg.Providers.STT))
		if err != nil {
			return nil, err
		}
		sp, ok := v.(stt.Provider)
		if !ok {
			return nil, fmt.Errorf("provider %q does not implement stt.Provider", name)
		}
		p.STT = sp
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		v, err := construct(reg, registry.KindTTS, name, entrySettings(cfg.Providers.TTS))
		if err != nil {
			return nil, err
		}
		tp, ok := v.(tts.Provider)
		if !ok {
			return nil, fmt.Errorf("provider %q does not implement tts.Provider", name)
		}
		p.TTS = tp
	}

	if name := cfg.Providers.Realtime.Name; name != "" {
		v, err := construct(reg, registry.KindRealtime, name, entrySettings(cfg.Providers.Realtime))
		if err != nil {
			return nil, err
		}
		rp, ok := v.(realtime.Provider)
		if !ok {
			return nil, fmt.Errorf("provider %q does not implement realtime.Provider", name)
		}
		p.Realtime = rp
	}

	vadSettings := map[string]any{
		"model_path": cfg.VAD.ModelPath,
	}
	v, err := construct(reg, registry.KindVAD, cfg.VAD.Backend, vadSettings)
	if err != nil {
		return nil, err
	}
	eng, ok := v.(vad.Engine)
	if !ok {
		return nil, fmt.Errorf("provider %q does not implement vad.Engine", cfg.VAD.Backend)
	}
	p.VAD = eng

	backend := cfg.Responder.Backend
	if backend == "" {
		backend = "echo"
	}
	rv, err := construct(reg, registry.KindResponder, backend, map[string]any{
		"api_key":      cfg.Responder.APIKey,
		"base_url":     cfg.Responder.BaseURL,
		"model":        cfg.Responder.Model,
		"instructions": cfg.Responder.Instructions,
	})
	if err != nil {
		return nil, err
	}
	rp, ok := rv.(responder.Responder)
	if !ok {
		return nil, fmt.Errorf("backend %q does not implement responder.Responder", backend)
	}
	p.Responder = rp

	return p, nil
}

func construct(reg *registry.Registry, kind registry.Kind, id string, settings map[string]any) (any, error) {
	r, err := reg.Lookup(kind, id)
	if err != nil {
		return nil, err
	}
	v, err := r.New(settings)
	if err != nil {
		return nil, fmt.Errorf("construct %s provider %q: %w", kind, id, err)
	}
	return v, nil
}

// entrySettings flattens a provider entry into the settings map a registry
// constructor expects: the free-form options block plus the standard fields.
func entrySettings(e config.ProviderEntry) map[string]any {
	settings := make(map[string]any, len(e.Options)+3)
	for k, v := range e.Options {
		settings[k] = v
	}
	if e.APIKey != "" {
		settings["api_key"] = e.APIKey
	}
	if e.BaseURL != "" {
		settings["base_url"] = e.BaseURL
	}
	if e.Model != "" {
		settings["model"] = e.Model
	}
	return settings
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig swaps in a reloaded configuration. Provider slots whose entries
// changed are rebuilt; new sessions pick up the swap atomically while running
// sessions keep the instances they were built with. Intended as the
// config.Watcher change callback.
func (a *App) ApplyConfig(oldCfg, newCfg *config.Config) {
	d := config.Diff(oldCfg, newCfg)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.ProvidersChanged {
		p, err := BuildProviders(newCfg, a.reg)
		if err != nil {
			a.logger.Error("config reload: provider rebuild failed, keeping current providers", "err", err)
		} else {
			a.providers.Store(p)
			for _, pd := range d.ProviderChanges {
				a.logger.Info("provider swapped",
					"kind", pd.Kind, "old", pd.Removed, "new", pd.Added)
			}
		}
	}

	if d.SessionChanged {
		a.logger.Info("session defaults updated; applies to new sessions")
	}

	a.cfg.Store(newCfg)
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	errc := make(chan error, 1)

	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	a.logger.Info("aurelay listening",
		"addr", cfg.Server.ListenAddr,
		"mode", cfg.Session.Mode,
		"tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	case err := <-errc:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		serr := a.Shutdown(shutdownCtx)
		return errors.Join(fmt.Errorf("app: serve: %w", err), serr)
	}
}

// Shutdown stops accepting connections, drains active sessions, and closes
// subsystems in reverse initialisation order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if a.sessions != nil {
			a.sessions.DrainAll(ctx)
		}
		errs = append(errs, a.closeAllErrs()...)

		a.stopErr = errors.Join(errs...)
		a.logger.Info("aurelay stopped")
	})
	return a.stopErr
}

// Handler exposes the assembled HTTP handler, mainly for tests that serve it
// through httptest instead of the owned listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Sessions exposes the session manager.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

func (a *App) closeAll() {
	for _, err := range a.closeAllErrs() {
		a.logger.Warn("close failed during teardown", "err", err)
	}
}

func (a *App) closeAllErrs() []error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errs
}

// ─── Config conversion helpers ───────────────────────────────────────────────

func capsFromConfig(c config.CapsConfig) resilience.Caps {
	return resilience.Caps{
		MaxTTSTextChars:        c.MaxTTSTextChars,
		MaxInstructionBytes:    c.MaxInstructionBytes,
		MaxTextBytes:           c.MaxTextBytes,
		MaxFunctionResultBytes: c.MaxFunctionResultBytes,
		MaxConcurrentSynthesis: c.MaxConcurrentSynthesis,
	}
}

func breakerFromConfig(c config.BreakerConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Window:           msDuration(c.WindowMs),
		Cooldown:         msDuration(c.CooldownMs),
	}
}

func policyFromConfig(c config.RetryConfig) resilience.Policy {
	return resilience.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   msDuration(c.BaseDelayMs),
		MaxDelay:    msDuration(c.MaxDelayMs),
		Jitter:      c.Jitter,
	}
}

// msDuration converts a millisecond config field; zero stays zero so the
// consuming component applies its own default.
func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
