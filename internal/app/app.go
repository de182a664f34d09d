// Package app wires all VoiceBridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run blocks for the life of the process, and Shutdown tears
// everything down in order. Per-guild voice sessions are not started by Run;
// they are driven by Discord slash commands calling into the [voice.Manager]
// returned by [App.Manager].
//
// For testing, inject mock implementations via functional options
// (WithMCPHost, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaywave/voicebridge/internal/config"
	"github.com/relaywave/voicebridge/internal/health"
	"github.com/relaywave/voicebridge/internal/mcp"
	"github.com/relaywave/voicebridge/internal/mcp/mcphost"
	"github.com/relaywave/voicebridge/internal/observe"
	"github.com/relaywave/voicebridge/internal/rpc"
	"github.com/relaywave/voicebridge/internal/voice"
	providers2s "github.com/relaywave/voicebridge/pkg/provider/s2s"
	"github.com/relaywave/voicebridge/pkg/provider/llm"
	"github.com/relaywave/voicebridge/pkg/provider/stt"
	"github.com/relaywave/voicebridge/pkg/provider/tts"
	"github.com/relaywave/voicebridge/pkg/provider/vad"
)

// httpShutdownTimeout bounds how long the management HTTP server is given to
// drain in-flight requests during Shutdown.
const httpShutdownTimeout = 5 * time.Second

// ProviderBundle holds one interface value per provider slot, populated by
// main.go via the config registry. Nil means the provider is not configured.
// Audio is a factory rather than a single platform because Discord voice
// connections are bound to a guild at construction time; the [voice.Manager]
// asks for a fresh one per guild on Join.
type ProviderBundle struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	S2S   providers2s.Provider
	VAD   vad.Engine
	Audio voice.PlatformFactory
}

// App owns all subsystem lifetimes and orchestrates the VoiceBridge voice pipeline.
type App struct {
	cfg     *config.Config
	manager *voice.Manager

	mcpHost mcp.Host

	// promGatherer feeds the /metrics scrape endpoint.
	promGatherer prometheus.Gatherer

	// httpSrv serves /healthz, /readyz, the /rpc management endpoint, and a
	// Prometheus /metrics scrape endpoint. Nil if cfg.Server.ListenAddr is
	// empty.
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*options)

type options struct {
	mcpHost mcp.Host
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(o *options) { o.mcpHost = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the MCP tool host
// (registering and calibrating every configured server) and the
// [voice.Manager] that guild sessions are created from. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *ProviderBundle, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{cfg: cfg, mcpHost: o.mcpHost}

	gatherer, otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicebridge"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.promGatherer = gatherer

	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// Registered last so metric/trace export shuts down only after every
	// other subsystem has stopped producing telemetry.
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return otelShutdown(shutdownCtx)
	})

	a.manager = voice.NewManager(voice.ManagerConfig{
		Platforms:  providers.Audio,
		VAD:        providers.VAD,
		Host:       a.mcpHost,
		EngineMode: cfg.Behavior.Mode,
		EngineProviders: voice.EngineProviders{
			FastLLM:   providers.LLM,
			StrongLLM: providers.LLM,
			STT:       providers.STT,
			TTS:       providers.TTS,
			S2S:       providers.S2S,
		},
		Behavior: cfg.Behavior,
		Voice:    configVoiceProfile(cfg.Behavior.Voice),
	})

	if host, ok := a.mcpHost.(*mcphost.Host); ok {
		if err := host.RegisterBuiltin(voice.NewDiscordVoiceTool(a.manager)); err != nil {
			return nil, fmt.Errorf("app: register discord_voice tool: %w", err)
		}
	}

	a.startHTTP(cfg)

	return a, nil
}

// startHTTP mounts the health, management-RPC, and Prometheus metrics
// endpoints on a single mux and starts serving on cfg.Server.ListenAddr. A
// blank ListenAddr disables the server entirely — useful for tests that
// only exercise the voice pipeline directly. Metric collection itself is
// unaffected: observe.InitProvider runs regardless, so instruments keep
// recording even when nothing is listening to scrape them.
func (a *App) startHTTP(cfg *config.Config) {
	if cfg.Server.ListenAddr == "" {
		return
	}

	mux := http.NewServeMux()
	health.New().Register(mux)
	rpc.New(a.manager, cfg.Behavior.Mode).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(a.promGatherer, promhttp.HandlerOpts{}))

	a.httpSrv = &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("management http server failed", "err", err)
		}
	}()
	slog.Info("management http server listening", "addr", cfg.Server.ListenAddr)
}

// initMCP sets up the MCP host, registers servers, and calibrates.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		a.mcpHost = mcphost.New()
	}
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		serverCfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: mcp.Transport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.mcpHost.RegisterServer(ctx, serverCfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	if err := a.mcpHost.Calibrate(ctx); err != nil {
		slog.Warn("MCP calibration failed, using declared latencies", "err", err)
	}

	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// MCPHost returns the MCP host. It is non-nil once New has succeeded, even
// when no MCP servers are configured.
func (a *App) MCPHost() mcp.Host { return a.mcpHost }

// Manager returns the voice session manager that guild join/leave commands
// operate on.
func (a *App) Manager() *voice.Manager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled. Voice sessions are joined and left by
// Discord slash commands acting on [App.Manager], not by Run itself.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running")
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: it stops every active voice session,
// then runs closers in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
			if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("management http server shutdown error", "err", err)
			}
			cancel()
		}

		a.manager.StopAll(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// configVoiceProfile converts a config.VoiceConfig to tts.VoiceProfile.
func configVoiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          vc.VoiceID,
		Provider:    vc.Provider,
		PitchShift:  vc.PitchShift,
		SpeedFactor: vc.SpeedFactor,
	}
}
