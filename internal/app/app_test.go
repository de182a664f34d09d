package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaywave/voicebridge/internal/app"
	"github.com/relaywave/voicebridge/internal/config"
	mcpmock "github.com/relaywave/voicebridge/internal/mcp/mock"
	"github.com/relaywave/voicebridge/pkg/audio"
	audiomock "github.com/relaywave/voicebridge/pkg/audio/mock"
	llmmock "github.com/relaywave/voicebridge/pkg/provider/llm/mock"
	ttsmock "github.com/relaywave/voicebridge/pkg/provider/tts/mock"
)

// testConfig returns a minimal config for tests.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			// Left blank: binding a real port would make these parallel tests
			// race for it. internal/app/http_test.go exercises startHTTP
			// directly on an ephemeral port.
			LogLevel: config.LogInfo,
		},
		Behavior: config.BehaviorConfig{
			Mode: config.EnginePipeline,
			Voice: config.VoiceConfig{
				Provider: "test",
				VoiceID:  "voice-1",
			},
		},
	}
}

// testProviders returns a bundle with mock LLM/TTS for a pipeline engine and
// a platform factory that always yields the given platform.
func testProviders(platform audio.Platform) *app.ProviderBundle {
	return &app.ProviderBundle{
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{},
		Audio: func(guildID string) (audio.Platform, error) {
			return platform, nil
		},
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := testProviders(&audiomock.Platform{})
	mcpHost := &mcpmock.Host{}

	application, err := app.New(context.Background(), cfg, providers, app.WithMCPHost(mcpHost))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}

	// MCP host should have been calibrated during New().
	if got := mcpHost.CallCount("Calibrate"); got != 1 {
		t.Errorf("Calibrate call count = %d, want 1", got)
	}
	if application.Manager() == nil {
		t.Error("Manager() should not be nil")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := testProviders(&audiomock.Platform{})
	mcpHost := &mcpmock.Host{}

	application, err := app.New(context.Background(), cfg, providers, app.WithMCPHost(mcpHost))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// MCP host Close should have been called during shutdown.
	if got := mcpHost.CallCount("Close"); got != 1 {
		t.Errorf("MCP Host Close call count = %d, want 1", got)
	}
}

func TestApp_ShutdownStopsActiveSessions(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	conn := &audiomock.Connection{}
	providers := testProviders(&audiomock.Platform{ConnectResult: conn})
	mcpHost := &mcpmock.Host{}

	application, err := app.New(context.Background(), cfg, providers, app.WithMCPHost(mcpHost))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := application.Manager().Join(context.Background(), "guild-1", "channel-1"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect call count = %d, want 1", conn.CallCountDisconnect)
	}
	if _, ok := application.Manager().Get("guild-1"); ok {
		t.Error("expected no active session for guild-1 after Shutdown")
	}
}

func TestApp_RunReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := testProviders(&audiomock.Platform{})
	mcpHost := &mcpmock.Host{}

	application, err := app.New(context.Background(), cfg, providers, app.WithMCPHost(mcpHost))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("Run() returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
