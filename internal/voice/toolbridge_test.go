package voice

import (
	"context"
	"testing"

	"github.com/relaywave/voicebridge/internal/mcp"
	mcpmock "github.com/relaywave/voicebridge/internal/mcp/mock"
	"github.com/relaywave/voicebridge/pkg/provider/llm"
)

// fakeEngine is a minimal voiceEngineToolAPI test double.
type fakeEngine struct {
	tools       []llm.ToolDefinition
	setToolsErr error
	handler     func(name, args string) (string, error)
}

func (f *fakeEngine) SetTools(tools []llm.ToolDefinition) error {
	if f.setToolsErr != nil {
		return f.setToolsErr
	}
	f.tools = tools
	return nil
}

func (f *fakeEngine) OnToolCall(handler func(name, args string) (string, error)) {
	f.handler = handler
}

func TestNewToolBridge_SetsInitialToolsForTier(t *testing.T) {
	host := &mcpmock.Host{
		AvailableToolsResult: []llm.ToolDefinition{{Name: "lookup_weather"}},
	}
	eng := &fakeEngine{}

	_, err := NewToolBridge(host, eng, mcp.BudgetStandard)
	if err != nil {
		t.Fatalf("NewToolBridge returned error: %v", err)
	}
	if len(eng.tools) != 1 || eng.tools[0].Name != "lookup_weather" {
		t.Errorf("engine tools = %+v", eng.tools)
	}
	if eng.handler == nil {
		t.Error("expected OnToolCall handler to be registered")
	}
}

func TestNewToolBridge_RejectsNilDependencies(t *testing.T) {
	host := &mcpmock.Host{}
	eng := &fakeEngine{}

	if _, err := NewToolBridge(nil, eng, mcp.BudgetStandard); err == nil {
		t.Error("expected error for nil host")
	}
	if _, err := NewToolBridge(host, nil, mcp.BudgetStandard); err == nil {
		t.Error("expected error for nil engine")
	}
}

func TestToolBridge_HandleToolCallExecutesViaHost(t *testing.T) {
	host := &mcpmock.Host{
		ExecuteToolResult: &mcp.ToolResult{Content: `{"temp_f":72}`},
	}
	eng := &fakeEngine{}

	if _, err := NewToolBridge(host, eng, mcp.BudgetStandard); err != nil {
		t.Fatalf("NewToolBridge returned error: %v", err)
	}

	result, err := eng.handler("lookup_weather", `{"city":"Eastport"}`)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if result != `{"temp_f":72}` {
		t.Errorf("result = %q", result)
	}
}

func TestToolBridge_HandleToolCallPropagatesHostError(t *testing.T) {
	host := &mcpmock.Host{ExecuteToolErr: context.DeadlineExceeded}
	eng := &fakeEngine{}

	if _, err := NewToolBridge(host, eng, mcp.BudgetStandard); err != nil {
		t.Fatalf("NewToolBridge returned error: %v", err)
	}

	if _, err := eng.handler("lookup_weather", "{}"); err == nil {
		t.Error("expected error to propagate from host.ExecuteTool")
	}
}

func TestToolBridge_UpdateTierRefetchesTools(t *testing.T) {
	host := &mcpmock.Host{
		AvailableToolsResult: []llm.ToolDefinition{{Name: "lookup_weather"}},
	}
	eng := &fakeEngine{}

	b, err := NewToolBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewToolBridge returned error: %v", err)
	}

	host.AvailableToolsResult = []llm.ToolDefinition{{Name: "lookup_weather"}, {Name: "cast_spell"}}
	if err := b.UpdateTier(context.Background(), mcp.BudgetDeep); err != nil {
		t.Fatalf("UpdateTier returned error: %v", err)
	}
	if len(eng.tools) != 2 {
		t.Errorf("engine tools after UpdateTier = %+v", eng.tools)
	}
	if b.tier != mcp.BudgetDeep {
		t.Errorf("tier = %v, want BudgetDeep", b.tier)
	}
}

func TestToolBridge_UpdateTierRejectsCancelledContext(t *testing.T) {
	host := &mcpmock.Host{}
	eng := &fakeEngine{}
	b, err := NewToolBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewToolBridge returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.UpdateTier(ctx, mcp.BudgetDeep); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestToolBridge_CloseClearsHandler(t *testing.T) {
	host := &mcpmock.Host{}
	eng := &fakeEngine{}
	b, err := NewToolBridge(host, eng, mcp.BudgetFast)
	if err != nil {
		t.Fatalf("NewToolBridge returned error: %v", err)
	}

	b.Close()
	if eng.handler != nil {
		t.Error("expected Close to clear the registered handler")
	}
}
