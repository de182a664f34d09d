package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/relaywave/voicebridge/internal/mcp"
	"github.com/relaywave/voicebridge/pkg/provider/llm"
)

// defaultToolTimeout is the context deadline applied to each tool execution
// when no external context is available (engine.VoiceEngine.OnToolCall
// handlers receive no caller context).
const defaultToolTimeout = 30 * time.Second

// ToolBridgeOption is a functional option for configuring a [ToolBridge].
type ToolBridgeOption func(*ToolBridge)

// WithToolTimeout sets the deadline applied to each individual tool
// execution. The default is 30 seconds.
func WithToolTimeout(d time.Duration) ToolBridgeOption {
	return func(b *ToolBridge) {
		b.toolTimeout = d
	}
}

// ToolBridge wires MCP tools into a [engine.VoiceEngine], regardless of
// whether it is a cascade (pipeline) or speech-to-speech engine. It declares
// budget-appropriate tool definitions on the engine and routes tool calls
// back through the MCP Host for execution.
//
// ToolBridge is tied to a single engine instance and should be created when
// a voice session starts and discarded when it ends.
type ToolBridge struct {
	host        mcp.Host
	eng         voiceEngineToolAPI
	tier        mcp.BudgetTier
	toolTimeout time.Duration
}

// voiceEngineToolAPI is the narrow interface ToolBridge depends on. It
// matches [engine.VoiceEngine]'s tool-related methods exactly — both
// cascade.Engine and s2s.Engine satisfy it structurally, so a single
// ToolBridge serves either engine mode without knowing which one it's
// wired to.
type voiceEngineToolAPI interface {
	SetTools(tools []llm.ToolDefinition) error
	OnToolCall(handler func(name, args string) (string, error))
}

// NewToolBridge creates a ToolBridge that declares tools from host filtered
// by tier on eng. It immediately calls eng.SetTools with the appropriate
// definitions and registers a handler via eng.OnToolCall that routes calls to
// host.ExecuteTool, bounded by a 30-second context timeout (configurable via
// [WithToolTimeout]).
func NewToolBridge(host mcp.Host, eng voiceEngineToolAPI, tier mcp.BudgetTier, opts ...ToolBridgeOption) (*ToolBridge, error) {
	if host == nil {
		return nil, fmt.Errorf("voice: tool bridge host must not be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("voice: tool bridge engine must not be nil")
	}

	b := &ToolBridge{
		host:        host,
		eng:         eng,
		tier:        tier,
		toolTimeout: defaultToolTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}

	tools := host.AvailableTools(tier)
	if err := eng.SetTools(tools); err != nil {
		return nil, fmt.Errorf("voice: failed to set initial tools for tier %s: %w", tier, err)
	}

	eng.OnToolCall(b.handleToolCall)
	return b, nil
}

func (b *ToolBridge) handleToolCall(name, args string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.toolTimeout)
	defer cancel()

	result, err := b.host.ExecuteTool(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("voice: tool %q execution failed: %w", name, err)
	}
	return result.Content, nil
}

// UpdateTier changes the active budget tier and pushes the newly appropriate
// tool set to the engine via SetTools. ctx is checked for cancellation
// before the engine is mutated.
func (b *ToolBridge) UpdateTier(ctx context.Context, newTier mcp.BudgetTier) error {
	tools := b.host.AvailableTools(newTier)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("voice: context cancelled before updating tools: %w", err)
	}

	if err := b.eng.SetTools(tools); err != nil {
		return fmt.Errorf("voice: failed to update tools for tier %s: %w", newTier, err)
	}
	b.tier = newTier
	return nil
}

// Close deregisters the tool-call handler from the engine. It does not close
// the underlying engine or MCP Host.
func (b *ToolBridge) Close() {
	b.eng.OnToolCall(nil)
}
