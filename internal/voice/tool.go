package voice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaywave/voicebridge/internal/mcp/mcphost"
	"github.com/relaywave/voicebridge/pkg/provider/llm"
)

// discordVoiceArgs is the argument object for the discord_voice tool, per
// {action, guildId, channelId?, text?}.
type discordVoiceArgs struct {
	Action    string `json:"action"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId,omitempty"`
	Text      string `json:"text,omitempty"`
}

// NewDiscordVoiceTool builds the discord_voice agent tool: it lets the model
// itself join, leave, speak in, or check the status of a guild's voice
// session, mirroring the /voice slash commands and the voice.* management
// RPC on the same [Manager].
func NewDiscordVoiceTool(manager *Manager) mcphost.BuiltinTool {
	return mcphost.BuiltinTool{
		Definition: llm.ToolDefinition{
			Name:        "discord_voice",
			Description: "Join, leave, speak in, or check the status of a Discord voice session.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":    map[string]any{"type": "string", "enum": []string{"join", "leave", "speak", "status"}},
					"guildId":   map[string]any{"type": "string"},
					"channelId": map[string]any{"type": "string"},
					"text":      map[string]any{"type": "string"},
				},
				"required": []string{"action", "guildId"},
			},
			EstimatedDurationMs: 200,
			MaxDurationMs:       5000,
		},
		Handler:     discordVoiceHandler(manager),
		DeclaredP50: 200,
		DeclaredMax: 5000,
	}
}

// discordVoiceHandler closes over manager and dispatches by action. It is
// the in-process Handler for the discord_voice [mcphost.BuiltinTool].
func discordVoiceHandler(manager *Manager) func(ctx context.Context, args string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a discordVoiceArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("discord_voice: invalid arguments: %w", err)
		}
		if a.GuildID == "" {
			return "", fmt.Errorf("discord_voice: guildId is required")
		}

		switch a.Action {
		case "join":
			if a.ChannelID == "" {
				return "", fmt.Errorf("discord_voice: channelId is required for join")
			}
			sess, err := manager.Join(ctx, a.GuildID, a.ChannelID)
			if err != nil {
				return "", fmt.Errorf("discord_voice: join failed: %w", err)
			}
			return jsonResult(map[string]any{
				"guildId":   a.GuildID,
				"channelId": sess.ChannelID(),
				"mode":      "joined",
			})

		case "leave":
			if err := manager.Leave(ctx, a.GuildID); err != nil {
				return "", fmt.Errorf("discord_voice: leave failed: %w", err)
			}
			return jsonResult(map[string]any{"guildId": a.GuildID})

		case "speak":
			sess, ok := manager.Get(a.GuildID)
			if !ok {
				return "", fmt.Errorf("discord_voice: no active session for guild %s", a.GuildID)
			}
			if err := sess.Speak(ctx, a.Text); err != nil {
				return "", fmt.Errorf("discord_voice: speak failed: %w", err)
			}
			return jsonResult(map[string]any{"guildId": a.GuildID, "spoken": a.Text})

		case "status":
			sess, ok := manager.Get(a.GuildID)
			if !ok {
				return jsonResult(map[string]any{"guildId": a.GuildID, "active": false})
			}
			return jsonResult(map[string]any{
				"guildId":   a.GuildID,
				"channelId": sess.ChannelID(),
				"active":    true,
				"state":     sess.State().String(),
			})

		default:
			return "", fmt.Errorf("discord_voice: unknown action %q", a.Action)
		}
	}
}

func jsonResult(v map[string]any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("discord_voice: encode result: %w", err)
	}
	return string(b), nil
}
