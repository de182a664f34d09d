package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestPermissionChecker_IsAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		userID  string
		want    bool
	}{
		{
			name:    "user on allowlist",
			allowed: []string{"user-456", "user-123", "user-789"},
			userID:  "user-123",
			want:    true,
		},
		{
			name:    "user not on allowlist",
			allowed: []string{"user-456", "user-789"},
			userID:  "user-123",
			want:    false,
		},
		{
			name:    "empty allowlist permits everyone",
			allowed: nil,
			userID:  "user-456",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pc := NewPermissionChecker(tt.allowed)
			got := pc.IsAllowed(tt.userID)
			if got != tt.want {
				t.Errorf("IsAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInteractionUserID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		inter *discordgo.InteractionCreate
		want  string
	}{
		{
			name: "guild member",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{User: &discordgo.User{ID: "user-1"}},
				},
			},
			want: "user-1",
		},
		{
			name: "DM user",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					User: &discordgo.User{ID: "user-2"},
				},
			},
			want: "user-2",
		},
		{
			name:  "neither present",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := InteractionUserID(tt.inter); got != tt.want {
				t.Errorf("InteractionUserID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewCommandRouter(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	if r == nil {
		t.Fatal("NewCommandRouter() returned nil")
	}
	if len(r.commands) != 0 {
		t.Errorf("expected empty commands map, got %d entries", len(r.commands))
	}
	if len(r.autocomplete) != 0 {
		t.Errorf("expected empty autocomplete map, got %d entries", len(r.autocomplete))
	}
	if len(r.components) != 0 {
		t.Errorf("expected empty components map, got %d entries", len(r.components))
	}
	if len(r.modals) != 0 {
		t.Errorf("expected empty modals map, got %d entries", len(r.modals))
	}
}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "test"}
	r.RegisterCommand("test", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Name != "test" {
		t.Errorf("expected command name 'test', got %q", cmds[0].Name)
	}
}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "npc"}
	r.RegisterCommand("npc/mute", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})
	r.RegisterCommand("npc/unmute", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 deduplicated command, got %d", len(cmds))
	}
}

func TestCommandRouter_RegisterHandler(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	called := false
	r.RegisterHandler("test", func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		called = true
	})

	// Handler without command definition should not appear in ApplicationCommands.
	cmds := r.ApplicationCommands()
	if len(cmds) != 0 {
		t.Errorf("expected 0 commands, got %d", len(cmds))
	}

	// But the handler should still be accessible.
	entry, ok := r.commands["test"]
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	entry.handler(nil, nil)
	if !called {
		t.Error("handler was not called")
	}
}
