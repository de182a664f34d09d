package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user is allowed to address the
// agent, per a configured allowlist of user IDs.
type PermissionChecker struct {
	allowedUsers []string
}

// NewPermissionChecker creates a PermissionChecker from a list of allowed
// Discord user IDs. An empty or nil list permits everyone.
func NewPermissionChecker(allowedUsers []string) *PermissionChecker {
	return &PermissionChecker{allowedUsers: allowedUsers}
}

// IsAllowed reports whether userID may invoke privileged voice commands.
// If no allowlist is configured, every user is allowed.
func (p *PermissionChecker) IsAllowed(userID string) bool {
	if len(p.allowedUsers) == 0 {
		return true
	}
	return slices.Contains(p.allowedUsers, userID)
}

// IsAllowedInteraction is a convenience wrapper around IsAllowed that
// extracts the author's user ID from a Discord interaction.
func (p *PermissionChecker) IsAllowedInteraction(i *discordgo.InteractionCreate) bool {
	return p.IsAllowed(InteractionUserID(i))
}

// InteractionUserID extracts the user ID from an interaction, handling both
// guild (Member) and DM (User) contexts. Returns "" if neither is present.
func InteractionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
