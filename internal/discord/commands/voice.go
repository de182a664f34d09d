// Package commands implements Discord slash command handlers for VoiceBridge.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/relaywave/voicebridge/internal/discord"
	"github.com/relaywave/voicebridge/internal/voice"
)

// VoiceCommands holds the dependencies for /voice slash commands.
type VoiceCommands struct {
	manager *voice.Manager
	perms   *discord.PermissionChecker
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers with
// the bot's router.
func NewVoiceCommands(bot *discord.Bot, manager *voice.Manager, perms *discord.PermissionChecker) *VoiceCommands {
	vc := &VoiceCommands{manager: manager, perms: perms}
	vc.Register(bot.Router())
	return vc
}

// Register registers the /voice command group with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	def := vc.Definition()
	router.RegisterCommand("voice", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/voice join`, `/voice leave`, or `/voice status`.")
	})
	router.RegisterHandler("voice/join", vc.handleJoin)
	router.RegisterHandler("voice/leave", vc.handleLeave)
	router.RegisterHandler("voice/status", vc.handleStatus)
}

// Definition returns the ApplicationCommand definition for Discord.
func (vc *VoiceCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "voice",
		Description: "Bridge this voice channel to the agent",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "join",
				Description: "Join your current voice channel and start listening",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "leave",
				Description: "Leave the voice channel and end the session",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the current voice session status",
			},
		},
	}
}

// handleJoin handles /voice join.
func (vc *VoiceCommands) handleJoin(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.IsAllowedInteraction(i) {
		discord.RespondEphemeral(s, i, "You are not permitted to start a voice session.")
		return
	}

	guildID := i.GuildID
	userID := discord.InteractionUserID(i)
	vstate, err := s.State.VoiceState(guildID, userID)
	if err != nil || vstate == nil || vstate.ChannelID == "" {
		discord.RespondEphemeral(s, i, "You must be in a voice channel to use this command.")
		return
	}

	if _, active := vc.manager.Get(guildID); active {
		discord.RespondEphemeral(s, i, "A voice session is already active in this server.")
		return
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := vc.manager.Join(ctx, guildID, vstate.ChannelID)
	if err != nil {
		discord.FollowUp(s, i, fmt.Sprintf("Failed to join voice channel: %v", err))
		return
	}

	discord.FollowUp(s, i, fmt.Sprintf("Joined <#%s> and listening.", sess.ChannelID()))
}

// handleLeave handles /voice leave.
func (vc *VoiceCommands) handleLeave(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !vc.perms.IsAllowedInteraction(i) {
		discord.RespondEphemeral(s, i, "You are not permitted to end a voice session.")
		return
	}

	guildID := i.GuildID
	sess, active := vc.manager.Get(guildID)
	if !active {
		discord.RespondEphemeral(s, i, "No active voice session in this server.")
		return
	}
	channelID := sess.ChannelID()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := vc.manager.Leave(ctx, guildID); err != nil {
		discord.RespondError(s, i, fmt.Errorf("discord: leave voice session: %w", err))
		return
	}

	discord.RespondEphemeral(s, i, fmt.Sprintf("Left <#%s>.", channelID))
}

// handleStatus handles /voice status.
func (vc *VoiceCommands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	guildID := i.GuildID
	sess, active := vc.manager.Get(guildID)
	if !active {
		discord.RespondEphemeral(s, i, "No active voice session in this server.")
		return
	}

	discord.RespondEphemeral(s, i, fmt.Sprintf(
		"**Channel:** <#%s>\n**State:** %s",
		sess.ChannelID(),
		sess.State(),
	))
}
