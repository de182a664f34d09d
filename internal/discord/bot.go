// Package discord provides the Discord bot layer for VoiceBridge. It owns
// the discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, and checks per-user permissions.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/relaywave/voicebridge/internal/voice"
	"github.com/relaywave/voicebridge/pkg/audio"
	discordaudio "github.com/relaywave/voicebridge/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token, without the "Bot " prefix; [New] adds it.
	Token string `yaml:"token"`
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers. Unlike a single-guild bot, Bot is bound to
// no particular guild: it serves commands in every guild it has been invited
// to, and hands out a fresh per-guild [audio.Platform] via [Bot.PlatformFactory].
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	router    *CommandRouter
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	router := NewCommandRouter()

	b := &Bot{
		session: session,
		router:  router,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	return b, nil
}

// PlatformFactory returns a [voice.PlatformFactory] that builds a fresh
// Discord [audio.Platform] bound to whatever guild it is asked for. Discord
// voice connections are scoped to one guild at construction time, so every
// call returns a new *discordaudio.Platform value; they are cheap and share
// the underlying gateway session.
func (b *Bot) PlatformFactory() voice.PlatformFactory {
	return func(guildID string) (audio.Platform, error) {
		b.mu.RLock()
		session := b.session
		b.mu.RUnlock()
		return discordaudio.New(session, guildID), nil
	}
}

// Session returns the underlying discordgo session. Used by subsystems
// that need direct Discord API access (e.g., dashboard embed updates).
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Run registers slash commands globally with the Discord API and blocks
// until ctx is cancelled. Global command registration can take up to an hour
// to propagate on first deploy, but applies across every guild the bot joins.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, "", cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord and unregisters commands.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		// Unregister commands.
		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, "", cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		// Close session.
		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord bot closed")
	})
	return closeErr
}
