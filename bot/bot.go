package bot

import (
	"fmt"
	"sync"

	"discord-archiver/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Bot encapsulates the bot's gateway session.
type Bot struct {
	Session *discordgo.Session

	cfg  config.BotConfig
	log  *zap.Logger
	done chan struct{}
	once sync.Once
}

// NewBot creates a session with the intents needed to read guild messages.
func NewBot(cfg config.BotConfig, log *zap.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("no bot token provided")
	}

	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}

	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return &Bot{
		Session: dg,
		cfg:     cfg,
		log:     log.Named("bot"),
		done:    make(chan struct{}),
	}, nil
}

// Config returns the bot configuration.
func (b *Bot) Config() config.BotConfig {
	return b.cfg
}

// Start registers handlers and opens the gateway connection.
func (b *Bot) Start(registerHandlers func(*Bot)) error {
	registerHandlers(b)

	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}

	b.log.Info("Bot is now running.")
	return nil
}

// SetPresence shows the configured activity status.
func (b *Bot) SetPresence() {
	if b.cfg.ActivityStatus == "" {
		return
	}
	if err := b.Session.UpdateGameStatus(0, b.cfg.ActivityStatus); err != nil {
		b.log.Warn("Failed to update presence", zap.Error(err))
	}
}

// Shutdown asks the process to stop. It is safe to call more than once.
func (b *Bot) Shutdown() {
	b.once.Do(func() {
		b.log.Info("Bot shutdown requested")
		close(b.done)
	})
}

// Done is closed once Shutdown has been called.
func (b *Bot) Done() <-chan struct{} {
	return b.done
}

// Stop gracefully closes the bot's session.
func (b *Bot) Stop() error {
	if b.Session == nil {
		return nil
	}
	if err := b.Session.Close(); err != nil {
		return fmt.Errorf("error closing connection: %w", err)
	}
	b.log.Info("Bot stopped gracefully.")
	return nil
}
