package handlers

import (
	"context"
	"errors"
	"time"

	"discord-archiver/bot"
	"discord-archiver/scanner"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// eventTimeout bounds the database work of a single live event.
const eventTimeout = 30 * time.Second

// Crawl runs the historical crawl once.
type Crawl interface {
	Run(ctx context.Context) error
}

// Adapter turns discordgo callbacks into Router calls.
type Adapter struct {
	ctx    context.Context
	router Router
	crawl  Crawl
	bot    *bot.Bot
	log    *zap.Logger
}

// NewAdapter returns an adapter whose handlers run under ctx.
func NewAdapter(ctx context.Context, router Router, crawl Crawl, b *bot.Bot, log *zap.Logger) *Adapter {
	return &Adapter{ctx: ctx, router: router, crawl: crawl, bot: b, log: log.Named("handlers")}
}

// Register all handlers to the bot.
func (a *Adapter) Register(b *bot.Bot) {
	b.Session.AddHandler(a.onReady)
	b.Session.AddHandler(a.onMessageCreate)
	b.Session.AddHandler(a.onMessageUpdate)
	b.Session.AddHandler(a.onMessageDelete)
	b.Session.AddHandler(a.onMessageDeleteBulk)
}

// onReady sets the presence and starts the one-shot crawl in the background.
// Ready fires again after a reconnect; the crawl ignores every call but the first.
func (a *Adapter) onReady(s *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.log.Info("Logged in", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
	}
	if a.bot != nil {
		a.bot.SetPresence()
	}

	go func() {
		if err := a.crawl.Run(a.ctx); err != nil && !errors.Is(err, scanner.ErrAlreadyStarted) {
			a.log.Error("Initial crawl failed", zap.Error(err))
		}
	}()
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	raw, err := bot.ToRawMessage(m.Message)
	if err != nil {
		a.log.Warn("Dropping malformed message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, eventTimeout)
	defer cancel()
	if err := a.router.MessageCreate(ctx, raw); err != nil {
		a.log.Error("Failed to archive message", zap.Int64("message_id", raw.ID), zap.Int64("channel_id", raw.ChannelID), zap.Error(err))
	}
}

func (a *Adapter) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Message == nil || m.GuildID == "" {
		return
	}

	msg := m.Message
	if msg.Author == nil {
		// Partial update, e.g. an embed resolving. Fetch the full message.
		full, err := s.ChannelMessage(m.ChannelID, m.ID)
		if err != nil {
			a.log.Warn("Failed to fetch edited message", zap.String("message_id", m.ID), zap.Error(err))
			return
		}
		full.GuildID = m.GuildID
		msg = full
	}

	raw, err := bot.ToRawMessage(msg)
	if err != nil {
		a.log.Warn("Dropping malformed edit", zap.String("message_id", m.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, eventTimeout)
	defer cancel()
	if err := a.router.MessageUpdate(ctx, raw); err != nil {
		a.log.Error("Failed to apply edit", zap.Int64("message_id", raw.ID), zap.Error(err))
	}
}

func (a *Adapter) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	guildID, channelID, err := parsePair(m.GuildID, m.ChannelID)
	if err != nil {
		a.log.Warn("Dropping malformed delete", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	messageID, err := bot.ParseID(m.ID)
	if err != nil {
		a.log.Warn("Dropping malformed delete", zap.String("message_id", m.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, eventTimeout)
	defer cancel()
	if err := a.router.MessageDelete(ctx, guildID, channelID, messageID); err != nil {
		a.log.Error("Failed to apply delete", zap.Int64("message_id", messageID), zap.Error(err))
	}
}

func (a *Adapter) onMessageDeleteBulk(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) {
	guildID, channelID, err := parsePair(m.GuildID, m.ChannelID)
	if err != nil {
		a.log.Warn("Dropping malformed bulk delete", zap.Error(err))
		return
	}

	ids := make([]int64, 0, len(m.Messages))
	for _, s := range m.Messages {
		id, err := bot.ParseID(s)
		if err != nil {
			a.log.Warn("Dropping malformed bulk delete", zap.Error(err))
			return
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(a.ctx, eventTimeout)
	defer cancel()
	if err := a.router.MessageDeleteBulk(ctx, guildID, channelID, ids); err != nil {
		a.log.Error("Failed to apply bulk delete", zap.Int("messages", len(ids)), zap.Error(err))
	}
}

func parsePair(guild, channel string) (int64, int64, error) {
	guildID, err := bot.ParseID(guild)
	if err != nil {
		return 0, 0, err
	}
	channelID, err := bot.ParseID(channel)
	if err != nil {
		return 0, 0, err
	}
	return guildID, channelID, nil
}
