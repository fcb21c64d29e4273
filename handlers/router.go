package handlers

import (
	"context"

	"discord-archiver/archive"
	"discord-archiver/config"
	"discord-archiver/models"
	"discord-archiver/utils"

	"go.uber.org/zap"
)

// Router handles live gateway events, one method per event kind.
type Router interface {
	MessageCreate(ctx context.Context, m models.RawMessage) error
	MessageUpdate(ctx context.Context, m models.RawMessage) error
	MessageDelete(ctx context.Context, guildID, channelID, messageID int64) error
	MessageDeleteBulk(ctx context.Context, guildID, channelID int64, messageIDs []int64) error
}

// ArchiveRouter applies live events to the archive session.
type ArchiveRouter struct {
	session  *archive.Session
	cfg      config.BotConfig
	auth     *utils.Auth
	shutdown func()
	log      *zap.Logger
}

// NewRouter returns a router. shutdown is called when the operator sends the shutdown command.
func NewRouter(session *archive.Session, cfg config.BotConfig, shutdown func()) *ArchiveRouter {
	return &ArchiveRouter{
		session:  session,
		cfg:      cfg,
		auth:     utils.NewAuth(cfg),
		shutdown: shutdown,
		log:      session.Logger().Named("router"),
	}
}

// MessageCreate stops the bot on the operator's shutdown command, and
// otherwise archives guild messages from channels the crawl has visited.
func (r *ArchiveRouter) MessageCreate(ctx context.Context, m models.RawMessage) error {
	if r.isShutdown(m) {
		r.log.Info("Bot shutdown", zap.Int64("operator_id", m.AuthorID))
		r.shutdown()
		return nil
	}
	if m.GuildID == 0 || !r.session.IsScanned(m.ChannelID) {
		return nil
	}
	return r.session.Archive(ctx, m, archive.SourceLive)
}

func (r *ArchiveRouter) isShutdown(m models.RawMessage) bool {
	return r.auth.IsOperator(m.AuthorID) && m.Content == r.cfg.ShutdownCommand()
}

// MessageUpdate replaces the stored rows of an edited guild message.
func (r *ArchiveRouter) MessageUpdate(ctx context.Context, m models.RawMessage) error {
	if m.GuildID == 0 {
		return nil
	}
	if err := r.session.Forget(ctx, m.GuildID, m.ChannelID, m.ID); err != nil {
		return err
	}
	return r.session.Archive(ctx, m, archive.SourceLive)
}

// MessageDelete removes the stored rows of a deleted guild message.
func (r *ArchiveRouter) MessageDelete(ctx context.Context, guildID, channelID, messageID int64) error {
	if guildID == 0 {
		return nil
	}
	return r.session.Forget(ctx, guildID, channelID, messageID)
}

// MessageDeleteBulk removes each message in turn. Every deletion commits on its own.
func (r *ArchiveRouter) MessageDeleteBulk(ctx context.Context, guildID, channelID int64, messageIDs []int64) error {
	if guildID == 0 {
		return nil
	}
	for _, id := range messageIDs {
		if err := r.session.Forget(ctx, guildID, channelID, id); err != nil {
			return err
		}
	}
	return nil
}
