package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-archiver/archive"
	"discord-archiver/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned when the one-shot crawl has already been claimed.
var ErrAlreadyStarted = errors.New("crawl already started")

// ErrBusy is returned when counter work is already running.
var ErrBusy = errors.New("crawl or counter refresh in progress")

// Source is the chat platform as seen by the crawler.
type Source interface {
	// Guilds lists every community the bot can see, with live member counts.
	Guilds(ctx context.Context) ([]models.Guild, error)
	// TextChannels lists the text channels of a community in platform order.
	TextChannels(ctx context.Context, guildID int64) ([]models.Channel, error)
	// History pages through the complete history of a channel. It returns an
	// error wrapping models.ErrForbidden when the channel cannot be read.
	History(ctx context.Context, guildID, channelID int64, fn func([]models.RawMessage) error) error
}

// Crawler rebuilds the archive of every visible community.
type Crawler struct {
	source  Source
	session *archive.Session
	log     *zap.Logger

	// readable holds the communities with at least one readable channel.
	// Only touched while holding the session's counter-work lock.
	readable map[int64]bool
}

func New(source Source, session *archive.Session) *Crawler {
	return &Crawler{
		source:   source,
		session:  session,
		log:      session.Logger().Named("scanner"),
		readable: make(map[int64]bool),
	}
}

// Run wipes, replays, and aggregates every community in turn. It runs at most
// once per session. Any error other than a forbidden channel aborts the
// remaining communities. The session ends in the Live phase either way.
func (c *Crawler) Run(ctx context.Context) error {
	runID := uuid.NewString()
	if !c.session.Begin(runID) {
		return ErrAlreadyStarted
	}
	if !c.session.TryAcquire() {
		return ErrBusy
	}
	defer c.session.Release()

	log := c.log.With(zap.String("run_id", runID))
	log.Info("Starting the scanning process...")
	start := time.Now()

	err := c.crawl(ctx, log)

	c.session.Metrics().RecordCrawlDuration(time.Since(start).Seconds())
	if terr := c.session.Transition(archive.Live); terr != nil {
		log.Error("Failed to enter live phase", zap.Error(terr))
	}

	if err != nil {
		log.Error("Scanning process aborted", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}
	log.Info("Scanning process finished.", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Crawler) crawl(ctx context.Context, log *zap.Logger) error {
	guilds, err := c.source.Guilds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list guilds: %w", err)
	}

	for _, g := range guilds {
		if err := c.crawlGuild(ctx, log.With(zap.Int64("guild_id", g.ID)), g); err != nil {
			return fmt.Errorf("guild %d: %w", g.ID, err)
		}
	}
	return nil
}

func (c *Crawler) crawlGuild(ctx context.Context, log *zap.Logger, g models.Guild) error {
	if err := c.session.Transition(archive.Wipe); err != nil {
		return err
	}
	if err := c.session.Wipe(ctx, g.ID); err != nil {
		return err
	}

	if err := c.session.Transition(archive.Replay); err != nil {
		return err
	}
	log.Info("Reading guild history", zap.String("guild", g.Name))

	channels, err := c.source.TextChannels(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("failed to get channels: %w", err)
	}

	c.readable[g.ID] = false
	for _, ch := range channels {
		ok, err := c.replayChannel(ctx, log, g.ID, ch)
		if err != nil {
			return err
		}
		if ok {
			c.readable[g.ID] = true
		}
	}

	if err := c.session.Transition(archive.Aggregate); err != nil {
		return err
	}
	if err := c.aggregate(ctx, g); err != nil {
		return err
	}
	log.Info("Finished reading guild history", zap.String("guild", g.Name))
	return nil
}

// replayChannel archives the full history of one channel and reports whether
// it could be read. A forbidden channel is logged and skipped.
func (c *Crawler) replayChannel(ctx context.Context, log *zap.Logger, guildID int64, ch models.Channel) (bool, error) {
	log = log.With(zap.Int64("channel_id", ch.ID), zap.String("channel", ch.Name))
	log.Info("Reading channel history")

	// Marked before the fetch so live messages arriving meanwhile are kept.
	c.session.MarkScanned(ch.ID)

	var count int
	err := c.source.History(ctx, guildID, ch.ID, func(batch []models.RawMessage) error {
		for _, m := range batch {
			if err := c.session.Archive(ctx, m, archive.SourceCrawl); err != nil {
				return err
			}
		}
		count += len(batch)
		return nil
	})
	if errors.Is(err, models.ErrForbidden) {
		c.session.UnmarkScanned(ch.ID)
		c.session.Metrics().RecordSkippedChannel()
		log.Warn("Channel could not be read, skipping", zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("channel %d: %w", ch.ID, err)
	}

	log.Info("Finished reading channel history", zap.Int("messages", count))
	return true, nil
}

// aggregate writes the server, channel, and user counters of a community.
// The server and channel rows must not exist yet. A community without a
// single readable channel gets no rows at all.
func (c *Crawler) aggregate(ctx context.Context, g models.Guild) error {
	if !c.readable[g.ID] {
		return nil
	}
	store := c.session.Store()

	channels, messages, attachments, err := store.ServerCounts(ctx, g.ID)
	if err != nil {
		return err
	}
	if err := store.InsertServer(ctx, models.Server{
		ServerID:        g.ID,
		ChannelCount:    channels,
		UserCount:       int64(g.MemberCount),
		MessageCount:    messages,
		AttachmentCount: attachments,
	}); err != nil {
		return err
	}

	stats, err := store.ChannelStats(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, st := range stats {
		if err := store.InsertChannel(ctx, st); err != nil {
			return err
		}
	}

	// Known users are looked up across every community, not just this one.
	known, err := store.KnownUserIDs(ctx)
	if err != nil {
		return err
	}
	users, err := store.ServerUserIDs(ctx, g.ID)
	if err != nil {
		return err
	}
	for _, id := range users {
		u, err := store.UserCounts(ctx, id)
		if err != nil {
			return err
		}
		if !known[id] {
			u.ServerCount = 1
		}
		if err := store.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// RefreshCounters recomputes the counters of every visible community without
// touching messages or attachments. It only runs once the crawl has finished.
func (c *Crawler) RefreshCounters(ctx context.Context) error {
	if c.session.Phase() != archive.Live {
		return ErrBusy
	}
	if !c.session.TryAcquire() {
		return ErrBusy
	}
	defer c.session.Release()

	if err := c.session.Transition(archive.Aggregate); err != nil {
		return err
	}
	defer func() {
		if err := c.session.Transition(archive.Live); err != nil {
			c.log.Error("Failed to return to live phase", zap.Error(err))
		}
	}()

	guilds, err := c.source.Guilds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list guilds: %w", err)
	}

	start := time.Now()
	for _, g := range guilds {
		if err := c.session.Store().ResetCounters(ctx, g.ID); err != nil {
			return err
		}
		if err := c.aggregate(ctx, g); err != nil {
			return fmt.Errorf("guild %d: %w", g.ID, err)
		}
	}
	c.log.Info("Counters refreshed", zap.Int("guilds", len(guilds)), zap.Duration("elapsed", time.Since(start)))
	return nil
}
