package scanner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"discord-archiver/archive"
	"discord-archiver/config"
	"discord-archiver/database"
	"discord-archiver/metrics"
	"discord-archiver/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	guilds    []models.Guild
	channels  map[int64][]models.Channel
	history   map[int64][]models.RawMessage // by channel
	forbidden map[int64]bool
	failing   map[int64]error
	pageSize  int
}

func (f *fakeSource) Guilds(context.Context) ([]models.Guild, error) {
	return f.guilds, nil
}

func (f *fakeSource) TextChannels(_ context.Context, guildID int64) ([]models.Channel, error) {
	return f.channels[guildID], nil
}

func (f *fakeSource) History(_ context.Context, _, channelID int64, fn func([]models.RawMessage) error) error {
	if f.forbidden[channelID] {
		return fmt.Errorf("channel %d: %w", channelID, models.ErrForbidden)
	}
	if err := f.failing[channelID]; err != nil {
		return err
	}
	msgs := f.history[channelID]
	size := f.pageSize
	if size == 0 {
		size = 100
	}
	for len(msgs) > 0 {
		n := min(size, len(msgs))
		if err := fn(msgs[:n]); err != nil {
			return err
		}
		msgs = msgs[n:]
	}
	return nil
}

func newTestSession(t *testing.T) *archive.Session {
	t.Helper()
	db, err := database.InitDB(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := database.NewStore(context.Background(), db, config.DefaultSQLTemplates())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return archive.NewSession(store, nil, metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t))
}

func message(id, author, guild, channel int64, text string, attachments ...string) models.RawMessage {
	return models.RawMessage{
		ID:           id,
		AuthorID:     author,
		GuildID:      guild,
		ChannelID:    channel,
		CreatedAt:    time.Unix(1589711400+id, 0),
		Content:      text,
		CleanContent: text,
		Attachments:  attachments,
	}
}

func count(t *testing.T, s *archive.Session, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.Store().DB().QueryRow(query, args...).Scan(&n))
	return n
}

func TestRunZeroChannels(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	// Stale rows from an earlier run are wiped.
	require.NoError(t, s.Store().SaveRecord(ctx,
		&models.Message{MessageID: 1, UserID: 2, ServerID: 7, ChannelID: 9, Content: "old"},
		&models.Attachment{MessageID: 1, UserID: 2, ServerID: 7, ChannelID: 9, URL: "https://cdn/a.png"}))
	require.NoError(t, s.Store().InsertServer(ctx, models.Server{ServerID: 7}))
	require.NoError(t, s.Store().InsertChannel(ctx, models.ChannelStat{ChannelID: 9, ServerID: 7}))

	src := &fakeSource{guilds: []models.Guild{{ID: 7, Name: "empty", MemberCount: 3}}}
	require.NoError(t, New(src, s).Run(ctx))

	for _, table := range []string{"servers", "channels", "messages", "attachments"} {
		assert.Zero(t, count(t, s, "SELECT COUNT(*) FROM "+table), table)
	}
	assert.Equal(t, archive.Live, s.Phase())
}

func TestRunReadableEmptyCommunity(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	src := &fakeSource{
		guilds: []models.Guild{{ID: 7, Name: "quiet", MemberCount: 4}, {ID: 8, Name: "locked", MemberCount: 9}},
		channels: map[int64][]models.Channel{
			7: {{ID: 70, Name: "empty"}},
			8: {{ID: 80, Name: "secret"}},
		},
		forbidden: map[int64]bool{80: true},
	}
	c := New(src, s)
	require.NoError(t, c.Run(ctx))

	var server models.Server
	require.NoError(t, s.Store().DB().QueryRow(
		"SELECT server_id, channel_count, user_count, message_count, attachment_count FROM servers",
	).Scan(&server.ServerID, &server.ChannelCount, &server.UserCount, &server.MessageCount, &server.AttachmentCount))
	assert.Equal(t, models.Server{ServerID: 7, UserCount: 4}, server, "only the readable community gets a row")
	assert.Zero(t, count(t, s, "SELECT COUNT(*) FROM channels"))
	assert.Zero(t, count(t, s, "SELECT COUNT(*) FROM users"))

	require.NoError(t, c.RefreshCounters(ctx))
	assert.Equal(t, int64(1), count(t, s, "SELECT COUNT(*) FROM servers WHERE server_id = 7"))
	assert.Zero(t, count(t, s, "SELECT COUNT(*) FROM servers WHERE server_id = 8"))
}

func TestRunIsOneShot(t *testing.T) {
	s := newTestSession(t)
	c := New(&fakeSource{}, s)
	require.NoError(t, c.Run(context.Background()))
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyStarted)
}

func TestRunArchivesAndAggregates(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	src := &fakeSource{
		guilds: []models.Guild{{ID: 7, Name: "guild", MemberCount: 25}},
		channels: map[int64][]models.Channel{
			7: {{ID: 70, Name: "general"}, {ID: 71, Name: "secret"}, {ID: 72, Name: "pics"}, {ID: 73, Name: "quiet"}},
		},
		history: map[int64][]models.RawMessage{
			70: {
				message(3, 100, 7, 70, "third"),
				message(2, 101, 7, 70, "hello\nworld"),
				message(1, 100, 7, 70, ""), // no body, no attachment
			},
			72: {
				message(5, 100, 7, 72, "look", "https://cdn/cat.png"),
				message(4, 102, 7, 72, "", "https://cdn/dog.JPG"),
				message(6, 102, 7, 72, "", "https://cdn/notes.txt"),
			},
		},
		forbidden: map[int64]bool{71: true},
		pageSize:  2,
	}

	require.NoError(t, New(src, s).Run(ctx))

	// Message 4 is an image without text and yields only an attachment row.
	assert.Equal(t, int64(3), count(t, s, "SELECT COUNT(*) FROM messages"))
	assert.Equal(t, int64(2), count(t, s, "SELECT COUNT(*) FROM attachments"))

	var body string
	require.NoError(t, s.Store().DB().QueryRow("SELECT content FROM messages WHERE message_id = 2").Scan(&body))
	assert.Equal(t, "helloworld", body)

	var server models.Server
	require.NoError(t, s.Store().DB().QueryRow(
		"SELECT server_id, channel_count, user_count, message_count, attachment_count FROM servers",
	).Scan(&server.ServerID, &server.ChannelCount, &server.UserCount, &server.MessageCount, &server.AttachmentCount))
	assert.Equal(t, models.Server{ServerID: 7, ChannelCount: 2, UserCount: 25, MessageCount: 3, AttachmentCount: 2}, server)

	// Only channels with messages get a row.
	assert.Equal(t, int64(2), count(t, s, "SELECT COUNT(*) FROM channels"))
	assert.Zero(t, count(t, s, "SELECT COUNT(*) FROM channels WHERE channel_id = 73"))
	assert.Equal(t, int64(1), count(t, s, "SELECT message_count FROM channels WHERE channel_id = 72"))
	assert.Equal(t, int64(2), count(t, s, "SELECT attachment_count FROM channels WHERE channel_id = 72"))

	// Authors of messages or attachments are users.
	assert.Equal(t, int64(3), count(t, s, "SELECT COUNT(*) FROM users"))
	assert.Equal(t, int64(1), count(t, s, "SELECT attachment_count FROM users WHERE user_id = 102"))

	assert.True(t, s.IsScanned(70))
	assert.True(t, s.IsScanned(72))
	assert.True(t, s.IsScanned(73))
	assert.False(t, s.IsScanned(71), "forbidden channel must not be scanned")
}

func TestRunAbortsOnOtherErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	boom := errors.New("connection reset")
	src := &fakeSource{
		guilds: []models.Guild{{ID: 7}, {ID: 8}},
		channels: map[int64][]models.Channel{
			7: {{ID: 70}},
			8: {{ID: 80}},
		},
		history: map[int64][]models.RawMessage{80: {message(1, 100, 8, 80, "never")}},
		failing: map[int64]error{70: boom},
	}

	err := New(src, s).Run(ctx)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, count(t, s, "SELECT COUNT(*) FROM messages"))
	assert.False(t, s.IsScanned(80))
	assert.Equal(t, archive.Live, s.Phase())
}

func TestKnownAndNewUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	src := &fakeSource{
		guilds: []models.Guild{{ID: 7}, {ID: 8}},
		channels: map[int64][]models.Channel{
			7: {{ID: 70}},
			8: {{ID: 80}},
		},
		history: map[int64][]models.RawMessage{
			70: {message(1, 100, 7, 70, "a"), message(2, 100, 7, 70, "b")},
			80: {message(3, 100, 8, 80, "c"), message(4, 200, 8, 80, "d")},
		},
	}
	require.NoError(t, New(src, s).Run(ctx))

	// User 100 was inserted by guild 7 and recomputed as known by guild 8.
	assert.Equal(t, int64(2), count(t, s, "SELECT server_count FROM users WHERE user_id = 100"))
	assert.Equal(t, int64(3), count(t, s, "SELECT message_count FROM users WHERE user_id = 100"))
	// User 200 is new to guild 8.
	assert.Equal(t, int64(1), count(t, s, "SELECT server_count FROM users WHERE user_id = 200"))
	assert.Equal(t, int64(1), count(t, s, "SELECT message_count FROM users WHERE user_id = 200"))
}

func TestLiveMessageDuringReplayIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	require.NoError(t, s.Archive(ctx, message(1, 100, 7, 70, "already here"), archive.SourceLive))

	src := &fakeSource{
		guilds:   []models.Guild{{ID: 7}},
		channels: map[int64][]models.Channel{7: {{ID: 70}}},
		history:  map[int64][]models.RawMessage{70: {message(1, 100, 7, 70, "already here")}},
	}
	// The wipe removes the live row, so the replay inserts it again without conflict.
	require.NoError(t, New(src, s).Run(ctx))
	assert.Equal(t, int64(1), count(t, s, "SELECT COUNT(*) FROM messages"))
}

func TestRefreshCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	src := &fakeSource{
		guilds:   []models.Guild{{ID: 7, MemberCount: 2}},
		channels: map[int64][]models.Channel{7: {{ID: 70}}},
		history:  map[int64][]models.RawMessage{70: {message(1, 100, 7, 70, "a")}},
	}
	c := New(src, s)

	assert.ErrorIs(t, c.RefreshCounters(ctx), ErrBusy, "refresh before the crawl")
	require.NoError(t, c.Run(ctx))

	require.NoError(t, s.Archive(ctx, message(2, 100, 7, 70, "b"), archive.SourceLive))
	src.guilds[0].MemberCount = 5

	require.NoError(t, c.RefreshCounters(ctx))
	assert.Equal(t, int64(2), count(t, s, "SELECT message_count FROM servers WHERE server_id = 7"))
	assert.Equal(t, int64(5), count(t, s, "SELECT user_count FROM servers WHERE server_id = 7"))
	assert.Equal(t, int64(2), count(t, s, "SELECT message_count FROM channels WHERE channel_id = 70"))
	assert.Equal(t, int64(2), count(t, s, "SELECT message_count FROM users WHERE user_id = 100"))
	assert.Equal(t, archive.Live, s.Phase())
}
