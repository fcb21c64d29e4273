package database

import (
	"context"
	"path/filepath"
	"testing"

	"discord-archiver/config"
	"discord-archiver/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(context.Background(), db, config.DefaultSQLTemplates())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func msg(id, user, server, channel int64) *models.Message {
	return &models.Message{MessageID: id, UserID: user, ServerID: server, ChannelID: channel, CreatedAt: 1589711400000, Content: "hi"}
}

func att(id, user, server, channel int64) *models.Attachment {
	return &models.Attachment{MessageID: id, UserID: user, ServerID: server, ChannelID: channel, CreatedAt: 1589711400000, URL: "https://cdn/x.png"}
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	res, err := Migrate(store.DB())
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Dirty)
	assert.Equal(t, uint(1), res.Version)
}

func TestSaveRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveRecord(ctx, msg(1, 10, 100, 1000), att(1, 10, 100, 1000)))
	require.NoError(t, store.SaveRecord(ctx, nil, att(2, 10, 100, 1000)))
	require.NoError(t, store.SaveRecord(ctx, nil, nil))

	assert.Equal(t, 1, countRows(t, store, "messages"))
	assert.Equal(t, 2, countRows(t, store, "attachments"))

	var content string
	require.NoError(t, store.DB().QueryRow("SELECT content FROM messages WHERE message_id = ?", 1).Scan(&content))
	assert.Equal(t, "hi", content)
}

func TestSaveRecordDuplicateRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.InsertMessage(ctx, *msg(1, 10, 100, 1000)))

	err := store.SaveRecord(ctx, msg(1, 10, 100, 1000), att(1, 10, 100, 1000))
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 0, countRows(t, store, "attachments"))

	err = store.InsertMessage(ctx, *msg(1, 10, 100, 1000))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSaveRecordSingleRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveRecord(ctx, msg(1, 10, 100, 1000), nil))
	require.NoError(t, store.SaveRecord(ctx, nil, att(2, 10, 100, 1000)))
	assert.Equal(t, 1, countRows(t, store, "messages"))
	assert.Equal(t, 1, countRows(t, store, "attachments"))

	// Single rows go through the plain insert and keep the duplicate mapping.
	assert.ErrorIs(t, store.SaveRecord(ctx, msg(1, 10, 100, 1000), nil), ErrDuplicate)
	assert.ErrorIs(t, store.InsertAttachment(ctx, *att(2, 10, 100, 1000)), ErrDuplicate)
}

func TestDeleteMessageRemovesPair(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SaveRecord(ctx, msg(1, 10, 100, 1000), att(1, 10, 100, 1000)))
	require.NoError(t, store.SaveRecord(ctx, msg(2, 10, 100, 1000), att(2, 10, 100, 1000)))

	require.NoError(t, store.DeleteMessage(ctx, 1))
	assert.Equal(t, 1, countRows(t, store, "messages"))
	assert.Equal(t, 1, countRows(t, store, "attachments"))

	// Missing rows are not an error.
	require.NoError(t, store.DeleteMessage(ctx, 99))

	require.NoError(t, store.DeleteAttachment(ctx, 2))
	assert.Equal(t, 1, countRows(t, store, "messages"))
	assert.Equal(t, 0, countRows(t, store, "attachments"))
}

func TestWipeServerIsScoped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, server := range []int64{100, 200} {
		require.NoError(t, store.SaveRecord(ctx, msg(server+1, 10, server, server*10), att(server+1, 10, server, server*10)))
		require.NoError(t, store.InsertServer(ctx, models.Server{ServerID: server, ChannelCount: 1, UserCount: 3, MessageCount: 1, AttachmentCount: 1}))
		require.NoError(t, store.InsertChannel(ctx, models.ChannelStat{ChannelID: server * 10, ServerID: server, MessageCount: 1, AttachmentCount: 1}))
	}
	require.NoError(t, store.UpsertUser(ctx, models.User{UserID: 10, ServerCount: 2, MessageCount: 2, AttachmentCount: 2}))

	require.NoError(t, store.WipeServer(ctx, 100))

	for _, table := range []string{"servers", "channels", "messages", "attachments"} {
		assert.Equal(t, 1, countRows(t, store, table), table)
	}
	assert.Equal(t, 1, countRows(t, store, "users"))

	var server int64
	require.NoError(t, store.DB().QueryRow("SELECT server_id FROM messages").Scan(&server))
	assert.Equal(t, int64(200), server)
}

func TestUpsertUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertUser(ctx, models.User{UserID: 5, ServerCount: 1, MessageCount: 3}))
	require.NoError(t, store.UpsertUser(ctx, models.User{UserID: 5, ServerCount: 2, MessageCount: 7, AttachmentCount: 1}))

	assert.Equal(t, 1, countRows(t, store, "users"))

	var u models.User
	require.NoError(t, store.DB().QueryRow(
		"SELECT user_id, server_count, message_count, attachment_count FROM users WHERE user_id = ?", 5,
	).Scan(&u.UserID, &u.ServerCount, &u.MessageCount, &u.AttachmentCount))
	assert.Equal(t, models.User{UserID: 5, ServerCount: 2, MessageCount: 7, AttachmentCount: 1}, u)

	known, err := store.KnownUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{5: true}, known)
}

func TestAggregateQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Server 100: channel 1 has two messages and one attachment, channel 2 has one message.
	require.NoError(t, store.SaveRecord(ctx, msg(1, 10, 100, 1), att(1, 10, 100, 1)))
	require.NoError(t, store.SaveRecord(ctx, msg(2, 11, 100, 1), nil))
	require.NoError(t, store.SaveRecord(ctx, msg(3, 10, 100, 2), nil))
	// Attachment-only author in channel 3.
	require.NoError(t, store.SaveRecord(ctx, nil, att(4, 12, 100, 3)))
	// Same user elsewhere.
	require.NoError(t, store.SaveRecord(ctx, msg(5, 10, 200, 9), nil))

	channels, messages, attachments, err := store.ServerCounts(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), channels)
	assert.Equal(t, int64(3), messages)
	assert.Equal(t, int64(2), attachments)

	stats, err := store.ChannelStats(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []models.ChannelStat{
		{ChannelID: 1, ServerID: 100, MessageCount: 2, AttachmentCount: 1},
		{ChannelID: 2, ServerID: 100, MessageCount: 1, AttachmentCount: 0},
	}, stats)

	users, err := store.ServerUserIDs(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, users)

	u, err := store.UserCounts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, models.User{UserID: 10, ServerCount: 2, MessageCount: 3, AttachmentCount: 1}, u)

	m, a, err := store.ArchiveTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m)
	assert.Equal(t, int64(2), a)
}

func TestNewStoreRejectsBadTemplates(t *testing.T) {
	store := newTestStore(t)
	tmpl := config.DefaultSQLTemplates()
	tmpl.InsertServers = "INSERT INTO servers VALUES (?)"

	_, err := NewStore(context.Background(), store.DB(), tmpl)
	require.Error(t, err)
}
