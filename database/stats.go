package database

import (
	"context"
	"fmt"

	"discord-archiver/models"
)

// ServerCounts returns the distinct channel, message, and attachment counts of a community.
func (s *Store) ServerCounts(ctx context.Context, serverID int64) (channels, messages, attachments int64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT channel_id) FROM messages WHERE server_id = ?),
			(SELECT COUNT(*) FROM messages WHERE server_id = ?),
			(SELECT COUNT(*) FROM attachments WHERE server_id = ?)`,
		serverID, serverID, serverID)
	if err = row.Scan(&channels, &messages, &attachments); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count server %d: %w", serverID, err)
	}
	return channels, messages, attachments, nil
}

// ChannelStats returns counters for every channel of a community that holds at least one message.
func (s *Store) ChannelStats(ctx context.Context, serverID int64) ([]models.ChannelStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.channel_id, COUNT(*),
			(SELECT COUNT(*) FROM attachments a WHERE a.channel_id = m.channel_id)
		FROM messages m
		WHERE m.server_id = ?
		GROUP BY m.channel_id
		ORDER BY m.channel_id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel stats for server %d: %w", serverID, err)
	}
	defer rows.Close()

	var stats []models.ChannelStat
	for rows.Next() {
		c := models.ChannelStat{ServerID: serverID}
		if err := rows.Scan(&c.ChannelID, &c.MessageCount, &c.AttachmentCount); err != nil {
			return nil, fmt.Errorf("failed to scan channel stat: %w", err)
		}
		stats = append(stats, c)
	}
	return stats, rows.Err()
}

// KnownUserIDs returns every user already present in the users table.
func (s *Store) KnownUserIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	known := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		known[id] = true
	}
	return known, rows.Err()
}

// ServerUserIDs returns the authors of any message or attachment in a community.
func (s *Store) ServerUserIDs(ctx context.Context, serverID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM messages WHERE server_id = ?
		UNION
		SELECT user_id FROM attachments WHERE server_id = ?
		ORDER BY user_id`, serverID, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query users of server %d: %w", serverID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserCounts recomputes a user's counters across every archived community.
func (s *Store) UserCounts(ctx context.Context, userID int64) (models.User, error) {
	u := models.User{UserID: userID}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT server_id) FROM messages WHERE user_id = ?),
			(SELECT COUNT(*) FROM messages WHERE user_id = ?),
			(SELECT COUNT(*) FROM attachments WHERE user_id = ?)`,
		userID, userID, userID)
	if err := row.Scan(&u.ServerCount, &u.MessageCount, &u.AttachmentCount); err != nil {
		return u, fmt.Errorf("failed to count user %d: %w", userID, err)
	}
	return u, nil
}

// ArchiveTotals returns the row counts of the messages and attachments tables.
func (s *Store) ArchiveTotals(ctx context.Context) (messages, attachments int64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM messages), (SELECT COUNT(*) FROM attachments)`)
	if err = row.Scan(&messages, &attachments); err != nil {
		return 0, 0, fmt.Errorf("failed to count archive: %w", err)
	}
	return messages, attachments, nil
}
