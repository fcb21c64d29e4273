package models

// Server holds the derived counters of a community.
type Server struct {
	ServerID        int64 `db:"server_id"`
	ChannelCount    int64 `db:"channel_count"`
	UserCount       int64 `db:"user_count"`
	MessageCount    int64 `db:"message_count"`
	AttachmentCount int64 `db:"attachment_count"`
}

// ChannelStat holds the derived counters of a channel.
type ChannelStat struct {
	ChannelID       int64 `db:"channel_id"`
	ServerID        int64 `db:"server_id"`
	MessageCount    int64 `db:"message_count"`
	AttachmentCount int64 `db:"attachment_count"`
}

// User holds the derived counters of an author across every archived community.
type User struct {
	UserID          int64 `db:"user_id"`
	ServerCount     int64 `db:"server_count"`
	MessageCount    int64 `db:"message_count"`
	AttachmentCount int64 `db:"attachment_count"`
}
