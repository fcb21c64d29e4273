package models

import (
	"errors"
	"time"
)

// ErrForbidden is returned by a history source when the bot lacks read access to a channel.
var ErrForbidden = errors.New("missing access")

// Embed is the subset of a Discord embed the normalizer looks at.
// Empty strings mean the field is absent.
type Embed struct {
	Type          string
	URL           string
	Title         string
	AuthorName    string
	Description   string
	ImageURL      string
	ImageProxyURL string
}

// RawMessage is a chat message as received from the gateway or a history page.
type RawMessage struct {
	ID           int64
	AuthorID     int64
	GuildID      int64 // 0 for direct messages
	ChannelID    int64
	CreatedAt    time.Time
	Content      string // raw content, used for command matching
	CleanContent string // content with mentions resolved
	Embeds       []Embed
	Attachments  []string // attachment URLs in message order
}

// Message is a row of the messages table.
type Message struct {
	MessageID int64  `db:"message_id"`
	UserID    int64  `db:"user_id"`
	ServerID  int64  `db:"server_id"`
	ChannelID int64  `db:"channel_id"`
	CreatedAt int64  `db:"created_at"` // unix milliseconds
	Content   string `db:"content"`
}

// Attachment is a row of the attachments table. It shares its message's ID.
type Attachment struct {
	MessageID int64  `db:"message_id"`
	UserID    int64  `db:"user_id"`
	ServerID  int64  `db:"server_id"`
	ChannelID int64  `db:"channel_id"`
	CreatedAt int64  `db:"created_at"`
	URL       string `db:"url"`
}

// Guild is a community visible to the bot.
type Guild struct {
	ID          int64
	Name        string
	MemberCount int
}

// Channel is a text channel of a guild.
type Channel struct {
	ID   int64
	Name string
}
