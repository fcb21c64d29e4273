// Package normalizer turns raw chat messages into the rows the archive stores.
package normalizer

import (
	"strings"
	"unicode"

	"discord-archiver/models"
)

var imageExtensions = []string{".png", ".jpg", ".gif"}

var newlineStripper = strings.NewReplacer("\r\n", "", "\n", "", "\r", "", `\n`, "")

// Result is the output of Normalize. Either field may be nil.
type Result struct {
	Message    *models.Message
	Attachment *models.Attachment
}

// Empty reports whether nothing should be stored for the message.
func (r Result) Empty() bool {
	return r.Message == nil && r.Attachment == nil
}

// Normalize converts a raw message into at most one Message and one Attachment row.
func Normalize(m models.RawMessage) Result {
	var res Result
	createdAt := m.CreatedAt.UnixMilli()

	if body, ok := Body(m); ok {
		res.Message = &models.Message{
			MessageID: m.ID,
			UserID:    m.AuthorID,
			ServerID:  m.GuildID,
			ChannelID: m.ChannelID,
			CreatedAt: createdAt,
			Content:   body,
		}
	}

	if len(m.Attachments) > 0 && IsImageURL(m.Attachments[0]) {
		res.Attachment = &models.Attachment{
			MessageID: m.ID,
			UserID:    m.AuthorID,
			ServerID:  m.GuildID,
			ChannelID: m.ChannelID,
			CreatedAt: createdAt,
			URL:       m.Attachments[0],
		}
	}

	return res
}

// Body returns the canonical text of a message. Stripped text wins; an
// empty-text message with exactly one embed falls back to the embed's text.
func Body(m models.RawMessage) (string, bool) {
	if text := StripText(m.CleanContent); text != "" {
		return text, true
	}
	if len(m.Embeds) != 1 {
		return "", false
	}
	body := EmbedText(m.Embeds[0])
	return body, body != ""
}

// StripText removes every newline variant and any leading whitespace.
func StripText(s string) string {
	// Removing one sequence can join a backslash and an 'n' into a new one.
	for {
		stripped := newlineStripper.Replace(s)
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}

// EmbedText synthesizes a text body for an embed.
func EmbedText(e models.Embed) string {
	if e.URL != "" {
		// Covers link embeds too; a link embed without a URL falls through to its fields.
		return e.URL
	}

	var parts []string
	if e.Title != "" {
		parts = append(parts, strings.ReplaceAll(e.Title, " ", ""))
	}
	if e.AuthorName != "" {
		parts = append(parts, strings.ReplaceAll(e.AuthorName, " ", ""))
	}
	if e.Description != "" {
		parts = append(parts, strings.NewReplacer("\r", "", "\n", "").Replace(e.Description))
	}
	if e.ImageProxyURL != "" {
		parts = append(parts, e.ImageProxyURL)
	} else if e.ImageURL != "" {
		parts = append(parts, e.ImageURL)
	}
	return strings.Join(parts, " ")
}

// IsImageURL reports whether url ends in one of the archived image extensions.
func IsImageURL(url string) bool {
	lower := strings.ToLower(url)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
