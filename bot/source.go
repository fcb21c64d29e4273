package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"discord-archiver/models"

	"github.com/bwmarrin/discordgo"
)

// historyPageSize is the maximum page size of the channel messages endpoint.
const historyPageSize = 100

// restClient is the part of a discordgo session the crawler needs.
type restClient interface {
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildWithCounts(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Source reads communities, channels, and history over the Discord REST API.
type Source struct {
	client restClient
	guilds func() []*discordgo.Guild
}

// NewSource returns a Source backed by a connected session. Guilds are taken
// from the session state, which is filled by the gateway on Ready.
func NewSource(s *discordgo.Session) *Source {
	return &Source{
		client: s,
		guilds: func() []*discordgo.Guild {
			s.State.RLock()
			defer s.State.RUnlock()
			return append([]*discordgo.Guild(nil), s.State.Guilds...)
		},
	}
}

func (src *Source) Guilds(ctx context.Context) ([]models.Guild, error) {
	var guilds []models.Guild
	for _, g := range src.guilds() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := ParseID(g.ID)
		if err != nil {
			return nil, err
		}

		name, members := g.Name, g.MemberCount
		if full, err := src.client.GuildWithCounts(g.ID, discordgo.WithContext(ctx)); err == nil {
			name, members = full.Name, full.ApproximateMemberCount
		} else if members == 0 {
			return nil, fmt.Errorf("failed to get member count for guild %s: %w", g.ID, mapError(err))
		}

		guilds = append(guilds, models.Guild{ID: id, Name: name, MemberCount: members})
	}
	return guilds, nil
}

func (src *Source) TextChannels(ctx context.Context, guildID int64) ([]models.Channel, error) {
	channels, err := src.client.GuildChannels(FormatID(guildID), discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}

	var text []models.Channel
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		id, err := ParseID(ch.ID)
		if err != nil {
			return nil, err
		}
		text = append(text, models.Channel{ID: id, Name: ch.Name})
	}
	return text, nil
}

// History pages backwards from the newest message until the channel is exhausted.
func (src *Source) History(ctx context.Context, guildID, channelID int64, fn func([]models.RawMessage) error) error {
	before := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := src.client.ChannelMessages(FormatID(channelID), historyPageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return mapError(err)
		}
		if len(page) == 0 {
			return nil
		}

		batch := make([]models.RawMessage, 0, len(page))
		for _, m := range page {
			raw, err := ToRawMessage(m)
			if err != nil {
				return err
			}
			// History messages do not carry a guild id.
			raw.GuildID = guildID
			batch = append(batch, raw)
		}
		if err := fn(batch); err != nil {
			return err
		}

		if len(page) < historyPageSize {
			return nil
		}
		before = page[len(page)-1].ID
	}
}

// mapError turns a 403 response into models.ErrForbidden.
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %v", models.ErrForbidden, err)
	}
	return err
}

// ParseID parses a snowflake. The empty string is 0.
func ParseID(id string) (int64, error) {
	if id == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", id, err)
	}
	return n, nil
}

// FormatID formats a snowflake for the REST API.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ToRawMessage converts a full discordgo message. Partial messages without an
// author are rejected.
func ToRawMessage(m *discordgo.Message) (models.RawMessage, error) {
	if m.Author == nil {
		return models.RawMessage{}, fmt.Errorf("message %s has no author", m.ID)
	}

	var raw models.RawMessage
	var err error
	if raw.ID, err = ParseID(m.ID); err != nil {
		return raw, err
	}
	if raw.AuthorID, err = ParseID(m.Author.ID); err != nil {
		return raw, err
	}
	if raw.GuildID, err = ParseID(m.GuildID); err != nil {
		return raw, err
	}
	if raw.ChannelID, err = ParseID(m.ChannelID); err != nil {
		return raw, err
	}

	raw.CreatedAt = m.Timestamp
	if raw.CreatedAt.IsZero() {
		if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			raw.CreatedAt = ts
		}
	}
	raw.Content = m.Content
	raw.CleanContent = m.ContentWithMentionsReplaced()

	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		embed := models.Embed{
			Type:        string(e.Type),
			URL:         e.URL,
			Title:       e.Title,
			Description: e.Description,
		}
		if e.Author != nil {
			embed.AuthorName = e.Author.Name
		}
		if e.Image != nil {
			embed.ImageURL = e.Image.URL
			embed.ImageProxyURL = e.Image.ProxyURL
		}
		raw.Embeds = append(raw.Embeds, embed)
	}

	for _, a := range m.Attachments {
		if a != nil {
			raw.Attachments = append(raw.Attachments, a.URL)
		}
	}
	return raw, nil
}
