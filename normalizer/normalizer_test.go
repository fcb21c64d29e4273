package normalizer

import (
	"strings"
	"testing"
	"time"

	"discord-archiver/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var createdAt = time.Date(2020, 5, 17, 10, 30, 0, 0, time.UTC)

func rawMessage(text string) models.RawMessage {
	return models.RawMessage{
		ID:           1001,
		AuthorID:     42,
		GuildID:      7,
		ChannelID:    9,
		CreatedAt:    createdAt,
		Content:      text,
		CleanContent: text,
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain", "hello", "hello"},
		{"newline joined", "hello\nworld", "helloworld"},
		{"crlf", "a\r\nb\rc", "abc"},
		{"literal backslash n", `one\ntwo`, "onetwo"},
		{"leading whitespace", "  \t hi there ", "hi there "},
		{"leading newline then space", "\n  x", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Normalize(rawMessage(tt.text))
			require.NotNil(t, res.Message)
			assert.Equal(t, tt.want, res.Message.Content)
			assert.Equal(t, int64(1001), res.Message.MessageID)
			assert.Equal(t, int64(42), res.Message.UserID)
			assert.Equal(t, int64(7), res.Message.ServerID)
			assert.Equal(t, int64(9), res.Message.ChannelID)
			assert.Equal(t, createdAt.UnixMilli(), res.Message.CreatedAt)
			assert.Nil(t, res.Attachment)
		})
	}
}

func TestNormalizeEmbed(t *testing.T) {
	tests := []struct {
		name  string
		embed models.Embed
		want  string
	}{
		{
			name:  "link embed",
			embed: models.Embed{Type: "link", URL: "https://example.com/a b", Title: "ignored"},
			want:  "https://example.com/a b",
		},
		{
			name:  "rich embed with url",
			embed: models.Embed{Type: "rich", URL: "https://x/y", Title: "T"},
			want:  "https://x/y",
		},
		{
			name:  "title and image",
			embed: models.Embed{Type: "rich", Title: "Cat Pic", ImageURL: "http://x/y.png"},
			want:  "CatPic http://x/y.png",
		},
		{
			name: "all fields prefers proxy",
			embed: models.Embed{
				Type:          "rich",
				Title:         "A B",
				AuthorName:    "Some One",
				Description:   "line1\nline2\r\n",
				ImageURL:      "http://direct/i.png",
				ImageProxyURL: "http://proxy/i.png",
			},
			want: "AB SomeOne line1line2 http://proxy/i.png",
		},
		{
			name:  "description only",
			embed: models.Embed{Description: "keeps  inner spaces"},
			want:  "keeps  inner spaces",
		},
		{
			name:  "link embed without url uses fields",
			embed: models.Embed{Type: "link", Title: "No Url"},
			want:  "NoUrl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := rawMessage("  \n")
			m.Embeds = []models.Embed{tt.embed}
			res := Normalize(m)
			require.NotNil(t, res.Message)
			assert.Equal(t, tt.want, res.Message.Content)
		})
	}
}

func TestNormalizeNoBody(t *testing.T) {
	tests := []struct {
		name   string
		embeds []models.Embed
	}{
		{"no embeds", nil},
		{"two embeds", []models.Embed{{URL: "https://a"}, {URL: "https://b"}}},
		{"empty embed", []models.Embed{{Type: "rich"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := rawMessage("")
			m.Embeds = tt.embeds
			res := Normalize(m)
			assert.Nil(t, res.Message)
			assert.True(t, res.Empty())
		})
	}
}

func TestNormalizeTextWinsOverEmbed(t *testing.T) {
	m := rawMessage("look at this")
	m.Embeds = []models.Embed{{Type: "link", URL: "https://example.com"}}
	res := Normalize(m)
	require.NotNil(t, res.Message)
	assert.Equal(t, "look at this", res.Message.Content)
}

func TestNormalizeAttachment(t *testing.T) {
	tests := []struct {
		name        string
		attachments []string
		want        string
	}{
		{"png", []string{"https://cdn/x.png"}, "https://cdn/x.png"},
		{"upper jpg", []string{"https://cdn/X.JPG"}, "https://cdn/X.JPG"},
		{"gif", []string{"https://cdn/a.Gif"}, "https://cdn/a.Gif"},
		{"non image", []string{"https://cdn/file.zip"}, ""},
		{"jpeg not matched", []string{"https://cdn/file.jpeg"}, ""},
		{"only first considered", []string{"https://cdn/file.txt", "https://cdn/x.png"}, ""},
		{"first image wins", []string{"https://cdn/x.png", "https://cdn/y.txt"}, "https://cdn/x.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := rawMessage("")
			m.Attachments = tt.attachments
			res := Normalize(m)
			assert.Nil(t, res.Message)
			if tt.want == "" {
				assert.Nil(t, res.Attachment)
				return
			}
			require.NotNil(t, res.Attachment)
			assert.Equal(t, tt.want, res.Attachment.URL)
			assert.Equal(t, int64(1001), res.Attachment.MessageID)
			assert.Equal(t, createdAt.UnixMilli(), res.Attachment.CreatedAt)
		})
	}
}

func TestNormalizeMessageAndAttachment(t *testing.T) {
	m := rawMessage("caption")
	m.Attachments = []string{"https://cdn/pic.png"}
	res := Normalize(m)
	require.NotNil(t, res.Message)
	require.NotNil(t, res.Attachment)
	assert.Equal(t, res.Message.MessageID, res.Attachment.MessageID)
}

func TestStripTextProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[ a-z\t\r\n\\]{0,40}`).Draw(t, "text")
		got := StripText(text)

		if strings.ContainsAny(got, "\r\n") {
			t.Fatalf("newline survived in %q", got)
		}
		if strings.Contains(got, `\n`) {
			t.Fatalf("literal newline escape survived in %q", got)
		}
		if got != strings.TrimLeft(got, " \t") {
			t.Fatalf("leading whitespace survived in %q", got)
		}
		if StripText(got) != got {
			t.Fatalf("StripText not idempotent for %q", text)
		}
	})
}

func TestEmbedURLProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		url := "https://" + rapid.StringMatching(`[a-z0-9./ ]{1,30}`).Draw(t, "url")
		embed := models.Embed{
			Type:        rapid.SampledFrom([]string{"link", "rich", "image", "video"}).Draw(t, "type"),
			URL:         url,
			Title:       rapid.String().Draw(t, "title"),
			Description: rapid.String().Draw(t, "description"),
		}
		m := rawMessage("")
		m.Embeds = []models.Embed{embed}

		res := Normalize(m)
		if res.Message == nil || res.Message.Content != url {
			t.Fatalf("expected body %q, got %+v", url, res.Message)
		}
	})
}

func TestAttachmentFirstOnlyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ext := rapid.SampledFrom([]string{".png", ".PNG", ".jpg", ".gif", ".txt", ".webp", ""}).Draw(t, "ext")
		first := "https://cdn/file" + ext
		rest := rapid.SliceOfN(rapid.SampledFrom([]string{"https://cdn/a.png", "https://cdn/b.zip"}), 0, 3).Draw(t, "rest")
		m := rawMessage("")
		m.Attachments = append([]string{first}, rest...)

		res := Normalize(m)
		lower := strings.ToLower(ext)
		want := lower == ".png" || lower == ".jpg" || lower == ".gif"
		if (res.Attachment != nil) != want {
			t.Fatalf("attachment for %q: got %v, want %v", first, res.Attachment != nil, want)
		}
	})
}
