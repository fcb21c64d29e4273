package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"discord-archiver/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ColorInfo  = 0x00ff00 // Green
	ColorWarn  = 0xffff00 // Yellow
	ColorError = 0xff0000 // Red
)

// EmbedSender is the part of a discordgo session used to post log embeds.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// AdminChannel mirrors warnings and errors to a Discord channel once a session is attached.
type AdminChannel struct {
	mu        sync.RWMutex
	sender    EmbedSender
	channelID string
}

// Attach starts mirroring to channelID. An empty channelID keeps mirroring disabled.
func (a *AdminChannel) Attach(sender EmbedSender, channelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sender = sender
	a.channelID = channelID
}

// Detach stops mirroring, e.g. before the session is closed.
func (a *AdminChannel) Detach() {
	a.Attach(nil, "")
}

func (a *AdminChannel) target() (EmbedSender, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sender == nil || a.channelID == "" {
		return nil, ""
	}
	return a.sender, a.channelID
}

// NewLogger builds the process logger: console output on stderr, an optional
// JSON file, and the admin channel mirror for WARN and above.
func NewLogger(cfg config.LogConfig) (*zap.Logger, *AdminChannel, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level),
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level))
	}

	admin := &AdminChannel{}
	cores = append(cores, NewAdminCore(admin, zapcore.WarnLevel))

	return zap.New(zapcore.NewTee(cores...)), admin, nil
}

// NewAdminCore returns a zapcore.Core that posts entries at or above level to the admin channel.
func NewAdminCore(admin *AdminChannel, level zapcore.LevelEnabler) zapcore.Core {
	return &adminCore{LevelEnabler: level, admin: admin}
}

type adminCore struct {
	zapcore.LevelEnabler
	admin  *AdminChannel
	fields []zapcore.Field
}

func (c *adminCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *adminCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}
	if sender, _ := c.admin.target(); sender == nil {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *adminCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	sender, channelID := c.admin.target()
	if sender == nil {
		return nil
	}

	_, err := sender.ChannelMessageSendEmbed(channelID, buildEmbed(ent, append(c.fields, fields...)))
	if err != nil {
		// Not logged through zap to avoid feeding the error back into this core.
		fmt.Fprintf(os.Stderr, "Error sending log message to Discord: %v\n", err)
	}
	return nil
}

func (c *adminCore) Sync() error {
	return nil
}

func buildEmbed(ent zapcore.Entry, fields []zapcore.Field) *discordgo.MessageEmbed {
	var color int
	switch {
	case ent.Level >= zapcore.ErrorLevel:
		color = ColorError
	case ent.Level == zapcore.WarnLevel:
		color = ColorWarn
	default:
		color = ColorInfo
	}

	module := ent.LoggerName
	if module == "" {
		module = "archiver"
	}

	embed := &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("Log Level: %s", ent.Level.CapitalString()),
		Color:     color,
		Timestamp: ent.Time.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Module", Value: module, Inline: true},
			{Name: "Operation", Value: ent.Message, Inline: true},
		},
	}
	if details := formatFields(fields); details != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Details", Value: details})
	}
	return embed
}

// formatFields renders fields as sorted key=value lines, capped at the embed field limit.
func formatFields(fields []zapcore.Field) string {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, enc.Fields[k])
	}
	details := strings.TrimSuffix(b.String(), "\n")
	if len(details) > 1024 {
		details = details[:1021] + "..."
	}
	return details
}
