package config

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the immutable runtime configuration of the archiver.
type Config struct {
	Bot      BotConfig
	Database DatabaseConfig
	HTTP     ListenConfig
	GRPC     ListenConfig
	Stats    StatsConfig
	Storage  StorageConfig
	Log      LogConfig
	SQL      SQLTemplates
}

// BotConfig holds the gateway credentials and bot behaviour.
type BotConfig struct {
	Token          string
	CommandPrefix  string
	ActivityStatus string
	OperatorID     int64
	AdminChannelID string
}

// ShutdownCommand is the exact message text that stops the bot when sent by the operator.
func (b BotConfig) ShutdownCommand() string {
	return b.CommandPrefix + "shutdown"
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string
}

// ListenConfig is an optional listener; an empty Addr disables it.
type ListenConfig struct {
	Addr string
}

// StatsConfig controls the scheduled counter refresh. An empty schedule disables it.
type StatsConfig struct {
	RefreshSchedule string
}

// StorageConfig configures the optional S3-compatible attachment mirror.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Enabled reports whether an attachment mirror should be built.
func (s StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// LogConfig controls the zap logger.
type LogConfig struct {
	File  string
	Level string
}

// SQLTemplates are the named statements used by the persistence layer.
// Every template is parameterized with '?' placeholders.
type SQLTemplates struct {
	InsertMessages    string
	InsertAttachments string
	InsertServers     string
	InsertChannels    string
	InsertUsers       string
	UpdateUsers       string
	DeleteServers     string
	DeleteChannels    string
	DeleteMessages    string
	DeleteAttachments string
}

// templateArity is the number of bind parameters each template must declare.
var templateArity = map[string]int{
	"insert_messages":    6,
	"insert_attachments": 6,
	"insert_servers":     5,
	"insert_channels":    4,
	"insert_users":       4,
	"update_users":       4,
	"delete_servers":     1,
	"delete_channels":    1,
	"delete_messages":    1,
	"delete_attachments": 1,
}

var defaultTemplates = map[string]string{
	"insert_messages":    "INSERT INTO messages (message_id, user_id, server_id, channel_id, created_at, content) VALUES (?, ?, ?, ?, ?, ?)",
	"insert_attachments": "INSERT INTO attachments (message_id, user_id, server_id, channel_id, created_at, url) VALUES (?, ?, ?, ?, ?, ?)",
	"insert_servers":     "INSERT INTO servers (server_id, channel_count, user_count, message_count, attachment_count) VALUES (?, ?, ?, ?, ?)",
	"insert_channels":    "INSERT INTO channels (channel_id, server_id, message_count, attachment_count) VALUES (?, ?, ?, ?)",
	"insert_users":       "INSERT INTO users (user_id, server_count, message_count, attachment_count) VALUES (?, ?, ?, ?)",
	"update_users":       "UPDATE users SET server_count = ?, message_count = ?, attachment_count = ? WHERE user_id = ?",
	"delete_servers":     "DELETE FROM servers WHERE server_id = ?",
	"delete_channels":    "DELETE FROM channels WHERE server_id = ?",
	"delete_messages":    "DELETE FROM messages WHERE server_id = ?",
	"delete_attachments": "DELETE FROM attachments WHERE server_id = ?",
}

// DefaultSQLTemplates returns the built-in SQLite statements.
func DefaultSQLTemplates() SQLTemplates {
	return templatesFrom(func(name string) string { return defaultTemplates[name] })
}

// templatesFrom builds the template set by looking up each statement by name.
func templatesFrom(lookup func(name string) string) SQLTemplates {
	return SQLTemplates{
		InsertMessages:    lookup("insert_messages"),
		InsertAttachments: lookup("insert_attachments"),
		InsertServers:     lookup("insert_servers"),
		InsertChannels:    lookup("insert_channels"),
		InsertUsers:       lookup("insert_users"),
		UpdateUsers:       lookup("update_users"),
		DeleteServers:     lookup("delete_servers"),
		DeleteChannels:    lookup("delete_channels"),
		DeleteMessages:    lookup("delete_messages"),
		DeleteAttachments: lookup("delete_attachments"),
	}
}

func (t SQLTemplates) byName() map[string]string {
	return map[string]string{
		"insert_messages":    t.InsertMessages,
		"insert_attachments": t.InsertAttachments,
		"insert_servers":     t.InsertServers,
		"insert_channels":    t.InsertChannels,
		"insert_users":       t.InsertUsers,
		"update_users":       t.UpdateUsers,
		"delete_servers":     t.DeleteServers,
		"delete_channels":    t.DeleteChannels,
		"delete_messages":    t.DeleteMessages,
		"delete_attachments": t.DeleteAttachments,
	}
}

// Validate checks that every template is present and declares the expected number of placeholders.
func (t SQLTemplates) Validate() error {
	var errs []error
	for name, query := range t.byName() {
		if strings.TrimSpace(query) == "" {
			errs = append(errs, fmt.Errorf("sql template %s is empty", name))
			continue
		}
		if got, want := strings.Count(query, "?"), templateArity[name]; got != want {
			errs = append(errs, fmt.Errorf("sql template %s has %d placeholders, want %d", name, got, want))
		}
	}
	return errors.Join(errs...)
}

// LoadConfig reads configuration from several sources rooted at dir:
// 1. .env (environment variables)
// 2. config.yaml (base configuration)
// 3. config/credentials.json (merged under "credentials")
// 4. config/sql_templates.json (merged under "sql_templates")
// Environment variables override file values with the same key.
func LoadConfig(dir string) (Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil {
		log.Printf("No .env file found in %s, skipping.", dir)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to parse base config file: %w", err)
		}
		log.Printf("No base config file (config.yaml) in %s, using environment and defaults.", dir)
	}

	for _, name := range []string{"credentials", "sql_templates"} {
		if err := mergeJSON(v, filepath.Join(dir, "config"), name); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Bot: BotConfig{
			Token:          v.GetString("credentials.discord_token"),
			CommandPrefix:  v.GetString("bot.command_prefix"),
			ActivityStatus: v.GetString("bot.activity_status"),
			OperatorID:     v.GetInt64("bot.operator_id"),
			AdminChannelID: v.GetString("bot.admin_channel_id"),
		},
		Database: DatabaseConfig{Path: v.GetString("database.path")},
		HTTP:     ListenConfig{Addr: v.GetString("http.addr")},
		GRPC:     ListenConfig{Addr: v.GetString("grpc.addr")},
		Stats:    StatsConfig{RefreshSchedule: v.GetString("stats.refresh_schedule")},
		Storage: StorageConfig{
			Endpoint:  v.GetString("storage.endpoint"),
			AccessKey: v.GetString("storage.access_key"),
			SecretKey: v.GetString("credentials.storage_secret_key"),
			Bucket:    v.GetString("storage.bucket"),
			Region:    v.GetString("storage.region"),
			UseSSL:    v.GetBool("storage.use_ssl"),
		},
		Log: LogConfig{
			File:  v.GetString("log.file"),
			Level: v.GetString("log.level"),
		},
	}

	// Leaf lookups fall back to the registered defaults, so a partial
	// sql_templates.json only overrides the statements it names.
	cfg.SQL = templatesFrom(func(name string) string {
		return v.GetString("sql_templates." + name)
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that would make the archiver unusable.
func (c Config) Validate() error {
	if c.Bot.Token == "" {
		return errors.New("no bot token provided, set credentials.discord_token or CREDENTIALS_DISCORD_TOKEN")
	}
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	return c.SQL.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.command_prefix", ">>")
	v.SetDefault("bot.activity_status", "archiving history")
	v.SetDefault("database.path", "data/archive.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.use_ssl", true)
	for name, query := range defaultTemplates {
		v.SetDefault("sql_templates."+name, query)
	}
	// Bind credential keys so AutomaticEnv sees them even without a credentials file.
	v.SetDefault("credentials.discord_token", "")
	v.SetDefault("credentials.storage_secret_key", "")
}

// mergeJSON merges <dir>/<name>.json into v. A missing file is not an error.
func mergeJSON(v *viper.Viper, dir, name string) error {
	v.SetConfigName(name)
	v.SetConfigType("json")
	v.AddConfigPath(dir)

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Printf("No %s.json in %s, skipping merge.", name, dir)
			return nil
		}
		return fmt.Errorf("failed to merge %s.json: %w", name, err)
	}
	return nil
}
