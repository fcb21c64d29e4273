package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"discord-archiver/config"
	"discord-archiver/models"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate is returned when an insert hits an existing primary key.
var ErrDuplicate = errors.New("row already exists")

const (
	deleteMessageByID    = `DELETE FROM messages WHERE message_id = ?`
	deleteAttachmentByID = `DELETE FROM attachments WHERE message_id = ?`
)

// Store applies archive records to the database through prepared statement templates.
// Every exported mutation commits before returning.
type Store struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
}

// NewStore prepares every SQL template against db.
func NewStore(ctx context.Context, db *sql.DB, tmpl config.SQLTemplates) (*Store, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	queries := map[string]string{
		"insert_messages":      tmpl.InsertMessages,
		"insert_attachments":   tmpl.InsertAttachments,
		"insert_servers":       tmpl.InsertServers,
		"insert_channels":      tmpl.InsertChannels,
		"insert_users":         tmpl.InsertUsers,
		"update_users":         tmpl.UpdateUsers,
		"delete_servers":       tmpl.DeleteServers,
		"delete_channels":      tmpl.DeleteChannels,
		"delete_messages":      tmpl.DeleteMessages,
		"delete_attachments":   tmpl.DeleteAttachments,
		"delete_message_id":    deleteMessageByID,
		"delete_attachment_id": deleteAttachmentByID,
	}

	s := &Store{db: db, stmts: make(map[string]*sql.Stmt, len(queries))}
	for name, query := range queries {
		stmt, err := db.PrepareContext(ctx, query)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to prepare %s: %w", name, err)
		}
		s.stmts[name] = stmt
	}
	return s, nil
}

// DB exposes the underlying connection for read-only aggregate queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the prepared statements. The database itself is owned by the caller.
func (s *Store) Close() error {
	var errs []error
	for name, stmt := range s.stmts {
		if err := stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// exec runs a named statement outside of any transaction.
func (s *Store) exec(ctx context.Context, name string, args ...any) (sql.Result, error) {
	res, err := s.stmts[name].ExecContext(ctx, args...)
	return res, classify(err)
}

// execTx runs a named statement inside tx.
func (s *Store) execTx(ctx context.Context, tx *sql.Tx, name string, args ...any) error {
	_, err := tx.StmtContext(ctx, s.stmts[name]).ExecContext(ctx, args...)
	return classify(err)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertMessage stores a message row in its own statement.
func (s *Store) InsertMessage(ctx context.Context, m models.Message) error {
	if _, err := s.exec(ctx, "insert_messages", m.MessageID, m.UserID, m.ServerID, m.ChannelID, m.CreatedAt, m.Content); err != nil {
		return fmt.Errorf("failed to insert message %d: %w", m.MessageID, err)
	}
	return nil
}

// InsertAttachment stores an attachment row in its own statement.
func (s *Store) InsertAttachment(ctx context.Context, a models.Attachment) error {
	if _, err := s.exec(ctx, "insert_attachments", a.MessageID, a.UserID, a.ServerID, a.ChannelID, a.CreatedAt, a.URL); err != nil {
		return fmt.Errorf("failed to insert attachment %d: %w", a.MessageID, err)
	}
	return nil
}

// SaveRecord stores a message and its attachment. Either may be nil; a single
// row goes through InsertMessage or InsertAttachment, a pair shares one transaction.
func (s *Store) SaveRecord(ctx context.Context, m *models.Message, a *models.Attachment) error {
	switch {
	case m == nil && a == nil:
		return nil
	case a == nil:
		return s.InsertMessage(ctx, *m)
	case m == nil:
		return s.InsertAttachment(ctx, *a)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.execTx(ctx, tx, "insert_messages", m.MessageID, m.UserID, m.ServerID, m.ChannelID, m.CreatedAt, m.Content); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", m.MessageID, err)
		}
		if err := s.execTx(ctx, tx, "insert_attachments", a.MessageID, a.UserID, a.ServerID, a.ChannelID, a.CreatedAt, a.URL); err != nil {
			return fmt.Errorf("failed to insert attachment %d: %w", a.MessageID, err)
		}
		return nil
	})
}

// InsertServer stores the counters of a community.
func (s *Store) InsertServer(ctx context.Context, sv models.Server) error {
	if _, err := s.exec(ctx, "insert_servers", sv.ServerID, sv.ChannelCount, sv.UserCount, sv.MessageCount, sv.AttachmentCount); err != nil {
		return fmt.Errorf("failed to insert server %d: %w", sv.ServerID, err)
	}
	return nil
}

// InsertChannel stores the counters of a channel.
func (s *Store) InsertChannel(ctx context.Context, c models.ChannelStat) error {
	if _, err := s.exec(ctx, "insert_channels", c.ChannelID, c.ServerID, c.MessageCount, c.AttachmentCount); err != nil {
		return fmt.Errorf("failed to insert channel %d: %w", c.ChannelID, err)
	}
	return nil
}

// UpsertUser updates a user's counters, inserting the row when it does not exist yet.
func (s *Store) UpsertUser(ctx context.Context, u models.User) error {
	res, err := s.exec(ctx, "update_users", u.ServerCount, u.MessageCount, u.AttachmentCount, u.UserID)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", u.UserID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := s.exec(ctx, "insert_users", u.UserID, u.ServerCount, u.MessageCount, u.AttachmentCount); err != nil {
		return fmt.Errorf("failed to insert user %d: %w", u.UserID, err)
	}
	return nil
}

// DeleteMessage removes a message and its paired attachment.
func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.execTx(ctx, tx, "delete_message_id", messageID); err != nil {
			return fmt.Errorf("failed to delete message %d: %w", messageID, err)
		}
		if err := s.execTx(ctx, tx, "delete_attachment_id", messageID); err != nil {
			return fmt.Errorf("failed to delete attachment %d: %w", messageID, err)
		}
		return nil
	})
}

// DeleteAttachment removes only the attachment row of a message. DeleteMessage
// covers both rows; this is the single-statement form for callers keeping the message.
func (s *Store) DeleteAttachment(ctx context.Context, messageID int64) error {
	if _, err := s.exec(ctx, "delete_attachment_id", messageID); err != nil {
		return fmt.Errorf("failed to delete attachment %d: %w", messageID, err)
	}
	return nil
}

// WipeServer deletes every server, channel, message, and attachment row of a community.
// User rows are kept; their counters are recomputed by the next aggregate pass.
func (s *Store) WipeServer(ctx context.Context, serverID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range []string{"delete_servers", "delete_messages", "delete_attachments", "delete_channels"} {
			if err := s.execTx(ctx, tx, name, serverID); err != nil {
				return fmt.Errorf("failed to wipe server %d (%s): %w", serverID, name, err)
			}
		}
		return nil
	})
}

// ResetCounters deletes the server and channel counter rows of a community before they are recomputed.
func (s *Store) ResetCounters(ctx context.Context, serverID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range []string{"delete_servers", "delete_channels"} {
			if err := s.execTx(ctx, tx, name, serverID); err != nil {
				return fmt.Errorf("failed to reset counters of server %d (%s): %w", serverID, name, err)
			}
		}
		return nil
	})
}

// classify maps driver constraint errors onto ErrDuplicate.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
