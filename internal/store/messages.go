// ABOUTME: SQLite persistence for chat messages and read state
// ABOUTME: Reading is a one-way transition stamped once per mark call

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-chat/internal/participant"
)

const messageColumns = `id, chat_id, content, sender_id, sender_type, is_read, read_at, message_type, metadata, created_at, updated_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var senderType, messageType, createdAt, updatedAt string
	var readAt, metadata sql.NullString
	var isRead int

	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.Content,
		&msg.Sender.ID,
		&senderType,
		&isRead,
		&readAt,
		&messageType,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Sender.Kind = participant.Kind(senderType)
	msg.MessageType = MessageType(messageType)
	msg.IsRead = isRead == 1
	if metadata.Valid && metadata.String != "" {
		msg.Metadata = json.RawMessage(metadata.String)
	}

	if msg.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if msg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateMessage inserts msg and bumps the owning chat's updated_at in one
// transaction. ID and timestamps are filled in on success.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UpdatedAt = msg.CreatedAt
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeText
	}

	var metadata any
	if len(msg.Metadata) > 0 {
		metadata = string(msg.Metadata)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, content, sender_id, sender_type, is_read, message_type, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		`,
			msg.ChatID,
			msg.Content,
			msg.Sender.ID,
			string(msg.Sender.Kind),
			string(msg.MessageType),
			metadata,
			formatTime(msg.CreatedAt),
			formatTime(msg.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		if msg.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading message id: %w", err)
		}

		res, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`,
			formatTime(msg.CreatedAt), msg.ChatID)
		if err != nil {
			return fmt.Errorf("touching chat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		msg.ID = 0
		return err
	}

	s.logger.Debug("saved message", "id", msg.ID, "chat_id", msg.ChatID, "sender", msg.Sender.String())
	return nil
}

// ListMessages returns a page of messages in chronological order (oldest first).
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID int64, offset, limit int) ([]*Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, chatID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, total, nil
}

// LastMessage returns the most recent message in a chat.
// Returns ErrNotFound for an empty chat.
func (s *SQLiteStore) LastMessage(ctx context.Context, chatID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, chatID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err, "last message")
	}
	return msg, nil
}

// MarkChatRead flips every unread message not authored by reader to read,
// all with the same read_at, and records the reader's last_read_at.
// Calling it again changes nothing but last_read_at.
func (s *SQLiteStore) MarkChatRead(ctx context.Context, chatID int64, reader participant.Ref, at time.Time) (int64, error) {
	stamp := formatTime(at)
	var marked int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET is_read = 1, read_at = ?, updated_at = ?
			WHERE chat_id = ? AND is_read = 0
			  AND NOT (sender_id = ? AND sender_type = ?)
		`, stamp, stamp, chatID, reader.ID, string(reader.Kind))
		if err != nil {
			return fmt.Errorf("marking messages read: %w", err)
		}
		if marked, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE chat_membership SET last_read_at = ?
			WHERE chat_id = ? AND user_id = ? AND user_type = ?
		`, stamp, chatID, reader.ID, string(reader.Kind))
		if err != nil {
			return fmt.Errorf("updating last_read_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// CountUnread counts unread messages in a chat not authored by reader.
func (s *SQLiteStore) CountUnread(ctx context.Context, chatID int64, reader participant.Ref) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND is_read = 0
		  AND NOT (sender_id = ? AND sender_type = ?)
	`, chatID, reader.ID, string(reader.Kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// CountChatsWithUnread counts the reader's active chats holding at least one
// unread message from someone else.
func (s *SQLiteStore) CountChatsWithUnread(ctx context.Context, reader participant.Ref) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_membership m
		WHERE m.user_id = ? AND m.user_type = ? AND m.is_active = 1
		  AND EXISTS (
			SELECT 1 FROM messages um
			WHERE um.chat_id = m.chat_id AND um.is_read = 0
			  AND NOT (um.sender_id = ? AND um.sender_type = ?)
		  )
	`, reader.ID, string(reader.Kind), reader.ID, string(reader.Kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chats with unread: %w", err)
	}
	return n, nil
}
