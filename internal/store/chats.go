// ABOUTME: SQLite persistence for chats and chat membership
// ABOUTME: Private pairs are unique via pair_key; membership removal is a soft flag

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-chat/internal/participant"
)

const chatColumns = `c.id, c.name, c.type, c.description, c.created_by, c.created_by_type, c.created_at, c.updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner, extra ...any) (*Chat, error) {
	var chat Chat
	var name, description sql.NullString
	var chatType, createdByType, createdAt, updatedAt string

	dest := append([]any{
		&chat.ID, &name, &chatType, &description,
		&chat.CreatedBy.ID, &createdByType, &createdAt, &updatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	chat.Name = name.String
	chat.Description = description.String
	chat.Type = ChatType(chatType)
	chat.CreatedBy.Kind = participant.Kind(createdByType)

	var err error
	if chat.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if chat.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &chat, nil
}

func insertChat(ctx context.Context, tx *sql.Tx, chat *Chat, pairKey string) error {
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chats (name, type, description, created_by, created_by_type, pair_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullString(chat.Name),
		string(chat.Type),
		nullString(chat.Description),
		chat.CreatedBy.ID,
		string(chat.CreatedBy.Kind),
		nullString(pairKey),
		formatTime(chat.CreatedAt),
		formatTime(chat.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChat
		}
		return fmt.Errorf("inserting chat: %w", err)
	}

	chat.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading chat id: %w", err)
	}
	return nil
}

func insertMember(ctx context.Context, tx *sql.Tx, chatID int64, ref participant.Ref, joinedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_membership (chat_id, user_id, user_type, joined_at, is_active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (chat_id, user_id, user_type) DO UPDATE SET is_active = 1
	`, chatID, ref.ID, string(ref.Kind), formatTime(joinedAt))
	if err != nil {
		return fmt.Errorf("inserting membership %s: %w", ref, err)
	}
	return nil
}

// CreatePrivateChat inserts a private chat for the pair {a, b} together with
// both memberships. A concurrent creator for the same pair makes this fail
// with ErrDuplicateChat.
func (s *SQLiteStore) CreatePrivateChat(ctx context.Context, chat *Chat, a, b participant.Ref) error {
	chat.Type = ChatTypePrivate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertChat(ctx, tx, chat, participant.PairKey(a, b)); err != nil {
			return err
		}
		for _, ref := range []participant.Ref{a, b} {
			if err := insertMember(ctx, tx, chat.ID, ref, chat.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		chat.ID = 0
		return err
	}

	s.logger.Debug("created private chat", "id", chat.ID, "a", a.String(), "b", b.String())
	return nil
}

// FindPrivateChat returns the private chat whose active membership is exactly {a, b}.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindPrivateChat(ctx context.Context, a, b participant.Ref) (*Chat, error) {
	query := `
		SELECT ` + chatColumns + `
		FROM chats c
		WHERE c.type = 'private'
		  AND EXISTS (
			SELECT 1 FROM chat_membership m
			WHERE m.chat_id = c.id AND m.user_id = ? AND m.user_type = ? AND m.is_active = 1
		  )
		  AND EXISTS (
			SELECT 1 FROM chat_membership m
			WHERE m.chat_id = c.id AND m.user_id = ? AND m.user_type = ? AND m.is_active = 1
		  )
		  AND (
			SELECT COUNT(*) FROM chat_membership m
			WHERE m.chat_id = c.id AND m.is_active = 1
		  ) = 2
		ORDER BY c.id ASC
		LIMIT 1
	`

	row := s.db.QueryRowContext(ctx, query, a.ID, string(a.Kind), b.ID, string(b.Kind))
	chat, err := scanChat(row)
	if err != nil {
		return nil, notFound(err, "private chat")
	}
	return chat, nil
}

// CreateGroupChat inserts a group chat and its initial members.
func (s *SQLiteStore) CreateGroupChat(ctx context.Context, chat *Chat, members []participant.Ref) error {
	chat.Type = ChatTypeGroup
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertChat(ctx, tx, chat, ""); err != nil {
			return err
		}
		for _, ref := range members {
			if err := insertMember(ctx, tx, chat.ID, ref, chat.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		chat.ID = 0
		return err
	}

	s.logger.Debug("created group chat", "id", chat.ID, "members", len(members))
	return nil
}

// GetChat retrieves a chat by ID.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, id int64) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = ?`, id)
	chat, err := scanChat(row)
	if err != nil {
		return nil, notFound(err, "chat")
	}
	return chat, nil
}

// DeleteChat removes a chat with its memberships and messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_membership WHERE chat_id = ?`, id); err != nil {
			return fmt.Errorf("deleting memberships: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting chat: %w", err)
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
}

func scanMember(row rowScanner) (*Member, error) {
	var m Member
	var userType, joinedAt string
	var lastReadAt sql.NullString
	var active int

	if err := row.Scan(&m.ChatID, &m.Participant.ID, &userType, &joinedAt, &lastReadAt, &active); err != nil {
		return nil, err
	}

	m.Participant.Kind = participant.Kind(userType)
	m.IsActive = active == 1

	var err error
	if m.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, err
	}
	if m.LastReadAt, err = parseNullTime(lastReadAt); err != nil {
		return nil, err
	}
	return &m, nil
}

const memberColumns = `chat_id, user_id, user_type, joined_at, last_read_at, is_active`

// GetMember returns a membership row regardless of its active flag.
func (s *SQLiteStore) GetMember(ctx context.Context, chatID int64, ref participant.Ref) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM chat_membership
		WHERE chat_id = ? AND user_id = ? AND user_type = ?
	`, chatID, ref.ID, string(ref.Kind))

	m, err := scanMember(row)
	if err != nil {
		return nil, notFound(err, "membership")
	}
	return m, nil
}

// IsActiveMember reports whether ref currently belongs to the chat.
func (s *SQLiteStore) IsActiveMember(ctx context.Context, chatID int64, ref participant.Ref) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM chat_membership
		WHERE chat_id = ? AND user_id = ? AND user_type = ? AND is_active = 1
	`, chatID, ref.ID, string(ref.Kind)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return true, nil
}

// UpsertMember adds ref to the chat or reactivates its existing row.
func (s *SQLiteStore) UpsertMember(ctx context.Context, chatID int64, ref participant.Ref) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMember(ctx, tx, chatID, ref, time.Now())
	})
}

// DeactivateMember soft-removes ref from the chat. The member must be active
// and must not be the chat's last active member; both conditions are checked
// by the same statement that flips the flag.
// Returns ErrNotFound if ref is not an active member and ErrLastMember if
// removing ref would leave the chat empty.
func (s *SQLiteStore) DeactivateMember(ctx context.Context, chatID int64, ref participant.Ref) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chat_membership SET is_active = 0
			WHERE chat_id = ? AND user_id = ? AND user_type = ? AND is_active = 1
			  AND (SELECT COUNT(*) FROM chat_membership WHERE chat_id = ? AND is_active = 1) > 1
		`, chatID, ref.ID, string(ref.Kind), chatID)
		if err != nil {
			return fmt.Errorf("deactivating membership: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}

		var active bool
		err = tx.QueryRowContext(ctx, `
			SELECT is_active FROM chat_membership
			WHERE chat_id = ? AND user_id = ? AND user_type = ?
		`, chatID, ref.ID, string(ref.Kind)).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking membership: %w", err)
		}
		return ErrLastMember
	})
}

func (s *SQLiteStore) queryMembers(ctx context.Context, query string, args ...any) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating member rows: %w", err)
	}
	return members, nil
}

// ListActiveMembers returns the chat's active members in join order.
func (s *SQLiteStore) ListActiveMembers(ctx context.Context, chatID int64) ([]*Member, error) {
	return s.queryMembers(ctx, `
		SELECT `+memberColumns+`
		FROM chat_membership
		WHERE chat_id = ? AND is_active = 1
		ORDER BY joined_at ASC, user_type ASC, user_id ASC
	`, chatID)
}

// FindActiveMemberOfKind returns the earliest-joined active member of the given kind.
func (s *SQLiteStore) FindActiveMemberOfKind(ctx context.Context, chatID int64, kind participant.Kind) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM chat_membership
		WHERE chat_id = ? AND user_type = ? AND is_active = 1
		ORDER BY joined_at ASC, user_id ASC
		LIMIT 1
	`, chatID, string(kind))

	m, err := scanMember(row)
	if err != nil {
		return nil, notFound(err, "membership")
	}
	return m, nil
}

// ListChatSummaries returns a page of the viewer's active chats ordered by
// most recent activity, each annotated with its member count, the viewer's
// unread count and its latest message.
func (s *SQLiteStore) ListChatSummaries(ctx context.Context, viewer participant.Ref, offset, limit int) ([]*ChatSummary, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_membership
		WHERE user_id = ? AND user_type = ? AND is_active = 1
	`, viewer.ID, string(viewer.Kind)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting chats: %w", err)
	}

	query := `
		SELECT ` + chatColumns + `,
			(SELECT COUNT(*) FROM chat_membership pm WHERE pm.chat_id = c.id AND pm.is_active = 1),
			(SELECT COUNT(*) FROM messages um
			 WHERE um.chat_id = c.id AND um.is_read = 0
			   AND NOT (um.sender_id = ? AND um.sender_type = ?))
		FROM chats c
		JOIN chat_membership m ON m.chat_id = c.id
		WHERE m.user_id = ? AND m.user_type = ? AND m.is_active = 1
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		viewer.ID, string(viewer.Kind),
		viewer.ID, string(viewer.Kind),
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying chats: %w", err)
	}

	var summaries []*ChatSummary
	for rows.Next() {
		var participants, unread int
		chat, err := scanChat(rows, &participants, &unread)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scanning chat row: %w", err)
		}
		summaries = append(summaries, &ChatSummary{
			Chat:             *chat,
			UnreadCount:      unread,
			ParticipantCount: participants,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterating chat rows: %w", err)
	}
	rows.Close()

	// The pool holds a single connection, so last messages are loaded
	// only after the chat rows are released.
	for _, sum := range summaries {
		last, err := s.LastMessage(ctx, sum.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, 0, err
		}
		sum.LastMessage = last
	}

	return summaries, total, nil
}
