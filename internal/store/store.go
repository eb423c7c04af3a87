// ABOUTME: Store interfaces and data types for chat persistence
// ABOUTME: Defines Chat, Member, Message and the stores the chat service depends on

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/coven-chat/internal/participant"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChat is returned when a private chat for the same pair already
// exists. Callers should re-run their lookup; the conflict is transient.
var ErrDuplicateChat = errors.New("private chat already exists")

// ErrLastMember is returned when deactivating a member would leave a chat
// with no active members.
var ErrLastMember = errors.New("last active member")

// ChatType distinguishes one-to-one chats from groups.
type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Chat is a conversation container. Name is empty for private chats; their
// display name depends on who is looking.
type Chat struct {
	ID          int64
	Name        string
	Type        ChatType
	Description string
	CreatedBy   participant.Ref
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Member is a participant's membership in a chat. Removal clears IsActive;
// rows are never deleted while the chat exists.
type Member struct {
	ChatID      int64
	Participant participant.Ref
	JoinedAt    time.Time
	LastReadAt  *time.Time
	IsActive    bool
}

// Message is a single chat message. IsRead is true exactly when ReadAt is set.
type Message struct {
	ID          int64
	ChatID      int64
	Content     string
	Sender      participant.Ref
	IsRead      bool
	ReadAt      *time.Time
	MessageType MessageType
	Metadata    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatSummary is a chat annotated for one viewer's conversation list.
type ChatSummary struct {
	Chat
	LastMessage      *Message
	UnreadCount      int
	ParticipantCount int
}

// FailedJob is a dead-letter record for a job that exhausted its attempts.
type FailedJob struct {
	ID       int64
	JobType  string
	Payload  []byte
	Error    string
	Attempts int
	FailedAt time.Time
}

// ChatStore owns chats and their memberships.
type ChatStore interface {
	// CreatePrivateChat inserts the chat and both memberships atomically.
	// Returns ErrDuplicateChat if the pair already has a private chat.
	CreatePrivateChat(ctx context.Context, chat *Chat, a, b participant.Ref) error
	// FindPrivateChat returns the private chat whose active members are exactly {a, b}.
	FindPrivateChat(ctx context.Context, a, b participant.Ref) (*Chat, error)
	CreateGroupChat(ctx context.Context, chat *Chat, members []participant.Ref) error
	GetChat(ctx context.Context, id int64) (*Chat, error)
	DeleteChat(ctx context.Context, id int64) error

	GetMember(ctx context.Context, chatID int64, ref participant.Ref) (*Member, error)
	IsActiveMember(ctx context.Context, chatID int64, ref participant.Ref) (bool, error)
	// UpsertMember adds ref to the chat, reactivating an existing row.
	UpsertMember(ctx context.Context, chatID int64, ref participant.Ref) error
	DeactivateMember(ctx context.Context, chatID int64, ref participant.Ref) error
	ListActiveMembers(ctx context.Context, chatID int64) ([]*Member, error)
	FindActiveMemberOfKind(ctx context.Context, chatID int64, kind participant.Kind) (*Member, error)

	// ListChatSummaries returns the viewer's active chats, most recently
	// updated first, plus the total count.
	ListChatSummaries(ctx context.Context, viewer participant.Ref, offset, limit int) ([]*ChatSummary, int, error)
}

// MessageStore owns messages and read state.
type MessageStore interface {
	// CreateMessage persists msg and bumps the chat's updated_at.
	CreateMessage(ctx context.Context, msg *Message) error
	// ListMessages returns a page of a chat's messages, oldest first, plus the total count.
	ListMessages(ctx context.Context, chatID int64, offset, limit int) ([]*Message, int, error)
	LastMessage(ctx context.Context, chatID int64) (*Message, error)
	// MarkChatRead marks every unread message not sent by reader as read at
	// the given instant and returns how many changed.
	MarkChatRead(ctx context.Context, chatID int64, reader participant.Ref, at time.Time) (int64, error)
	CountUnread(ctx context.Context, chatID int64, reader participant.Ref) (int, error)
	CountChatsWithUnread(ctx context.Context, reader participant.Ref) (int, error)
}

// DirectoryStore resolves participants to profiles.
type DirectoryStore interface {
	participant.Directory
	CreateParticipant(ctx context.Context, kind participant.Kind, name, detail string) (participant.Ref, error)
}

// DeadLetterStore records permanently failed jobs.
type DeadLetterStore interface {
	RecordFailedJob(ctx context.Context, job *FailedJob) error
	ListFailedJobs(ctx context.Context, limit int) ([]*FailedJob, error)
}

// Store is the full persistence surface.
type Store interface {
	ChatStore
	MessageStore
	DirectoryStore
	DeadLetterStore
	Close() error
}
