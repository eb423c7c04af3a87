// ABOUTME: Read-model projections returned by the API and broadcast on channels
// ABOUTME: MessageView is the single shape for both polling and push delivery

package conversation

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-chat/internal/participant"
	"github.com/2389/coven-chat/internal/store"
)

// Paging defaults.
const (
	DefaultMessagesPerPage = 50
	DefaultChatsPerPage    = 20
	MaxPerPage             = 100
)

// MessageView is a message as clients see it.
type MessageView struct {
	ID          int64             `json:"id"`
	ChatID      int64             `json:"chat_id"`
	Content     string            `json:"content"`
	SenderID    int64             `json:"sender_id"`
	SenderType  participant.Kind  `json:"sender_type"`
	SenderName  string            `json:"sender_name"`
	MessageType store.MessageType `json:"message_type"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	IsRead      bool              `json:"is_read"`
	ReadAt      *time.Time        `json:"read_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ParticipantView is an active chat member.
type ParticipantView struct {
	ID   int64            `json:"id"`
	Type participant.Kind `json:"type"`
	Name string           `json:"name"`
}

// ChatView is a chat from one viewer's perspective. For private chats Name
// is the other participant's display name.
type ChatView struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	Type          store.ChatType    `json:"type"`
	Description   string            `json:"description"`
	CreatedByID   int64             `json:"created_by"`
	CreatedByType participant.Kind  `json:"created_by_type"`
	Participants  []ParticipantView `json:"participants"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ChatSummaryView is one row of a conversation list.
type ChatSummaryView struct {
	ChatView
	LastMessage       *MessageView `json:"last_message"`
	UnreadCount       int          `json:"unread_count"`
	ParticipantsCount int          `json:"participants_count"`
}

// Pagination describes a page within a result set. From and To are nil
// when the page is empty.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	PerPage     int  `json:"per_page"`
	Total       int  `json:"total"`
	LastPage    int  `json:"last_page"`
	From        *int `json:"from"`
	To          *int `json:"to"`
}

// ConversationPage is a private chat with one page of its messages.
type ConversationPage struct {
	Chat       *ChatView      `json:"chat"`
	Messages   []*MessageView `json:"messages"`
	Pagination Pagination     `json:"pagination"`
}

// ChatList is one page of a participant's chats.
type ChatList struct {
	Chats      []*ChatSummaryView `json:"chats"`
	Pagination Pagination         `json:"pagination"`
}

// DirectMessageResult is returned by SendDirectMessage.
type DirectMessageResult struct {
	Chat    *ChatView    `json:"chat"`
	Message *MessageView `json:"message"`
}

// pageRequest is a normalized page/perPage pair.
type pageRequest struct {
	page    int
	perPage int
}

func newPageRequest(page, perPage, defaultPerPage int) pageRequest {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	return pageRequest{page: page, perPage: min(perPage, MaxPerPage)}
}

func (p pageRequest) offset() int {
	return (p.page - 1) * p.perPage
}

func (p pageRequest) result(total, count int) Pagination {
	pg := Pagination{
		CurrentPage: p.page,
		PerPage:     p.perPage,
		Total:       total,
		LastPage:    max(1, (total+p.perPage-1)/p.perPage),
	}
	if count > 0 {
		from := p.offset() + 1
		to := p.offset() + count
		pg.From, pg.To = &from, &to
	}
	return pg
}

func newMessageView(msg *store.Message, senderName string) *MessageView {
	return &MessageView{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		Content:     msg.Content,
		SenderID:    msg.Sender.ID,
		SenderType:  msg.Sender.Kind,
		SenderName:  senderName,
		MessageType: msg.MessageType,
		Metadata:    msg.Metadata,
		IsRead:      msg.IsRead,
		ReadAt:      msg.ReadAt,
		CreatedAt:   msg.CreatedAt,
	}
}
