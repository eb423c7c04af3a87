// ABOUTME: Read side of the conversation service
// ABOUTME: Paged history, conversation lists, unread counts and read marking

package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-chat/internal/participant"
	"github.com/2389/coven-chat/internal/store"
)

// GetConversation returns the private chat between requester and other
// (creating it if needed) with one page of messages, oldest first.
func (s *Service) GetConversation(ctx context.Context, requester, other participant.Ref, page, perPage int) (*ConversationPage, error) {
	chat, err := s.FindOrCreatePrivateChat(ctx, requester, other)
	if err != nil {
		return nil, err
	}

	pr := newPageRequest(page, perPage, DefaultMessagesPerPage)
	msgs, total, err := s.store.ListMessages(ctx, chat.ID, pr.offset(), pr.perPage)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return &ConversationPage{
		Chat:       chat,
		Messages:   s.messageViews(ctx, msgs),
		Pagination: pr.result(total, len(msgs)),
	}, nil
}

// GetChatMessages returns one page of any chat the requester belongs to.
func (s *Service) GetChatMessages(ctx context.Context, chatID int64, requester participant.Ref, page, perPage int) (*ConversationPage, error) {
	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, chatID, requester); err != nil {
		return nil, err
	}

	view, err := s.chatView(ctx, chat, requester)
	if err != nil {
		return nil, err
	}

	pr := newPageRequest(page, perPage, DefaultMessagesPerPage)
	msgs, total, err := s.store.ListMessages(ctx, chatID, pr.offset(), pr.perPage)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return &ConversationPage{
		Chat:       view,
		Messages:   s.messageViews(ctx, msgs),
		Pagination: pr.result(total, len(msgs)),
	}, nil
}

// GetConversations lists the requester's active chats, most recently
// active first, with a last-message preview and unread count for each.
func (s *Service) GetConversations(ctx context.Context, requester participant.Ref, page, perPage int) (*ChatList, error) {
	if err := requester.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParticipants, err)
	}

	pr := newPageRequest(page, perPage, DefaultChatsPerPage)
	sums, total, err := s.store.ListChatSummaries(ctx, requester, pr.offset(), pr.perPage)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	chats := make([]*ChatSummaryView, 0, len(sums))
	for _, sum := range sums {
		view, err := s.chatView(ctx, &sum.Chat, requester)
		if err != nil {
			return nil, err
		}
		item := &ChatSummaryView{
			ChatView:          *view,
			UnreadCount:       sum.UnreadCount,
			ParticipantsCount: sum.ParticipantCount,
		}
		if sum.LastMessage != nil {
			item.LastMessage = newMessageView(sum.LastMessage, s.displayName(ctx, sum.LastMessage.Sender))
		}
		chats = append(chats, item)
	}

	return &ChatList{Chats: chats, Pagination: pr.result(total, len(chats))}, nil
}

// MarkAsRead marks every unread message from other senders as read and
// returns how many changed. Repeating the call changes nothing.
func (s *Service) MarkAsRead(ctx context.Context, chatID int64, requester participant.Ref) (int64, error) {
	if err := s.Authorize(ctx, chatID, requester); err != nil {
		return 0, err
	}

	n, err := s.store.MarkChatRead(ctx, chatID, requester, time.Now())
	if err != nil {
		return 0, fmt.Errorf("marking chat read: %w", err)
	}
	if n > 0 {
		s.logger.Debug("messages marked read", "chat_id", chatID, "reader", requester.String(), "count", n)
	}
	return n, nil
}

// GetUnreadCount counts messages in the chat the requester has not read.
func (s *Service) GetUnreadCount(ctx context.Context, chatID int64, requester participant.Ref) (int, error) {
	if err := s.Authorize(ctx, chatID, requester); err != nil {
		return 0, err
	}

	n, err := s.store.CountUnread(ctx, chatID, requester)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// GetTotalUnread counts the requester's chats that hold unread messages.
func (s *Service) GetTotalUnread(ctx context.Context, requester participant.Ref) (int, error) {
	if err := requester.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidParticipants, err)
	}
	n, err := s.store.CountChatsWithUnread(ctx, requester)
	if err != nil {
		return 0, fmt.Errorf("counting unread chats: %w", err)
	}
	return n, nil
}

// chatView projects chat for viewer, naming private chats after the
// counterparty.
func (s *Service) chatView(ctx context.Context, chat *store.Chat, viewer participant.Ref) (*ChatView, error) {
	members, err := s.store.ListActiveMembers(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}

	refs := make([]participant.Ref, 0, len(members))
	for _, m := range members {
		refs = append(refs, m.Participant)
	}
	names := s.resolver.Names(ctx, refs)

	view := &ChatView{
		ID:            chat.ID,
		Name:          chat.Name,
		Type:          chat.Type,
		Description:   chat.Description,
		CreatedByID:   chat.CreatedBy.ID,
		CreatedByType: chat.CreatedBy.Kind,
		Participants:  make([]ParticipantView, 0, len(members)),
		CreatedAt:     chat.CreatedAt,
		UpdatedAt:     chat.UpdatedAt,
	}
	for _, ref := range refs {
		view.Participants = append(view.Participants, ParticipantView{ID: ref.ID, Type: ref.Kind, Name: names[ref]})
		if chat.Type == store.ChatTypePrivate && ref != viewer {
			view.Name = names[ref]
		}
	}
	return view, nil
}

func (s *Service) messageViews(ctx context.Context, msgs []*store.Message) []*MessageView {
	refs := make([]participant.Ref, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, m.Sender)
	}
	names := s.resolver.Names(ctx, refs)

	views := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m, names[m.Sender]))
	}
	return views
}
