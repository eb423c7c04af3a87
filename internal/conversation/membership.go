// ABOUTME: Group chat creation and participant management
// ABOUTME: Removal is soft; private chats keep their two members for life; admins may delete chats

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-chat/internal/participant"
	"github.com/2389/coven-chat/internal/store"
)

// CreateGroupChat creates a named group. The creator is always a member.
func (s *Service) CreateGroupChat(ctx context.Context, creator participant.Ref, name, description string, participants []participant.Ref) (*ChatView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidParticipants)
	}

	members := []participant.Ref{creator}
	seen := map[participant.Ref]bool{creator: true}
	for _, ref := range participants {
		if !seen[ref] {
			seen[ref] = true
			members = append(members, ref)
		}
	}

	for _, ref := range members {
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidParticipants, err)
		}
		if _, err := s.resolver.Resolve(ctx, ref); err != nil {
			return nil, err
		}
	}

	chat := &store.Chat{Name: name, Description: description, CreatedBy: creator}
	if err := s.store.CreateGroupChat(ctx, chat, members); err != nil {
		return nil, fmt.Errorf("creating group chat: %w", err)
	}

	s.logger.Info("group chat created", "chat_id", chat.ID, "creator", creator.String(), "members", len(members))
	return s.chatView(ctx, chat, creator)
}

// groupForChange loads a group chat the actor may modify.
func (s *Service) groupForChange(ctx context.Context, actor participant.Ref, chatID int64) (*store.Chat, error) {
	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Type == store.ChatTypePrivate {
		return nil, ErrPrivateChatImmutable
	}
	if err := s.requireMember(ctx, chatID, actor); err != nil {
		return nil, err
	}
	return chat, nil
}

// AddParticipant adds ref to a group, reactivating a previous membership.
func (s *Service) AddParticipant(ctx context.Context, actor participant.Ref, chatID int64, ref participant.Ref) (*ChatView, error) {
	chat, err := s.groupForChange(ctx, actor, chatID)
	if err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParticipants, err)
	}
	if _, err := s.resolver.Resolve(ctx, ref); err != nil {
		return nil, err
	}

	if err := s.store.UpsertMember(ctx, chatID, ref); err != nil {
		return nil, fmt.Errorf("adding participant: %w", err)
	}

	s.logger.Info("participant added", "chat_id", chatID, "participant", ref.String(), "by", actor.String())
	return s.chatView(ctx, chat, actor)
}

// RemoveParticipant deactivates ref's membership. A group never drops to
// zero active members.
func (s *Service) RemoveParticipant(ctx context.Context, actor participant.Ref, chatID int64, ref participant.Ref) error {
	if _, err := s.groupForChange(ctx, actor, chatID); err != nil {
		return err
	}

	// Membership and the last-member rule are checked atomically by the store.
	if err := s.store.DeactivateMember(ctx, chatID, ref); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: %s is not an active member", ErrInvalidParticipants, ref)
		case errors.Is(err, store.ErrLastMember):
			return fmt.Errorf("%w: cannot remove the last member", ErrInvalidParticipants)
		}
		return fmt.Errorf("removing participant: %w", err)
	}

	s.logger.Info("participant removed", "chat_id", chatID, "participant", ref.String(), "by", actor.String())
	return nil
}

// DeleteChat removes a chat with its memberships and messages. Only admins
// may delete.
func (s *Service) DeleteChat(ctx context.Context, actor participant.Ref, chatID int64) error {
	if actor.Kind != participant.KindAdmin {
		return fmt.Errorf("%w: only admins may delete chats", ErrAccessDenied)
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrChatNotFound
		}
		return fmt.Errorf("deleting chat: %w", err)
	}

	s.logger.Info("chat deleted", "chat_id", chatID, "by", actor.String())
	return nil
}
