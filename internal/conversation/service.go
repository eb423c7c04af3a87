// ABOUTME: Conversation service: private chat resolution and message dispatch
// ABOUTME: Messages are persisted first; broadcast and AI dispatch run detached afterwards

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/participant"
	"github.com/2389/coven-chat/internal/store"
)

const (
	// maxResolveAttempts bounds lookup/create rounds when racing another creator.
	maxResolveAttempts = 3
	// defaultEffectTimeout bounds each post-persist side effect.
	defaultEffectTimeout = 5 * time.Second
)

// Store is what the service needs from persistence.
type Store interface {
	store.ChatStore
	store.MessageStore
}

// AIRequest is handed to the AI dispatcher after a message lands in a chat
// that has an assistant member.
type AIRequest struct {
	ChatID    int64
	MessageID int64
	Sender    participant.Ref
	Content   string
}

// AIDispatcher forwards a message to the external assistant worker and
// returns the request id used to correlate the reply.
type AIDispatcher interface {
	Dispatch(ctx context.Context, req AIRequest) (string, error)
}

// Service resolves chats and dispatches messages.
type Service struct {
	store     Store
	resolver  *participant.Resolver
	publisher broadcast.Publisher
	ai        AIDispatcher
	logger    *slog.Logger

	effectTimeout time.Duration
	effects       sync.WaitGroup
}

// New creates a Service. publisher and ai may be nil, which disables that
// side effect.
func New(st Store, dir participant.Directory, publisher broadcast.Publisher, ai AIDispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         st,
		resolver:      participant.NewResolver(dir),
		publisher:     publisher,
		ai:            ai,
		logger:        logger.With("component", "conversation"),
		effectTimeout: defaultEffectTimeout,
	}
}

// Close waits for in-flight side effects to finish.
func (s *Service) Close() {
	s.effects.Wait()
}

// FindOrCreatePrivateChat returns the unique private chat between requester
// and other, creating it if needed. The result does not depend on argument
// order, and concurrent callers for the same pair get the same chat.
func (s *Service) FindOrCreatePrivateChat(ctx context.Context, requester, other participant.Ref) (*ChatView, error) {
	if err := s.checkPair(ctx, requester, other); err != nil {
		return nil, err
	}

	chat, err := s.resolvePrivateChat(ctx, requester, other)
	if err != nil {
		return nil, err
	}
	return s.chatView(ctx, chat, requester)
}

// checkPair validates and resolves both sides of a private chat.
func (s *Service) checkPair(ctx context.Context, a, b participant.Ref) error {
	for _, ref := range []participant.Ref{a, b} {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParticipants, err)
		}
	}
	if a == b {
		return fmt.Errorf("%w: cannot open a private chat with yourself", ErrInvalidParticipants)
	}
	for _, ref := range []participant.Ref{a, b} {
		if _, err := s.resolver.Resolve(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// resolvePrivateChat looks the pair up and creates the chat when absent.
// Losing a creation race surfaces as store.ErrDuplicateChat, after which
// the winner's chat is found by the next lookup.
func (s *Service) resolvePrivateChat(ctx context.Context, a, b participant.Ref) (*store.Chat, error) {
	for range maxResolveAttempts {
		chat, err := s.store.FindPrivateChat(ctx, a, b)
		if err == nil {
			return chat, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("looking up private chat: %w", err)
		}

		chat = &store.Chat{CreatedBy: a}
		err = s.store.CreatePrivateChat(ctx, chat, a, b)
		if err == nil {
			s.logger.Info("private chat created", "chat_id", chat.ID, "a", a.String(), "b", b.String())
			return chat, nil
		}
		if !errors.Is(err, store.ErrDuplicateChat) {
			return nil, fmt.Errorf("creating private chat: %w", err)
		}

		s.logger.Debug("lost private chat creation race, retrying lookup", "a", a.String(), "b", b.String())
	}
	return nil, fmt.Errorf("resolving private chat for %s and %s: %w", a, b, store.ErrDuplicateChat)
}

// SendRequest is a message bound for an existing chat.
type SendRequest struct {
	ChatID   int64
	Sender   participant.Ref
	Content  string
	Type     store.MessageType
	Metadata json.RawMessage
}

// SendMessage persists a message from an active member and returns it.
// Broadcast and AI dispatch happen afterwards and never fail the send.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*MessageView, error) {
	msg, err := buildMessage(req)
	if err != nil {
		return nil, err
	}

	if _, err := s.getChat(ctx, req.ChatID); err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, req.ChatID, req.Sender); err != nil {
		return nil, err
	}

	dispatchAI := req.Sender.Kind == participant.KindUser || req.Sender.Kind == participant.KindAdmin
	return s.deliver(ctx, msg, dispatchAI)
}

func buildMessage(req SendRequest) (*store.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	msgType := req.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, msgType)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: metadata must be JSON", ErrInvalidMessage)
	}
	return &store.Message{
		ChatID:      req.ChatID,
		Content:     req.Content,
		Sender:      req.Sender,
		MessageType: msgType,
		Metadata:    req.Metadata,
	}, nil
}

// SendDirectMessage resolves (or creates) the private chat between sender
// and receiver and sends content into it.
func (s *Service) SendDirectMessage(ctx context.Context, content string, sender, receiver participant.Ref) (*DirectMessageResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}

	chat, err := s.FindOrCreatePrivateChat(ctx, sender, receiver)
	if err != nil {
		return nil, err
	}

	msg, err := s.SendMessage(ctx, SendRequest{ChatID: chat.ID, Sender: sender, Content: content})
	if err != nil {
		return nil, err
	}
	return &DirectMessageResult{Chat: chat, Message: msg}, nil
}

// PostAssistantReply adds a message authored by the chat's assistant member.
// It is broadcast like any other message but never triggers AI dispatch.
func (s *Service) PostAssistantReply(ctx context.Context, chatID int64, content string) (*MessageView, error) {
	if _, err := s.getChat(ctx, chatID); err != nil {
		return nil, err
	}

	member, err := s.store.FindActiveMemberOfKind(ctx, chatID, participant.KindAssistant)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: chat %d has no active assistant", ErrAccessDenied, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("finding assistant member: %w", err)
	}

	return s.deliver(ctx, &store.Message{
		ChatID:      chatID,
		Content:     content,
		Sender:      member.Participant,
		MessageType: store.MessageTypeText,
	}, false)
}

// PostSystemMessage adds a notice authored by the system participant.
func (s *Service) PostSystemMessage(ctx context.Context, chatID int64, content string) (*MessageView, error) {
	if _, err := s.getChat(ctx, chatID); err != nil {
		return nil, err
	}
	return s.deliver(ctx, &store.Message{
		ChatID:      chatID,
		Content:     content,
		Sender:      participant.System,
		MessageType: store.MessageTypeText,
	}, false)
}

// deliver persists msg and launches its side effects.
func (s *Service) deliver(ctx context.Context, msg *store.Message, dispatchAI bool) (*MessageView, error) {
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("saving message: %w", err)
	}

	view := newMessageView(msg, s.displayName(ctx, msg.Sender))
	s.logger.Debug("message recorded",
		"chat_id", msg.ChatID,
		"message_id", msg.ID,
		"sender", msg.Sender.String())

	s.publishMessage(view)
	if dispatchAI {
		s.dispatchAI(AIRequest{
			ChatID:    msg.ChatID,
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Content:   msg.Content,
		})
	}
	return view, nil
}

func (s *Service) publishMessage(view *MessageView) {
	if s.publisher == nil {
		return
	}
	event, err := broadcast.NewEvent(broadcast.EventMessageSent, view.ChatID, view)
	if err != nil {
		s.logger.Error("building broadcast event", "message_id", view.ID, "error", err)
		return
	}
	s.goEffect("broadcast", view.ChatID, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, event)
	})
}

func (s *Service) dispatchAI(req AIRequest) {
	if s.ai == nil {
		return
	}
	s.goEffect("ai_dispatch", req.ChatID, func(ctx context.Context) error {
		_, err := s.store.FindActiveMemberOfKind(ctx, req.ChatID, participant.KindAssistant)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("checking for assistant: %w", err)
		}

		requestID, err := s.ai.Dispatch(ctx, req)
		if err != nil {
			return err
		}
		s.logger.Info("AI request dispatched",
			"chat_id", req.ChatID,
			"message_id", req.MessageID,
			"request_id", requestID)
		return nil
	})
}

// goEffect runs fn on its own goroutine with a context detached from the
// request. Failures and panics are logged and go no further.
func (s *Service) goEffect(name string, chatID int64, fn func(ctx context.Context) error) {
	s.effects.Add(1)
	go func() {
		defer s.effects.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("side effect panicked", "effect", name, "chat_id", chatID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.effectTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Warn("side effect failed", "effect", name, "chat_id", chatID, "error", err)
		}
	}()
}

func (s *Service) getChat(ctx context.Context, chatID int64) (*store.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrChatNotFound, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}
	return chat, nil
}

// requireMember checks the membership table directly.
func (s *Service) requireMember(ctx context.Context, chatID int64, ref participant.Ref) error {
	ok, err := s.store.IsActiveMember(ctx, chatID, ref)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a member of chat %d", ErrAccessDenied, ref, chatID)
	}
	return nil
}

// Authorize reports whether ref may read chatID, returning ErrChatNotFound
// or ErrAccessDenied otherwise. Channel subscriptions go through here.
func (s *Service) Authorize(ctx context.Context, chatID int64, ref participant.Ref) error {
	if _, err := s.getChat(ctx, chatID); err != nil {
		return err
	}
	return s.requireMember(ctx, chatID, ref)
}

func (s *Service) displayName(ctx context.Context, ref participant.Ref) string {
	p, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return ""
	}
	return p.Name
}
