// ABOUTME: Error values returned by the conversation service
// ABOUTME: Handlers map these to client-facing status codes

package conversation

import "errors"

var (
	// ErrChatNotFound is returned when a chat id does not exist.
	ErrChatNotFound = errors.New("chat not found")
	// ErrAccessDenied is returned when the caller is not an active member.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidMessage is returned for empty content or an unknown message type.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidParticipants is returned for self-chats, non-joinable kinds
	// and membership changes that would break chat invariants.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrPrivateChatImmutable is returned when adding to or removing from a private chat.
	ErrPrivateChatImmutable = errors.New("private chat membership cannot change")
)
