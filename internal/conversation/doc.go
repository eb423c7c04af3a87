// Package conversation is the chat service layer.
//
// # Private chats
//
// FindOrCreatePrivateChat maps an unordered pair of participants to exactly
// one chat. Lookup matches chats whose active membership is exactly the
// pair; creation inserts the chat and both memberships in one transaction.
// Two callers racing to create the same pair both succeed: the loser's
// insert fails with store.ErrDuplicateChat and its retried lookup returns
// the winner's chat.
//
// # Sending
//
// SendMessage checks membership against the store, persists the message,
// and only then starts two independent side effects on detached contexts:
//
//   - publish a MessageSent event on "private-chat.{chatId}"
//   - when the chat has an active assistant member, hand the message to
//     the AIDispatcher
//
// Neither side effect can fail or slow the send. Messages authored by the
// assistant or the system participant never trigger AI dispatch.
//
// # Reading
//
// GetConversation, GetConversations, MarkAsRead and GetUnreadCount form the
// read model. MessageView is the one projection used both by these calls and
// by broadcast payloads.
package conversation
