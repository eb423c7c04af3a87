// Package aibridge connects chats to an external AI worker through Redis.
//
// Outbound, the Dispatcher stores a correlation under
// "openai_request:{id}" with a TTL and pushes the request onto the
// "ai-requests" list. Inbound, a Listener reads responses from a
// ResponseSource (list polling or pub/sub), takes the correlation with
// GETDEL so each response is applied at most once, and enqueues an
// assistant:reply job. The ReplyTask posts the answer into the chat, and
// after its last failed attempt leaves a system fallback message instead.
package aibridge
