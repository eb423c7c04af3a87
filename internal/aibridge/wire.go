// ABOUTME: Redis key names and JSON payloads exchanged with the external AI worker
// ABOUTME: Requests go out on a list; responses come back on a list or a channel

package aibridge

import (
	"errors"
	"time"
)

// Defaults for the AI worker protocol.
const (
	DefaultRequestsKey     = "ai-requests"
	DefaultResponsesKey    = "ai-responses"
	DefaultRequestTTL      = 10 * time.Minute
	DefaultFallbackMessage = "Sorry, there was an error processing your message. Please try again."

	correlationPrefix = "openai_request:"
	responsePrefix    = "openai_response:"
)

var (
	// ErrUnknownRequest means no correlation exists for a response: it
	// expired, was already consumed, or was never issued here.
	ErrUnknownRequest = errors.New("correlation expired or unknown")
	// ErrNoResponse means a response carried no content and none was
	// stored under its response key.
	ErrNoResponse = errors.New("response content missing")
	// ErrMalformedResponse means a payload could not be decoded or had no id.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrDuplicateResponse means the request id was handled recently.
	ErrDuplicateResponse = errors.New("duplicate response")
)

// CorrelationKey is where the context of an outstanding request lives.
func CorrelationKey(requestID string) string {
	return correlationPrefix + requestID
}

// ResponseKey is where a worker may leave response content instead of
// sending it inline.
func ResponseKey(requestID string) string {
	return responsePrefix + requestID
}

// Request is pushed onto the requests list for the AI worker.
type Request struct {
	RequestID string `json:"requestId"`
	ChatID    int64  `json:"chatId"`
	UserID    int64  `json:"userId"`
	UserType  string `json:"userType"`
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

// Response is what the worker sends back. Older workers send "id" instead
// of "requestId"; Response may be absent when the content is stored under
// ResponseKey.
type Response struct {
	RequestID string  `json:"requestId,omitempty"`
	ID        string  `json:"id,omitempty"`
	Response  *string `json:"response,omitempty"`
}

// Key returns the request id the response answers.
func (r Response) Key() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.ID
}

// Correlation is the context saved when a request is dispatched.
type Correlation struct {
	RequestID string    `json:"request_id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	UserType  string    `json:"user_type"`
	MessageID int64     `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}
