// ABOUTME: Message, conversation and membership handlers
// ABOUTME: Handlers bind JSON, call the chat service and render its views

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/participant"
	"github.com/2389/coven-chat/internal/store"
)

// DirectMessageRequest is the body of POST /api/messages.
type DirectMessageRequest struct {
	ReceiverID   int64  `json:"receiver_id" binding:"required"`
	ReceiverType string `json:"receiver_type" binding:"required"`
	Content      string `json:"content" binding:"required"`
}

// ChatMessageRequest is the body of POST /api/chats/:id/messages.
type ChatMessageRequest struct {
	Content     string          `json:"content" binding:"required"`
	MessageType string          `json:"message_type"`
	Metadata    json.RawMessage `json:"metadata"`
}

// ParticipantRequest names a participant by id and type.
type ParticipantRequest struct {
	ID   int64  `json:"id" binding:"required"`
	Type string `json:"type" binding:"required"`
}

// PrivateChatRequest is the body of POST /api/chats/private.
type PrivateChatRequest struct {
	ParticipantID   int64  `json:"participant_id" binding:"required"`
	ParticipantType string `json:"participant_type" binding:"required"`
}

// GroupChatRequest is the body of POST /api/chats/group.
type GroupChatRequest struct {
	Name         string               `json:"name" binding:"required"`
	Description  string               `json:"description"`
	Participants []ParticipantRequest `json:"participants"`
}

func (p ParticipantRequest) ref() (participant.Ref, error) {
	kind, err := participant.ParseKind(p.Type)
	if err != nil {
		return participant.Ref{}, err
	}
	return participant.New(kind, p.ID), nil
}

// bind decodes the JSON body, answering 400 on failure.
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) sendDirectMessage(c *gin.Context) {
	var req DirectMessageRequest
	if !bind(c, &req) {
		return
	}
	receiver, err := ParticipantRequest{ID: req.ReceiverID, Type: req.ReceiverType}.ref()
	if err != nil {
		s.fail(c, err)
		return
	}

	result, err := s.chats.SendDirectMessage(c.Request.Context(), req.Content, caller(c), receiver)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) sendChatMessage(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req ChatMessageRequest
	if !bind(c, &req) {
		return
	}

	msg, err := s.chats.SendMessage(c.Request.Context(), conversation.SendRequest{
		ChatID:   chatID,
		Sender:   caller(c),
		Content:  req.Content,
		Type:     store.MessageType(req.MessageType),
		Metadata: req.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) listConversations(c *gin.Context) {
	page, perPage, ok := pageParams(c)
	if !ok {
		return
	}
	list, err := s.chats.GetConversations(c.Request.Context(), caller(c), page, perPage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getConversation(c *gin.Context) {
	other, ok := refParam(c, "type", "id")
	if !ok {
		return
	}
	page, perPage, ok := pageParams(c)
	if !ok {
		return
	}
	conv, err := s.chats.GetConversation(c.Request.Context(), caller(c), other, page, perPage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) listChatMessages(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	page, perPage, ok := pageParams(c)
	if !ok {
		return
	}
	conv, err := s.chats.GetChatMessages(c.Request.Context(), chatID, caller(c), page, perPage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) markAsRead(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	n, err := s.chats.MarkAsRead(c.Request.Context(), chatID, caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "marked": n})
}

func (s *Server) chatUnread(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	n, err := s.chats.GetUnreadCount(c.Request.Context(), chatID, caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "unread_count": n})
}

func (s *Server) totalUnread(c *gin.Context) {
	n, err := s.chats.GetTotalUnread(c.Request.Context(), caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_chats": n})
}

func (s *Server) openPrivateChat(c *gin.Context) {
	var req PrivateChatRequest
	if !bind(c, &req) {
		return
	}
	other, err := ParticipantRequest{ID: req.ParticipantID, Type: req.ParticipantType}.ref()
	if err != nil {
		s.fail(c, err)
		return
	}
	chat, err := s.chats.FindOrCreatePrivateChat(c.Request.Context(), caller(c), other)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Server) createGroupChat(c *gin.Context) {
	var req GroupChatRequest
	if !bind(c, &req) {
		return
	}
	refs := make([]participant.Ref, 0, len(req.Participants))
	for _, p := range req.Participants {
		ref, err := p.ref()
		if err != nil {
			s.fail(c, err)
			return
		}
		refs = append(refs, ref)
	}

	chat, err := s.chats.CreateGroupChat(c.Request.Context(), caller(c), req.Name, req.Description, refs)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) addParticipant(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req ParticipantRequest
	if !bind(c, &req) {
		return
	}
	ref, err := req.ref()
	if err != nil {
		s.fail(c, err)
		return
	}
	chat, err := s.chats.AddParticipant(c.Request.Context(), caller(c), chatID, ref)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Server) removeParticipant(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	ref, ok := refParam(c, "type", "pid")
	if !ok {
		return
	}
	if err := s.chats.RemoveParticipant(c.Request.Context(), caller(c), chatID, ref); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteChat(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := s.chats.DeleteChat(c.Request.Context(), caller(c), chatID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// FailedJobResponse is a dead-lettered job as admins see it.
type FailedJobResponse struct {
	ID       int64           `json:"id"`
	JobType  string          `json:"job_type"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt string          `json:"failed_at"`
}

func (s *Server) listFailedJobs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "invalid limit")
			return
		}
		limit = min(n, 500)
	}

	jobs, err := s.failedJobs.ListFailedJobs(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]FailedJobResponse, 0, len(jobs))
	for _, j := range jobs {
		payload := json.RawMessage(j.Payload)
		if !json.Valid(payload) {
			payload, _ = json.Marshal(string(j.Payload))
		}
		out = append(out, FailedJobResponse{
			ID:       j.ID,
			JobType:  j.JobType,
			Payload:  payload,
			Error:    j.Error,
			Attempts: j.Attempts,
			FailedAt: j.FailedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"failed_jobs": out})
}
