// ABOUTME: Maps conversation and participant errors to HTTP status codes
// ABOUTME: Unexpected errors are logged and surface as a bare 500

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/participant"
)

// statusFor returns the status for a service error, or 500 if unknown.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidMessage),
		errors.Is(err, conversation.ErrInvalidParticipants),
		errors.Is(err, participant.ErrInvalidRef):
		return http.StatusBadRequest
	case errors.Is(err, participant.ErrNotFound),
		errors.Is(err, conversation.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrPrivateChatImmutable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error response.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// chatIDParam parses the :id path segment.
func chatIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid chat id")
		return 0, false
	}
	return id, true
}

// refParam builds a participant reference from a kind and id path segment.
func refParam(c *gin.Context, kindParam, idParam string) (participant.Ref, bool) {
	kind, err := participant.ParseKind(c.Param(kindParam))
	if err != nil {
		badRequest(c, err.Error())
		return participant.Ref{}, false
	}
	id, err := strconv.ParseInt(c.Param(idParam), 10, 64)
	if err != nil {
		badRequest(c, "invalid participant id")
		return participant.Ref{}, false
	}
	return participant.New(kind, id), true
}

// pageParams reads page and per_page, leaving zero for the service default.
func pageParams(c *gin.Context) (page, perPage int, ok bool) {
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &page}, {"per_page", &perPage}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "invalid "+p.name)
			return 0, 0, false
		}
		*p.dst = n
	}
	return page, perPage, true
}
