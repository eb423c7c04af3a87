// ABOUTME: Gin router for the chat HTTP API and its WebSocket event stream
// ABOUTME: Every /api route runs behind JWT auth; health probes are public

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/participant"
	"github.com/2389/coven-chat/internal/store"
)

// ChatService is the conversation surface the handlers call.
type ChatService interface {
	SendDirectMessage(ctx context.Context, content string, sender, receiver participant.Ref) (*conversation.DirectMessageResult, error)
	SendMessage(ctx context.Context, req conversation.SendRequest) (*conversation.MessageView, error)
	FindOrCreatePrivateChat(ctx context.Context, requester, other participant.Ref) (*conversation.ChatView, error)
	GetConversation(ctx context.Context, requester, other participant.Ref, page, perPage int) (*conversation.ConversationPage, error)
	GetChatMessages(ctx context.Context, chatID int64, requester participant.Ref, page, perPage int) (*conversation.ConversationPage, error)
	GetConversations(ctx context.Context, requester participant.Ref, page, perPage int) (*conversation.ChatList, error)
	MarkAsRead(ctx context.Context, chatID int64, requester participant.Ref) (int64, error)
	GetUnreadCount(ctx context.Context, chatID int64, requester participant.Ref) (int, error)
	GetTotalUnread(ctx context.Context, requester participant.Ref) (int, error)
	CreateGroupChat(ctx context.Context, creator participant.Ref, name, description string, participants []participant.Ref) (*conversation.ChatView, error)
	AddParticipant(ctx context.Context, actor participant.Ref, chatID int64, ref participant.Ref) (*conversation.ChatView, error)
	RemoveParticipant(ctx context.Context, actor participant.Ref, chatID int64, ref participant.Ref) error
	DeleteChat(ctx context.Context, actor participant.Ref, chatID int64) error
	Authorize(ctx context.Context, chatID int64, ref participant.Ref) error
}

var _ ChatService = (*conversation.Service)(nil)

// Subscriber hands out live event feeds for a channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *broadcast.Event, string)
}

var _ Subscriber = (*broadcast.Hub)(nil)

// ReadyFunc reports whether the server's dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Options configures a Server. FailedJobs and Ready are optional.
type Options struct {
	Chats      ChatService
	Directory  participant.Directory
	Verifier   auth.TokenVerifier
	Events     Subscriber
	FailedJobs store.DeadLetterStore
	Ready      ReadyFunc
	Logger     *slog.Logger
}

// Server serves the chat API.
type Server struct {
	chats      ChatService
	directory  participant.Directory
	verifier   auth.TokenVerifier
	events     Subscriber
	failedJobs store.DeadLetterStore
	ready      ReadyFunc
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		chats:      opts.Chats,
		directory:  opts.Directory,
		verifier:   opts.Verifier,
		events:     opts.Events,
		failedJobs: opts.FailedJobs,
		ready:      opts.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "api"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/health", s.handleHealth)
	r.GET("/health/ready", s.handleReady)

	api := r.Group("/api", auth.Middleware(s.directory, s.verifier))

	api.POST("/messages", s.sendDirectMessage)
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:type/:id", s.getConversation)
	api.GET("/unread", s.totalUnread)

	api.POST("/chats/private", s.openPrivateChat)
	api.POST("/chats/group", s.createGroupChat)
	api.GET("/chats/:id/messages", s.listChatMessages)
	api.POST("/chats/:id/messages", s.sendChatMessage)
	api.POST("/chats/:id/read", s.markAsRead)
	api.GET("/chats/:id/unread", s.chatUnread)
	api.POST("/chats/:id/participants", s.addParticipant)
	api.DELETE("/chats/:id/participants/:type/:pid", s.removeParticipant)
	api.GET("/chats/:id/stream", s.stream)

	admin := api.Group("/admin", auth.RequireAdmin())
	admin.DELETE("/chats/:id", s.deleteChat)
	if s.failedJobs != nil {
		admin.GET("/failed-jobs", s.listFailedJobs)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleReady(c *gin.Context) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			c.String(http.StatusServiceUnavailable, "NOT READY")
			return
		}
	}
	c.String(http.StatusOK, "READY")
}

// requestLogger logs each request at debug level.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// caller returns the authenticated participant.
func caller(c *gin.Context) participant.Ref {
	return auth.MustFromContext(c.Request.Context()).Participant
}
