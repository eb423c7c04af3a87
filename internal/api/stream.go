// ABOUTME: WebSocket stream of a chat's broadcast channel
// ABOUTME: Membership is checked before upgrading; events are written as JSON text frames

package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/broadcast"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// pongWait must exceed pingPeriod so one missed pong is tolerated.
	pongWait = 2 * pingPeriod
	// maxClientFrame caps frames sent by clients, which are ignored.
	maxClientFrame = 4096
)

// stream upgrades to a WebSocket and forwards the chat's events until the
// client goes away or the hub closes.
func (s *Server) stream(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	who := caller(c)
	if err := s.chats.Authorize(c.Request.Context(), chatID, who); err != nil {
		s.fail(c, err)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	channel := broadcast.ChannelName(chatID)
	events, subID := s.events.Subscribe(ctx, channel)
	s.logger.Info("stream opened", "channel", channel, "participant", who.String(), "sub_id", subID)
	defer s.logger.Info("stream closed", "channel", channel, "participant", who.String(), "sub_id", subID)

	go readLoop(ws, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeClose(ws, websocket.CloseNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				writeClose(ws, websocket.CloseGoingAway, "server shutting down")
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(event); err != nil {
				s.logger.Debug("stream write failed", "sub_id", subID, "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so control frames are processed, and
// cancels the stream when the connection breaks or the peer stops answering pings.
func readLoop(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	ws.SetReadLimit(maxClientFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
