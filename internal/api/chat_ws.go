package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aruiz/ragrelay/internal/stream"
)

// The websocket speaks a small frame protocol: the server sends one
// "snapshot" frame on attach, then "stream" frames for the in-progress
// assistant message (same id, growing content) and "message" frames for
// finalized transcript entries. Clients send "user_message" and "interrupt".
type chatWSConn struct {
	conn           *websocket.Conn
	cancel         func()
	mu             sync.Mutex
	closed         bool
	conversationID string
	server         *Server
}

type chatClientMessage struct {
	Type           string          `json:"type"`
	Content        string          `json:"content,omitempty"`
	Filters        *stream.Filters `json:"filters,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	ScoreThreshold float64         `json:"scoreThreshold,omitempty"`
}

const (
	chatPingPeriod = 30 * time.Second
	chatPongWait   = 90 * time.Second
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		http.Error(w, "conversation parameter required", http.StatusBadRequest)
		return
	}

	if _, err := s.db.GetConversation(conversationID); err != nil {
		writeDBError(w, err, "conversation")
		return
	}

	upgrader := s.wsUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("chat websocket upgrade error", "error", err)
		return
	}

	snapshot, updates, cancel, err := s.chat.Attach(conversationID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrConversationNotFound) {
			code = 4000
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "conversation unavailable"))
		_ = conn.Close()
		return
	}

	ws := &chatWSConn{
		conn:           conn,
		cancel:         cancel,
		conversationID: conversationID,
		server:         s,
	}

	go ws.writeSnapshotAndUpdates(snapshot, updates)
	go ws.keepAlive()
	ws.readLoop()
}

func (ws *chatWSConn) writeSnapshotAndUpdates(snapshot []ChatMessage, updates <-chan ChatMessage) {
	defer ws.close()

	if err := ws.writeJSON(map[string]any{
		"type":     "snapshot",
		"messages": snapshot,
	}); err != nil {
		return
	}

	for msg := range updates {
		frameType := "message"
		if msg.IsStreaming {
			frameType = "stream"
		}
		if err := ws.writeJSON(map[string]any{
			"type":    frameType,
			"message": msg,
		}); err != nil {
			return
		}
	}
}

func (ws *chatWSConn) readLoop() {
	defer ws.close()
	_ = ws.conn.SetReadDeadline(time.Now().Add(chatPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(chatPongWait))
	})

	for {
		msgType, payload, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("chat websocket read error", "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var in chatClientMessage
		if err := json.Unmarshal(payload, &in); err != nil {
			continue
		}

		switch in.Type {
		case "interrupt":
			_ = ws.server.chat.Interrupt(ws.conversationID)
		case "user_message":
			if strings.TrimSpace(in.Content) == "" {
				continue
			}
			_, err := ws.server.chat.StartTurn(StartChatTurnInput{
				ConversationID: ws.conversationID,
				Prompt:         in.Content,
				Filters:        in.Filters,
				Limit:          in.Limit,
				ScoreThreshold: in.ScoreThreshold,
			})
			if err != nil {
				_ = ws.writeJSON(map[string]any{
					"type":  "error",
					"error": err.Error(),
				})
			}
		}
	}
}

func (ws *chatWSConn) keepAlive() {
	ticker := time.NewTicker(chatPingPeriod)
	defer ticker.Stop()
	defer ws.close()

	for range ticker.C {
		if err := ws.writePing(); err != nil {
			return
		}
	}
}

func (ws *chatWSConn) writePing() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return websocket.ErrCloseSent
	}
	_ = ws.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.conn.WriteMessage(websocket.PingMessage, nil)
}

func (ws *chatWSConn) writeJSON(payload any) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return websocket.ErrCloseSent
	}
	_ = ws.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.conn.WriteJSON(payload)
}

func (ws *chatWSConn) close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	cancel := ws.cancel
	conn := ws.conn
	ws.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
}
