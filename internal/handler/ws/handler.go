package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/middleware"
	"github.com/zhouzirui/roomchat/internal/model/chat"
	chatService "github.com/zhouzirui/roomchat/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// Handler WebSocket聊天室处理器，负责升级连接并双向转发消息
type Handler struct {
	chatSvc  *chatService.Service
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由，r 必须已挂载 middleware.Authenticate。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat/{slug}/", h.handleWebSocket)
}

type roomConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *roomConn) writeMessage(kind int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(kind, payload)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	member, err := h.chatSvc.IsMember(r.Context(), claims.UserID, slug)
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if !member {
		http.Error(w, "you must be a member of the room", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	rc := &roomConn{conn: conn}
	defer conn.Close()

	log.Info().Msgf("[websocket] user %d joined %s", claims.UserID, slug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsubscribe := h.chatSvc.Subscribe(slug)
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, rc)
	go h.forward(ctx, cancel, rc, updates)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msgf("[websocket] read error in %s", slug)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleFrame(ctx, rc, claims.UserID, slug, raw)
	}
}

func (h *Handler) handleFrame(ctx context.Context, rc *roomConn, userID int64, slug string, raw []byte) {
	frame, err := chat.DecodeFrame(raw)
	if err != nil {
		h.sendError(rc, "invalid frame")
		return
	}
	if frame.Type != chat.FrameSendMessage {
		h.sendError(rc, "unsupported message type: "+frame.Type)
		return
	}

	var payload chat.SendPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		h.sendError(rc, "invalid send_message payload")
		return
	}
	// 存储后的消息经由本连接自己的订阅回送
	if _, err := h.chatSvc.PostMessage(ctx, userID, slug, payload.Content); err != nil {
		h.sendError(rc, err.Error())
	}
}

// forward 将聊天室广播写入连接，直到 ctx 结束
func (h *Handler) forward(ctx context.Context, cancel context.CancelFunc, rc *roomConn, updates <-chan chat.WireMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			raw, err := chat.EncodeNewMessage(msg)
			if err != nil {
				log.Warn().Err(err).Msg("[websocket] encode message")
				continue
			}
			if err := rc.writeMessage(websocket.TextMessage, raw); err != nil {
				cancel()
				rc.conn.Close()
				return
			}
		}
	}
}

func (h *Handler) sendError(rc *roomConn, message string) {
	raw, err := json.Marshal(map[string]any{"type": "error", "data": map[string]string{"message": message}})
	if err != nil {
		return
	}
	if err := rc.writeMessage(websocket.TextMessage, raw); err != nil {
		log.Debug().Err(err).Msg("[websocket] write error frame failed")
	}
}

func (h *Handler) pingLoop(ctx context.Context, rc *roomConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rc.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
