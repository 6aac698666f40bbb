// Package stream mirrors a room's live messages as Server-Sent Events, for
// browsers and curl sessions that cannot hold a websocket.
package stream

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/middleware"
	chatService "github.com/zhouzirui/roomchat/internal/service/chat"
	"github.com/zhouzirui/roomchat/pkg/utils"
)

const defaultKeepAlive = 25 * time.Second

// Handler 聊天室事件流处理器
type Handler struct {
	chatSvc   *chatService.Service
	keepAlive time.Duration
}

// New 创建事件流处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc, keepAlive: defaultKeepAlive}
}

// RegisterRoutes 注册事件流路由，r 必须已挂载 middleware.Authenticate。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/rooms/{slug}/events/", h.handleEvents)
}

// StreamEvent 流开始与结束控制事件的数据
type StreamEvent struct {
	Event string `json:"event"`
	Room  string `json:"room"`
	Error string `json:"error,omitempty"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	slug := chi.URLParam(r, "slug")

	member, err := h.chatSvc.IsMember(r.Context(), claims.UserID, slug)
	switch {
	case errors.Is(err, chatService.ErrRoomNotFound):
		utils.RespondJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	case !member:
		utils.RespondError(w, http.StatusForbidden, chatService.ErrNotMember.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	messages, unsubscribe := h.chatSvc.Subscribe(slug)
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "start", StreamEvent{Event: "start", Room: slug}); err != nil {
		return
	}
	log.Debug().Msgf("[stream] user %d following %s", claims.UserID, slug)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msgf("[stream] user %d left %s", claims.UserID, slug)
			return
		case msg, ok := <-messages:
			if !ok {
				_ = utils.SendSSEEvent(w, flusher, "end", StreamEvent{Event: "end", Room: slug})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "chat_message", msg); err != nil {
				log.Debug().Err(err).Msgf("[stream] write to user %d failed", claims.UserID)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		}
	}
}
