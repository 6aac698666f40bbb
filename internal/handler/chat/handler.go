package chat

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/middleware"
	chatModel "github.com/zhouzirui/roomchat/internal/model/chat"
	chatService "github.com/zhouzirui/roomchat/internal/service/chat"
	"github.com/zhouzirui/roomchat/pkg/utils"
)

// Handler 聊天室、成员关系与消息的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天室相关的路由，r 必须已挂载 middleware.Authenticate。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/rooms/", h.handleListRooms)
	r.Post("/chat/rooms/", h.handleCreateRoom)
	r.Get("/chat/rooms/{slug}/", h.handleGetRoom)
	r.Get("/chat/rooms/{slug}/messages/", h.handleListMessages)
	r.Post("/chat/rooms/{slug}/messages/", h.handleCreateMessage)
	r.Post("/chat/rooms/{slug}/join/", h.handleJoin)
	r.Post("/chat/rooms/{slug}/leave/", h.handleLeave)
}

type pageResponse struct {
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  any     `json:"results"`
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	page, ok := pageParam(r)
	if !ok {
		utils.RespondJSON(w, http.StatusNotFound, map[string]string{"detail": "Invalid page."})
		return
	}

	rooms, more, err := h.chatSvc.ListRooms(r.Context(), claims.UserID, page)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, pageResponse{
		Next:     pageURL(r, page+1, more),
		Previous: pageURL(r, page-1, page > 1),
		Results:  rooms,
	})
}

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	var draft chatModel.RoomDraft
	if err := utils.DecodeJSON(r, &draft); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if draft.MaxMembers < 0 {
		utils.RespondJSON(w, http.StatusBadRequest, map[string][]string{"max_members": {"Ensure this value is greater than or equal to 0."}})
		return
	}

	room, err := h.chatSvc.CreateRoom(r.Context(), claims.UserID, draft.Name, draft.Description, draft.IsPrivate, draft.MaxMembers)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	log.Info().Msgf("[devserver] room %s created by user %d", room.Slug, claims.UserID)
	utils.RespondJSON(w, http.StatusCreated, room)
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	room, err := h.chatSvc.GetRoom(r.Context(), claims.UserID, chi.URLParam(r, "slug"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, room)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	page, ok := pageParam(r)
	if !ok {
		utils.RespondJSON(w, http.StatusNotFound, map[string]string{"detail": "Invalid page."})
		return
	}

	messages, more, err := h.chatSvc.ListMessages(r.Context(), claims.UserID, chi.URLParam(r, "slug"), page)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if page > 1 && len(messages) == 0 {
		utils.RespondJSON(w, http.StatusNotFound, map[string]string{"detail": "Invalid page."})
		return
	}
	utils.RespondJSON(w, http.StatusOK, pageResponse{
		Next:     pageURL(r, page+1, more),
		Previous: pageURL(r, page-1, page > 1),
		Results:  messages,
	})
}

func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.chatSvc.PostMessage(r.Context(), claims.UserID, chi.URLParam(r, "slug"), payload.Content)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	slug := chi.URLParam(r, "slug")
	already, err := h.chatSvc.Join(r.Context(), claims.UserID, slug)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	message := "Successfully joined room."
	if already {
		message = "You are already a member of this room."
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	if err := h.chatSvc.Leave(r.Context(), claims.UserID, chi.URLParam(r, "slug")); err != nil {
		if errors.Is(err, chatService.ErrNotMember) {
			utils.RespondError(w, http.StatusBadRequest, "You are not a member of this room.")
			return
		}
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Successfully left room."})
}

func respondServiceError(w http.ResponseWriter, err error) {
	var fields chatService.FieldErrors
	switch {
	case errors.As(err, &fields):
		utils.RespondJSON(w, http.StatusBadRequest, fields)
	case errors.Is(err, chatService.ErrRoomNotFound):
		utils.RespondJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
	case errors.Is(err, chatService.ErrNotMember), errors.Is(err, chatService.ErrPrivateRoom):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chatService.ErrRoomFull):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chatService.ErrEmptyContent):
		utils.RespondJSON(w, http.StatusBadRequest, map[string][]string{"content": {"This field may not be blank."}})
	default:
		log.Error().Err(err).Msg("[devserver] request failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

// pageParam 读取 ?page=，缺省时回退到 ?cursor=（部分客户端把页码当作不透明游标传入）。
func pageParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return 1, true
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

// pageURL 生成指定页的绝对链接，ok 为 false 时返回 nil。
func pageURL(r *http.Request, page int, ok bool) *string {
	if !ok {
		return nil
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	q := url.Values{}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: q.Encode()}
	s := u.String()
	return &s
}
