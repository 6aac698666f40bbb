package auth

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	authService "github.com/zhouzirui/roomchat/internal/service/auth"
	chatService "github.com/zhouzirui/roomchat/internal/service/chat"
	"github.com/zhouzirui/roomchat/pkg/utils"
)

// Handler 账户与令牌接口的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	issuer  *authService.Issuer
}

// New 创建认证处理器
func New(chatSvc *chatService.Service, issuer *authService.Issuer) *Handler {
	return &Handler{chatSvc: chatSvc, issuer: issuer}
}

// RegisterRoutes 注册认证相关的路由，这些路由均无需令牌。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/login/", h.handleLogin)
	r.Post("/auth/register/", h.handleRegister)
	r.Post("/auth/refresh/", h.handleRefresh)
	r.Post("/auth/logout/", h.handleLogout)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.chatSvc.Authenticate(r.Context(), payload.Username, payload.Password)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	pair, err := h.issuer.Issue(user.ID, user.Username)
	if err != nil {
		log.Error().Err(err).Msg("[devserver] issue token")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to obtain access token")
		return
	}
	utils.RespondJSON(w, http.StatusOK, pair)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var profile map[string]string
	if err := utils.DecodeJSON(r, &profile); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.chatSvc.Register(r.Context(), profile)
	if err != nil {
		var fields chatService.FieldErrors
		if errors.As(err, &fields) {
			utils.RespondJSON(w, http.StatusBadRequest, fields)
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"message":  "User registered successfully",
		"user_id":  user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.RefreshToken == "" {
		utils.RespondError(w, http.StatusBadRequest, "Refresh token is required.")
		return
	}

	pair, err := h.issuer.Refresh(payload.RefreshToken)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.AccessToken == "" {
		utils.RespondError(w, http.StatusBadRequest, "Failed to revoke token")
		return
	}
	if err := h.issuer.Revoke(payload.AccessToken); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Failed to revoke token")
		return
	}
	utils.RespondJSON(w, http.StatusResetContent, nil)
}
