package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authHandler "github.com/zhouzirui/roomchat/internal/handler/auth"
	chatHandler "github.com/zhouzirui/roomchat/internal/handler/chat"
	streamHandler "github.com/zhouzirui/roomchat/internal/handler/stream"
	wsHandler "github.com/zhouzirui/roomchat/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/roomchat/internal/middleware"
	authService "github.com/zhouzirui/roomchat/internal/service/auth"
	chatService "github.com/zhouzirui/roomchat/internal/service/chat"
	"github.com/zhouzirui/roomchat/pkg/utils"
)

// NewRouter 注册参考后端的全部路由。gatherer 为 nil 时不提供 /metrics。
func NewRouter(chatSvc *chatService.Service, issuer *authService.Issuer, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	authH := authHandler.New(chatSvc, issuer)
	chatH := chatHandler.New(chatSvc)
	streamH := streamHandler.New(chatSvc)
	wsH := wsHandler.New(chatSvc)
	requireToken := middlewarePkg.Authenticate(issuer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		authH.RegisterRoutes(api)

		api.Group(func(protected chi.Router) {
			protected.Use(requireToken)
			chatH.RegisterRoutes(protected)
			streamH.RegisterRoutes(protected)
		})
	})

	r.Group(func(sockets chi.Router) {
		sockets.Use(requireToken)
		wsH.RegisterRoutes(sockets)
	})

	return r
}
