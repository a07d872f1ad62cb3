package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/infiniteflux/vibe-sub000/internal/auth"
	"github.com/infiniteflux/vibe-sub000/internal/config"
	"github.com/infiniteflux/vibe-sub000/internal/metrics"
	"github.com/infiniteflux/vibe-sub000/internal/mw"
	"github.com/infiniteflux/vibe-sub000/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// limiter 由调用方持有，停服时调用 Stop。
func SetupRouter(cfg config.Config, h *Handler, p auth.Provider, limiter *mw.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	// 未登录前按 IP+路由限速，登录后的接口再按用户限速
	r.Use(limiter.Middleware(mw.ByIP))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(p), limiter.Middleware(mw.ByUser))

	authed.POST("/auth/logout", h.Logout)
	authed.GET("/me", h.Me)
	authed.PUT("/me/push-token", h.PushToken)
	authed.GET("/me/online", h.Online)

	authed.GET("/events", h.ListEvents)
	authed.POST("/events", h.CreateEvent)
	authed.POST("/events/:id/join", h.ToggleJoin)
	authed.GET("/trending", h.Trending)

	authed.GET("/groups", h.ListGroups)
	authed.POST("/groups", h.CreateGroup)
	authed.POST("/groups/:id/members", h.AddMember)
	authed.GET("/groups/:id/messages", h.ListMessages)
	authed.POST("/groups/:id/messages", h.SendMessage)
	authed.POST("/groups/:id/read", h.MarkRead)

	authed.GET("/notifications", h.ListNotifications)
	authed.GET("/notifications/channels", h.NotificationChannels)
	authed.DELETE("/notifications/:id", h.DismissNotification)

	authed.POST("/reports", h.SubmitReport)
	authed.GET("/reports/connections", h.ReportConnections)
	authed.GET("/reports/verified", h.VerifiedReports)

	r.GET("/ws", ws.Serve(h.hub, h.sessions, p, cfg.CORSOrigins))
	return r
}
