package server

import (
	"net/http"
	"time"

	"matcha/internal/auth"
	"matcha/internal/config"
	"matcha/internal/metrics"
	"matcha/internal/mw"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, socket gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			log.Warn().Err(err).Msg("healthz: database unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// 登录注册按 IP 整体限流，防止撞库。
	authGroup := api.Group("/auth", mw.RateLimitBy(rate.Every(time.Second), 10, mw.ByIP))
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/refresh", h.RefreshToken)
	authGroup.POST("/logout", h.Logout)

	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.GET("/users/:id", h.GetUser)

	authed.GET("/matches", h.ListMatches)
	authed.POST("/matches/:id/like", h.Like)
	authed.DELETE("/matches/:id/like", h.Unlike)
	authed.POST("/matches/:id/dislike", h.Dislike)

	authed.GET("/chat/conversations", h.ListConversations)
	authed.GET("/chat/conversations/:id/messages", h.ListMessages)
	authed.POST("/chat/conversations/:id/messages", h.SendMessage)
	authed.PUT("/chat/conversations/:id/read", h.MarkRead)

	authed.GET("/notifications", h.ListNotifications)
	authed.PUT("/notifications/read", h.MarkNotificationsRead)

	authed.GET("/dates", h.ListDates)
	authed.POST("/dates", h.ProposeDate)
	authed.PUT("/dates/:id/status", h.RespondDate)
	authed.PUT("/dates/:id/modify", h.ModifyDate)
	authed.DELETE("/dates/:id", h.CancelDate)

	r.GET("/ws", socket)
	return r
}
