package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"matcha/internal/auth"
	"matcha/internal/config"
	"matcha/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Emitter 把事件推送到用户私有房间，由 ws.Hub 实现。
type Emitter interface {
	EmitToUser(userID uint, event string, data interface{})
	EmitToUsers(userIDs []uint, event string, data interface{})
}

// Services 汇总 handler 依赖的业务层。
type Services struct {
	Users         *service.UserService
	Matches       *service.MatchService
	Chat          *service.ChatService
	Notifications *service.NotificationService
	Dates         *service.DateService
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层，写操作成功后通过 hub 推送。
type Handler struct {
	cfg  config.Config
	svc  Services
	push Emitter
}

func NewHandler(cfg config.Config, svc Services, push Emitter) *Handler {
	return &Handler{cfg: cfg, svc: svc, push: push}
}

// fail 把业务错误映射为状态码；未识别的错误记录日志并返回 500。
func fail(c *gin.Context, err error, op string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrDateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrUsernameTaken),
		errors.Is(err, service.ErrConversationInactive),
		errors.Is(err, service.ErrNotMatched),
		errors.Is(err, service.ErrDateClosed):
		status = http.StatusConflict
	case errors.Is(err, service.ErrSelfAction),
		errors.Is(err, service.ErrInvalidDate),
		errors.Is(err, service.ErrInvalidDateStatus):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Uint("user_id", auth.GetUserID(c)).Msg("request failed")
		c.JSON(status, gin.H{"error": op + " failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Avatar   string `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if len(req.Avatar) > 512 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid avatar"})
		return
	}
	result, err := h.svc.Users.Register(c.Request.Context(), req.Username, req.Password, req.Avatar)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 签发 token 对，并把 access token 写入 cookie 供浏览器 socket 握手使用。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.svc.Users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	h.setTokenCookie(c, result.AccessToken, h.cfg.AccessTokenTTLMinutes*60)
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username, "avatar": result.User.AvatarURL},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.svc.Users.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	h.setTokenCookie(c, result.AccessToken, h.cfg.AccessTokenTTLMinutes*60)
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// Logout 清除 token cookie。
func (h *Handler) Logout(c *gin.Context) {
	h.setTokenCookie(c, "", -1)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setTokenCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, token, maxAge, "/", "", h.cfg.Env != "dev", true)
}

// GetUser 返回用户资料与在线状态，:id 可以是 me。
func (h *Handler) GetUser(c *gin.Context) {
	userID := auth.GetUserID(c)
	if c.Param("id") != "me" {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		userID = id
	}
	profile, err := h.svc.Users.Profile(c.Request.Context(), userID)
	if err != nil {
		fail(c, err, "get user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile})
}

// ListNotifications 返回当前用户最近的通知。
func (h *Handler) ListNotifications(c *gin.Context) {
	list, err := h.svc.Notifications.List(c.Request.Context(), auth.GetUserID(c), queryInt(c, "limit", 50))
	if err != nil {
		fail(c, err, "list notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

// MarkNotificationsRead 把当前用户的通知全部标记为已读。
func (h *Handler) MarkNotificationsRead(c *gin.Context) {
	n, err := h.svc.Notifications.MarkAllRead(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "mark notifications read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
