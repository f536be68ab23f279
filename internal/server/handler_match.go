package server

import (
	"net/http"

	"matcha/internal/auth"
	"matcha/internal/service"
	"matcha/internal/ws"

	"github.com/gin-gonic/gin"
)

// Like 对 :id 表示喜欢；互相喜欢时激活匹配并向双方推送开场消息和会话状态。
func (h *Handler) Like(c *gin.Context) {
	target, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Matches.Like(c.Request.Context(), auth.GetUserID(c), target)
	if err != nil {
		fail(c, err, "like")
		return
	}
	if res.Activation != nil {
		h.pushActivation(res.Activation)
	}
	h.pushNotifications(res.Notifications)
	c.JSON(http.StatusOK, gin.H{"isMatch": res.IsMatch})
}

// Dislike 对 :id 表示不喜欢，已有匹配会被停用。
func (h *Handler) Dislike(c *gin.Context) {
	target, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Matches.Dislike(c.Request.Context(), auth.GetUserID(c), target)
	if err != nil {
		fail(c, err, "dislike")
		return
	}
	h.pushDeactivation(res.Deactivation)
	h.pushNotifications(res.Notifications)
	c.JSON(http.StatusOK, gin.H{"isMatch": false})
}

// Unlike 撤回对 :id 的喜欢。
func (h *Handler) Unlike(c *gin.Context) {
	target, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Matches.Unlike(c.Request.Context(), auth.GetUserID(c), target)
	if err != nil {
		fail(c, err, "unlike")
		return
	}
	h.pushDeactivation(res.Deactivation)
	h.pushNotifications(res.Notifications)
	c.JSON(http.StatusOK, gin.H{"isMatch": false})
}

func (h *Handler) ListMatches(c *gin.Context) {
	list, err := h.svc.Matches.ListActive(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list matches")
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": list})
}

func (h *Handler) pushActivation(a *service.Activation) {
	users := []uint{a.Match.UserID1, a.Match.UserID2}
	h.push.EmitToUsers(users, ws.EventNewMessage, a.Message)
	h.push.EmitToUsers(users, ws.EventConversationStatus, ws.ConversationStatus{ConversationID: a.ConversationID, IsActive: true})
}

func (h *Handler) pushDeactivation(d *service.Deactivation) {
	if d == nil {
		return
	}
	users := []uint{d.Match.UserID1, d.Match.UserID2}
	if d.Message != nil {
		h.push.EmitToUsers(users, ws.EventNewMessage, d.Message)
	}
	if d.ConversationID != 0 {
		h.push.EmitToUsers(users, ws.EventConversationStatus, ws.ConversationStatus{ConversationID: d.ConversationID, IsActive: false})
	}
}

// pushNotifications 在通知落库之后推送给各自的接收者。
func (h *Handler) pushNotifications(ns []service.NotificationDTO) {
	for _, n := range ns {
		h.push.EmitToUser(n.RecipientID, ws.EventNotification, n)
	}
}
