package server

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"matcha/internal/auth"
	"matcha/internal/ws"

	"github.com/gin-gonic/gin"
)

const maxMessageLen = 5000

func (h *Handler) ListConversations(c *gin.Context) {
	list, err := h.svc.Chat.ListConversations(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// ListMessages 分页返回会话消息，before_id 用于向前翻页。
func (h *Handler) ListMessages(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var beforeID uint
	if v := queryInt(c, "before_id", 0); v > 0 {
		beforeID = uint(v)
	}
	msgs, err := h.svc.Chat.ListMessages(c.Request.Context(), convID, auth.GetUserID(c), queryInt(c, "limit", 50), beforeID)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage 写入消息后推送给对方，并回显到发送者的其他连接。
func (h *Handler) SendMessage(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" || utf8.RuneCountInString(req.Content) > maxMessageLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid content"})
		return
	}
	sender := auth.GetUserID(c)
	res, err := h.svc.Chat.Send(c.Request.Context(), convID, sender, req.Content)
	if err != nil {
		fail(c, err, "send message")
		return
	}
	h.push.EmitToUsers([]uint{res.RecipientID, sender}, ws.EventNewMessage, res.Message)
	c.JSON(http.StatusCreated, gin.H{"message": res.Message})
}

// MarkRead 标记会话为已读，并把已读回执推送给双方。
func (h *Handler) MarkRead(c *gin.Context) {
	convID, ok := paramID(c, "id")
	if !ok {
		return
	}
	reader := auth.GetUserID(c)
	receipt, err := h.svc.Chat.MarkRead(c.Request.Context(), convID, reader)
	if err != nil {
		fail(c, err, "mark read")
		return
	}
	if receipt.Count > 0 {
		h.push.EmitToUsers([]uint{receipt.PeerID, reader}, ws.EventMessagesRead, receipt)
	}
	c.JSON(http.StatusOK, gin.H{"count": receipt.Count})
}
