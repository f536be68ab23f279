package server

import (
	"net/http"
	"time"

	"matcha/internal/auth"
	"matcha/internal/service"
	"matcha/internal/ws"

	"github.com/gin-gonic/gin"
)

type dateRequest struct {
	RecipientID uint      `json:"recipientId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Location    string    `json:"location"`
	Note        string    `json:"note"`
}

func (r dateRequest) input() service.DateInput {
	return service.DateInput{ScheduledAt: r.ScheduledAt, Location: r.Location, Note: r.Note}
}

func (h *Handler) ListDates(c *gin.Context) {
	list, err := h.svc.Dates.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list dates")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dates": list})
}

// ProposeDate 向有效匹配的对方发起约会邀请。
func (h *Handler) ProposeDate(c *gin.Context) {
	var req dateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RecipientID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ev, err := h.svc.Dates.Propose(c.Request.Context(), auth.GetUserID(c), req.RecipientID, req.input())
	if err != nil {
		fail(c, err, "propose date")
		return
	}
	h.pushDate(ev)
	c.JSON(http.StatusCreated, gin.H{"date": ev.Date})
}

// RespondDate 接受或拒绝邀请，body: {"status": "accepted" | "declined"}。
func (h *Handler) RespondDate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ev, err := h.svc.Dates.Respond(c.Request.Context(), id, auth.GetUserID(c), req.Status)
	if err != nil {
		fail(c, err, "respond date")
		return
	}
	h.pushDate(ev)
	c.JSON(http.StatusOK, gin.H{"date": ev.Date})
}

func (h *Handler) ModifyDate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req dateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ev, err := h.svc.Dates.Modify(c.Request.Context(), id, auth.GetUserID(c), req.input())
	if err != nil {
		fail(c, err, "modify date")
		return
	}
	h.pushDate(ev)
	c.JSON(http.StatusOK, gin.H{"date": ev.Date})
}

func (h *Handler) CancelDate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ev, err := h.svc.Dates.Cancel(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "cancel date")
		return
	}
	h.pushDate(ev)
	c.JSON(http.StatusOK, gin.H{"date": ev.Date})
}

func (h *Handler) pushDate(ev *service.DateEvent) {
	p := ev.Date.Participants()
	h.push.EmitToUsers(p[:], ws.EventDateUpdated, ev.Date)
	if ev.Notification != nil {
		h.push.EmitToUser(ev.Notification.RecipientID, ws.EventNotification, ev.Notification)
	}
}
