package service

import (
	"context"
	"time"

	"matcha/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// 通知类型。
const (
	NotificationLike          = "like"
	NotificationMatch         = "match"
	NotificationUnlike        = "unlike"
	NotificationDateProposal  = "date_proposal"
	NotificationDateResponse  = "date_response"
	NotificationDateModified  = "date_modified"
	NotificationDateCancelled = "date_cancelled"
)

// NotificationDTO 同时用于 REST 历史与 socket 推送，两者来自同一次写入。
type NotificationDTO struct {
	ID             uint      `json:"id"`
	RecipientID    uint      `json:"recipientId"`
	SenderID       *uint     `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	SenderAvatar   string    `json:"senderAvatar"`
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NotificationService 负责通知的持久化与查询。
type NotificationService struct {
	db *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

// Create 写入一条通知；sender 可以为 nil。
func (s *NotificationService) Create(ctx context.Context, recipientID uint, sender *models.User, typ, message string) (*NotificationDTO, error) {
	n := models.Notification{RecipientID: recipientID, Type: typ, Message: message}
	if sender != nil {
		id := sender.ID
		n.SenderID = &id
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return nil, errors.Wrap(err, "notificationService.Create")
	}
	dto := toNotificationDTO(n, sender)
	return &dto, nil
}

type notice struct {
	recipient uint
	sender    *models.User
	typ       string
	text      string
}

// createAll 尽力写入多条通知：失败的条目只记日志，不影响调用方的主流程。
func (s *NotificationService) createAll(ctx context.Context, notices ...notice) []NotificationDTO {
	out := make([]NotificationDTO, 0, len(notices))
	for _, n := range notices {
		dto, err := s.Create(ctx, n.recipient, n.sender, n.typ, n.text)
		if err != nil {
			logSideEffect(err, "notification insert", n.recipient)
			continue
		}
		out = append(out, *dto)
	}
	return out
}

// List 按时间倒序返回用户最近的通知。
func (s *NotificationService) List(ctx context.Context, userID uint, limit int) ([]NotificationDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.Notification
	if err := s.db.WithContext(ctx).Where("recipient_id = ?", userID).
		Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "notificationService.List")
	}
	senderIDs := make([]uint, 0, len(rows))
	for _, n := range rows {
		if n.SenderID != nil {
			senderIDs = append(senderIDs, *n.SenderID)
		}
	}
	senders, err := usersByID(s.db.WithContext(ctx), senderIDs)
	if err != nil {
		return nil, err
	}
	out := make([]NotificationDTO, 0, len(rows))
	for _, n := range rows {
		var sender *models.User
		if n.SenderID != nil {
			if u, ok := senders[*n.SenderID]; ok {
				sender = &u
			}
		}
		out = append(out, toNotificationDTO(n, sender))
	}
	return out, nil
}

// MarkAllRead 把用户的未读通知全部标记为已读，返回更新条数。
func (s *NotificationService) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "notificationService.MarkAllRead")
	}
	return res.RowsAffected, nil
}

func toNotificationDTO(n models.Notification, sender *models.User) NotificationDTO {
	dto := NotificationDTO{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		SenderID:    n.SenderID,
		Type:        n.Type,
		Message:     n.Message,
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt,
	}
	if sender != nil {
		dto.SenderUsername = sender.Username
		dto.SenderAvatar = sender.AvatarURL
	}
	return dto
}
