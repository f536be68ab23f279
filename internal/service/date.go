package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"matcha/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 约会邀请状态。
const (
	DatePending   = "pending"
	DateAccepted  = "accepted"
	DateDeclined  = "declined"
	DateCancelled = "cancelled"
)

// DateDTO 是对外输出的约会邀请。
type DateDTO struct {
	ID          uint      `json:"id"`
	ProposerID  uint      `json:"proposerId"`
	RecipientID uint      `json:"recipientId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Location    string    `json:"location"`
	Note        string    `json:"note"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Participants 返回需要收到 date_updated 的两个用户。
func (d DateDTO) Participants() [2]uint {
	return [2]uint{d.ProposerID, d.RecipientID}
}

// DateEvent 是一次约会状态变化：Notification 发给对方，可能为 nil。
type DateEvent struct {
	Date         DateDTO
	Notification *NotificationDTO
}

// DateInput 是创建或修改约会时的输入。
type DateInput struct {
	ScheduledAt time.Time
	Location    string
	Note        string
}

func (in DateInput) validate(now time.Time) error {
	if in.ScheduledAt.IsZero() || !in.ScheduledAt.After(now) {
		return ErrInvalidDate
	}
	if l := strings.TrimSpace(in.Location); l == "" || len(l) > 255 {
		return ErrInvalidDate
	}
	if len(in.Note) > 2000 {
		return ErrInvalidDate
	}
	return nil
}

// DateService 管理双方匹配后的约会邀请。
type DateService struct {
	db            *gorm.DB
	notifications *NotificationService
	now           func() time.Time
}

func NewDateService(db *gorm.DB, notifications *NotificationService) *DateService {
	return &DateService{db: db, notifications: notifications, now: time.Now}
}

// Propose 向有效匹配的对方发起约会邀请。
func (s *DateService) Propose(ctx context.Context, proposerID, recipientID uint, in DateInput) (*DateEvent, error) {
	if proposerID == recipientID {
		return nil, ErrSelfAction
	}
	if err := in.validate(s.now()); err != nil {
		return nil, err
	}
	var (
		proposer, recipient models.User
		d                   models.DateProposal
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadPair(tx, proposerID, recipientID, &proposer, &recipient); err != nil {
			return err
		}
		active, err := isActiveMatch(tx, proposerID, recipientID)
		if err != nil {
			return err
		}
		if !active {
			return ErrNotMatched
		}
		d = models.DateProposal{
			ProposerID:  proposerID,
			RecipientID: recipientID,
			ScheduledAt: in.ScheduledAt.UTC(),
			Location:    strings.TrimSpace(in.Location),
			Note:        in.Note,
			Status:      DatePending,
		}
		return errors.Wrap(tx.Create(&d).Error, "dateService.Propose.create")
	})
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("%s invited you on a date at %s.", proposer.Username, d.Location)
	return s.event(ctx, d, recipientID, &proposer, NotificationDateProposal, text), nil
}

// Respond 由被邀请方接受或拒绝仍处于 pending 的邀请。
func (s *DateService) Respond(ctx context.Context, dateID, userID uint, status string) (*DateEvent, error) {
	if status != DateAccepted && status != DateDeclined {
		return nil, ErrInvalidDateStatus
	}
	var (
		d     models.DateProposal
		actor models.User
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockDate(tx, dateID, &d); err != nil {
			return err
		}
		if d.RecipientID != userID {
			return ErrNotParticipant
		}
		if d.Status != DatePending {
			return ErrDateClosed
		}
		if err := tx.First(&actor, userID).Error; err != nil {
			return errors.Wrap(err, "dateService.Respond.actor")
		}
		d.Status = status
		return errors.Wrap(tx.Save(&d).Error, "dateService.Respond.save")
	})
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("%s %s your date invitation.", actor.Username, status)
	return s.event(ctx, d, d.ProposerID, &actor, NotificationDateResponse, text), nil
}

// Modify 允许任一参与者修改未结束的邀请；修改后回到 pending，由对方重新确认。
func (s *DateService) Modify(ctx context.Context, dateID, userID uint, in DateInput) (*DateEvent, error) {
	if err := in.validate(s.now()); err != nil {
		return nil, err
	}
	var (
		d     models.DateProposal
		actor models.User
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockDate(tx, dateID, &d); err != nil {
			return err
		}
		if d.ProposerID != userID && d.RecipientID != userID {
			return ErrNotParticipant
		}
		if d.Status != DatePending && d.Status != DateAccepted {
			return ErrDateClosed
		}
		if err := tx.First(&actor, userID).Error; err != nil {
			return errors.Wrap(err, "dateService.Modify.actor")
		}
		other := d.ProposerID
		if other == userID {
			other = d.RecipientID
		}
		d.ProposerID = userID
		d.RecipientID = other
		d.ScheduledAt = in.ScheduledAt.UTC()
		d.Location = strings.TrimSpace(in.Location)
		d.Note = in.Note
		d.Status = DatePending
		return errors.Wrap(tx.Save(&d).Error, "dateService.Modify.save")
	})
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("%s suggested a new plan for your date.", actor.Username)
	return s.event(ctx, d, d.RecipientID, &actor, NotificationDateModified, text), nil
}

// Cancel 由任一参与者取消邀请。
func (s *DateService) Cancel(ctx context.Context, dateID, userID uint) (*DateEvent, error) {
	var (
		d     models.DateProposal
		actor models.User
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockDate(tx, dateID, &d); err != nil {
			return err
		}
		if d.ProposerID != userID && d.RecipientID != userID {
			return ErrNotParticipant
		}
		if d.Status == DateCancelled || d.Status == DateDeclined {
			return ErrDateClosed
		}
		if err := tx.First(&actor, userID).Error; err != nil {
			return errors.Wrap(err, "dateService.Cancel.actor")
		}
		d.Status = DateCancelled
		return errors.Wrap(tx.Save(&d).Error, "dateService.Cancel.save")
	})
	if err != nil {
		return nil, err
	}
	other := d.ProposerID
	if other == userID {
		other = d.RecipientID
	}
	text := fmt.Sprintf("%s cancelled your date.", actor.Username)
	return s.event(ctx, d, other, &actor, NotificationDateCancelled, text), nil
}

// List 返回用户参与的全部约会邀请，按时间升序。
func (s *DateService) List(ctx context.Context, userID uint) ([]DateDTO, error) {
	var rows []models.DateProposal
	if err := s.db.WithContext(ctx).
		Where("proposer_id = ? OR recipient_id = ?", userID, userID).
		Order("scheduled_at asc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "dateService.List")
	}
	out := make([]DateDTO, 0, len(rows))
	for _, d := range rows {
		out = append(out, toDateDTO(d))
	}
	return out, nil
}

// event 在提交后尽力写入通知并组装推送数据。
func (s *DateService) event(ctx context.Context, d models.DateProposal, recipient uint, sender *models.User, typ, text string) *DateEvent {
	ev := &DateEvent{Date: toDateDTO(d)}
	if ns := s.notifications.createAll(ctx, notice{recipient: recipient, sender: sender, typ: typ, text: text}); len(ns) > 0 {
		ev.Notification = &ns[0]
	}
	return ev
}

func lockDate(tx *gorm.DB, dateID uint, d *models.DateProposal) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(d, dateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDateNotFound
	}
	return errors.Wrap(err, "lockDate")
}

func toDateDTO(d models.DateProposal) DateDTO {
	return DateDTO{
		ID:          d.ID,
		ProposerID:  d.ProposerID,
		RecipientID: d.RecipientID,
		ScheduledAt: d.ScheduledAt,
		Location:    d.Location,
		Note:        d.Note,
		Status:      d.Status,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
