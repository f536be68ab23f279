package service

import (
	"context"
	"fmt"
	"time"

	"matcha/internal/metrics"
	"matcha/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 匹配状态切换时写入会话的系统消息。
const (
	MatchOpeningMessage = "It's a match! You can now chat."
	MatchLeftMessage    = "User has left the chat."
)

// CanonicalPair 返回 (min,max)，matches 表只按这个顺序存储用户对。
func CanonicalPair(u1, u2 uint) (uint, uint) {
	if u1 < u2 {
		return u1, u2
	}
	return u2, u1
}

// pairLockKey 把无序用户对映射到一个 advisory lock key。
func pairLockKey(u1, u2 uint) int64 {
	a, b := CanonicalPair(u1, u2)
	return int64(a)<<32 | int64(b&0xffffffff)
}

// lockPair 在当前事务内串行化同一对用户的 like/dislike/unlike，
// 避免双方同时点赞时两个事务都看不到对方的 like。
func lockPair(tx *gorm.DB, u1, u2 uint) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", pairLockKey(u1, u2)).Error
}

// Activation 是 ActivateMatch 的结果，调用方据此向双方推送事件。
type Activation struct {
	Match               models.Match
	ConversationID      uint
	ConversationCreated bool
	Message             MessageDTO
}

// Deactivation 是 DeactivateMatch 的结果；Message 在会话不存在时为 nil。
type Deactivation struct {
	Match          models.Match
	WasActive      bool
	ConversationID uint
	Message        *MessageDTO
}

// ActivateMatch 在调用方的事务 tx 中创建或重新激活匹配，按需创建会话并写入开场系统消息。
// 会话只会创建一次，之后的重新激活都复用它。
func ActivateMatch(tx *gorm.DB, u1, u2 uint) (*Activation, error) {
	if u1 == u2 {
		return nil, ErrSelfAction
	}
	a, b := CanonicalPair(u1, u2)
	now := time.Now()

	m := models.Match{UserID1: a, UserID2: b, IsActive: true}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id_1"}, {Name: "user_id_2"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"is_active": true, "updated_at": now}),
	}).Create(&m).Error
	if err != nil {
		return nil, errors.Wrap(err, "activateMatch.upsert")
	}
	if err := tx.Where("user_id_1 = ? AND user_id_2 = ?", a, b).First(&m).Error; err != nil {
		return nil, errors.Wrap(err, "activateMatch.reload")
	}

	conv, created, err := ensureConversation(tx, m.ID)
	if err != nil {
		return nil, err
	}
	msg, err := insertSystemMessage(tx, conv.ID, MatchOpeningMessage)
	if err != nil {
		return nil, err
	}
	metrics.MatchTransitions.WithLabelValues("activate").Inc()
	return &Activation{Match: m, ConversationID: conv.ID, ConversationCreated: created, Message: *msg}, nil
}

// DeactivateMatch 在调用方的事务 tx 中停用匹配。没有匹配记录时返回 (nil, nil) 且不做任何写入。
func DeactivateMatch(tx *gorm.DB, u1, u2 uint) (*Deactivation, error) {
	a, b := CanonicalPair(u1, u2)

	var m models.Match
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id_1 = ? AND user_id_2 = ?", a, b).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "deactivateMatch.find")
	}

	out := &Deactivation{WasActive: m.IsActive}
	now := time.Now()
	if err := tx.Model(&m).Updates(map[string]interface{}{"is_active": false, "updated_at": now}).Error; err != nil {
		return nil, errors.Wrap(err, "deactivateMatch.update")
	}
	m.IsActive = false
	out.Match = m
	metrics.MatchTransitions.WithLabelValues("deactivate").Inc()

	var conv models.Conversation
	err = tx.Where("match_id = ?", m.ID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "deactivateMatch.findConversation")
	}
	msg, err := insertSystemMessage(tx, conv.ID, MatchLeftMessage)
	if err != nil {
		return nil, err
	}
	out.ConversationID = conv.ID
	out.Message = msg
	return out, nil
}

func ensureConversation(tx *gorm.DB, matchID uint) (*models.Conversation, bool, error) {
	var conv models.Conversation
	err := tx.Where("match_id = ?", matchID).First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, errors.Wrap(err, "ensureConversation.find")
	}
	conv = models.Conversation{MatchID: matchID}
	if err := tx.Create(&conv).Error; err != nil {
		return nil, false, errors.Wrap(err, "ensureConversation.create")
	}
	return &conv, true, nil
}

func insertSystemMessage(tx *gorm.DB, conversationID uint, content string) (*MessageDTO, error) {
	msg := models.Message{ConversationID: conversationID, Content: content}
	if err := tx.Create(&msg).Error; err != nil {
		return nil, errors.Wrap(err, "insertSystemMessage")
	}
	if err := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Update("updated_at", msg.CreatedAt).Error; err != nil {
		return nil, errors.Wrap(err, "insertSystemMessage.touchConversation")
	}
	dto := toMessageDTO(msg)
	return &dto, nil
}

// MatchService 负责 like/dislike/unlike 以及匹配列表。
type MatchService struct {
	db            *gorm.DB
	notifications *NotificationService
}

func NewMatchService(db *gorm.DB, notifications *NotificationService) *MatchService {
	return &MatchService{db: db, notifications: notifications}
}

// LikeResult 描述一次 like 的结果。Notifications 已经落库，按 RecipientID 推送即可。
type LikeResult struct {
	IsMatch       bool
	Activation    *Activation
	Notifications []NotificationDTO
}

// UnmatchResult 描述 dislike/unlike 的结果。Deactivation 为 nil 表示双方从未匹配。
type UnmatchResult struct {
	Deactivation  *Deactivation
	Notifications []NotificationDTO
}

// Like 记录 liker 对 target 的 like；若对方已经 like 过自己，则在同一事务中激活匹配。
func (s *MatchService) Like(ctx context.Context, likerID, targetID uint) (*LikeResult, error) {
	if likerID == targetID {
		return nil, ErrSelfAction
	}
	var (
		liker, target models.User
		result        LikeResult
		fresh         bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadPair(tx, likerID, targetID, &liker, &target); err != nil {
			return err
		}
		if err := lockPair(tx, likerID, targetID); err != nil {
			return errors.Wrap(err, "matchService.Like.lock")
		}
		if err := tx.Where("disliker_id = ? AND disliked_id = ?", likerID, targetID).Delete(&models.Dislike{}).Error; err != nil {
			return errors.Wrap(err, "matchService.Like.clearDislike")
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Like{LikerID: likerID, LikedID: targetID})
		if res.Error != nil {
			return errors.Wrap(res.Error, "matchService.Like.insert")
		}
		fresh = res.RowsAffected > 0

		var mutual int64
		if err := tx.Model(&models.Like{}).Where("liker_id = ? AND liked_id = ?", targetID, likerID).Count(&mutual).Error; err != nil {
			return errors.Wrap(err, "matchService.Like.mutual")
		}
		if mutual == 0 {
			return nil
		}
		if !fresh {
			// like 已存在：只报告当前匹配状态，不重复写开场消息。
			active, err := isActiveMatch(tx, likerID, targetID)
			result.IsMatch = active
			return err
		}
		act, err := ActivateMatch(tx, likerID, targetID)
		if err != nil {
			return err
		}
		result.IsMatch = true
		result.Activation = act
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !fresh {
		return &result, nil
	}

	if result.IsMatch {
		result.Notifications = s.notifications.createAll(ctx,
			notice{recipient: target.ID, sender: &liker, typ: NotificationMatch, text: fmt.Sprintf("You matched with %s!", liker.Username)},
			notice{recipient: liker.ID, sender: &target, typ: NotificationMatch, text: fmt.Sprintf("You matched with %s!", target.Username)},
		)
	} else {
		result.Notifications = s.notifications.createAll(ctx,
			notice{recipient: target.ID, sender: &liker, typ: NotificationLike, text: fmt.Sprintf("%s liked your profile.", liker.Username)},
		)
	}
	return &result, nil
}

// Dislike 移除 like、记录 dislike 并停用匹配（未匹配时为空操作）。
func (s *MatchService) Dislike(ctx context.Context, userID, targetID uint) (*UnmatchResult, error) {
	if userID == targetID {
		return nil, ErrSelfAction
	}
	var result UnmatchResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPair(tx, userID, targetID); err != nil {
			return errors.Wrap(err, "matchService.Dislike.lock")
		}
		if err := tx.First(&models.User{}, targetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return errors.Wrap(err, "matchService.Dislike.target")
		}
		if err := tx.Where("liker_id = ? AND liked_id = ?", userID, targetID).Delete(&models.Like{}).Error; err != nil {
			return errors.Wrap(err, "matchService.Dislike.clearLike")
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Dislike{DislikerID: userID, DislikedID: targetID}).Error; err != nil {
			return errors.Wrap(err, "matchService.Dislike.insert")
		}
		d, err := DeactivateMatch(tx, userID, targetID)
		result.Deactivation = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Unlike 撤回 like 并停用匹配；若此前处于匹配状态，通知对方。
func (s *MatchService) Unlike(ctx context.Context, userID, targetID uint) (*UnmatchResult, error) {
	if userID == targetID {
		return nil, ErrSelfAction
	}
	var (
		user, target models.User
		result       UnmatchResult
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadPair(tx, userID, targetID, &user, &target); err != nil {
			return err
		}
		if err := lockPair(tx, userID, targetID); err != nil {
			return errors.Wrap(err, "matchService.Unlike.lock")
		}
		if err := tx.Where("liker_id = ? AND liked_id = ?", userID, targetID).Delete(&models.Like{}).Error; err != nil {
			return errors.Wrap(err, "matchService.Unlike.delete")
		}
		d, err := DeactivateMatch(tx, userID, targetID)
		result.Deactivation = d
		return err
	})
	if err != nil {
		return nil, err
	}
	if d := result.Deactivation; d != nil && d.WasActive {
		result.Notifications = s.notifications.createAll(ctx,
			notice{recipient: target.ID, sender: &user, typ: NotificationUnlike, text: fmt.Sprintf("%s unmatched with you.", user.Username)},
		)
	}
	return &result, nil
}

// MatchDTO 是匹配列表中的一项。
type MatchDTO struct {
	MatchID        uint       `json:"matchId"`
	UserID         uint       `json:"userId"`
	Username       string     `json:"username"`
	Avatar         string     `json:"avatar"`
	IsOnline       bool       `json:"isOnline"`
	LastConnection *time.Time `json:"lastConnection,omitempty"`
	ConversationID uint       `json:"conversationId"`
}

// ListActive 返回 userID 当前所有有效匹配。
func (s *MatchService) ListActive(ctx context.Context, userID uint) ([]MatchDTO, error) {
	var matches []models.Match
	if err := s.db.WithContext(ctx).
		Where("(user_id_1 = ? OR user_id_2 = ?) AND is_active = ?", userID, userID, true).
		Order("updated_at desc").Find(&matches).Error; err != nil {
		return nil, errors.Wrap(err, "matchService.ListActive.matches")
	}
	if len(matches) == 0 {
		return []MatchDTO{}, nil
	}
	matchIDs := make([]uint, 0, len(matches))
	peerIDs := make([]uint, 0, len(matches))
	for _, m := range matches {
		matchIDs = append(matchIDs, m.ID)
		peerIDs = append(peerIDs, m.Other(userID))
	}
	users, err := usersByID(s.db.WithContext(ctx), peerIDs)
	if err != nil {
		return nil, err
	}
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Where("match_id IN ?", matchIDs).Find(&convs).Error; err != nil {
		return nil, errors.Wrap(err, "matchService.ListActive.conversations")
	}
	convByMatch := make(map[uint]uint, len(convs))
	for _, c := range convs {
		convByMatch[c.MatchID] = c.ID
	}

	out := make([]MatchDTO, 0, len(matches))
	for _, m := range matches {
		peer := users[m.Other(userID)]
		out = append(out, MatchDTO{
			MatchID:        m.ID,
			UserID:         peer.ID,
			Username:       peer.Username,
			Avatar:         peer.AvatarURL,
			IsOnline:       peer.IsOnline,
			LastConnection: peer.LastConnection,
			ConversationID: convByMatch[m.ID],
		})
	}
	return out, nil
}

func isActiveMatch(tx *gorm.DB, u1, u2 uint) (bool, error) {
	a, b := CanonicalPair(u1, u2)
	var count int64
	err := tx.Model(&models.Match{}).
		Where("user_id_1 = ? AND user_id_2 = ? AND is_active = ?", a, b, true).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "isActiveMatch")
	}
	return count > 0, nil
}

// loadPair 读取两个用户，任一不存在时返回 ErrUserNotFound。
func loadPair(tx *gorm.DB, selfID, targetID uint, self, target *models.User) error {
	if err := tx.First(self, selfID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return errors.Wrap(err, "loadPair.self")
	}
	if err := tx.First(target, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return errors.Wrap(err, "loadPair.target")
	}
	return nil
}

func usersByID(db *gorm.DB, ids []uint) (map[uint]models.User, error) {
	out := make(map[uint]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, errors.Wrap(err, "usersByID")
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// logSideEffect 记录被吞掉的副作用错误。
func logSideEffect(err error, what string, userID uint) {
	log.Warn().Err(err).Uint("user_id", userID).Msg(what)
}
