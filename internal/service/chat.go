package service

import (
	"context"
	"time"

	"matcha/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// MessageDTO 是对外输出的消息数据；SenderID 为 nil 表示系统消息。
type MessageDTO struct {
	ID             uint      `json:"id"`
	ConversationID uint      `json:"conversationId"`
	SenderID       *uint     `json:"senderId"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"isRead"`
	IsSystem       bool      `json:"isSystem"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toMessageDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		IsRead:         m.IsRead,
		IsSystem:       m.SenderID == nil,
		CreatedAt:      m.CreatedAt,
	}
}

// ConversationDTO 是会话列表中的一项。
type ConversationDTO struct {
	ID           uint        `json:"id"`
	MatchID      uint        `json:"matchId"`
	IsActive     bool        `json:"is_active"`
	PeerID       uint        `json:"peerId"`
	PeerUsername string      `json:"peerUsername"`
	PeerAvatar   string      `json:"peerAvatar"`
	PeerOnline   bool        `json:"peerOnline"`
	LastMessage  *MessageDTO `json:"lastMessage,omitempty"`
	Unread       int64       `json:"unread"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// SendResult 是发送消息后的结果，RecipientID 用于推送。
type SendResult struct {
	Message     MessageDTO
	RecipientID uint
}

// ReadReceipt 描述一次已读回执。
type ReadReceipt struct {
	ConversationID uint  `json:"conversationId"`
	ReaderID       uint  `json:"readerId"`
	PeerID         uint  `json:"-"`
	Count          int64 `json:"count"`
}

// ChatService 封装会话与消息相关的业务逻辑。
type ChatService struct {
	db *gorm.DB
}

func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{db: db}
}

// conversationFor 读取会话及其匹配，并校验 userID 是参与者。
func (s *ChatService) conversationFor(db *gorm.DB, conversationID, userID uint) (*models.Conversation, *models.Match, error) {
	var conv models.Conversation
	if err := db.First(&conv, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrConversationNotFound
		}
		return nil, nil, errors.Wrap(err, "chatService.conversationFor.conversation")
	}
	var m models.Match
	if err := db.First(&m, conv.MatchID).Error; err != nil {
		return nil, nil, errors.Wrap(err, "chatService.conversationFor.match")
	}
	if m.UserID1 != userID && m.UserID2 != userID {
		return nil, nil, ErrNotParticipant
	}
	return &conv, &m, nil
}

// ListConversations 返回用户参与的全部会话（包括已失效的匹配），按最近活动排序。
func (s *ChatService) ListConversations(ctx context.Context, userID uint) ([]ConversationDTO, error) {
	db := s.db.WithContext(ctx)
	var matches []models.Match
	if err := db.Where("user_id_1 = ? OR user_id_2 = ?", userID, userID).Find(&matches).Error; err != nil {
		return nil, errors.Wrap(err, "chatService.ListConversations.matches")
	}
	if len(matches) == 0 {
		return []ConversationDTO{}, nil
	}
	matchByID := make(map[uint]models.Match, len(matches))
	matchIDs := make([]uint, 0, len(matches))
	peerIDs := make([]uint, 0, len(matches))
	for _, m := range matches {
		matchByID[m.ID] = m
		matchIDs = append(matchIDs, m.ID)
		peerIDs = append(peerIDs, m.Other(userID))
	}
	var convs []models.Conversation
	if err := db.Where("match_id IN ?", matchIDs).Order("updated_at desc").Find(&convs).Error; err != nil {
		return nil, errors.Wrap(err, "chatService.ListConversations.conversations")
	}
	peers, err := usersByID(db, peerIDs)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationDTO, 0, len(convs))
	for _, c := range convs {
		m := matchByID[c.MatchID]
		peer := peers[m.Other(userID)]
		dto := ConversationDTO{
			ID:           c.ID,
			MatchID:      m.ID,
			IsActive:     m.IsActive,
			PeerID:       peer.ID,
			PeerUsername: peer.Username,
			PeerAvatar:   peer.AvatarURL,
			PeerOnline:   peer.IsOnline,
			UpdatedAt:    c.UpdatedAt,
		}
		var last models.Message
		err := db.Where("conversation_id = ?", c.ID).Order("id desc").Limit(1).Take(&last).Error
		if err == nil {
			lm := toMessageDTO(last)
			dto.LastMessage = &lm
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(err, "chatService.ListConversations.lastMessage")
		}
		if err := db.Model(&models.Message{}).
			Where("conversation_id = ? AND is_read = ? AND (sender_id IS NULL OR sender_id <> ?)", c.ID, false, userID).
			Count(&dto.Unread).Error; err != nil {
			return nil, errors.Wrap(err, "chatService.ListConversations.unread")
		}
		out = append(out, dto)
	}
	return out, nil
}

// ListMessages 分页查询会话消息，按 id 升序返回。
func (s *ChatService) ListMessages(ctx context.Context, conversationID, userID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := s.db.WithContext(ctx)
	if _, _, err := s.conversationFor(db, conversationID, userID); err != nil {
		return nil, err
	}

	q := db.Where("conversation_id = ?", conversationID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(err, "chatService.ListMessages")
	}
	// 反转为升序
	out := make([]MessageDTO, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = toMessageDTO(m)
	}
	return out, nil
}

// Send 在有效匹配的会话中写入一条用户消息。
func (s *ChatService) Send(ctx context.Context, conversationID, senderID uint, content string) (*SendResult, error) {
	var result SendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, m, err := s.conversationFor(tx, conversationID, senderID)
		if err != nil {
			return err
		}
		if !m.IsActive {
			return ErrConversationInactive
		}
		sender := senderID
		msg := models.Message{ConversationID: conv.ID, SenderID: &sender, Content: content}
		if err := tx.Create(&msg).Error; err != nil {
			return errors.Wrap(err, "chatService.Send.create")
		}
		if err := tx.Model(conv).Update("updated_at", msg.CreatedAt).Error; err != nil {
			return errors.Wrap(err, "chatService.Send.touch")
		}
		result.Message = toMessageDTO(msg)
		result.RecipientID = m.Other(senderID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead 把会话中对方发送的消息（含系统消息）标记为已读。
func (s *ChatService) MarkRead(ctx context.Context, conversationID, readerID uint) (*ReadReceipt, error) {
	db := s.db.WithContext(ctx)
	conv, m, err := s.conversationFor(db, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	res := db.Model(&models.Message{}).
		Where("conversation_id = ? AND is_read = ? AND (sender_id IS NULL OR sender_id <> ?)", conv.ID, false, readerID).
		Update("is_read", true)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "chatService.MarkRead")
	}
	return &ReadReceipt{ConversationID: conv.ID, ReaderID: readerID, PeerID: m.Other(readerID), Count: res.RowsAffected}, nil
}

// LogSystemMessage 向 a、b 之间的会话写入一条系统消息（例如通话记录）。
// 双方从未匹配过时返回 ErrConversationNotFound。
func (s *ChatService) LogSystemMessage(ctx context.Context, a, b uint, content string) (*MessageDTO, error) {
	u1, u2 := CanonicalPair(a, b)
	var msg *MessageDTO
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Match
		if err := tx.Where("user_id_1 = ? AND user_id_2 = ?", u1, u2).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return errors.Wrap(err, "chatService.LogSystemMessage.match")
		}
		var conv models.Conversation
		if err := tx.Where("match_id = ?", m.ID).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return errors.Wrap(err, "chatService.LogSystemMessage.conversation")
		}
		var err error
		msg, err = insertSystemMessage(tx, conv.ID, content)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
