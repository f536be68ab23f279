package models

import "time"

type User struct {
	ID             uint   `gorm:"primaryKey"`
	Username       string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash   string `gorm:"not null"`
	AvatarURL      string `gorm:"size:512"`
	IsOnline       bool   `gorm:"not null;default:false"`
	LastConnection *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Like struct {
	ID        uint `gorm:"primaryKey"`
	LikerID   uint `gorm:"uniqueIndex:idx_like_pair;not null"`
	LikedID   uint `gorm:"uniqueIndex:idx_like_pair;index;not null"`
	CreatedAt time.Time
}

type Dislike struct {
	ID         uint `gorm:"primaryKey"`
	DislikerID uint `gorm:"uniqueIndex:idx_dislike_pair;not null"`
	DislikedID uint `gorm:"uniqueIndex:idx_dislike_pair;not null"`
	CreatedAt  time.Time
}

// Match 按 (min,max) 存储无序用户对，每对只有一行。
type Match struct {
	ID        uint `gorm:"primaryKey"`
	UserID1   uint `gorm:"column:user_id_1;uniqueIndex:idx_match_pair;not null"`
	UserID2   uint `gorm:"column:user_id_2;uniqueIndex:idx_match_pair;index;not null"`
	IsActive  bool `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Other 返回配对中的另一位用户。
func (m Match) Other(userID uint) uint {
	if m.UserID1 == userID {
		return m.UserID2
	}
	return m.UserID1
}

// Conversation 一经创建永不删除，匹配失效后重新激活时复用。
type Conversation struct {
	ID        uint `gorm:"primaryKey"`
	MatchID   uint `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message 的 SenderID 为 nil 表示系统消息。
type Message struct {
	ID             uint   `gorm:"primaryKey"`
	ConversationID uint   `gorm:"index:idx_msg_conversation_id;not null"`
	SenderID       *uint  `gorm:"index"`
	Content        string `gorm:"type:text;not null"`
	IsRead         bool   `gorm:"not null;default:false"`
	CreatedAt      time.Time
}

type Notification struct {
	ID          uint   `gorm:"primaryKey"`
	RecipientID uint   `gorm:"index;not null"`
	SenderID    *uint  `gorm:"index"`
	Type        string `gorm:"size:32;not null"`
	Message     string `gorm:"type:text;not null"`
	IsRead      bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

type DateProposal struct {
	ID          uint      `gorm:"primaryKey"`
	ProposerID  uint      `gorm:"index;not null"`
	RecipientID uint      `gorm:"index;not null"`
	ScheduledAt time.Time `gorm:"not null"`
	Location    string    `gorm:"size:255;not null"`
	Note        string    `gorm:"type:text"`
	Status      string    `gorm:"size:16;not null;default:pending"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
