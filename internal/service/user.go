package service

import (
	"context"
	"time"

	"matcha/internal/auth"
	"matcha/internal/config"
	"matcha/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// UserService 封装用户、认证与在线状态相关的业务逻辑。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Register 注册新用户，返回用户 ID 和用户名。
func (s *UserService) Register(ctx context.Context, username, password, avatarURL string) (*RegisterResult, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "userService.Register.count")
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "userService.Register.hash")
	}
	user := models.User{Username: username, PasswordHash: hash, AvatarURL: avatarURL}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, errors.Wrap(err, "userService.Register.create")
	}
	return &RegisterResult{ID: user.ID, Username: user.Username}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, "userService.Login.find")
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), user.ID, rt, exp); err != nil {
		return nil, errors.Wrap(err, "userService.Login.saveRefreshToken")
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ProfileDTO 是对外输出的用户资料与在线状态。
type ProfileDTO struct {
	ID             uint       `json:"id"`
	Username       string     `json:"username"`
	Avatar         string     `json:"avatar"`
	IsOnline       bool       `json:"isOnline"`
	LastConnection *time.Time `json:"lastConnection,omitempty"`
}

func (s *UserService) Lookup(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(err, "userService.Lookup")
	}
	return &user, nil
}

func (s *UserService) Profile(ctx context.Context, userID uint) (*ProfileDTO, error) {
	user, err := s.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ProfileDTO{
		ID:             user.ID,
		Username:       user.Username,
		Avatar:         user.AvatarURL,
		IsOnline:       user.IsOnline,
		LastConnection: user.LastConnection,
	}, nil
}

// SetOnline 把用户标记为在线。
func (s *UserService) SetOnline(ctx context.Context, userID uint) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("is_online", true).Error
	return errors.Wrap(err, "userService.SetOnline")
}

// SetOffline 把用户标记为离线并记录最后在线时间。
func (s *UserService) SetOffline(ctx context.Context, userID uint, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"is_online": false, "last_connection": at}).Error
	return errors.Wrap(err, "userService.SetOffline")
}
