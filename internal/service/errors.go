package service

import "github.com/pkg/errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUsernameTaken        = errors.New("username taken")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUserNotFound         = errors.New("user not found")
	ErrSelfAction           = errors.New("cannot target yourself")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant")
	ErrConversationInactive = errors.New("conversation inactive")
	ErrNotMatched           = errors.New("users are not matched")
	ErrDateNotFound         = errors.New("date not found")
	ErrInvalidDateStatus    = errors.New("invalid date status")
	ErrDateClosed           = errors.New("date no longer pending")
	ErrInvalidDate          = errors.New("invalid date details")
)
