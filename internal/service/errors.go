package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotCreator         = errors.New("only creators can create events")
	ErrNotSignedIn        = errors.New("not signed in")
	ErrNotMember          = errors.New("not a group member")
	ErrEmailTaken         = errors.New("email taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
