package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/infiniteflux/vibe-sub000/internal/auth"
	"github.com/infiniteflux/vibe-sub000/internal/config"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/infiniteflux/vibe-sub000/internal/models"

	"gorm.io/gorm"
)

// AccountService 封装账号注册、登录与 token 轮换。认证相关错误总是返回给调用方。
type AccountService struct {
	db    *gorm.DB
	store docstore.Store
	cfg   config.Config
}

func NewAccountService(db *gorm.DB, store docstore.Store, cfg config.Config) *AccountService {
	return &AccountService{db: db, store: store, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func normalizeEmail(email string) (string, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", false
	}
	return email, true
}

// Register 创建账号并写入 users/{uid} 文档，默认角色为 user。
func (s *AccountService) Register(ctx context.Context, email, password, name string) (*RegisterResult, error) {
	email, ok := normalizeEmail(email)
	name = strings.TrimSpace(name)
	if !ok || len(password) < 6 || name == "" {
		return nil, ErrInvalidInput
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Account{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	acc := models.Account{ID: uuid.NewString(), Email: email, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&acc).Error; err != nil {
		return nil, err
	}
	user := models.User{ID: acc.ID, Name: name, Role: models.RoleUser}
	if err := docstore.Set(ctx, s.store, docstore.Path("users", acc.ID), mapper.UserData(user)); err != nil {
		// 文档写入失败时删除账号，避免出现没有资料的账号
		if derr := s.db.WithContext(ctx).Delete(&models.Account{}, "id = ?", acc.ID).Error; derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, fmt.Errorf("create user document: %w", err)
	}
	return &RegisterResult{ID: acc.ID, Email: acc.Email, Name: name}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	Account      models.Account `json:"-"`
}

// Login 校验邮箱密码并签发 token 对。
func (s *AccountService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email, ok := normalizeEmail(email)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	var acc models.Account
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(acc.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(acc.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), acc.ID, rt, exp); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, Account: acc}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *AccountService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidCredentials
			}
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.AccountID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.AccountID, newRT, exp); err != nil {
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

// Logout 撤销账号的全部 refresh token。
func (s *AccountService) Logout(ctx context.Context, accountID string) error {
	return auth.RevokeAll(s.db.WithContext(ctx), accountID)
}
